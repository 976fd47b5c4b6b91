package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docsmith/docsmith/pkg/types"
)

// Duration wraps time.Duration so YAML configs can use strings like "5m" or "500ms"
type Duration time.Duration

// UnmarshalYAML parses either a duration string or an integer second count.
// The int decode runs first: a string decode would also accept bare integers
// and then choke on ParseDuration("90").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration value at line %d", value.Line)
}

// MarshalYAML renders the duration in Go's string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the full orchestrator configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Pool     PoolConfig     `yaml:"pool"`
	Lease    LeaseConfig    `yaml:"lease"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Progress ProgressConfig `yaml:"progress"`
	Routing  []RoutingRule  `yaml:"routing"`
}

// LogConfig controls structured logging output
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// PoolConfig controls the worker pool and its resource governor
type PoolConfig struct {
	MaxParallel    int      `yaml:"max_parallel"`
	HardCap        int      `yaml:"hard_cap"`
	MemoryHighPct  float64  `yaml:"memory_high_pct"`
	MemoryLowPct   float64  `yaml:"memory_low_pct"`
	SampleInterval Duration `yaml:"sample_interval"`
	ThrottleDelay  Duration `yaml:"throttle_delay"`
	ScaleFloor     int      `yaml:"scale_floor"`
}

// LeaseConfig controls single-writer leases and crash recovery
type LeaseConfig struct {
	TTL               Duration `yaml:"ttl"`
	HeartbeatFraction int      `yaml:"heartbeat_fraction"` // renew every TTL/fraction
	JanitorInterval   Duration `yaml:"janitor_interval"`
}

// PipelineConfig controls stage execution
type PipelineConfig struct {
	StageTimeouts    map[types.StageID]Duration `yaml:"stage_timeouts"`
	RetryMaxAttempts int                        `yaml:"retry_max_attempts"`
	RetryBase        Duration                   `yaml:"retry_base"`
	RetryFactor      float64                    `yaml:"retry_factor"`
	ReuseEnabled     bool                       `yaml:"reuse_enabled"`
	PersistVariants  bool                       `yaml:"persist_variants"` // keep extraction variants E1-E4
	ChunkSize        int                        `yaml:"chunk_size"`
	ChunkOverlap     int                        `yaml:"chunk_overlap"`
	EmbeddingDim     int                        `yaml:"embedding_dim"`
	ModelReprompt    bool                       `yaml:"model_reprompt"` // one re-prompt on malformed model output
}

// ProgressConfig controls the progress publisher
type ProgressConfig struct {
	WriteInterval Duration `yaml:"write_interval"`
	RingSize      int      `yaml:"ring_size"`
}

// RoutingRule maps a stage (optionally scoped to a workspace or doc type) to a
// model and prompt template. Precedence at resolution time: workspace match,
// then doc_type match, then the stage default (empty workspace and doc_type).
type RoutingRule struct {
	Stage          types.StageID `yaml:"stage"`
	Workspace      string        `yaml:"workspace,omitempty"`
	DocType        string        `yaml:"doc_type,omitempty"`
	ModelID        string        `yaml:"model_id"`
	PromptTemplate string        `yaml:"prompt_template"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Pool: PoolConfig{
			MaxParallel:    8,
			HardCap:        32,
			MemoryHighPct:  85.0,
			MemoryLowPct:   70.0,
			SampleInterval: Duration(2 * time.Second),
			ThrottleDelay:  Duration(500 * time.Millisecond),
			ScaleFloor:     1,
		},
		Lease: LeaseConfig{
			TTL:               Duration(5 * time.Minute),
			HeartbeatFraction: 3,
			JanitorInterval:   Duration(150 * time.Second), // TTL/2, at least once per TTL
		},
		Pipeline: PipelineConfig{
			StageTimeouts: map[types.StageID]Duration{
				types.StageExtract:    Duration(30 * time.Second),
				types.StageEnrich:     Duration(120 * time.Second),
				types.StageFormat:     Duration(60 * time.Second),
				types.StageStructure:  Duration(60 * time.Second),
				types.StageSynthesize: Duration(30 * time.Second),
				types.StageChunk:      Duration(10 * time.Second),
				types.StageEmbed:      Duration(60 * time.Second),
			},
			RetryMaxAttempts: 3,
			RetryBase:        Duration(1 * time.Second),
			RetryFactor:      2.0,
			ReuseEnabled:     true,
			PersistVariants:  false,
			ChunkSize:        800,
			ChunkOverlap:     100,
			EmbeddingDim:     1536,
			ModelReprompt:    true,
		},
		Progress: ProgressConfig{
			WriteInterval: Duration(500 * time.Millisecond),
			RingSize:      64,
		},
	}
}

// Load reads a YAML configuration file and merges it over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.Pool.MaxParallel < 1 {
		return fmt.Errorf("pool.max_parallel must be >= 1, got %d", c.Pool.MaxParallel)
	}
	if c.Pool.HardCap < c.Pool.MaxParallel {
		return fmt.Errorf("pool.hard_cap (%d) must be >= pool.max_parallel (%d)", c.Pool.HardCap, c.Pool.MaxParallel)
	}
	if c.Pool.ScaleFloor < 1 {
		return fmt.Errorf("pool.scale_floor must be >= 1, got %d", c.Pool.ScaleFloor)
	}
	if c.Pool.MemoryLowPct >= c.Pool.MemoryHighPct {
		return fmt.Errorf("pool.memory_low_pct (%.1f) must be below pool.memory_high_pct (%.1f)", c.Pool.MemoryLowPct, c.Pool.MemoryHighPct)
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if c.Lease.HeartbeatFraction < 2 {
		return fmt.Errorf("lease.heartbeat_fraction must be >= 2, got %d", c.Lease.HeartbeatFraction)
	}
	if c.Pipeline.RetryMaxAttempts < 1 {
		return fmt.Errorf("pipeline.retry_max_attempts must be >= 1, got %d", c.Pipeline.RetryMaxAttempts)
	}
	if c.Pipeline.ChunkOverlap < 0 {
		return fmt.Errorf("pipeline.chunk_overlap must be >= 0, got %d", c.Pipeline.ChunkOverlap)
	}
	if c.Pipeline.ChunkOverlap >= c.Pipeline.ChunkSize {
		return fmt.Errorf("pipeline.chunk_overlap (%d) must be below pipeline.chunk_size (%d)", c.Pipeline.ChunkOverlap, c.Pipeline.ChunkSize)
	}
	if c.Pipeline.EmbeddingDim < 1 {
		return fmt.Errorf("pipeline.embedding_dim must be >= 1, got %d", c.Pipeline.EmbeddingDim)
	}
	for _, rule := range c.Routing {
		if !validStage(rule.Stage) {
			return fmt.Errorf("routing rule references unknown stage %q", rule.Stage)
		}
		if rule.ModelID == "" {
			return fmt.Errorf("routing rule for stage %s has no model_id", rule.Stage)
		}
	}
	return nil
}

// HeartbeatInterval returns the lease renewal cadence derived from the TTL
func (c *Config) HeartbeatInterval() time.Duration {
	return c.Lease.TTL.Std() / time.Duration(c.Lease.HeartbeatFraction)
}

// StageTimeout returns the wall-clock timeout for a stage, falling back to the
// default table when the config file omitted one.
func (c *Config) StageTimeout(stage types.StageID) time.Duration {
	if d, ok := c.Pipeline.StageTimeouts[stage]; ok && d > 0 {
		return d.Std()
	}
	return Default().Pipeline.StageTimeouts[stage].Std()
}

func validStage(id types.StageID) bool {
	for _, s := range types.PipelineOrder {
		if s == id {
			return true
		}
	}
	return false
}
