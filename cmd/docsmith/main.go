package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/pkg/config"
	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 success, 2 bad usage, 3 config error, 4 transient infra
// error (caller may retry), 5 fatal.
const (
	exitUsage     = 2
	exitConfig    = 3
	exitTransient = 4
	exitFatal     = 5
)

// exitError carries a process exit code alongside the cause
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func errConfig(err error) error    { return &exitError{code: exitConfig, err: err} }
func errTransient(err error) error { return &exitError{code: exitTransient, err: err} }
func errFatal(err error) error     { return &exitError{code: exitFatal, err: err} }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUsage)
	}
}

var (
	configPath  string
	dataDir     string
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "docsmith",
	Short: "Docsmith - document processing orchestrator",
	Long: `Docsmith drives documents through a multi-stage AI pipeline
(extract, enrich, structure, synthesize, chunk, embed) with bounded
parallel workers, crash-safe leases, and non-destructive execution
versioning.

Every invocation is a bounded run; long-lived operation comes from
external scheduling or RUN ops-requests.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Docsmith version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory for the repository database")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint (disabled when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(opsCmd)
	rootCmd.AddCommand(statusCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docsmith"
	}
	return filepath.Join(home, ".docsmith")
}

// loadConfig reads the config file and applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errConfig(err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})
	return cfg, nil
}

// openStore opens the repository under the data dir
func openStore() (storage.Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errTransient(fmt.Errorf("failed to create data dir: %w", err))
	}
	repo, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, errTransient(fmt.Errorf("failed to open repository: %w", err))
	}
	return repo, nil
}
