package progress

import (
	"sync"
	"time"

	"github.com/docsmith/docsmith/pkg/events"
	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// Publisher folds orchestrator events into a single snapshot row. Writes are
// coalesced to at most one per interval no matter the event rate; the log is
// a fixed-size ring dropping oldest-first.
type Publisher struct {
	repo     storage.Store
	broker   *events.Broker
	interval time.Duration
	ringSize int

	mu       sync.Mutex
	snapshot types.ProgressSnapshot
	dirty    bool

	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPublisher creates a publisher writing at most once per interval with a
// stage-event ring of ringSize entries
func NewPublisher(repo storage.Store, broker *events.Broker, interval time.Duration, ringSize int) *Publisher {
	return &Publisher{
		repo:     repo,
		broker:   broker,
		interval: interval,
		ringSize: ringSize,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start subscribes to the broker and begins the coalescing loop
func (p *Publisher) Start() {
	p.sub = p.broker.Subscribe()
	go p.run()
}

// Stop drains the loop and writes one final snapshot with is_processing
// cleared so readers see a terminal state.
func (p *Publisher) Stop() {
	close(p.stopCh)
	<-p.doneCh

	p.mu.Lock()
	p.snapshot.IsProcessing = false
	p.snapshot.CurrentWorkers = 0
	p.snapshot.UpdatedAt = time.Now()
	snap := p.snapshot
	p.mu.Unlock()

	if err := p.repo.WriteProgress(&snap); err != nil {
		log.WithComponent("progress").Error().Err(err).Msg("Failed to write terminal snapshot")
	}
}

// WriteTerminal immediately writes a snapshot with is_processing cleared,
// marking the end of a run while the loop keeps serving later batches.
func (p *Publisher) WriteTerminal() {
	p.mu.Lock()
	p.snapshot.IsProcessing = false
	p.snapshot.CurrentWorkers = 0
	p.snapshot.UpdatedAt = time.Now()
	snap := p.snapshot
	p.dirty = false
	p.mu.Unlock()

	if err := p.repo.WriteProgress(&snap); err != nil {
		log.WithComponent("progress").Error().Err(err).Msg("Failed to write terminal snapshot")
	}
}

// BeginRun seeds the snapshot for a new batch
func (p *Publisher) BeginRun(totalCount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = types.ProgressSnapshot{
		IsProcessing: true,
		TotalCount:   totalCount,
		Logs:         p.snapshot.Logs,
	}
	p.dirty = true
}

// TaskStarted records the document a worker just picked up
func (p *Publisher) TaskStarted(index int, fileName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.CurrentIndex = index
	p.snapshot.CurrentFile = fileName
	p.dirty = true
}

// TaskFinished bumps the success or error counter
func (p *Publisher) TaskFinished(succeeded bool, lastError string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if succeeded {
		p.snapshot.SuccessCount++
	} else {
		p.snapshot.ErrorCount++
		p.snapshot.LastError = lastError
	}
	p.dirty = true
}

// PoolStats mirrors the worker pool's published accounting
type PoolStats struct {
	MaxParallel     int
	CurrentWorkers  int
	ThrottleDelayMs int64
	AdjustmentCount int
	CPUPercent      float64
	MemoryPercent   float64
	MemoryUsedGB    float64
	MemoryTotalGB   float64
}

// UpdatePool folds the pool's resource accounting into the snapshot
func (p *Publisher) UpdatePool(stats PoolStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.MaxParallel = stats.MaxParallel
	p.snapshot.CurrentWorkers = stats.CurrentWorkers
	p.snapshot.ThrottleDelayMs = stats.ThrottleDelayMs
	p.snapshot.AdjustmentCount = stats.AdjustmentCount
	p.snapshot.CPUPercent = stats.CPUPercent
	p.snapshot.MemoryPercent = stats.MemoryPercent
	p.snapshot.MemoryUsedGB = stats.MemoryUsedGB
	p.snapshot.MemoryTotalGB = stats.MemoryTotalGB
	p.dirty = true
}

// Snapshot returns a copy of the current in-memory state
func (p *Publisher) Snapshot() types.ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-p.sub:
			if !ok {
				return
			}
			p.fold(event)
		case <-ticker.C:
			p.flush()
		case <-p.stopCh:
			// Drain whatever the broker already delivered.
			for {
				select {
				case event, ok := <-p.sub:
					if !ok {
						return
					}
					p.fold(event)
				default:
					p.broker.Unsubscribe(p.sub)
					return
				}
			}
		}
	}
}

// fold appends the event to the ring buffer
func (p *Publisher) fold(event *events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshot.Logs = append(p.snapshot.Logs, types.StageEvent{
		DocID:   event.DocID,
		Stage:   event.Stage,
		SubStep: event.SubStep,
		Message: event.Message,
		Ts:      event.Timestamp,
	})
	if len(p.snapshot.Logs) > p.ringSize {
		p.snapshot.Logs = p.snapshot.Logs[len(p.snapshot.Logs)-p.ringSize:]
	}
	p.dirty = true
}

// flush writes the snapshot if anything changed since the last tick
func (p *Publisher) flush() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	p.snapshot.UpdatedAt = time.Now()
	snap := p.snapshot
	p.dirty = false
	p.mu.Unlock()

	if err := p.repo.WriteProgress(&snap); err != nil {
		log.WithComponent("progress").Error().Err(err).Msg("Failed to write progress snapshot")
	}
}
