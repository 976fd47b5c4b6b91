package pool

import (
	"context"
	"sync"
	"time"

	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/metrics"
)

// Task is one unit of work for the pool: a document run plus its failure
// hooks. OnPanic fires when Run panics so the caller can release the lease
// and record the INTERNAL_PANIC outcome; OnDone fires on normal return.
type Task struct {
	DocID   string
	Run     func(ctx context.Context) error
	OnDone  func(err error)
	OnPanic func(recovered interface{})
}

// Pool runs tasks under a dynamic concurrency bound. The bound moves between
// a floor and a hard cap as the governor reacts to memory pressure; a panic
// in one task never takes down its siblings.
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	maxParallel int
	hardCap     int
	floor       int
	current     int
	queueDepth  int
	throttle    time.Duration
	adjustments int
	usage       Usage
	cancels     map[string]context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a pool with the initial bound and its scaling limits
func New(maxParallel, hardCap, floor int) *Pool {
	p := &Pool{
		maxParallel: maxParallel,
		hardCap:     hardCap,
		floor:       floor,
		cancels:     make(map[string]context.CancelFunc),
	}
	p.cond = sync.NewCond(&p.mu)
	metrics.PoolMaxParallel.Set(float64(maxParallel))
	return p
}

// Dispatch blocks until a worker slot is free, then runs the task in its own
// goroutine. It returns ctx.Err() if the context is canceled while waiting.
func (p *Pool) Dispatch(ctx context.Context, task Task) error {
	p.mu.Lock()
	p.queueDepth++
	metrics.PoolQueueDepth.Set(float64(p.queueDepth))

	// Wake the wait loop if the dispatch context dies.
	stopWake := context.AfterFunc(ctx, func() {
		p.cond.Broadcast()
	})
	defer stopWake()

	for p.current >= p.maxParallel && ctx.Err() == nil {
		p.cond.Wait()
	}
	p.queueDepth--
	metrics.PoolQueueDepth.Set(float64(p.queueDepth))

	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return err
	}

	tctx, cancel := context.WithCancel(ctx)
	p.current++
	p.cancels[task.DocID] = cancel
	metrics.PoolCurrentWorkers.Set(float64(p.current))
	p.mu.Unlock()

	p.wg.Add(1)
	go p.execute(tctx, cancel, task)
	return nil
}

func (p *Pool) execute(ctx context.Context, cancel context.CancelFunc, task Task) {
	defer p.wg.Done()
	defer func() {
		recovered := recover()

		cancel()
		p.mu.Lock()
		p.current--
		delete(p.cancels, task.DocID)
		metrics.PoolCurrentWorkers.Set(float64(p.current))
		p.mu.Unlock()
		p.cond.Broadcast()

		if recovered != nil {
			log.WithDocID(task.DocID).Error().
				Interface("panic", recovered).
				Msg("Worker panicked, isolating task")
			if task.OnPanic != nil {
				task.OnPanic(recovered)
			}
		}
	}()

	err := task.Run(ctx)
	if task.OnDone != nil {
		task.OnDone(err)
	}
}

// CancelAll signals every running task to stop at its next boundary
func (p *Pool) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.cancels {
		cancel()
	}
}

// Wait blocks until all in-flight tasks have finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Throttle returns the delay the orchestrator must insert between dispatches
func (p *Pool) Throttle() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.throttle
}

// setThrottle is called by the governor
func (p *Pool) setThrottle(d time.Duration) {
	p.mu.Lock()
	p.throttle = d
	p.mu.Unlock()
	metrics.PoolThrottleDelayMs.Set(float64(d.Milliseconds()))
}

// shrink lowers the bound by one, not below the floor. Returns the new bound
// and whether anything changed.
func (p *Pool) shrink() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxParallel <= p.floor {
		return p.maxParallel, false
	}
	p.maxParallel--
	p.adjustments++
	metrics.PoolMaxParallel.Set(float64(p.maxParallel))
	metrics.PoolAdjustmentsTotal.Inc()
	return p.maxParallel, true
}

// grow raises the bound by one, not above the hard cap
func (p *Pool) grow() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxParallel >= p.hardCap {
		return p.maxParallel, false
	}
	p.maxParallel++
	p.adjustments++
	metrics.PoolMaxParallel.Set(float64(p.maxParallel))
	metrics.PoolAdjustmentsTotal.Inc()
	p.cond.Broadcast()
	return p.maxParallel, true
}

// setUsage stores the latest resource sample for Stats readers
func (p *Pool) setUsage(u Usage) {
	p.mu.Lock()
	p.usage = u
	p.mu.Unlock()
}

// Stats is the pool's published accounting
type Stats struct {
	MaxParallel     int
	CurrentWorkers  int
	QueueDepth      int
	ThrottleDelay   time.Duration
	AdjustmentCount int
	Usage           Usage
}

// Stats returns a consistent snapshot of the pool's accounting
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxParallel:     p.maxParallel,
		CurrentWorkers:  p.current,
		QueueDepth:      p.queueDepth,
		ThrottleDelay:   p.throttle,
		AdjustmentCount: p.adjustments,
		Usage:           p.usage,
	}
}
