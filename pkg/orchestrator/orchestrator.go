package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docsmith/docsmith/pkg/config"
	"github.com/docsmith/docsmith/pkg/lease"
	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/metrics"
	"github.com/docsmith/docsmith/pkg/pool"
	"github.com/docsmith/docsmith/pkg/progress"
	"github.com/docsmith/docsmith/pkg/stage"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// Orchestrator owns the top-level dispatch loop: read the control gate,
// fetch a pending batch, hand documents to the pool one at a time, and
// account for the outcomes. It never loops continuously; every invocation is
// one bounded RUN.
type Orchestrator struct {
	cfg      *config.Config
	repo     storage.Store
	engine   *stage.Engine
	pool     *pool.Pool
	leases   *lease.Manager
	progress *progress.Publisher
	loader   ContentLoader
	workerID string
}

// New wires the orchestrator over its collaborators
func New(cfg *config.Config, repo storage.Store, engine *stage.Engine, p *pool.Pool, leases *lease.Manager, pub *progress.Publisher, loader ContentLoader, workerID string) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		engine:   engine,
		pool:     p,
		leases:   leases,
		progress: pub,
		loader:   loader,
		workerID: workerID,
	}
}

// RunOptions bounds one RUN
type RunOptions struct {
	Limit     int
	Workspace string
	DocID     string
}

// Summary is the outcome of one RUN
type Summary struct {
	Fetched    int
	Dispatched int
	Succeeded  int
	Failed     int
	Skipped    int
	GateClosed bool
}

// RunBatch executes one bounded batch. It re-reads the control gate before
// every dispatch, so a STOP applied mid-batch halts further dispatch and
// cancels in-flight documents at their next stage boundary.
func (o *Orchestrator) RunBatch(ctx context.Context, opts RunOptions) (Summary, error) {
	var summary Summary

	state, err := o.repo.ReadWorkerState()
	if err != nil {
		return summary, fmt.Errorf("failed to read worker state: %w", err)
	}
	if state.StopRequested {
		log.WithComponent("orchestrator").Info().Msg("Stop requested, gate closed")
		summary.GateClosed = true
		o.writeTerminal()
		return summary, nil
	}

	filter := types.DocumentFilter{
		Workspace:         opts.Workspace,
		ExcludeWorkspaces: state.PausedWorkspaces,
	}
	if opts.DocID != "" {
		filter.DocIDs = []string{opts.DocID}
	}

	batch, err := o.repo.FetchPendingBatch(filter, opts.Limit)
	if err != nil {
		return summary, fmt.Errorf("failed to fetch pending batch: %w", err)
	}
	summary.Fetched = len(batch)
	if o.progress != nil {
		o.progress.BeginRun(len(batch))
	}
	log.WithComponent("orchestrator").Info().
		Int("batch_size", len(batch)).
		Str("workspace", opts.Workspace).
		Msg("Starting run")

	const (
		outcomeSucceeded = iota
		outcomeFailed
		outcomeSkipped
	)
	results := make(chan int, len(batch))

	for i, doc := range batch {
		// Re-read the gate: a STOP during the batch halts dispatch.
		state, err = o.repo.ReadWorkerState()
		if err != nil {
			return summary, err
		}
		if state.StopRequested {
			log.WithComponent("orchestrator").Warn().
				Int("remaining", len(batch)-i).
				Msg("Stop requested mid-batch, halting dispatch and canceling in-flight work")
			summary.GateClosed = true
			// In-flight documents finish their current stage and stop; the
			// engine records those executions as canceled.
			o.pool.CancelAll()
			break
		}
		if state.Paused(doc.Workspace) || state.PausedDocuments[doc.ID] {
			summary.Skipped++
			continue
		}

		if delay := o.pool.Throttle(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return summary, ctx.Err()
			}
		}

		if o.progress != nil {
			o.progress.TaskStarted(i+1, doc.FileName)
		}

		doc := doc
		err = o.pool.Dispatch(ctx, pool.Task{
			DocID: doc.ID,
			Run: func(tctx context.Context) error {
				return o.processOne(tctx, doc)
			},
			OnDone: func(err error) {
				switch {
				case err == nil:
					results <- outcomeSucceeded
				case errors.Is(err, errSkipped):
					// lease contention: not a failure, someone else owns it
					results <- outcomeSkipped
				default:
					results <- outcomeFailed
				}
				o.recordOutcome(doc, err)
			},
			OnPanic: func(recovered interface{}) {
				o.recoverPanic(doc, recovered)
				results <- outcomeFailed
			},
		})
		if err != nil {
			return summary, err
		}
		summary.Dispatched++

		if o.progress != nil {
			stats := o.pool.Stats()
			o.progress.UpdatePool(progress.PoolStats{
				MaxParallel:     stats.MaxParallel,
				CurrentWorkers:  stats.CurrentWorkers,
				ThrottleDelayMs: stats.ThrottleDelay.Milliseconds(),
				AdjustmentCount: stats.AdjustmentCount,
				CPUPercent:      stats.Usage.CPUPercent,
				MemoryPercent:   stats.Usage.MemoryPercent,
				MemoryUsedGB:    stats.Usage.MemoryUsedGB,
				MemoryTotalGB:   stats.Usage.MemoryTotalGB,
			})
		}
	}

	o.pool.Wait()
	close(results)
	for outcome := range results {
		switch outcome {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	o.writeTerminal()

	log.WithComponent("orchestrator").Info().
		Int("dispatched", summary.Dispatched).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Run complete")
	return summary, nil
}

// errSkipped marks a document another worker already owns
var errSkipped = errors.New("document taken by another worker")

// processOne is the per-document worker body: lease, status CAS, load,
// pipeline, release.
func (o *Orchestrator) processOne(ctx context.Context, doc *types.Document) error {
	guard, err := o.leases.Acquire(doc.ID, o.workerID)
	if err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			log.WithDocID(doc.ID).Debug().Msg("Lease held elsewhere, skipping")
			return errSkipped
		}
		return err
	}
	defer guard.Release()

	if err := o.repo.UpdateDocumentStatus(doc.ID, types.DocStatusPending, types.DocStatusProcessing); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return errSkipped
		}
		return err
	}

	content, err := o.loader.Load(ctx, doc)
	if err != nil {
		// Cannot even read the source: fail the document without an execution.
		_ = o.repo.UpdateDocumentStatus(doc.ID, types.DocStatusProcessing, types.DocStatusFailed)
		return fmt.Errorf("failed to load content for %s: %w", doc.ID, err)
	}

	// Abandon the run promptly if the lease is lost to the janitor.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-guard.Done():
			cancel()
		case <-watchDone:
		}
	}()

	_, err = o.engine.Process(wctx, doc, content)
	return err
}

// recordOutcome updates counters and the progress snapshot for one finished task
func (o *Orchestrator) recordOutcome(doc *types.Document, err error) {
	switch {
	case err == nil:
		metrics.DocumentsTotal.WithLabelValues(string(types.DocStatusCompleted)).Inc()
		if o.progress != nil {
			o.progress.TaskFinished(true, "")
		}
	case errors.Is(err, errSkipped):
		// no counter movement; the document was never ours
	default:
		metrics.DocumentsTotal.WithLabelValues(string(types.DocStatusFailed)).Inc()
		if o.progress != nil {
			o.progress.TaskFinished(false, err.Error())
		}
	}
}

// recoverPanic marks the orphaned execution and frees the lease after a
// worker panic
func (o *Orchestrator) recoverPanic(doc *types.Document, recovered interface{}) {
	log.WithDocID(doc.ID).Error().
		Interface("panic", recovered).
		Msg("Recovering from worker panic")

	execs, err := o.repo.ListExecutionsByDocument(doc.ID)
	if err == nil {
		for _, exec := range execs {
			if exec.Status != types.ExecStatusRunning && exec.Status != types.ExecStatusQueued {
				continue
			}
			if exec.Status == types.ExecStatusQueued {
				// failed is only reachable from running
				if err := o.repo.UpdateExecution(exec.ID, storage.ExecutionPatch{Status: types.ExecStatusRunning}); err != nil {
					log.WithExecutionID(exec.ID).Error().Err(err).Msg("Failed to advance queued execution before marking panic")
					continue
				}
			}
			patchErr := o.repo.UpdateExecution(exec.ID, storage.ExecutionPatch{
				Status:       types.ExecStatusFailed,
				ErrorCode:    types.ErrCodeInternalPanic,
				ErrorMessage: fmt.Sprintf("worker panic: %v", recovered),
			})
			if patchErr != nil {
				log.WithExecutionID(exec.ID).Error().Err(patchErr).Msg("Failed to mark panicked execution")
			}
			metrics.ExecutionsTotal.WithLabelValues(string(types.ExecStatusFailed)).Inc()
			break
		}
	}

	if err := o.repo.ForceReleaseLease(doc.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.WithDocID(doc.ID).Warn().Err(err).Msg("Failed to release lease after panic")
	}
	statusErr := o.repo.UpdateDocumentStatus(doc.ID, types.DocStatusProcessing, types.DocStatusFailed)
	if statusErr != nil && !errors.Is(statusErr, storage.ErrStatusConflict) {
		log.WithDocID(doc.ID).Warn().Err(statusErr).Msg("Failed to mark document after panic")
	}
	if o.progress != nil {
		o.progress.TaskFinished(false, fmt.Sprintf("panic: %v", recovered))
	}
}

func (o *Orchestrator) writeTerminal() {
	if o.progress != nil {
		o.progress.WriteTerminal()
	}
}
