package lease

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/pkg/events"
	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/metrics"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// Janitor recovers documents abandoned by crashed workers. Each cycle it
// force-releases expired leases, returns their documents to the pending
// queue, and fails any running execution whose document no longer carries a
// live lease.
type Janitor struct {
	repo     storage.Store
	broker   *events.Broker
	interval time.Duration
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewJanitor creates a janitor sweeping at the given interval. The interval
// should be at most the lease TTL so an expired lease is noticed within one
// TTL of the crash.
func NewJanitor(repo storage.Store, broker *events.Broker, interval time.Duration) *Janitor {
	return &Janitor{
		repo:     repo,
		broker:   broker,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (j *Janitor) Start() {
	go j.run()
}

// Stop stops the sweep loop
func (j *Janitor) Stop() {
	close(j.stopCh)
}

func (j *Janitor) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.Sweep(); err != nil {
				log.WithComponent("janitor").Error().Err(err).Msg("Sweep cycle failed")
			}
		case <-j.stopCh:
			return
		}
	}
}

// Sweep performs one recovery cycle. Exported so crash-recovery paths (and
// tests) can run it on demand instead of waiting for a tick.
func (j *Janitor) Sweep() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.releaseExpired(); err != nil {
		return fmt.Errorf("failed to release expired leases: %w", err)
	}
	if err := j.failOrphanedExecutions(); err != nil {
		return fmt.Errorf("failed to sweep stale executions: %w", err)
	}
	return nil
}

// releaseExpired frees every expired lease and returns its document to the
// pending queue so another worker can pick it up.
func (j *Janitor) releaseExpired() error {
	expired, err := j.repo.ExpiredLeases(time.Now())
	if err != nil {
		return err
	}

	for _, l := range expired {
		logger := log.WithComponent("janitor")
		logger.Warn().
			Str("doc_id", l.DocID).
			Str("worker_id", l.WorkerID).
			Time("expired_at", l.ExpiresAt).
			Msg("Releasing expired lease")

		if err := j.repo.ForceReleaseLease(l.DocID); err != nil {
			logger.Error().Err(err).Str("doc_id", l.DocID).Msg("Failed to force-release lease")
			continue
		}
		metrics.LeasesExpiredTotal.Inc()

		// Requeue the document; a conflict just means something else
		// already moved it on.
		err := j.repo.UpdateDocumentStatus(l.DocID, types.DocStatusProcessing, types.DocStatusPending)
		if err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			logger.Error().Err(err).Str("doc_id", l.DocID).Msg("Failed to requeue document")
		}

		if j.broker != nil {
			j.broker.Publish(&events.Event{
				ID:        uuid.New().String(),
				Type:      events.EventLeaseExpired,
				DocID:     l.DocID,
				Timestamp: time.Now(),
				Message:   fmt.Sprintf("lease held by %s expired", l.WorkerID),
			})
		}
	}
	return nil
}

// failOrphanedExecutions marks running executions whose document has no live
// lease as failed. They belong to workers that died mid-run; the requeued
// document will get a fresh execution.
func (j *Janitor) failOrphanedExecutions() error {
	running, err := j.repo.ListRunningExecutions()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, exec := range running {
		l, err := j.repo.GetLease(exec.DocumentID)
		if err == nil && !l.Expired(now) {
			continue // a live worker owns it
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		log.WithExecutionID(exec.ID).Warn().
			Str("doc_id", exec.DocumentID).
			Msg("Failing orphaned execution")

		err = j.repo.UpdateExecution(exec.ID, storage.ExecutionPatch{
			Status:       types.ExecStatusFailed,
			ErrorCode:    types.ErrCodeTransientExhaust,
			ErrorMessage: "worker lease expired mid-run",
		})
		if err != nil {
			log.WithExecutionID(exec.ID).Error().Err(err).Msg("Failed to mark execution stale")
			continue
		}
		metrics.StaleExecutionsTotal.Inc()
	}
	return nil
}
