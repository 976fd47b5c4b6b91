package lease

import (
	"fmt"
	"sync"
	"time"

	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/storage"
)

// Manager acquires single-writer leases and keeps them alive with a
// background heartbeat until released.
type Manager struct {
	repo      storage.Store
	ttl       time.Duration
	heartbeat time.Duration
}

// NewManager creates a lease manager. heartbeat should be a fraction of ttl
// (the config layer derives TTL/3) so a healthy worker never lets its lease
// lapse.
func NewManager(repo storage.Store, ttl, heartbeat time.Duration) *Manager {
	return &Manager{
		repo:      repo,
		ttl:       ttl,
		heartbeat: heartbeat,
	}
}

// Guard represents a held lease. Done() closes if the lease is lost mid-run
// so the holder can abandon its work; Release() stops the heartbeat and
// frees the lease.
type Guard struct {
	docID    string
	workerID string
	mgr      *Manager

	stopCh  chan struct{}
	doneCh  chan struct{}
	release sync.Once
}

// Acquire claims the document for the worker and starts the heartbeat. It
// returns storage.ErrLeaseHeld when another live worker holds the document.
func (m *Manager) Acquire(docID, workerID string) (*Guard, error) {
	if _, err := m.repo.AcquireLease(docID, workerID, m.ttl); err != nil {
		return nil, err
	}

	g := &Guard{
		docID:    docID,
		workerID: workerID,
		mgr:      m,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go g.run()
	return g, nil
}

// Done closes when the lease can no longer be renewed. Holders should treat
// this like cancellation: stop writing and abandon the execution.
func (g *Guard) Done() <-chan struct{} {
	return g.doneCh
}

// Release stops the heartbeat and frees the lease. Safe to call more than
// once; releasing a lease already lost to the janitor is a no-op.
func (g *Guard) Release() {
	g.release.Do(func() {
		close(g.stopCh)
		if err := g.mgr.repo.ReleaseLease(g.docID, g.workerID); err != nil {
			log.WithDocID(g.docID).Warn().Err(err).Msg("Failed to release lease")
		}
	})
}

// run renews the lease on each heartbeat tick until released or lost
func (g *Guard) run() {
	ticker := time.NewTicker(g.mgr.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.mgr.repo.RenewLease(g.docID, g.workerID, g.mgr.ttl); err != nil {
				log.WithDocID(g.docID).Error().
					Err(err).
					Str("worker_id", g.workerID).
					Msg("Lost lease, abandoning work")
				close(g.doneCh)
				return
			}
		case <-g.stopCh:
			return
		}
	}
}

// Holder reports which worker currently holds the document, if any
func (m *Manager) Holder(docID string) (string, error) {
	l, err := m.repo.GetLease(docID)
	if err != nil {
		return "", err
	}
	if l.Expired(time.Now()) {
		return "", fmt.Errorf("lease on %s expired: %w", docID, storage.ErrNotFound)
	}
	return l.WorkerID, nil
}
