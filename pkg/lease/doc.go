/*
Package lease enforces single-writer ownership of documents.

A worker must hold a live lease on a document before mutating it. Leases are
TTL-bound rows in the repository; the Manager renews a held lease on a
heartbeat (TTL/3 by default) so healthy workers never lose ownership, and the
Guard's Done channel tells the holder when renewal has failed and it must
abandon the run.

# Crash recovery

A crashed worker stops heartbeating and its lease expires after one TTL. The
Janitor sweeps on a fixed interval and repairs the damage:

	expired lease      -> force-release, document processing -> pending
	orphaned execution -> running execution with no live lease marked
	                      failed (TRANSIENT_EXHAUSTED)

The requeued document is picked up again by a fresh worker with a new
execution; prior history is never rewritten.

# Usage

	mgr := lease.NewManager(repo, cfg.Lease.TTL.Std(), cfg.HeartbeatInterval())
	guard, err := mgr.Acquire(docID, workerID)
	if err != nil {
		return err // storage.ErrLeaseHeld: someone else owns it
	}
	defer guard.Release()

	select {
	case <-guard.Done():
		return errLeaseLost
	default:
	}
*/
package lease
