package lease

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

func newTestRepo(t *testing.T) storage.Store {
	t.Helper()
	repo, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func insertDocument(t *testing.T, repo storage.Store, status types.DocumentStatus) *types.Document {
	t.Helper()
	doc := &types.Document{
		ID:               uuid.New().String(),
		OwnerID:          "owner-1",
		Workspace:        "household",
		DocType:          "pdf",
		ContentHash:      uuid.New().String(),
		ProcessingStatus: status,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, repo.InsertDocument(doc))
	return doc
}

func TestManager_AcquireRelease(t *testing.T) {
	repo := newTestRepo(t)
	mgr := NewManager(repo, time.Minute, 20*time.Second)
	doc := insertDocument(t, repo, types.DocStatusPending)

	guard, err := mgr.Acquire(doc.ID, "worker-a")
	require.NoError(t, err)

	_, err = mgr.Acquire(doc.ID, "worker-b")
	assert.ErrorIs(t, err, storage.ErrLeaseHeld)

	holder, err := mgr.Holder(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", holder)

	guard.Release()
	guard.Release() // idempotent

	_, err = mgr.Acquire(doc.ID, "worker-b")
	assert.NoError(t, err)
}

func TestManager_HeartbeatKeepsLeaseAlive(t *testing.T) {
	repo := newTestRepo(t)
	// Short TTL with a faster heartbeat: the lease would expire twice over
	// without renewal.
	mgr := NewManager(repo, 60*time.Millisecond, 20*time.Millisecond)
	doc := insertDocument(t, repo, types.DocStatusPending)

	guard, err := mgr.Acquire(doc.ID, "worker-a")
	require.NoError(t, err)
	defer guard.Release()

	time.Sleep(150 * time.Millisecond)

	holder, err := mgr.Holder(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", holder)

	select {
	case <-guard.Done():
		t.Fatal("guard reported lease lost while heartbeating")
	default:
	}
}

func TestGuard_DoneClosesWhenLeaseStolen(t *testing.T) {
	repo := newTestRepo(t)
	mgr := NewManager(repo, time.Minute, 10*time.Millisecond)
	doc := insertDocument(t, repo, types.DocStatusPending)

	guard, err := mgr.Acquire(doc.ID, "worker-a")
	require.NoError(t, err)
	defer guard.Release()

	// Simulate the janitor reclaiming the document for someone else.
	require.NoError(t, repo.ForceReleaseLease(doc.ID))
	_, err = repo.AcquireLease(doc.ID, "worker-b", time.Minute)
	require.NoError(t, err)

	select {
	case <-guard.Done():
	case <-time.After(time.Second):
		t.Fatal("guard never noticed the lost lease")
	}
}

func TestJanitor_ReleasesExpiredAndRequeues(t *testing.T) {
	repo := newTestRepo(t)
	doc := insertDocument(t, repo, types.DocStatusPending)

	_, err := repo.AcquireLease(doc.ID, "dead-worker", time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateDocumentStatus(doc.ID, types.DocStatusPending, types.DocStatusProcessing))
	time.Sleep(5 * time.Millisecond)

	j := NewJanitor(repo, nil, time.Hour)
	require.NoError(t, j.Sweep())

	got, err := repo.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusPending, got.ProcessingStatus)

	_, err = repo.GetLease(doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The freed document is acquirable again.
	_, err = repo.AcquireLease(doc.ID, "worker-b", time.Minute)
	assert.NoError(t, err)
}

func TestJanitor_FailsOrphanedExecutions(t *testing.T) {
	repo := newTestRepo(t)
	doc := insertDocument(t, repo, types.DocStatusProcessing)

	exec := &types.Execution{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Status:     types.ExecStatusQueued,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.InsertExecution(exec))
	require.NoError(t, repo.UpdateExecution(exec.ID, storage.ExecutionPatch{Status: types.ExecStatusRunning}))

	// No lease at all: the worker died before the janitor's first pass.
	j := NewJanitor(repo, nil, time.Hour)
	require.NoError(t, j.Sweep())

	got, err := repo.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatusFailed, got.Status)
	assert.Equal(t, types.ErrCodeTransientExhaust, got.ErrorCode)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestJanitor_LeavesLeasedExecutionsAlone(t *testing.T) {
	repo := newTestRepo(t)
	doc := insertDocument(t, repo, types.DocStatusProcessing)

	exec := &types.Execution{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Status:     types.ExecStatusQueued,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.InsertExecution(exec))
	require.NoError(t, repo.UpdateExecution(exec.ID, storage.ExecutionPatch{Status: types.ExecStatusRunning}))
	_, err := repo.AcquireLease(doc.ID, "live-worker", time.Minute)
	require.NoError(t, err)

	j := NewJanitor(repo, nil, time.Hour)
	require.NoError(t, j.Sweep())

	got, err := repo.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatusRunning, got.Status)
}
