package ops

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

func insertDoc(t *testing.T, repo storage.Store, workspace string, status types.DocumentStatus) *types.Document {
	t.Helper()
	doc := &types.Document{
		ID:               uuid.New().String(),
		OwnerID:          "owner-1",
		Workspace:        workspace,
		DocType:          "pdf",
		ContentHash:      uuid.New().String(),
		ProcessingStatus: status,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, repo.InsertDocument(doc))
	return doc
}

func TestApplier_StopAndResumeGlobal(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	_, err := Enqueue(repo, types.OpsStop, types.ScopeGlobal, "", "operator", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	state, err := repo.ReadWorkerState()
	require.NoError(t, err)
	assert.True(t, state.StopRequested)
	assert.True(t, state.Paused("any-workspace"))

	_, err = Enqueue(repo, types.OpsResume, types.ScopeGlobal, "", "operator", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	state, err = repo.ReadWorkerState()
	require.NoError(t, err)
	assert.False(t, state.StopRequested)
}

func TestApplier_PauseWorkspaceScoped(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	_, err := Enqueue(repo, types.OpsPause, types.ScopeWorkspace, "legal", "operator", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	state, err := repo.ReadWorkerState()
	require.NoError(t, err)
	assert.True(t, state.Paused("legal"))
	assert.False(t, state.Paused("household"))
}

func TestApplier_AppliesInCreationOrder(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	// STOP then RESUME: net effect must be resumed, not stopped.
	_, err := Enqueue(repo, types.OpsStop, types.ScopeGlobal, "", "op", nil)
	require.NoError(t, err)
	_, err = Enqueue(repo, types.OpsResume, types.ScopeGlobal, "", "op", nil)
	require.NoError(t, err)

	require.NoError(t, a.ApplyPending())
	state, err := repo.ReadWorkerState()
	require.NoError(t, err)
	assert.False(t, state.StopRequested)
}

func TestApplier_StopIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	first, err := Enqueue(repo, types.OpsStop, types.ScopeGlobal, "", "op", nil)
	require.NoError(t, err)
	second, err := Enqueue(repo, types.OpsStop, types.ScopeGlobal, "", "op", nil)
	require.NoError(t, err)

	require.NoError(t, a.ApplyPending())

	for _, id := range []string{first.ID, second.ID} {
		req, err := repo.GetOpsRequest(id)
		require.NoError(t, err)
		assert.Equal(t, types.OpsStatusApplied, req.Status)
		assert.False(t, req.AppliedAt.IsZero())
	}

	state, err := repo.ReadWorkerState()
	require.NoError(t, err)
	assert.True(t, state.StopRequested, "second stop is a harmless no-op")
}

func TestApplier_ReleaseLeaseRequeuesDocument(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	doc := insertDoc(t, repo, "household", types.DocStatusProcessing)
	_, err := repo.AcquireLease(doc.ID, "stuck-worker", time.Hour)
	require.NoError(t, err)

	_, err = Enqueue(repo, types.OpsReleaseLease, types.ScopeDocument, doc.ID, "op", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	_, err = repo.GetLease(doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := repo.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusPending, got.ProcessingStatus)
}

func TestApplier_ReleaseLeaseWorkspaceWide(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	stuck := insertDoc(t, repo, "legal", types.DocStatusProcessing)
	done := insertDoc(t, repo, "legal", types.DocStatusCompleted)
	_, err := repo.AcquireLease(stuck.ID, "w1", time.Hour)
	require.NoError(t, err)

	_, err = Enqueue(repo, types.OpsReleaseLease, types.ScopeWorkspace, "legal", "op", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	got, err := repo.GetDocument(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusPending, got.ProcessingStatus)

	got, err = repo.GetDocument(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusCompleted, got.ProcessingStatus, "settled docs untouched")
}

func TestApplier_ResetDocKeepsHistory(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	doc := insertDoc(t, repo, "household", types.DocStatusPending)
	exec := &types.Execution{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Status:     types.ExecStatusQueued,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.InsertExecution(exec))
	require.NoError(t, repo.UpdateExecution(exec.ID, storage.ExecutionPatch{Status: types.ExecStatusRunning}))
	require.NoError(t, repo.UpdateDocumentStatus(doc.ID, types.DocStatusPending, types.DocStatusProcessing))
	require.NoError(t, repo.FinishExecution(exec.ID, storage.ExecutionPatch{
		Status: types.ExecStatusSucceeded,
		Result: "r",
	}, nil))

	_, err := Enqueue(repo, types.OpsResetDoc, types.ScopeDocument, doc.ID, "op", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	got, err := repo.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusPending, got.ProcessingStatus)
	assert.Equal(t, exec.ID, got.ActiveExecutionID, "reset keeps the active pointer")

	execs, err := repo.ListExecutionsByDocument(doc.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "reset keeps execution history")
}

func TestApplier_ResetWorkspaceFailsWhenBusy(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	insertDoc(t, repo, "legal", types.DocStatusFailed)
	insertDoc(t, repo, "legal", types.DocStatusProcessing)

	req, err := Enqueue(repo, types.OpsResetWorkspace, types.ScopeWorkspace, "legal", "op", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	got, err := repo.GetOpsRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OpsStatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "WorkspaceBusy")
}

func TestApplier_ResetWorkspaceRequeuesSettledDocs(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	failed := insertDoc(t, repo, "legal", types.DocStatusFailed)
	completed := insertDoc(t, repo, "legal", types.DocStatusCompleted)
	other := insertDoc(t, repo, "household", types.DocStatusFailed)

	_, err := Enqueue(repo, types.OpsResetWorkspace, types.ScopeWorkspace, "legal", "op", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	for _, id := range []string{failed.ID, completed.ID} {
		got, err := repo.GetDocument(id)
		require.NoError(t, err)
		assert.Equal(t, types.DocStatusPending, got.ProcessingStatus)
	}

	got, err := repo.GetDocument(other.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusFailed, got.ProcessingStatus, "other workspaces untouched")
}

func TestApplier_ClearStagesLeavesChunks(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	doc := insertDoc(t, repo, "household", types.DocStatusPending)
	require.NoError(t, repo.SetStageOutput(doc.ID, types.StageExtract, "extracted"))

	exec := &types.Execution{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Status:     types.ExecStatusQueued,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.InsertExecution(exec))
	require.NoError(t, repo.UpdateExecution(exec.ID, storage.ExecutionPatch{Status: types.ExecStatusRunning}))
	require.NoError(t, repo.FinishExecution(exec.ID, storage.ExecutionPatch{
		Status: types.ExecStatusSucceeded,
	}, []*types.Chunk{{
		ID: uuid.New().String(), DocumentID: doc.ID, ExecutionID: exec.ID,
		OwnerID: doc.OwnerID, ChunkIndex: 0, ChunkText: "chunk",
	}}))

	_, err := Enqueue(repo, types.OpsClearStages, types.ScopeDocument, doc.ID, "op", nil)
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	got, err := repo.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.StageOutputs)

	chunks, err := repo.ListChunks(doc.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1, "chunks untouched by CLEAR_STAGES")
}

func TestApplier_RunSignalsOrchestratorAndRecordsEvidence(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	req, err := Enqueue(repo, types.OpsRun, types.ScopeGlobal, "", "op", map[string]string{
		"max_items": "25",
		"workspace": "legal",
	})
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	select {
	case signal := <-a.RunSignals():
		assert.Equal(t, req.ID, signal.RequestID)
		assert.Equal(t, 25, signal.MaxItems)
		assert.Equal(t, "legal", signal.Workspace)
	default:
		t.Fatal("expected a run signal")
	}

	runs, err := repo.ListRunExecutions()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, req.ID, runs[0].RequestID)
	assert.Equal(t, 25, runs[0].MaxItems)
}

func TestApplier_InvalidPayloadFailsRequest(t *testing.T) {
	repo := newTestRepo(t)
	a := NewApplier(repo, time.Hour)

	req, err := Enqueue(repo, types.OpsRun, types.ScopeGlobal, "", "op", map[string]string{
		"max_items": "not-a-number",
	})
	require.NoError(t, err)
	require.NoError(t, a.ApplyPending())

	got, err := repo.GetOpsRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OpsStatusFailed, got.Status)
	assert.NotEmpty(t, got.FailReason)
}

func TestEnqueue_ValidatesScopes(t *testing.T) {
	repo := newTestRepo(t)

	_, err := Enqueue(repo, types.OpsResetDoc, types.ScopeGlobal, "", "op", nil)
	assert.Error(t, err)

	_, err = Enqueue(repo, types.OpsResetWorkspace, types.ScopeDocument, "d1", "op", nil)
	assert.Error(t, err)

	_, err = Enqueue(repo, types.OpsReleaseLease, types.ScopeGlobal, "", "op", nil)
	assert.Error(t, err)

	_, err = Enqueue(repo, types.OpsPause, types.ScopeWorkspace, "", "op", nil)
	assert.Error(t, err, "workspace scope needs an id")
}
