package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsmith/docsmith/pkg/config"
	"github.com/docsmith/docsmith/pkg/execstore"
	"github.com/docsmith/docsmith/pkg/lease"
	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/ops"
	"github.com/docsmith/docsmith/pkg/pool"
	"github.com/docsmith/docsmith/pkg/stage"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// memLoader serves document content from memory
type memLoader struct {
	content map[string][]byte
}

func (m *memLoader) Load(ctx context.Context, doc *types.Document) ([]byte, error) {
	data, ok := m.content[doc.ID]
	if !ok {
		return nil, fmt.Errorf("no content for %s", doc.ID)
	}
	return data, nil
}

// scriptedClient is a deterministic model client whose behavior is switched
// per routed model id
type scriptedClient struct {
	generate func(ctx context.Context, modelID string, inputs map[string]string) (string, error)
}

func (c *scriptedClient) Generate(ctx context.Context, modelID, prompt string, inputs map[string]string) (string, model.Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", model.Usage{}, err
	}
	if c.generate != nil {
		out, err := c.generate(ctx, modelID, inputs)
		return out, model.Usage{}, err
	}
	return defaultAnswer(modelID), model.Usage{}, nil
}

func (c *scriptedClient) Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = make([]float32, 8)
	}
	return vectors, nil
}

func defaultAnswer(modelID string) string {
	switch modelID {
	case "structure-model":
		return `{"normalized_text":"normalized text for chunking","structure":{}}`
	case "synthesize-model":
		return `{"summary":"the summary","tags":["t"]}`
	default:
		return "model text"
	}
}

type harness struct {
	cfg    *config.Config
	repo   storage.Store
	orch   *Orchestrator
	loader *memLoader
	leases *lease.Manager
}

func newHarness(t *testing.T, client model.Client, maxParallel int) *harness {
	t.Helper()
	repo, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := config.Default()
	cfg.Pool.MaxParallel = maxParallel
	cfg.Pool.HardCap = maxParallel * 2
	cfg.Pipeline.RetryBase = config.Duration(time.Millisecond)
	cfg.Pipeline.ChunkSize = 15
	cfg.Pipeline.ChunkOverlap = 3
	cfg.Pipeline.EmbeddingDim = 8
	cfg.Routing = []config.RoutingRule{
		{Stage: types.StageEnrich, ModelID: "enrich-model", PromptTemplate: "p"},
		{Stage: types.StageFormat, ModelID: "format-model", PromptTemplate: "p"},
		{Stage: types.StageStructure, ModelID: "structure-model", PromptTemplate: "p"},
		{Stage: types.StageSynthesize, ModelID: "synthesize-model", PromptTemplate: "p"},
		{Stage: types.StageEmbed, ModelID: "embed-model", PromptTemplate: ""},
	}

	loader := &memLoader{content: make(map[string][]byte)}
	engine := stage.NewEngine(cfg, client, repo, execstore.New(repo), nil, "test-v1")
	p := pool.New(cfg.Pool.MaxParallel, cfg.Pool.HardCap, cfg.Pool.ScaleFloor)
	leases := lease.NewManager(repo, cfg.Lease.TTL.Std(), cfg.HeartbeatInterval())

	return &harness{
		cfg:    cfg,
		repo:   repo,
		orch:   New(cfg, repo, engine, p, leases, nil, loader, "worker-test"),
		loader: loader,
		leases: leases,
	}
}

func (h *harness) addDoc(t *testing.T, workspace string, content []byte) *types.Document {
	t.Helper()
	doc := &types.Document{
		ID:               uuid.New().String(),
		OwnerID:          "owner-1",
		Workspace:        workspace,
		DocType:          "txt",
		FileName:         "doc.txt",
		ContentHash:      uuid.New().String(),
		ProcessingStatus: types.DocStatusPending,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, h.repo.InsertDocument(doc))
	h.loader.content[doc.ID] = content
	return doc
}

func TestRunBatch_HappyPath(t *testing.T) {
	h := newHarness(t, &scriptedClient{}, 2)
	doc := h.addDoc(t, "household", []byte("plain text content for the pipeline"))

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dispatched)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	got, err := h.repo.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusCompleted, got.ProcessingStatus)
	require.NotEmpty(t, got.ActiveExecutionID)

	exec, err := h.repo.GetExecution(got.ActiveExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatusSucceeded, exec.Status)

	chunks, err := h.repo.ListChunks(doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex, "contiguous chunk indexes")
		assert.Equal(t, exec.ID, c.ExecutionID)
	}

	_, err = h.repo.GetLease(doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "lease released after run")
}

func TestRunBatch_TransientRetryWithinOneExecution(t *testing.T) {
	var structureAttempts atomic.Int64
	client := &scriptedClient{
		generate: func(ctx context.Context, modelID string, inputs map[string]string) (string, error) {
			if modelID == "structure-model" && structureAttempts.Add(1) < 3 {
				return "", model.ErrTransient
			}
			return defaultAnswer(modelID), nil
		},
	}
	h := newHarness(t, client, 1)
	doc := h.addDoc(t, "household", []byte("transient failures then success"))

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	execs, err := h.repo.ListExecutionsByDocument(doc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1, "retries share one execution row")
	assert.Equal(t, types.ExecStatusSucceeded, execs[0].Status)
	assert.Equal(t, int64(3), structureAttempts.Load())
}

func TestRunBatch_PermanentFailurePreservesPriorSuccess(t *testing.T) {
	var failStructure atomic.Bool
	client := &scriptedClient{
		generate: func(ctx context.Context, modelID string, inputs map[string]string) (string, error) {
			if modelID == "structure-model" && failStructure.Load() {
				return "", model.ErrRefusal
			}
			return defaultAnswer(modelID), nil
		},
	}
	h := newHarness(t, client, 1)
	doc := h.addDoc(t, "household", []byte("first content"))

	_, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 1})
	require.NoError(t, err)
	first, err := h.repo.GetDocument(doc.ID)
	require.NoError(t, err)
	priorExec := first.ActiveExecutionID

	// Re-enqueue via RESET_DOC and fail the second attempt with new content.
	applier := ops.NewApplier(h.repo, time.Hour)
	_, err = ops.Enqueue(h.repo, types.OpsResetDoc, types.ScopeDocument, doc.ID, "op", nil)
	require.NoError(t, err)
	require.NoError(t, applier.ApplyPending())
	h.loader.content[doc.ID] = []byte("second, different content")
	failStructure.Store(true)

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	got, err := h.repo.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusFailed, got.ProcessingStatus)
	assert.Equal(t, priorExec, got.ActiveExecutionID, "prior success still authoritative")

	execs, err := h.repo.ListExecutionsByDocument(doc.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, types.ExecStatusFailed, execs[0].Status)
	assert.Equal(t, types.ErrCodeModelOutput, execs[0].ErrorCode)

	chunks, err := h.repo.ListChunks(doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, priorExec, c.ExecutionID, "chunks from the prior success remain")
	}
}

func TestRunBatch_StopHaltsDispatch(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int64
	client := &scriptedClient{
		generate: func(ctx context.Context, modelID string, inputs map[string]string) (string, error) {
			if modelID == "format-model" {
				started.Add(1)
				<-release
			}
			return defaultAnswer(modelID), nil
		},
	}
	h := newHarness(t, client, 2)
	for i := 0; i < 8; i++ {
		h.addDoc(t, "household", []byte(fmt.Sprintf("document number %d body", i)))
	}

	// Apply a STOP once the first tasks are inside the pipeline.
	applier := ops.NewApplier(h.repo, time.Hour)
	go func() {
		for started.Load() == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		_, _ = ops.Enqueue(h.repo, types.OpsStop, types.ScopeGlobal, "", "op", nil)
		_ = applier.ApplyPending()
		close(release)
	}()

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 8})
	require.NoError(t, err)
	assert.True(t, summary.GateClosed)
	assert.Less(t, summary.Dispatched, 8, "dispatch halted mid-batch")

	// Remaining documents still pending; nothing left leased.
	pending, err := h.repo.FetchPendingBatch(types.DocumentFilter{}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, pending)
	for _, doc := range pending {
		_, err := h.repo.GetLease(doc.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestRunBatch_StopCancelsInFlightWork(t *testing.T) {
	release := make(chan struct{})
	var firstStarted atomic.Bool
	client := &scriptedClient{
		generate: func(ctx context.Context, modelID string, inputs map[string]string) (string, error) {
			if modelID == "format-model" {
				switch inputs["text"] {
				case "first document body":
					firstStarted.Store(true)
					<-release
				case "second document body":
					<-ctx.Done()
					return "", ctx.Err()
				}
			}
			return defaultAnswer(modelID), nil
		},
	}
	h := newHarness(t, client, 1)
	first := h.addDoc(t, "household", []byte("first document body"))
	second := h.addDoc(t, "household", []byte("second document body"))
	third := h.addDoc(t, "household", []byte("third document body"))

	// Apply the STOP while the first document holds the only slot and the
	// second is already queued for dispatch, then let the first finish. The
	// gate re-read before the third document must cancel the second mid-run.
	applier := ops.NewApplier(h.repo, time.Hour)
	go func() {
		for !firstStarted.Load() || h.orch.pool.Stats().QueueDepth == 0 {
			time.Sleep(2 * time.Millisecond)
		}
		_, _ = ops.Enqueue(h.repo, types.OpsStop, types.ScopeGlobal, "", "op", nil)
		_ = applier.ApplyPending()
		close(release)
	}()

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 3})
	require.NoError(t, err)
	assert.True(t, summary.GateClosed)
	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 1, summary.Succeeded)

	gotFirst, err := h.repo.GetDocument(first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusCompleted, gotFirst.ProcessingStatus)

	gotSecond, err := h.repo.GetDocument(second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusCanceled, gotSecond.ProcessingStatus)

	execs, err := h.repo.ListExecutionsByDocument(second.ID)
	require.NoError(t, err)
	require.NotEmpty(t, execs)
	assert.Equal(t, types.ExecStatusCanceled, execs[0].Status)
	assert.Equal(t, types.ErrCodeCanceled, execs[0].ErrorCode)

	gotThird, err := h.repo.GetDocument(third.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusPending, gotThird.ProcessingStatus, "undispatched work stays pending")
}

func TestRunBatch_CrashRecoveryViaJanitor(t *testing.T) {
	h := newHarness(t, &scriptedClient{}, 1)
	doc := h.addDoc(t, "household", []byte("document abandoned by a dead worker"))

	// Simulate the dead worker: running execution, expired lease, processing status.
	exec := &types.Execution{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Status:     types.ExecStatusQueued,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, h.repo.InsertExecution(exec))
	require.NoError(t, h.repo.UpdateExecution(exec.ID, storage.ExecutionPatch{Status: types.ExecStatusRunning}))
	require.NoError(t, h.repo.UpdateDocumentStatus(doc.ID, types.DocStatusPending, types.DocStatusProcessing))
	_, err := h.repo.AcquireLease(doc.ID, "dead-worker", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	janitor := lease.NewJanitor(h.repo, nil, time.Hour)
	require.NoError(t, janitor.Sweep())

	// Orphaned execution swept, document requeued.
	swept, err := h.repo.GetExecution(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExecStatusFailed, swept.Status)
	assert.Equal(t, types.ErrCodeTransientExhaust, swept.ErrorCode)

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	got, err := h.repo.GetDocument(doc.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusCompleted, got.ProcessingStatus)
	assert.NotEqual(t, exec.ID, got.ActiveExecutionID, "fresh execution after recovery")
}

func TestRunBatch_GateClosedBeforeStart(t *testing.T) {
	h := newHarness(t, &scriptedClient{}, 1)
	h.addDoc(t, "household", []byte("never processed"))

	applier := ops.NewApplier(h.repo, time.Hour)
	_, err := ops.Enqueue(h.repo, types.OpsStop, types.ScopeGlobal, "", "op", nil)
	require.NoError(t, err)
	require.NoError(t, applier.ApplyPending())

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 5})
	require.NoError(t, err)
	assert.True(t, summary.GateClosed)
	assert.Zero(t, summary.Dispatched)
}

func TestRunBatch_PausedWorkspaceExcluded(t *testing.T) {
	h := newHarness(t, &scriptedClient{}, 2)
	legal := h.addDoc(t, "legal", []byte("legal workspace document text"))
	home := h.addDoc(t, "household", []byte("household workspace document"))

	applier := ops.NewApplier(h.repo, time.Hour)
	_, err := ops.Enqueue(h.repo, types.OpsPause, types.ScopeWorkspace, "legal", "op", nil)
	require.NoError(t, err)
	require.NoError(t, applier.ApplyPending())

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	gotLegal, err := h.repo.GetDocument(legal.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusPending, gotLegal.ProcessingStatus)

	gotHome, err := h.repo.GetDocument(home.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusCompleted, gotHome.ProcessingStatus)
}

func TestRunBatch_SingleDocMode(t *testing.T) {
	h := newHarness(t, &scriptedClient{}, 2)
	target := h.addDoc(t, "household", []byte("the chosen document text"))
	other := h.addDoc(t, "household", []byte("an uninvolved document text"))

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{DocID: target.ID, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	gotOther, err := h.repo.GetDocument(other.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusPending, gotOther.ProcessingStatus)
}

func TestRunBatch_PanicIsolated(t *testing.T) {
	client := &scriptedClient{
		generate: func(ctx context.Context, modelID string, inputs map[string]string) (string, error) {
			if modelID == "format-model" && inputs["text"] == "boom trigger text here" {
				panic("stage blew up")
			}
			return defaultAnswer(modelID), nil
		},
	}
	h := newHarness(t, client, 2)
	bad := h.addDoc(t, "household", []byte("boom trigger text here"))
	good := h.addDoc(t, "household", []byte("a perfectly fine document"))

	summary, err := h.orch.RunBatch(context.Background(), RunOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	gotBad, err := h.repo.GetDocument(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusFailed, gotBad.ProcessingStatus)

	execs, err := h.repo.ListExecutionsByDocument(bad.ID)
	require.NoError(t, err)
	require.NotEmpty(t, execs)
	assert.Equal(t, types.ErrCodeInternalPanic, execs[0].ErrorCode)

	_, err = h.repo.GetLease(bad.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "lease freed after panic")

	gotGood, err := h.repo.GetDocument(good.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DocStatusCompleted, gotGood.ProcessingStatus)
}
