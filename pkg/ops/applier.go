package ops

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/pkg/log"
	"github.com/docsmith/docsmith/pkg/metrics"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// RunSignal is delivered to the orchestrator when a RUN request is applied
type RunSignal struct {
	RequestID string
	MaxItems  int
	Workspace string
	DocID     string
}

// Applier is the single writer of WorkerState and the only component allowed
// to transition ops requests out of queued. Requests are consumed strictly in
// creation order; a stop can therefore never be undone by a racing worker.
type Applier struct {
	repo     storage.Store
	interval time.Duration
	runCh    chan RunSignal

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewApplier creates an applier polling queued requests at the given interval
func NewApplier(repo storage.Store, interval time.Duration) *Applier {
	return &Applier{
		repo:     repo,
		interval: interval,
		runCh:    make(chan RunSignal, 16),
		stopCh:   make(chan struct{}),
	}
}

// RunSignals delivers applied RUN requests. The channel is buffered; the
// orchestrator drains it between batches.
func (a *Applier) RunSignals() <-chan RunSignal {
	return a.runCh
}

// Start begins the apply loop
func (a *Applier) Start() {
	go a.run()
}

// Stop stops the apply loop
func (a *Applier) Stop() {
	close(a.stopCh)
}

func (a *Applier) run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.ApplyPending(); err != nil {
				log.WithComponent("applier").Error().Err(err).Msg("Apply cycle failed")
			}
		case <-a.stopCh:
			return
		}
	}
}

// ApplyPending consumes every queued request in creation order. Exported so
// the CLI's --apply flag can run one pass in-process.
func (a *Applier) ApplyPending() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	queued, err := a.repo.FetchQueuedOpsRequests()
	if err != nil {
		return fmt.Errorf("failed to fetch queued requests: %w", err)
	}

	for _, req := range queued {
		logger := log.WithComponent("applier")
		if err := a.apply(req); err != nil {
			logger.Warn().
				Err(err).
				Str("request_id", req.ID).
				Str("request_type", string(req.RequestType)).
				Msg("Ops request failed")
			if markErr := a.repo.MarkOpsRequestFailed(req.ID, err.Error()); markErr != nil {
				return markErr
			}
			metrics.OpsRequestsTotal.WithLabelValues(string(req.RequestType), "failed").Inc()
			continue
		}
		if err := a.repo.MarkOpsRequestApplied(req.ID); err != nil {
			return err
		}
		metrics.OpsRequestsTotal.WithLabelValues(string(req.RequestType), "applied").Inc()
		logger.Info().
			Str("request_id", req.ID).
			Str("request_type", string(req.RequestType)).
			Str("scope", string(req.ScopeType)).
			Str("scope_id", req.ScopeID).
			Msg("Ops request applied")
	}
	return nil
}

func (a *Applier) apply(req *types.OpsRequest) error {
	switch req.RequestType {
	case types.OpsStop, types.OpsPause:
		return a.applyStop(req)
	case types.OpsResume:
		return a.applyResume(req)
	case types.OpsReleaseLease:
		return a.applyReleaseLease(req)
	case types.OpsResetDoc:
		return a.applyResetDoc(req)
	case types.OpsResetWorkspace:
		return a.applyResetWorkspace(req)
	case types.OpsClearStages:
		return a.applyClearStages(req)
	case types.OpsRun:
		return a.applyRun(req)
	default:
		return fmt.Errorf("unknown request type %q", req.RequestType)
	}
}

// applyStop gates dispatch: globally via the stop flag, or per workspace or
// document via the paused sets. PAUSE is treated identically.
func (a *Applier) applyStop(req *types.OpsRequest) error {
	return a.updateWorkerState(func(state *types.WorkerState) error {
		switch req.ScopeType {
		case types.ScopeGlobal:
			state.StopRequested = true
		case types.ScopeWorkspace:
			state.PausedWorkspaces[req.ScopeID] = true
		case types.ScopeDocument:
			state.PausedDocuments[req.ScopeID] = true
		default:
			return fmt.Errorf("invalid scope %q for %s", req.ScopeType, req.RequestType)
		}
		return nil
	})
}

func (a *Applier) applyResume(req *types.OpsRequest) error {
	return a.updateWorkerState(func(state *types.WorkerState) error {
		switch req.ScopeType {
		case types.ScopeGlobal:
			state.StopRequested = false
		case types.ScopeWorkspace:
			delete(state.PausedWorkspaces, req.ScopeID)
		case types.ScopeDocument:
			delete(state.PausedDocuments, req.ScopeID)
		default:
			return fmt.Errorf("invalid scope %q for RESUME", req.ScopeType)
		}
		return nil
	})
}

// applyReleaseLease frees leases by force and requeues interrupted documents
func (a *Applier) applyReleaseLease(req *types.OpsRequest) error {
	switch req.ScopeType {
	case types.ScopeDocument:
		return a.releaseOne(req.ScopeID)
	case types.ScopeWorkspace:
		docs, err := a.repo.ListDocumentsByWorkspace(req.ScopeID)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if doc.ProcessingStatus != types.DocStatusProcessing {
				continue
			}
			if err := a.releaseOne(doc.ID); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("invalid scope %q for RELEASE_LEASE", req.ScopeType)
	}
}

func (a *Applier) releaseOne(docID string) error {
	if err := a.repo.ForceReleaseLease(docID); err != nil {
		return err
	}
	err := a.repo.UpdateDocumentStatus(docID, types.DocStatusProcessing, types.DocStatusPending)
	if err != nil && !errors.Is(err, storage.ErrStatusConflict) {
		return err
	}
	return nil
}

// applyResetDoc requeues a document without touching its execution history
// or active pointer
func (a *Applier) applyResetDoc(req *types.OpsRequest) error {
	if req.ScopeType != types.ScopeDocument {
		return fmt.Errorf("invalid scope %q for RESET_DOC", req.ScopeType)
	}
	return a.resetDoc(req.ScopeID)
}

func (a *Applier) resetDoc(docID string) error {
	doc, err := a.repo.GetDocument(docID)
	if err != nil {
		return err
	}
	if doc.ProcessingStatus == types.DocStatusPending {
		return nil
	}
	if doc.ProcessingStatus == types.DocStatusProcessing {
		return fmt.Errorf("document %s is processing; release its lease first", docID)
	}
	return a.repo.UpdateDocumentStatus(docID, doc.ProcessingStatus, types.DocStatusPending)
}

// applyResetWorkspace requeues every settled document in the workspace. Any
// document still processing fails the whole request; the caller is expected
// to STOP first.
func (a *Applier) applyResetWorkspace(req *types.OpsRequest) error {
	if req.ScopeType != types.ScopeWorkspace {
		return fmt.Errorf("invalid scope %q for RESET_WORKSPACE", req.ScopeType)
	}
	docs, err := a.repo.ListDocumentsByWorkspace(req.ScopeID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.ProcessingStatus == types.DocStatusProcessing {
			return fmt.Errorf("WorkspaceBusy: document %s is processing", doc.ID)
		}
	}
	for _, doc := range docs {
		if doc.ProcessingStatus == types.DocStatusPending {
			continue
		}
		if err := a.repo.UpdateDocumentStatus(doc.ID, doc.ProcessingStatus, types.DocStatusPending); err != nil {
			return err
		}
	}
	return nil
}

// applyClearStages wipes the opaque stage-output columns, leaving executions
// and chunks untouched
func (a *Applier) applyClearStages(req *types.OpsRequest) error {
	switch req.ScopeType {
	case types.ScopeDocument:
		return a.repo.ClearStageOutputs(req.ScopeID)
	case types.ScopeWorkspace:
		docs, err := a.repo.ListDocumentsByWorkspace(req.ScopeID)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := a.repo.ClearStageOutputs(doc.ID); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("invalid scope %q for CLEAR_STAGES", req.ScopeType)
	}
}

// applyRun records the batch-trigger evidence and signals the orchestrator.
// It never sets a flag: RUN can only ever cause one bounded batch.
func (a *Applier) applyRun(req *types.OpsRequest) error {
	maxItems := 0
	if v, ok := req.Payload["max_items"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid max_items %q: %w", v, err)
		}
		maxItems = n
	}

	signal := RunSignal{
		RequestID: req.ID,
		MaxItems:  maxItems,
		Workspace: req.Payload["workspace"],
		DocID:     req.Payload["doc_id"],
	}

	err := a.repo.InsertRunExecution(&types.RunExecution{
		ID:        uuid.New().String(),
		RequestID: req.ID,
		MaxItems:  maxItems,
		Workspace: signal.Workspace,
		DocID:     signal.DocID,
		StartedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	select {
	case a.runCh <- signal:
	default:
		return fmt.Errorf("run signal buffer full; orchestrator not draining")
	}
	return nil
}

// updateWorkerState applies a read-modify-write on the singleton control row
func (a *Applier) updateWorkerState(mutate func(*types.WorkerState) error) error {
	state, err := a.repo.ReadWorkerState()
	if err != nil {
		return err
	}
	if state.PausedWorkspaces == nil {
		state.PausedWorkspaces = make(map[string]bool)
	}
	if state.PausedDocuments == nil {
		state.PausedDocuments = make(map[string]bool)
	}
	if err := mutate(state); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
	return a.repo.WriteWorkerState(state)
}
