package storage

import (
	"time"

	"github.com/docsmith/docsmith/pkg/types"
)

// ExecutionPatch carries the only execution fields that may change after
// insert. Status must move forward along queued -> running -> terminal.
type ExecutionPatch struct {
	Status       types.ExecutionStatus
	ErrorCode    types.ErrorCode
	ErrorMessage string
	Result       string
	DurationMs   int64
	CompletedAt  time.Time
}

// Store defines the narrow persistence interface for the orchestrator core.
// It is the only allowed I/O surface for core components; no component talks
// to the underlying database directly.
type Store interface {
	// Documents
	InsertDocument(doc *types.Document) error
	GetDocument(id string) (*types.Document, error)
	FetchPendingBatch(filter types.DocumentFilter, limit int) ([]*types.Document, error)
	UpdateDocumentStatus(docID string, expected, next types.DocumentStatus) error
	ListDocumentsByWorkspace(workspace string) ([]*types.Document, error)
	SetStageOutput(docID string, stage types.StageID, output string) error
	ClearStageOutputs(docID string) error

	// Executions
	InsertExecution(exec *types.Execution) error
	GetExecution(id string) (*types.Execution, error)
	UpdateExecution(execID string, patch ExecutionPatch) error
	ListExecutionsByDocument(docID string) ([]*types.Execution, error)
	ListRunningExecutions() ([]*types.Execution, error)
	SetActiveExecution(docID, execID string) error

	// FinishExecution applies a terminal patch and, when the patch succeeds,
	// updates the document's active execution pointer, replaces its chunks,
	// and marks the document completed, all within one transaction. Failed and
	// canceled patches update the document status without touching the active
	// pointer or chunks. Document status moves only while the document is
	// still processing; a requeue by the janitor wins over a late finisher.
	FinishExecution(execID string, patch ExecutionPatch, chunks []*types.Chunk) error

	// Chunks
	ReplaceChunks(docID, execID string, chunks []*types.Chunk) error
	ListChunks(docID string) ([]*types.Chunk, error)

	// Leases
	AcquireLease(docID, workerID string, ttl time.Duration) (*types.Lease, error)
	RenewLease(docID, workerID string, ttl time.Duration) error
	ReleaseLease(docID, workerID string) error
	GetLease(docID string) (*types.Lease, error)
	ExpiredLeases(now time.Time) ([]*types.Lease, error)
	ForceReleaseLease(docID string) error

	// Ops requests
	EnqueueOpsRequest(req *types.OpsRequest) error
	FetchQueuedOpsRequests() ([]*types.OpsRequest, error)
	GetOpsRequest(id string) (*types.OpsRequest, error)
	MarkOpsRequestApplied(id string) error
	MarkOpsRequestFailed(id, reason string) error
	InsertRunExecution(run *types.RunExecution) error
	ListRunExecutions() ([]*types.RunExecution, error)

	// Worker state and progress (singleton rows)
	WriteWorkerState(state *types.WorkerState) error
	ReadWorkerState() (*types.WorkerState, error)
	WriteProgress(snapshot *types.ProgressSnapshot) error
	ReadProgress() (*types.ProgressSnapshot, error)

	// Utility
	Close() error
}
