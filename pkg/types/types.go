package types

import (
	"time"
)

// Document represents a logical unit of ingestion
type Document struct {
	ID                string
	OwnerID           string
	Workspace         string
	DocType           string
	SourceRef         string
	FileName          string
	MimeType          string
	ContentHash       string // SHA-256 of file bytes, immutable after insert
	ProcessingStatus  DocumentStatus
	ActiveExecutionID string // empty until the first succeeded execution
	StageOutputs      map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DocumentStatus represents the processing lifecycle of a document
type DocumentStatus string

const (
	DocStatusPending    DocumentStatus = "pending"
	DocStatusProcessing DocumentStatus = "processing"
	DocStatusCompleted  DocumentStatus = "completed"
	DocStatusFailed     DocumentStatus = "failed"
	DocStatusCanceled   DocumentStatus = "canceled"
)

// Execution is an immutable record of one full pipeline attempt on a document
type Execution struct {
	ID                 string
	DocumentID         string
	OwnerID            string
	Status             ExecutionStatus
	ModelVersion       string
	PromptHash         string
	InputHash          string // SHA-256 of canonicalized input
	NormalizedHash     string // SHA-256 of the normalized text view
	RetryOfExecutionID string
	ErrorCode          ErrorCode
	ErrorMessage       string
	Result             string // opaque JSON blob
	DurationMs         int64
	CreatedAt          time.Time
	CompletedAt        time.Time
}

// ExecutionStatus represents the state of a pipeline run.
// Transitions only move forward: queued -> running -> {succeeded|failed|canceled}.
type ExecutionStatus string

const (
	ExecStatusQueued    ExecutionStatus = "queued"
	ExecStatusRunning   ExecutionStatus = "running"
	ExecStatusSucceeded ExecutionStatus = "succeeded"
	ExecStatusFailed    ExecutionStatus = "failed"
	ExecStatusCanceled  ExecutionStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions
func (s ExecutionStatus) Terminal() bool {
	return s == ExecStatusSucceeded || s == ExecStatusFailed || s == ExecStatusCanceled
}

// Chunk is a searchable fragment produced by the chunking and embedding stages
type Chunk struct {
	ID          string
	DocumentID  string
	ExecutionID string // producing execution
	OwnerID     string
	ChunkIndex  int
	ChunkText   string
	ChunkType   string
	Embedding   []float32 // fixed-dimension vector, nil until embedded
}

// Lease is a short-lived single-writer claim on a document
type Lease struct {
	DocID       string
	WorkerID    string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	HeartbeatAt time.Time
}

// Expired reports whether the lease is past its expiry at the given instant
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// OpsRequest is a persisted operator intent; the sole way to change worker
// behavior from outside the process.
type OpsRequest struct {
	ID          string
	RequestType OpsRequestType
	ScopeType   OpsScope
	ScopeID     string
	Status      OpsRequestStatus
	Payload     map[string]string
	RequestedBy string
	FailReason  string
	CreatedAt   time.Time
	AppliedAt   time.Time
}

// OpsRequestType enumerates the operator intent vocabulary
type OpsRequestType string

const (
	OpsStop           OpsRequestType = "STOP"
	OpsPause          OpsRequestType = "PAUSE"
	OpsResume         OpsRequestType = "RESUME"
	OpsReleaseLease   OpsRequestType = "RELEASE_LEASE"
	OpsResetDoc       OpsRequestType = "RESET_DOC"
	OpsResetWorkspace OpsRequestType = "RESET_WORKSPACE"
	OpsClearStages    OpsRequestType = "CLEAR_STAGES"
	OpsRun            OpsRequestType = "RUN"
)

// OpsScope identifies what a request applies to
type OpsScope string

const (
	ScopeGlobal    OpsScope = "global"
	ScopeWorkspace OpsScope = "workspace"
	ScopeDocument  OpsScope = "document"
)

// OpsRequestStatus tracks the applier's handling of a request.
// Transitions only move queued -> {applied|failed}.
type OpsRequestStatus string

const (
	OpsStatusQueued  OpsRequestStatus = "queued"
	OpsStatusApplied OpsRequestStatus = "applied"
	OpsStatusFailed  OpsRequestStatus = "failed"
)

// WorkerState is the derived control cache written only by the applier and
// read by workers. It is never authoritative: it can be rebuilt from the
// ops_requests history at any moment.
type WorkerState struct {
	StopRequested    bool
	PausedWorkspaces map[string]bool
	PausedDocuments  map[string]bool
	MaxParallel      int
	UpdatedAt        time.Time
}

// Paused reports whether dispatch is gated for the given workspace
func (w *WorkerState) Paused(workspace string) bool {
	if w.StopRequested {
		return true
	}
	return w.PausedWorkspaces[workspace]
}

// RunExecution is evidence that a RUN ops-request triggered one bounded batch
type RunExecution struct {
	ID         string
	RequestID  string
	MaxItems   int
	Workspace  string
	DocID      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// DocumentFilter narrows a pending-batch fetch
type DocumentFilter struct {
	Workspace         string
	DocIDs            []string
	ExcludeWorkspaces map[string]bool
}

// StageID identifies one step of the processing pipeline. The set is closed:
// adding a stage means adding an id and a routing entry, not runtime polymorphism.
type StageID string

const (
	StageExtract    StageID = "E" // preprocessing / text extraction
	StageEnrich     StageID = "F" // visual / OCR enrichment
	StageFormat     StageID = "G" // formatting
	StageStructure  StageID = "H" // normalized text + structured JSON
	StageSynthesize StageID = "I" // summary, tags
	StageChunk      StageID = "J" // deterministic splitting
	StageEmbed      StageID = "K" // one vector per chunk
)

// PipelineOrder is the strict execution order of stages within one document
var PipelineOrder = []StageID{
	StageExtract,
	StageEnrich,
	StageFormat,
	StageStructure,
	StageSynthesize,
	StageChunk,
	StageEmbed,
}

// ErrorCode classifies terminal execution failures
type ErrorCode string

const (
	ErrCodeNone              ErrorCode = ""
	ErrCodeValidation        ErrorCode = "VALIDATION"
	ErrCodeTransientExhaust  ErrorCode = "TRANSIENT_EXHAUSTED"
	ErrCodeModelOutput       ErrorCode = "MODEL_OUTPUT"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeDataIntegrity     ErrorCode = "DATA_INTEGRITY"
	ErrCodeCanceled          ErrorCode = "CANCELED"
	ErrCodeInternalPanic     ErrorCode = "INTERNAL_PANIC"
)

// ProgressSnapshot is the live, coalesced view of orchestrator activity.
// It is the single source of truth for any UI and is never read back by
// workers for control decisions.
type ProgressSnapshot struct {
	IsProcessing    bool
	CurrentIndex    int
	TotalCount      int
	CurrentFile     string
	SuccessCount    int
	ErrorCount      int
	CPUPercent      float64
	MemoryPercent   float64
	MemoryUsedGB    float64
	MemoryTotalGB   float64
	ThrottleDelayMs int64
	AdjustmentCount int
	MaxParallel     int
	CurrentWorkers  int
	LastError       string
	Logs            []StageEvent
	UpdatedAt       time.Time
}

// StageEvent is one progress log entry emitted at a stage boundary
type StageEvent struct {
	DocID   string
	Stage   StageID
	SubStep string
	Message string
	Ts      time.Time
}
