/*
Package types defines the core data structures used throughout Docsmith.

This package contains all fundamental types that represent the domain model of
the processing orchestrator: documents, executions, chunks, leases, operator
requests, worker control state, and progress snapshots. These types are used by
all other packages for persistence, pipeline execution, and operator control.

# Architecture

The types package is the foundation of the data model. It defines:

  - Document ingestion records and their processing lifecycle
  - Execution records (one immutable row per pipeline attempt)
  - Chunks (searchable fragments with optional embedding vectors)
  - Leases (single-writer claims with expiry)
  - Ops-requests (persisted operator intents) and worker control state
  - The closed stage id set and its strict pipeline order
  - The error-code taxonomy for terminal executions
  - Live progress snapshots

All types are designed to be:
  - Serializable (JSON, for the bbolt-backed store)
  - Immutable where the model demands it (execution core fields, content hash)
  - Self-documenting (clear field names and comments)
  - Validated (constants for enums, helpers for status checks)

# Core Types

Ingestion and history:
  - Document: A logical unit of ingestion with processing status
  - DocumentStatus: pending, processing, completed, failed, canceled
  - Execution: One pipeline run; status only moves forward
  - Chunk: Searchable fragment with (document, index) identity

Coordination:
  - Lease: Repository-backed single-writer claim on a document
  - OpsRequest: Operator intent, the SSOT for control changes
  - WorkerState: Derived cache projected from ops-requests by the applier
  - RunExecution: Evidence row for RUN ops-requests

Pipeline:
  - StageID: Closed set {E, F, G, H, I, J, K}
  - PipelineOrder: The strict sequential order of stages
  - ErrorCode: Classified terminal failure codes
  - ProgressSnapshot / StageEvent: Live progress view

# State Machines

Document lifecycle:

	pending ──lease acquired──▶ processing ──success──▶ completed
	   ▲                            │
	   │                            ├──failure──▶ failed
	   └────── RESET_DOC ◀──────────┴──cancel───▶ canceled

Execution lifecycle (forward-only):

	queued ──▶ running ──▶ succeeded | failed | canceled

Ops-request lifecycle (forward-only, applier is the sole writer):

	queued ──▶ applied | failed

# Invariants

  - Document.OwnerID is never empty; the store rejects writes without it.
  - Document.ContentHash is immutable after the first insert.
  - Document.ActiveExecutionID, when set, references a succeeded execution of
    the same document. Failed and canceled runs never move the pointer.
  - Executions and chunks carry the owner of their parent document.
  - At most one lease row per document; expired rows are treated as absent.

# See Also

  - pkg/storage - Persistence of every type in this package
  - pkg/stage - Stage contract and pipeline execution
  - pkg/ops - Projection of OpsRequest into WorkerState
*/
package types
