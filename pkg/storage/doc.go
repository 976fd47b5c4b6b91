/*
Package storage provides BoltDB-backed persistence for the orchestrator core.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for documents, executions,
chunks, leases, operator requests, and the singleton worker-state and progress
rows. All data is serialized as JSON and stored in separate buckets. The Store
interface is the only allowed I/O surface for core components.

# Architecture

	┌──────────────────── BOLTDB STORAGE ───────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │            BoltStore                       │           │
	│  │  - File: <dataDir>/docsmith.db             │           │
	│  │  - Format: B+tree with MVCC                │           │
	│  │  - Transactions: ACID with fsync           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Bucket Structure              │           │
	│  │  ┌───────────────────────────────────┐     │           │
	│  │  │ documents       (doc ID)          │     │           │
	│  │  │ doc_hashes      (content hash)    │     │           │
	│  │  │ executions      (execution ID)    │     │           │
	│  │  │ chunks          (docID/%08d)      │     │           │
	│  │  │ leases          (doc ID)          │     │           │
	│  │  │ ops_requests    (sequence number) │     │           │
	│  │  │ run_executions  (run ID)          │     │           │
	│  │  │ worker_state    (fixed key)       │     │           │
	│  │  │ progress        (fixed key)       │     │           │
	│  │  └───────────────────────────────────┘     │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │        Transaction Management              │           │
	│  │  - Read: db.View() - Concurrent reads      │           │
	│  │  - Write: db.Update() - Serialized writes  │           │
	│  │  - Rollback: Automatic on error            │           │
	│  │  - Commit: Automatic on success + fsync    │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Enforced Invariants

The store refuses writes that would break the data model rather than trusting
callers:

  - Owner propagation: documents, executions, and chunks must carry an owner
    id; executions and chunks must carry the owner of their parent document.
  - Content hash uniqueness: a second document with the same content hash
    fails with ErrDuplicateContentHash (doc_hashes is the unique index).
  - Forward-only executions: status may only move along
    queued -> running -> {succeeded|failed|canceled}; terminal rows are frozen.
  - Active pointer discipline: SetActiveExecution verifies the execution
    belongs to the document and has succeeded.
  - Chunk replacement atomicity: ReplaceChunks deletes the prior set and
    inserts the new one inside a single transaction, so readers never observe
    a mixed generation.
  - Lease exclusivity: AcquireLease is an insert-or-fail CAS; expired rows
    are treated as absent. Serialized bbolt writes make it first-writer-wins.
  - Ops-request monotonicity: queued -> {applied|failed} only, with applied_at
    stamped on the transition.

# Composite Operations

FinishExecution exists because "record the terminal status, move the active
pointer, and replace the chunks" must be one atomic step on the succeeded
path. Callers that patch executions without document side effects use
UpdateExecution instead.

# Key Encoding

Chunks use composite keys "docID/%08d" so one cursor range scan covers a
document's chunks in index order and replacement is a prefix delete.
Ops-requests use the bucket sequence number as key so FIFO consumption is a
plain bucket iteration.

# Usage

	store, err := storage.NewBoltStore("/var/lib/docsmith")
	if err != nil { ... }
	defer store.Close()

	err = store.InsertDocument(&types.Document{
		ID:               uuid.New().String(),
		OwnerID:          "owner-1",
		Workspace:        "household",
		ContentHash:      hash,
		ProcessingStatus: types.DocStatusPending,
		CreatedAt:        time.Now(),
	})

# See Also

  - pkg/types - The entities persisted here
  - pkg/execstore - Execution history layered on this interface
  - pkg/lease - Lease protocol built on Acquire/Renew/Release
*/
package storage
