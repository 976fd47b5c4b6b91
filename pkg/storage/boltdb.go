package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/docsmith/docsmith/pkg/types"
)

var (
	// Bucket names
	bucketDocuments     = []byte("documents")
	bucketDocHashes     = []byte("doc_hashes")
	bucketExecutions    = []byte("executions")
	bucketChunks        = []byte("chunks")
	bucketLeases        = []byte("leases")
	bucketOpsRequests   = []byte("ops_requests")
	bucketRunExecutions = []byte("run_executions")
	bucketWorkerState   = []byte("worker_state")
	bucketProgress      = []byte("progress")
)

var (
	keyWorkerState = []byte("state")
	keyProgress    = []byte("snapshot")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "docsmith.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDocuments,
			bucketDocHashes,
			bucketExecutions,
			bucketChunks,
			bucketLeases,
			bucketOpsRequests,
			bucketRunExecutions,
			bucketWorkerState,
			bucketProgress,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Document operations

func (s *BoltStore) InsertDocument(doc *types.Document) error {
	if doc.OwnerID == "" {
		return fmt.Errorf("document %s: %w", doc.ID, ErrOwnerRequired)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		hashes := tx.Bucket(bucketDocHashes)
		if doc.ContentHash != "" {
			if existing := hashes.Get([]byte(doc.ContentHash)); existing != nil {
				return fmt.Errorf("content hash %s already used by document %s: %w",
					doc.ContentHash, existing, ErrDuplicateContentHash)
			}
		}

		b := tx.Bucket(bucketDocuments)
		if b.Get([]byte(doc.ID)) != nil {
			return fmt.Errorf("document %s already exists: %w", doc.ID, ErrImmutableField)
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(doc.ID), data); err != nil {
			return err
		}
		if doc.ContentHash != "" {
			return hashes.Put([]byte(doc.ContentHash), []byte(doc.ID))
		}
		return nil
	})
}

func (s *BoltStore) GetDocument(id string) (*types.Document, error) {
	var doc types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketDocuments), []byte(id), &doc, fmt.Sprintf("document %s", id))
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BoltStore) FetchPendingBatch(filter types.DocumentFilter, limit int) ([]*types.Document, error) {
	wanted := make(map[string]bool, len(filter.DocIDs))
	for _, id := range filter.DocIDs {
		wanted[id] = true
	}

	var docs []*types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		return b.ForEach(func(k, v []byte) error {
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if doc.ProcessingStatus != types.DocStatusPending {
				return nil
			}
			if filter.Workspace != "" && doc.Workspace != filter.Workspace {
				return nil
			}
			if len(wanted) > 0 && !wanted[doc.ID] {
				return nil
			}
			if filter.ExcludeWorkspaces[doc.Workspace] {
				return nil
			}
			docs = append(docs, &doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].CreatedAt.Before(docs[j].CreatedAt)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// UpdateDocumentStatus performs a compare-and-swap on the processing status.
// Only lease transitions and terminal finalization go through this path.
func (s *BoltStore) UpdateDocumentStatus(docID string, expected, next types.DocumentStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		var doc types.Document
		if err := getJSON(b, []byte(docID), &doc, fmt.Sprintf("document %s", docID)); err != nil {
			return err
		}
		if doc.ProcessingStatus != expected {
			return fmt.Errorf("document %s is %s, expected %s: %w",
				docID, doc.ProcessingStatus, expected, ErrStatusConflict)
		}
		doc.ProcessingStatus = next
		doc.UpdatedAt = time.Now()
		return putJSON(b, []byte(docID), &doc)
	})
}

func (s *BoltStore) ListDocumentsByWorkspace(workspace string) ([]*types.Document, error) {
	var docs []*types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		return b.ForEach(func(k, v []byte) error {
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if workspace == "" || doc.Workspace == workspace {
				docs = append(docs, &doc)
			}
			return nil
		})
	})
	return docs, err
}

func (s *BoltStore) SetStageOutput(docID string, stage types.StageID, output string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		var doc types.Document
		if err := getJSON(b, []byte(docID), &doc, fmt.Sprintf("document %s", docID)); err != nil {
			return err
		}
		if doc.StageOutputs == nil {
			doc.StageOutputs = make(map[string]string)
		}
		doc.StageOutputs[string(stage)] = output
		doc.UpdatedAt = time.Now()
		return putJSON(b, []byte(docID), &doc)
	})
}

func (s *BoltStore) ClearStageOutputs(docID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		var doc types.Document
		if err := getJSON(b, []byte(docID), &doc, fmt.Sprintf("document %s", docID)); err != nil {
			return err
		}
		doc.StageOutputs = nil
		doc.UpdatedAt = time.Now()
		return putJSON(b, []byte(docID), &doc)
	})
}

// Execution operations

func (s *BoltStore) InsertExecution(exec *types.Execution) error {
	if exec.OwnerID == "" {
		return fmt.Errorf("execution %s: %w", exec.ID, ErrOwnerRequired)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		var doc types.Document
		if err := getJSON(tx.Bucket(bucketDocuments), []byte(exec.DocumentID), &doc, fmt.Sprintf("document %s", exec.DocumentID)); err != nil {
			return err
		}
		if exec.OwnerID != doc.OwnerID {
			return fmt.Errorf("execution %s owner %s vs document owner %s: %w",
				exec.ID, exec.OwnerID, doc.OwnerID, ErrOwnerMismatch)
		}
		b := tx.Bucket(bucketExecutions)
		if b.Get([]byte(exec.ID)) != nil {
			return fmt.Errorf("execution %s already exists: %w", exec.ID, ErrImmutableField)
		}
		return putJSON(b, []byte(exec.ID), exec)
	})
}

func (s *BoltStore) GetExecution(id string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketExecutions), []byte(id), &exec, fmt.Sprintf("execution %s", id))
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *BoltStore) UpdateExecution(execID string, patch ExecutionPatch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		var exec types.Execution
		if err := getJSON(b, []byte(execID), &exec, fmt.Sprintf("execution %s", execID)); err != nil {
			return err
		}
		if err := applyExecutionPatch(&exec, patch); err != nil {
			return err
		}
		return putJSON(b, []byte(execID), &exec)
	})
}

func (s *BoltStore) ListExecutionsByDocument(docID string) ([]*types.Execution, error) {
	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if exec.DocumentID == docID {
				execs = append(execs, &exec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
	return execs, nil
}

func (s *BoltStore) ListRunningExecutions() ([]*types.Execution, error) {
	var execs []*types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.ForEach(func(k, v []byte) error {
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				return err
			}
			if exec.Status == types.ExecStatusRunning {
				execs = append(execs, &exec)
			}
			return nil
		})
	})
	return execs, err
}

func (s *BoltStore) SetActiveExecution(docID, execID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return setActiveExecutionTx(tx, docID, execID)
	})
}

func (s *BoltStore) FinishExecution(execID string, patch ExecutionPatch, chunks []*types.Chunk) error {
	if !patch.Status.Terminal() {
		return fmt.Errorf("finish requires a terminal status, got %s: %w", patch.Status, ErrInvalidTransition)
	}
	if patch.Status != types.ExecStatusSucceeded && len(chunks) > 0 {
		return fmt.Errorf("chunks may only be written on the succeeded path: %w", ErrInvalidTransition)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		execs := tx.Bucket(bucketExecutions)
		var exec types.Execution
		if err := getJSON(execs, []byte(execID), &exec, fmt.Sprintf("execution %s", execID)); err != nil {
			return err
		}
		if err := applyExecutionPatch(&exec, patch); err != nil {
			return err
		}
		if err := putJSON(execs, []byte(execID), &exec); err != nil {
			return err
		}

		docs := tx.Bucket(bucketDocuments)
		var doc types.Document
		if err := getJSON(docs, []byte(exec.DocumentID), &doc, fmt.Sprintf("document %s", exec.DocumentID)); err != nil {
			return err
		}

		// The document status only moves if it is still processing. The
		// janitor may have force-released the lease and requeued the
		// document; a late finisher must not clobber that requeue, though
		// its execution row and chunks still land.
		owned := doc.ProcessingStatus == types.DocStatusProcessing

		switch patch.Status {
		case types.ExecStatusSucceeded:
			doc.ActiveExecutionID = exec.ID
			if owned {
				doc.ProcessingStatus = types.DocStatusCompleted
			}
			if err := replaceChunksTx(tx, &doc, exec.ID, chunks); err != nil {
				return err
			}
		case types.ExecStatusFailed:
			// Non-destructive: the prior active execution stays authoritative.
			if owned {
				doc.ProcessingStatus = types.DocStatusFailed
			}
		case types.ExecStatusCanceled:
			if owned {
				doc.ProcessingStatus = types.DocStatusCanceled
			}
		}
		doc.UpdatedAt = time.Now()
		return putJSON(docs, []byte(doc.ID), &doc)
	})
}

// Chunk operations

func (s *BoltStore) ReplaceChunks(docID, execID string, chunks []*types.Chunk) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var doc types.Document
		if err := getJSON(tx.Bucket(bucketDocuments), []byte(docID), &doc, fmt.Sprintf("document %s", docID)); err != nil {
			return err
		}
		return replaceChunksTx(tx, &doc, execID, chunks)
	})
}

func (s *BoltStore) ListChunks(docID string) ([]*types.Chunk, error) {
	var chunks []*types.Chunk
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		prefix := chunkPrefix(docID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var chunk types.Chunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			chunks = append(chunks, &chunk)
		}
		return nil
	})
	return chunks, err
}

// Lease operations

func (s *BoltStore) AcquireLease(docID, workerID string, ttl time.Duration) (*types.Lease, error) {
	now := time.Now()
	lease := &types.Lease{
		DocID:       docID,
		WorkerID:    workerID,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
		HeartbeatAt: now,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if data := b.Get([]byte(docID)); data != nil {
			var existing types.Lease
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			// Expired rows are treated as absent.
			if !existing.Expired(now) {
				return fmt.Errorf("document %s leased by %s until %s: %w",
					docID, existing.WorkerID, existing.ExpiresAt.Format(time.RFC3339), ErrLeaseHeld)
			}
		}
		return putJSON(b, []byte(docID), lease)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *BoltStore) RenewLease(docID, workerID string, ttl time.Duration) error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(docID))
		if data == nil {
			return fmt.Errorf("document %s has no lease: %w", docID, ErrLeaseNotHeld)
		}
		var lease types.Lease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		if lease.WorkerID != workerID || lease.Expired(now) {
			return fmt.Errorf("document %s lease held by %s: %w", docID, lease.WorkerID, ErrLeaseNotHeld)
		}
		lease.ExpiresAt = now.Add(ttl)
		lease.HeartbeatAt = now
		return putJSON(b, []byte(docID), &lease)
	})
}

// ReleaseLease removes the lease if held by the given worker. Releasing a
// lease held by someone else is a no-op so a slow worker cannot clobber a
// successor's claim.
func (s *BoltStore) ReleaseLease(docID, workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(docID))
		if data == nil {
			return nil
		}
		var lease types.Lease
		if err := json.Unmarshal(data, &lease); err != nil {
			return err
		}
		if lease.WorkerID != workerID {
			return nil
		}
		return b.Delete([]byte(docID))
	})
}

func (s *BoltStore) GetLease(docID string) (*types.Lease, error) {
	var lease types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketLeases), []byte(docID), &lease, fmt.Sprintf("lease for document %s", docID))
	})
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

func (s *BoltStore) ExpiredLeases(now time.Time) ([]*types.Lease, error) {
	var leases []*types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		return b.ForEach(func(k, v []byte) error {
			var lease types.Lease
			if err := json.Unmarshal(v, &lease); err != nil {
				return err
			}
			if lease.Expired(now) {
				leases = append(leases, &lease)
			}
			return nil
		})
	})
	return leases, err
}

func (s *BoltStore) ForceReleaseLease(docID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).Delete([]byte(docID))
	})
}

// Ops request operations

// EnqueueOpsRequest appends a request in creation order. Keys come from the
// bucket sequence so the applier consumes requests strictly FIFO.
func (s *BoltStore) EnqueueOpsRequest(req *types.OpsRequest) error {
	if req.Status == "" {
		req.Status = types.OpsStatusQueued
	}
	if req.Status != types.OpsStatusQueued {
		return fmt.Errorf("new ops request must be queued, got %s: %w", req.Status, ErrInvalidTransition)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpsRequests)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(b, itob(seq), req)
	})
}

func (s *BoltStore) FetchQueuedOpsRequests() ([]*types.OpsRequest, error) {
	var reqs []*types.OpsRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpsRequests)
		return b.ForEach(func(k, v []byte) error {
			var req types.OpsRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if req.Status == types.OpsStatusQueued {
				reqs = append(reqs, &req)
			}
			return nil
		})
	})
	return reqs, err
}

func (s *BoltStore) GetOpsRequest(id string) (*types.OpsRequest, error) {
	var found *types.OpsRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpsRequests)
		return b.ForEach(func(k, v []byte) error {
			var req types.OpsRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return err
			}
			if req.ID == id {
				found = &req
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("ops request %s: %w", id, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) MarkOpsRequestApplied(id string) error {
	return s.transitionOpsRequest(id, types.OpsStatusApplied, "")
}

func (s *BoltStore) MarkOpsRequestFailed(id, reason string) error {
	return s.transitionOpsRequest(id, types.OpsStatusFailed, reason)
}

// transitionOpsRequest enforces the queued -> {applied,failed} state machine
// and stamps applied_at on entry to a terminal status.
func (s *BoltStore) transitionOpsRequest(id string, next types.OpsRequestStatus, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOpsRequests)
		var key []byte
		var req types.OpsRequest
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var candidate types.OpsRequest
			if err := json.Unmarshal(v, &candidate); err != nil {
				return err
			}
			if candidate.ID == id {
				key = append([]byte(nil), k...)
				req = candidate
				break
			}
		}
		if key == nil {
			return fmt.Errorf("ops request %s: %w", id, ErrNotFound)
		}
		if req.Status != types.OpsStatusQueued {
			return fmt.Errorf("ops request %s is %s: %w", id, req.Status, ErrInvalidTransition)
		}
		req.Status = next
		req.AppliedAt = time.Now()
		req.FailReason = reason
		return putJSON(b, key, &req)
	})
}

func (s *BoltStore) InsertRunExecution(run *types.RunExecution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRunExecutions), []byte(run.ID), run)
	})
}

func (s *BoltStore) ListRunExecutions() ([]*types.RunExecution, error) {
	var runs []*types.RunExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRunExecutions)
		return b.ForEach(func(k, v []byte) error {
			var run types.RunExecution
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// Worker state and progress (singleton rows)

func (s *BoltStore) WriteWorkerState(state *types.WorkerState) error {
	state.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWorkerState), keyWorkerState, state)
	})
}

func (s *BoltStore) ReadWorkerState() (*types.WorkerState, error) {
	state := &types.WorkerState{
		PausedWorkspaces: make(map[string]bool),
		PausedDocuments:  make(map[string]bool),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkerState).Get(keyWorkerState)
		if data == nil {
			return nil // absent row means default state
		}
		return json.Unmarshal(data, state)
	})
	if err != nil {
		return nil, err
	}
	if state.PausedWorkspaces == nil {
		state.PausedWorkspaces = make(map[string]bool)
	}
	if state.PausedDocuments == nil {
		state.PausedDocuments = make(map[string]bool)
	}
	return state, nil
}

func (s *BoltStore) WriteProgress(snapshot *types.ProgressSnapshot) error {
	snapshot.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketProgress), keyProgress, snapshot)
	})
}

func (s *BoltStore) ReadProgress() (*types.ProgressSnapshot, error) {
	var snapshot types.ProgressSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketProgress), keyProgress, &snapshot, "progress snapshot")
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Internal helpers

func setActiveExecutionTx(tx *bolt.Tx, docID, execID string) error {
	var exec types.Execution
	if err := getJSON(tx.Bucket(bucketExecutions), []byte(execID), &exec, fmt.Sprintf("execution %s", execID)); err != nil {
		return err
	}
	if exec.DocumentID != docID {
		return fmt.Errorf("execution %s belongs to document %s, not %s: %w",
			execID, exec.DocumentID, docID, ErrInvalidTransition)
	}
	if exec.Status != types.ExecStatusSucceeded {
		return fmt.Errorf("execution %s is %s, active pointer requires succeeded: %w",
			execID, exec.Status, ErrInvalidTransition)
	}

	docs := tx.Bucket(bucketDocuments)
	var doc types.Document
	if err := getJSON(docs, []byte(docID), &doc, fmt.Sprintf("document %s", docID)); err != nil {
		return err
	}
	doc.ActiveExecutionID = execID
	doc.UpdatedAt = time.Now()
	return putJSON(docs, []byte(docID), &doc)
}

// replaceChunksTx deletes all chunks of the document and inserts the new set
// within the enclosing transaction, enforcing owner propagation.
func replaceChunksTx(tx *bolt.Tx, doc *types.Document, execID string, chunks []*types.Chunk) error {
	for _, chunk := range chunks {
		if chunk.OwnerID == "" {
			return fmt.Errorf("chunk %d of document %s: %w", chunk.ChunkIndex, doc.ID, ErrOwnerRequired)
		}
		if chunk.OwnerID != doc.OwnerID {
			return fmt.Errorf("chunk %d owner %s vs document owner %s: %w",
				chunk.ChunkIndex, chunk.OwnerID, doc.OwnerID, ErrOwnerMismatch)
		}
	}

	b := tx.Bucket(bucketChunks)
	c := b.Cursor()
	prefix := chunkPrefix(doc.ID)
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	for _, chunk := range chunks {
		chunk.DocumentID = doc.ID
		chunk.ExecutionID = execID
		key := chunkKey(doc.ID, chunk.ChunkIndex)
		if b.Get(key) != nil {
			return fmt.Errorf("chunk index %d collides for document %s: %w",
				chunk.ChunkIndex, doc.ID, ErrInvalidTransition)
		}
		if err := putJSON(b, key, chunk); err != nil {
			return err
		}
	}
	return nil
}

func applyExecutionPatch(exec *types.Execution, patch ExecutionPatch) error {
	if !validExecutionTransition(exec.Status, patch.Status) {
		return fmt.Errorf("execution %s: %s -> %s: %w", exec.ID, exec.Status, patch.Status, ErrInvalidTransition)
	}
	exec.Status = patch.Status
	if patch.Status.Terminal() {
		exec.ErrorCode = patch.ErrorCode
		exec.ErrorMessage = patch.ErrorMessage
		exec.Result = patch.Result
		exec.DurationMs = patch.DurationMs
		if patch.CompletedAt.IsZero() {
			exec.CompletedAt = time.Now()
		} else {
			exec.CompletedAt = patch.CompletedAt
		}
	}
	return nil
}

// validExecutionTransition encodes queued -> running -> {succeeded|failed|canceled}.
// The only direct queued -> terminal shortcut is canceled (stopped before
// dispatch); succeeded and failed require a pass through running.
func validExecutionTransition(from, to types.ExecutionStatus) bool {
	switch from {
	case types.ExecStatusQueued:
		return to == types.ExecStatusRunning || to == types.ExecStatusCanceled
	case types.ExecStatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

func chunkPrefix(docID string) []byte {
	return []byte(docID + "/")
}

func chunkKey(docID string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", docID, index))
}

func getJSON(b *bolt.Bucket, key []byte, out interface{}, label string) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s: %w", label, ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
