package execstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// Store layers execution history on top of the repository. Every pipeline
// attempt is an immutable row; a document points at its active (most recent
// succeeded) execution.
type Store struct {
	repo storage.Store
}

// New creates an execution store over the repository
func New(repo storage.Store) *Store {
	return &Store{repo: repo}
}

// RunSpec describes a new pipeline run to record
type RunSpec struct {
	DocID        string
	InputBytes   []byte
	Meta         map[string]string
	ModelVersion string
	PromptHash   string
	RetryOf      string
}

// Outcome carries the terminal result of a run
type Outcome struct {
	Status       types.ExecutionStatus
	ErrorCode    types.ErrorCode
	ErrorMessage string
	Result       string
	DurationMs   int64
	Chunks       []*types.Chunk
}

// CreateRun computes the input hashes and inserts a queued execution. The
// owner is taken from the parent document so owner propagation cannot drift.
func (s *Store) CreateRun(spec RunSpec) (*types.Execution, error) {
	doc, err := s.repo.GetDocument(spec.DocID)
	if err != nil {
		return nil, fmt.Errorf("failed to load document for run: %w", err)
	}

	if spec.RetryOf != "" {
		prior, err := s.repo.GetExecution(spec.RetryOf)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve retry lineage: %w", err)
		}
		if prior.DocumentID != spec.DocID {
			return nil, fmt.Errorf("retry_of execution %s belongs to document %s, not %s: %w",
				spec.RetryOf, prior.DocumentID, spec.DocID, storage.ErrInvalidTransition)
		}
	}

	exec := &types.Execution{
		ID:                 uuid.New().String(),
		DocumentID:         doc.ID,
		OwnerID:            doc.OwnerID,
		Status:             types.ExecStatusQueued,
		ModelVersion:       spec.ModelVersion,
		PromptHash:         spec.PromptHash,
		InputHash:          InputHash(spec.InputBytes, spec.Meta),
		NormalizedHash:     NormalizedHash(spec.InputBytes),
		RetryOfExecutionID: spec.RetryOf,
		CreatedAt:          time.Now(),
	}

	if err := s.repo.InsertExecution(exec); err != nil {
		return nil, fmt.Errorf("failed to insert execution: %w", err)
	}
	return exec, nil
}

// StartRun transitions a queued execution to running
func (s *Store) StartRun(execID string) error {
	return s.repo.UpdateExecution(execID, storage.ExecutionPatch{
		Status: types.ExecStatusRunning,
	})
}

// FinishRun records the terminal outcome. On success the document's active
// execution pointer moves and the chunk set is replaced in the same
// transaction; failed and canceled runs leave both untouched.
func (s *Store) FinishRun(execID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("outcome status %s is not terminal: %w", outcome.Status, storage.ErrInvalidTransition)
	}

	exec, err := s.repo.GetExecution(execID)
	if err != nil {
		return err
	}
	for _, chunk := range outcome.Chunks {
		if chunk.OwnerID == "" {
			chunk.OwnerID = exec.OwnerID
		}
		if chunk.ExecutionID == "" {
			chunk.ExecutionID = exec.ID
		}
	}

	return s.repo.FinishExecution(execID, storage.ExecutionPatch{
		Status:       outcome.Status,
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.ErrorMessage,
		Result:       outcome.Result,
		DurationMs:   outcome.DurationMs,
	}, outcome.Chunks)
}

// FindPriorSuccess returns the most recent succeeded execution of the
// document with the same input hash, if any. Enables idempotent re-runs.
func (s *Store) FindPriorSuccess(docID, inputHash string) (*types.Execution, error) {
	execs, err := s.repo.ListExecutionsByDocument(docID)
	if err != nil {
		return nil, err
	}
	// List is most-recent-first.
	for _, exec := range execs {
		if exec.Status == types.ExecStatusSucceeded && exec.InputHash == inputHash {
			return exec, nil
		}
	}
	return nil, nil
}

// RecordReuse creates a new execution row that carries the prior success
// forward: same hashes and result, chunks re-pointed at the new execution.
// History stays append-only even on the short-circuit path.
func (s *Store) RecordReuse(docID string, prior *types.Execution) (*types.Execution, error) {
	exec := &types.Execution{
		ID:                 uuid.New().String(),
		DocumentID:         docID,
		OwnerID:            prior.OwnerID,
		Status:             types.ExecStatusQueued,
		ModelVersion:       prior.ModelVersion,
		PromptHash:         prior.PromptHash,
		InputHash:          prior.InputHash,
		NormalizedHash:     prior.NormalizedHash,
		RetryOfExecutionID: prior.ID,
		CreatedAt:          time.Now(),
	}
	if err := s.repo.InsertExecution(exec); err != nil {
		return nil, fmt.Errorf("failed to insert reuse execution: %w", err)
	}
	// The reuse path walks the same state machine as a real run.
	if err := s.repo.UpdateExecution(exec.ID, storage.ExecutionPatch{Status: types.ExecStatusRunning}); err != nil {
		return nil, fmt.Errorf("failed to start reuse execution: %w", err)
	}

	chunks, err := s.repo.ListChunks(docID)
	if err != nil {
		return nil, err
	}
	copies := make([]*types.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		copies = append(copies, &types.Chunk{
			ID:          uuid.New().String(),
			DocumentID:  docID,
			ExecutionID: exec.ID,
			OwnerID:     chunk.OwnerID,
			ChunkIndex:  chunk.ChunkIndex,
			ChunkText:   chunk.ChunkText,
			ChunkType:   chunk.ChunkType,
			Embedding:   chunk.Embedding,
		})
	}

	err = s.repo.FinishExecution(exec.ID, storage.ExecutionPatch{
		Status: types.ExecStatusSucceeded,
		Result: prior.Result,
	}, copies)
	if err != nil {
		return nil, err
	}
	return s.repo.GetExecution(exec.ID)
}

// History returns the document's executions, most recent first
func (s *Store) History(docID string, limit int) ([]*types.Execution, error) {
	execs, err := s.repo.ListExecutionsByDocument(docID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

// InputHash computes the SHA-256 of the canonicalized input: the raw bytes
// length-prefixed, followed by sorted metadata pairs.
func InputHash(input []byte, meta map[string]string) string {
	h := sha256.New()

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(input)))
	h.Write(lenBuf[:])
	h.Write(input)

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, meta[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}

// NormalizedHash computes the SHA-256 of a lowercased, whitespace-collapsed
// view of the input text.
func NormalizedHash(input []byte) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(string(input))), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
