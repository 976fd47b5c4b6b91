package stage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/pkg/types"
)

// chunkStage is stage J: deterministic splitting of the normalized text into
// overlapping windows. Same input, same config, same chunks.
type chunkStage struct {
	size    int
	overlap int
}

// NewChunker creates the chunking stage with a target window size and overlap
// (both in runes)
func NewChunker(size, overlap int) Stage {
	return &chunkStage{size: size, overlap: overlap}
}

func (s *chunkStage) ID() types.StageID {
	return types.StageChunk
}

func (s *chunkStage) Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error) {
	input := bestText(prior)
	if h := prior[types.StageStructure]; h != nil && h.Primary != "" {
		input = h.Primary
	}
	if input == "" {
		return nil, &Error{
			Stage: s.ID(),
			Kind:  KindValidation,
			Err:   fmt.Errorf("no text available to chunk for document %s", view.Doc.ID),
		}
	}

	windows := Split(input, s.size, s.overlap)
	chunks := make([]*types.Chunk, 0, len(windows))
	for i, text := range windows {
		chunks = append(chunks, &types.Chunk{
			ID:         uuid.New().String(),
			DocumentID: view.Doc.ID,
			OwnerID:    view.Doc.OwnerID,
			ChunkIndex: i,
			ChunkText:  text,
			ChunkType:  "text",
		})
	}

	return &Output{
		Primary: fmt.Sprintf("%d", len(chunks)),
		Chunks:  chunks,
	}, nil
}

// Split cuts text into windows of at most size runes, each window starting
// overlap runes before the previous one ended. Deterministic by construction.
func Split(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap >= size {
		overlap = size - 1
	}

	step := size - overlap
	var windows []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		windows = append(windows, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return windows
}
