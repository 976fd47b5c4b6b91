package stage

import (
	"context"
	"fmt"

	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/types"
)

// embedStage is stage K: one embedding vector per chunk. Dimension mismatches
// are data-integrity failures, not retryable.
type embedStage struct {
	client model.Client
	dim    int
}

// NewEmbedder creates the embedding stage with the expected vector dimension
func NewEmbedder(client model.Client, dim int) Stage {
	return &embedStage{client: client, dim: dim}
}

func (s *embedStage) ID() types.StageID {
	return types.StageEmbed
}

func (s *embedStage) Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error) {
	j := prior[types.StageChunk]
	if j == nil || len(j.Chunks) == 0 {
		return nil, &Error{
			Stage: s.ID(),
			Kind:  KindValidation,
			Err:   fmt.Errorf("no chunks to embed for document %s", view.Doc.ID),
		}
	}

	route, err := resolver.Resolve(s.ID(), view.Doc.Workspace, view.Doc.DocType)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(j.Chunks))
	for i, chunk := range j.Chunks {
		texts[i] = chunk.ChunkText
	}

	vectors, err := s.client.Embed(ctx, route.ModelID, texts)
	if err != nil {
		return nil, NewError(s.ID(), err)
	}
	if len(vectors) != len(texts) {
		return nil, &Error{
			Stage: s.ID(),
			Kind:  KindData,
			Err:   fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts)),
		}
	}

	embedded := make([]*types.Chunk, len(j.Chunks))
	for i, chunk := range j.Chunks {
		if len(vectors[i]) != s.dim {
			return nil, &Error{
				Stage: s.ID(),
				Kind:  KindData,
				Err:   fmt.Errorf("chunk %d vector has dimension %d, want %d", i, len(vectors[i]), s.dim),
			}
		}
		c := *chunk
		c.Embedding = vectors[i]
		embedded[i] = &c
	}

	return &Output{
		Primary: fmt.Sprintf("%d", len(embedded)),
		Chunks:  embedded,
	}, nil
}
