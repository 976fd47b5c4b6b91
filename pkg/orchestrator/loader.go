package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/docsmith/docsmith/pkg/types"
)

// ContentLoader fetches the raw bytes for a document. Implementations wrap
// whatever the source_ref points at; tests inject in-memory loaders.
type ContentLoader interface {
	Load(ctx context.Context, doc *types.Document) ([]byte, error)
}

// FileLoader reads documents from the local filesystem, treating source_ref
// as a path
type FileLoader struct{}

// NewFileLoader creates the filesystem-backed loader
func NewFileLoader() *FileLoader {
	return &FileLoader{}
}

// Load reads the file named by the document's source_ref
func (l *FileLoader) Load(ctx context.Context, doc *types.Document) ([]byte, error) {
	if doc.SourceRef == "" {
		return nil, fmt.Errorf("document %s has no source_ref", doc.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(doc.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", doc.SourceRef, err)
	}
	return data, nil
}
