package stage

import (
	"context"

	"github.com/docsmith/docsmith/pkg/types"
)

// DocView is the read-only slice of a document a stage may see
type DocView struct {
	Doc     *types.Document
	Content []byte
}

// Output is the artifact a stage produces. Primary is what gets persisted to
// the document's stage-output column and handed to later stages; Extras hold
// named side artifacts (extraction variants, structured JSON); Chunks are
// produced only by the chunking and embedding stages.
type Output struct {
	Primary string
	Extras  map[string]string
	Chunks  []*types.Chunk
}

// Outputs indexes stage artifacts by stage id for downstream stages
type Outputs map[types.StageID]*Output

// Stage is one step of the document pipeline. Run must be a pure function of
// its arguments: all persistence happens in the engine.
type Stage interface {
	ID() types.StageID
	Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error)
}

// Conditional is implemented by stages that only apply to some documents.
// The engine skips a stage whose Applies returns false; later stages see no
// output under its id.
type Conditional interface {
	Applies(view DocView) bool
}

// sinkKey carries the progress sink through stage contexts
type sinkKey struct{}

// SubStepFunc receives intra-stage progress notifications
type SubStepFunc func(subStep, message string)

// WithSink attaches a sub-step sink to the context handed to stages
func WithSink(ctx context.Context, fn SubStepFunc) context.Context {
	return context.WithValue(ctx, sinkKey{}, fn)
}

// EmitSubStep reports intra-stage progress (e.g. F-3 of F-10). No-op when the
// context carries no sink.
func EmitSubStep(ctx context.Context, subStep, message string) {
	if fn, ok := ctx.Value(sinkKey{}).(SubStepFunc); ok && fn != nil {
		fn(subStep, message)
	}
}
