package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/types"
)

// synthesizeStage is stage I: summary and tags over the structured text. Its
// output becomes the execution's result blob.
type synthesizeStage struct {
	client model.Client
}

// NewSynthesize creates the synthesis stage
func NewSynthesize(client model.Client) Stage {
	return &synthesizeStage{client: client}
}

func (s *synthesizeStage) ID() types.StageID {
	return types.StageSynthesize
}

// synthesisResult is the schema the synthesis model must produce
type synthesisResult struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

func (s *synthesizeStage) Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error) {
	route, err := resolver.Resolve(s.ID(), view.Doc.Workspace, view.Doc.DocType)
	if err != nil {
		return nil, err
	}

	input := bestText(prior)
	if h := prior[types.StageStructure]; h != nil && h.Primary != "" {
		input = h.Primary
	}

	raw, _, err := s.client.Generate(ctx, route.ModelID, route.PromptTemplate, map[string]string{
		"text": input,
	})
	if err != nil {
		return nil, NewError(s.ID(), err)
	}

	var parsed synthesisResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, NewError(s.ID(), fmt.Errorf("synthesis output is not valid JSON: %w", model.ErrMalformedOutput))
	}
	if parsed.Summary == "" {
		return nil, NewError(s.ID(), fmt.Errorf("synthesis output missing summary: %w", model.ErrMalformedOutput))
	}

	return &Output{Primary: raw}, nil
}
