package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/types"
)

// formatStage is stage G: model-driven formatting of the best text so far
type formatStage struct {
	client model.Client
}

// NewFormat creates the formatting stage
func NewFormat(client model.Client) Stage {
	return &formatStage{client: client}
}

func (s *formatStage) ID() types.StageID {
	return types.StageFormat
}

func (s *formatStage) Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error) {
	route, err := resolver.Resolve(s.ID(), view.Doc.Workspace, view.Doc.DocType)
	if err != nil {
		return nil, err
	}

	formatted, _, err := s.client.Generate(ctx, route.ModelID, route.PromptTemplate, map[string]string{
		"text": bestText(prior),
	})
	if err != nil {
		return nil, NewError(s.ID(), err)
	}
	return &Output{Primary: formatted}, nil
}

// structureStage is stage H: produces normalized text plus structured JSON.
// The model must answer with a JSON object; anything else is a malformed
// output eligible for one re-prompt.
type structureStage struct {
	client model.Client
}

// NewStructure creates the structuring stage
func NewStructure(client model.Client) Stage {
	return &structureStage{client: client}
}

func (s *structureStage) ID() types.StageID {
	return types.StageStructure
}

// structureResult is the schema the structuring model must produce
type structureResult struct {
	NormalizedText string          `json:"normalized_text"`
	Structure      json.RawMessage `json:"structure"`
}

func (s *structureStage) Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error) {
	route, err := resolver.Resolve(s.ID(), view.Doc.Workspace, view.Doc.DocType)
	if err != nil {
		return nil, err
	}

	input := bestText(prior)
	if g := prior[types.StageFormat]; g != nil && g.Primary != "" {
		input = g.Primary
	}

	raw, _, err := s.client.Generate(ctx, route.ModelID, route.PromptTemplate, map[string]string{
		"text": input,
	})
	if err != nil {
		return nil, NewError(s.ID(), err)
	}

	var parsed structureResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, NewError(s.ID(), fmt.Errorf("structuring output is not valid JSON: %w", model.ErrMalformedOutput))
	}
	if parsed.NormalizedText == "" {
		return nil, NewError(s.ID(), fmt.Errorf("structuring output missing normalized_text: %w", model.ErrMalformedOutput))
	}

	return &Output{
		Primary: parsed.NormalizedText,
		Extras:  map[string]string{"H.json": raw},
	}, nil
}

// bestText returns the richest text artifact available from earlier stages:
// enrichment when present, else the consolidated extraction.
func bestText(prior Outputs) string {
	if f := prior[types.StageEnrich]; f != nil && f.Primary != "" {
		return f.Primary
	}
	if e := prior[types.StageExtract]; e != nil {
		return e.Primary
	}
	return ""
}
