package stage

import (
	"context"

	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/types"
)

// enrichStage is stage F: visual/OCR enrichment via a model call. Only some
// doc types carry visual structure worth enriching; others skip the stage
// entirely.
type enrichStage struct {
	client   model.Client
	docTypes map[string]bool
}

// NewEnrich creates the enrichment stage, applying only to the given doc types
func NewEnrich(client model.Client, docTypes []string) Stage {
	set := make(map[string]bool, len(docTypes))
	for _, t := range docTypes {
		set[t] = true
	}
	return &enrichStage{client: client, docTypes: set}
}

func (s *enrichStage) ID() types.StageID {
	return types.StageEnrich
}

func (s *enrichStage) Applies(view DocView) bool {
	return s.docTypes[view.Doc.DocType]
}

func (s *enrichStage) Run(ctx context.Context, view DocView, prior Outputs, resolver *Resolver) (*Output, error) {
	route, err := resolver.Resolve(s.ID(), view.Doc.Workspace, view.Doc.DocType)
	if err != nil {
		return nil, err
	}

	extracted := ""
	if e := prior[types.StageExtract]; e != nil {
		extracted = e.Primary
	}

	EmitSubStep(ctx, "F-1", "analyzing document layout")
	layout, _, err := s.client.Generate(ctx, route.ModelID, route.PromptTemplate, map[string]string{
		"task":      "layout",
		"file_name": view.Doc.FileName,
		"text":      extracted,
	})
	if err != nil {
		return nil, NewError(s.ID(), err)
	}

	EmitSubStep(ctx, "F-2", "describing visual elements")
	visual, _, err := s.client.Generate(ctx, route.ModelID, route.PromptTemplate, map[string]string{
		"task":      "visual",
		"file_name": view.Doc.FileName,
		"text":      extracted,
	})
	if err != nil {
		return nil, NewError(s.ID(), err)
	}

	EmitSubStep(ctx, "F-3", "merging enrichment with extracted text")
	merged, _, err := s.client.Generate(ctx, route.ModelID, route.PromptTemplate, map[string]string{
		"task":   "merge",
		"text":   extracted,
		"layout": layout,
		"visual": visual,
	})
	if err != nil {
		return nil, NewError(s.ID(), err)
	}

	return &Output{
		Primary: merged,
		Extras: map[string]string{
			"F.layout": layout,
			"F.visual": visual,
		},
	}, nil
}
