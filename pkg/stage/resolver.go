package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/docsmith/docsmith/pkg/config"
	"github.com/docsmith/docsmith/pkg/types"
)

// Route is a resolved (model, prompt) pair for one stage invocation
type Route struct {
	ModelID        string
	PromptTemplate string
}

// Resolver maps (stage, workspace, doc_type) to a model route from the static
// routing table. Precedence: workspace match beats doc_type match beats the
// stage default (a rule with neither set).
type Resolver struct {
	rules []config.RoutingRule
}

// NewResolver builds a resolver over the configured routing rules
func NewResolver(rules []config.RoutingRule) *Resolver {
	return &Resolver{rules: rules}
}

// Resolve returns the route for a stage invocation. Stages that need a model
// but have no matching rule fail with a validation error.
func (r *Resolver) Resolve(stage types.StageID, workspace, docType string) (Route, error) {
	var byDocType, byDefault *config.RoutingRule

	for i := range r.rules {
		rule := &r.rules[i]
		if rule.Stage != stage {
			continue
		}
		switch {
		case rule.Workspace != "" && rule.Workspace == workspace:
			return Route{ModelID: rule.ModelID, PromptTemplate: rule.PromptTemplate}, nil
		case rule.DocType != "" && rule.DocType == docType:
			if byDocType == nil {
				byDocType = rule
			}
		case rule.Workspace == "" && rule.DocType == "":
			if byDefault == nil {
				byDefault = rule
			}
		}
	}

	if byDocType != nil {
		return Route{ModelID: byDocType.ModelID, PromptTemplate: byDocType.PromptTemplate}, nil
	}
	if byDefault != nil {
		return Route{ModelID: byDefault.ModelID, PromptTemplate: byDefault.PromptTemplate}, nil
	}
	return Route{}, &Error{
		Stage: stage,
		Kind:  KindValidation,
		Err:   fmt.Errorf("no routing rule for stage %s (workspace=%s doc_type=%s)", stage, workspace, docType),
	}
}

// PromptHash fingerprints the routing a document would resolve to across all
// stages. Stored on executions so prompt or model changes are visible in
// history.
func (r *Resolver) PromptHash(workspace, docType string) string {
	h := sha256.New()
	stages := make([]types.StageID, len(types.PipelineOrder))
	copy(stages, types.PipelineOrder)
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })

	for _, s := range stages {
		route, err := r.Resolve(s, workspace, docType)
		if err != nil {
			continue // stage has no model route; not part of the fingerprint
		}
		fmt.Fprintf(h, "%s:%s:%s\n", s, route.ModelID, route.PromptTemplate)
	}
	return hex.EncodeToString(h.Sum(nil))
}
