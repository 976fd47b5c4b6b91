package ops

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// Enqueue appends an ops request in queued state. Callers never transition
// requests themselves; only the applier moves them out of queued.
func Enqueue(repo storage.Store, reqType types.OpsRequestType, scope types.OpsScope, scopeID, requestedBy string, payload map[string]string) (*types.OpsRequest, error) {
	if err := validateScope(reqType, scope, scopeID); err != nil {
		return nil, err
	}

	req := &types.OpsRequest{
		ID:          uuid.New().String(),
		RequestType: reqType,
		ScopeType:   scope,
		ScopeID:     scopeID,
		Status:      types.OpsStatusQueued,
		Payload:     payload,
		RequestedBy: requestedBy,
		CreatedAt:   time.Now(),
	}
	if err := repo.EnqueueOpsRequest(req); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s request: %w", reqType, err)
	}
	return req, nil
}

// validateScope rejects scope combinations the applier could never satisfy
func validateScope(reqType types.OpsRequestType, scope types.OpsScope, scopeID string) error {
	if scope != types.ScopeGlobal && scopeID == "" {
		return fmt.Errorf("%s scope requires a scope id", scope)
	}

	switch reqType {
	case types.OpsStop, types.OpsPause, types.OpsResume, types.OpsRun:
		return nil
	case types.OpsReleaseLease, types.OpsClearStages:
		if scope == types.ScopeGlobal {
			return fmt.Errorf("%s requires workspace or document scope", reqType)
		}
		return nil
	case types.OpsResetDoc:
		if scope != types.ScopeDocument {
			return fmt.Errorf("RESET_DOC requires document scope")
		}
		return nil
	case types.OpsResetWorkspace:
		if scope != types.ScopeWorkspace {
			return fmt.Errorf("RESET_WORKSPACE requires workspace scope")
		}
		return nil
	default:
		return fmt.Errorf("unknown request type %q", reqType)
	}
}
