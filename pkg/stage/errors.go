package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/docsmith/docsmith/pkg/model"
	"github.com/docsmith/docsmith/pkg/storage"
	"github.com/docsmith/docsmith/pkg/types"
)

// ErrorKind classifies a stage failure for retry and reporting decisions
type ErrorKind int

const (
	KindValidation ErrorKind = iota // bad input, non-retryable
	KindTransient                   // network/timeout/5xx, retryable in-stage
	KindModel                       // refusal or schema violation in model output
	KindResource                    // quota or memory exhaustion, abort the run
	KindData                        // integrity violation, non-retryable
	KindCanceled                    // cooperative cancellation observed
	KindInternal                    // programming error or panic
)

// Error wraps a stage failure with its classification
type Error struct {
	Stage types.StageID
	Kind  ErrorKind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code maps the classification to the persisted execution error code
func (e *Error) Code() types.ErrorCode {
	switch e.Kind {
	case KindValidation:
		return types.ErrCodeValidation
	case KindTransient:
		return types.ErrCodeTransientExhaust
	case KindModel:
		return types.ErrCodeModelOutput
	case KindResource:
		return types.ErrCodeResourceExhausted
	case KindData:
		return types.ErrCodeDataIntegrity
	case KindCanceled:
		return types.ErrCodeCanceled
	default:
		return types.ErrCodeInternalPanic
	}
}

// NewError classifies err for the given stage. Already-classified errors pass
// through with their original stage and kind intact.
func NewError(stage types.StageID, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Stage: stage, Kind: classify(err), Err: err}
}

// classify maps raw errors onto the failure taxonomy
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, model.ErrTransient):
		return KindTransient
	case errors.Is(err, model.ErrRefusal), errors.Is(err, model.ErrMalformedOutput):
		return KindModel
	case errors.Is(err, model.ErrQuotaExhausted):
		return KindResource
	case errors.Is(err, storage.ErrOwnerMismatch), errors.Is(err, storage.ErrDuplicateContentHash):
		return KindData
	default:
		return KindInternal
	}
}

// Retryable reports whether the failure is worth another in-stage attempt
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}
