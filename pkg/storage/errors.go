package storage

import "errors"

// Error kinds returned by Store implementations. Callers branch on these with
// errors.Is; the concrete message carries the offending ids.
var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrDuplicateContentHash indicates a document with the same content hash already exists
	ErrDuplicateContentHash = errors.New("duplicate content hash")

	// ErrOwnerRequired indicates a write without an owner id
	ErrOwnerRequired = errors.New("owner id is required")

	// ErrOwnerMismatch indicates a child row whose owner differs from its parent document
	ErrOwnerMismatch = errors.New("owner id does not match parent document")

	// ErrLeaseHeld indicates an unexpired lease already exists for the document
	ErrLeaseHeld = errors.New("lease already held")

	// ErrLeaseNotHeld indicates the caller does not hold the lease it tried to renew
	ErrLeaseNotHeld = errors.New("lease not held by worker")

	// ErrStatusConflict indicates a compare-and-swap found an unexpected current status
	ErrStatusConflict = errors.New("status conflict")

	// ErrInvalidTransition indicates a state change that would move a record backward
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrImmutableField indicates an attempt to change an insert-only field
	ErrImmutableField = errors.New("field is immutable")
)
