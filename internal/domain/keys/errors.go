package keys

import "errors"

// Store error taxonomy. Gateways translate every store-layer failure
// into exactly one of these kinds and never leak store-native error
// types to callers.
var (
	// ErrNotFound means the referenced key or project does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a create-only write hit an existing record.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransient means the store was unavailable or the operation
	// timed out. Retryable by higher layers, never within one request.
	ErrTransient = errors.New("store unavailable")

	// ErrPermanent means corrupted stored data or a programming defect.
	// Not retryable.
	ErrPermanent = errors.New("permanent store failure")
)
