package keys

import (
	"context"
	"time"

	"github.com/keymint/keymint/internal/domain/audit"
)

// The store is split into two ports bound to two store-layer
// principals. The validator principal is read-mostly: it fetches key
// documents and performs the audit, rate, and usage writes of the
// validation pipeline. The manager principal performs all admin
// mutations. Isolation between them is enforced by the store's
// access-control layer; the split here keeps the gate type-level.

// ValidatorStore is the port used by the validation pipeline.
type ValidatorStore interface {
	// GetKey fetches the key document. Returns ErrNotFound if absent.
	GetKey(ctx context.Context, projectID, keyID string) (*KeyDoc, error)

	// IncrRate atomically increments the per-key counter for the given
	// minute window, stamping the counter with ttl, and returns the
	// post-increment value.
	IncrRate(ctx context.Context, projectID, keyID string, minute int64, ttl time.Duration) (int64, error)

	// AppendAudit appends one event to the audit stream.
	AppendAudit(ctx context.Context, ev audit.Event) error

	// BumpUsage increments a usage hash counter by delta.
	BumpUsage(ctx context.Context, projectID, keyID, field string, delta int64) error

	// SetUsageTS sets a usage hash timestamp field.
	SetUsageTS(ctx context.Context, projectID, keyID, field string, ts float64) error

	// Ping verifies the store is reachable under this principal.
	Ping(ctx context.Context) error
}

// ManagerStore is the port used by admin operations.
type ManagerStore interface {
	// GetKey fetches the key document. Returns ErrNotFound if absent.
	GetKey(ctx context.Context, projectID, keyID string) (*KeyDoc, error)

	// CreateKey writes the key document with create-only semantics.
	// Returns ErrAlreadyExists if the (project, key) pair is taken.
	CreateKey(ctx context.Context, doc *KeyDoc) error

	// SetKeyDisabled sets disabled=true on the document. Idempotent.
	// Returns ErrNotFound if the document is absent.
	SetKeyDisabled(ctx context.Context, projectID, keyID string) error

	// AddKeyToIndex adds keyID to the project's key index.
	AddKeyToIndex(ctx context.Context, projectID, keyID string) error

	// RemoveKeyFromIndex removes keyID from the project's key index.
	RemoveKeyFromIndex(ctx context.Context, projectID, keyID string) error

	// ScanIndex returns one page of key ids in ascending lexicographic
	// order, plus the next offset, or nil when the page was the last.
	ScanIndex(ctx context.Context, projectID string, offset, limit int) ([]string, *int, error)

	// InitUsage initializes the usage hash for a freshly minted key.
	InitUsage(ctx context.Context, projectID, keyID string) error

	// GetProject fetches the project document. Returns ErrNotFound if absent.
	GetProject(ctx context.Context, projectID string) (*ProjectDoc, error)

	// CreateProject writes the project document with create-only
	// semantics. Returns ErrAlreadyExists on conflict.
	CreateProject(ctx context.Context, doc *ProjectDoc) error

	// Ping verifies the store is reachable under this principal.
	Ping(ctx context.Context) error
}
