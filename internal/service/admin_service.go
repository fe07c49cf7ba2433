package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keymint/keymint/internal/domain/credential"
	"github.com/keymint/keymint/internal/domain/keys"
	"github.com/keymint/keymint/internal/domain/verifier"
)

// ErrValidation means an admin request carried fields that fail the
// schema constraints. Mapped to 400/422 by the transport.
var ErrValidation = errors.New("validation error")

// List pagination bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// mintAttempts bounds key-id regeneration on create collisions.
const mintAttempts = 5

// MintParams are the inputs to MintKey.
type MintParams struct {
	ProjectID string
	Owner     string
	Metadata  string
	ExpiresAt *float64
}

// MintResult carries the one-time bearer string. The secret inside it
// is never stored and never returned again.
type MintResult struct {
	Bearer    string
	ProjectID string
	KeyID     string
}

// KeyItem is one listed key. The verifier is deliberately absent.
type KeyItem struct {
	KeyID     string   `json:"key_id"`
	Owner     string   `json:"owner"`
	Metadata  string   `json:"metadata"`
	CreatedAt float64  `json:"created_at"`
	Disabled  bool     `json:"disabled"`
	ExpiresAt *float64 `json:"expires_at"`
}

// KeyPage is one page of listed keys. Next is the next offset, or nil
// when this page was the last.
type KeyPage struct {
	Items []KeyItem `json:"items"`
	Next  *int      `json:"next"`
}

// AdminService implements the administrative key-lifecycle operations
// over the manager-principal store.
type AdminService struct {
	store    keys.ManagerStore
	verifier *verifier.Verifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAdminService creates the admin service. The store must be bound
// to the manager principal.
func NewAdminService(store keys.ManagerStore, v *verifier.Verifier, logger *slog.Logger) *AdminService {
	return &AdminService{
		store:    store,
		verifier: v,
		logger:   logger,
		tracer:   otel.Tracer("keymint/service"),
		now:      time.Now,
	}
}

// MintKey issues a new credential under the given project. The key
// document is written first with create-only semantics; the index and
// usage writes follow, so a listed key is always readable. Index or
// usage failures after the document write do not fail the mint.
func (s *AdminService) MintKey(ctx context.Context, p MintParams) (*MintResult, error) {
	ctx, span := s.tracer.Start(ctx, "keys.mint")
	defer span.End()

	if !credential.ValidProjectID(p.ProjectID) {
		return nil, fmt.Errorf("%w: invalid project_id", ErrValidation)
	}
	span.SetAttributes(attribute.String("project_id", p.ProjectID))

	secret, err := credential.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	secretHash, err := s.verifier.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	createdAt := float64(s.now().UnixNano()) / 1e9

	// The key id space is small enough that collisions are possible;
	// regenerate a bounded number of times before giving up.
	var keyID string
	for attempt := 0; ; attempt++ {
		if attempt == mintAttempts {
			return nil, fmt.Errorf("%w: key id collisions exhausted %d attempts", ErrInternal, mintAttempts)
		}
		keyID, err = credential.NewKeyID()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInternal, err)
		}
		err = s.store.CreateKey(ctx, &keys.KeyDoc{
			KeyID:      keyID,
			ProjectID:  p.ProjectID,
			Owner:      p.Owner,
			Metadata:   p.Metadata,
			SecretHash: secretHash,
			Disabled:   false,
			CreatedAt:  createdAt,
			ExpiresAt:  p.ExpiresAt,
		})
		if err == nil {
			break
		}
		if errors.Is(err, keys.ErrAlreadyExists) {
			continue
		}
		return nil, err
	}

	if err := s.store.AddKeyToIndex(ctx, p.ProjectID, keyID); err != nil {
		// The document is durable; the mint stands. Reconciling the
		// index from an apikey:* scan is an operational concern.
		s.logger.Error("index insert failed after mint", "project_id", p.ProjectID, "key_id", keyID, "error", err)
	}
	if err := s.store.InitUsage(ctx, p.ProjectID, keyID); err != nil {
		s.logger.Error("usage init failed after mint", "project_id", p.ProjectID, "key_id", keyID, "error", err)
	}

	s.logger.Info("minted key", "project_id", p.ProjectID, "key_id", keyID, "owner", p.Owner)

	bearer := credential.Credential{ProjectID: p.ProjectID, KeyID: keyID, Secret: secret}
	return &MintResult{
		Bearer:    bearer.String(),
		ProjectID: p.ProjectID,
		KeyID:     keyID,
	}, nil
}

// RevokeKey disables a key. Idempotent; the document and index entry
// remain. Returns keys.ErrNotFound for an unknown key.
func (s *AdminService) RevokeKey(ctx context.Context, projectID, keyID string) error {
	ctx, span := s.tracer.Start(ctx, "keys.revoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", projectID),
		attribute.String("key_id", keyID),
	)

	if err := s.store.SetKeyDisabled(ctx, projectID, keyID); err != nil {
		return err
	}
	s.logger.Info("revoked key", "project_id", projectID, "key_id", keyID)
	return nil
}

// ListKeys returns one page of keys ordered by key_id ascending.
// The limit is clamped to [1, MaxListLimit], defaulting when zero;
// negative offsets are treated as zero.
func (s *AdminService) ListKeys(ctx context.Context, projectID string, offset, limit int) (*KeyPage, error) {
	ctx, span := s.tracer.Start(ctx, "keys.list")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID))

	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	ids, next, err := s.store.ScanIndex(ctx, projectID, offset, limit)
	if err != nil {
		return nil, err
	}

	items := make([]KeyItem, 0, len(ids))
	for _, id := range ids {
		doc, err := s.store.GetKey(ctx, projectID, id)
		if err != nil {
			if errors.Is(err, keys.ErrNotFound) {
				// Indexed but externally deleted; skip.
				continue
			}
			return nil, err
		}
		items = append(items, KeyItem{
			KeyID:     doc.KeyID,
			Owner:     doc.Owner,
			Metadata:  doc.Metadata,
			CreatedAt: doc.CreatedAt,
			Disabled:  doc.Disabled,
			ExpiresAt: doc.ExpiresAt,
		})
	}
	return &KeyPage{Items: items, Next: next}, nil
}

// CreateProject writes a project document with create-only semantics.
func (s *AdminService) CreateProject(ctx context.Context, projectID, label, owner string) (*keys.ProjectDoc, error) {
	ctx, span := s.tracer.Start(ctx, "project.create")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID))

	if !credential.ValidProjectID(projectID) {
		return nil, fmt.Errorf("%w: invalid project_id", ErrValidation)
	}
	doc := &keys.ProjectDoc{
		ProjectID: projectID,
		Label:     label,
		Owner:     owner,
		CreatedAt: float64(s.now().UnixNano()) / 1e9,
	}
	if err := s.store.CreateProject(ctx, doc); err != nil {
		return nil, err
	}
	s.logger.Info("created project", "project_id", projectID, "owner", owner)
	return doc, nil
}

// GetProject fetches a project document.
func (s *AdminService) GetProject(ctx context.Context, projectID string) (*keys.ProjectDoc, error) {
	ctx, span := s.tracer.Start(ctx, "project.get")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID))

	return s.store.GetProject(ctx, projectID)
}
