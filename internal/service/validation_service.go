// Package service implements the application services: the validation
// pipeline and the administrative key-lifecycle operations.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keymint/keymint/internal/domain/audit"
	"github.com/keymint/keymint/internal/domain/credential"
	"github.com/keymint/keymint/internal/domain/keys"
	"github.com/keymint/keymint/internal/domain/ratelimit"
	"github.com/keymint/keymint/internal/domain/verifier"
)

// Service-level outcome errors. The transport maps these to status
// codes; store taxonomy errors (keys.ErrTransient, keys.ErrPermanent)
// pass through unchanged.
var (
	// ErrUnauthorized covers every denial: malformed bearer, missing
	// key, disabled, expired, or wrong secret. Callers must not be able
	// to tell the causes apart.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited means the per-key threshold was exceeded.
	ErrRateLimited = errors.New("rate limited")

	// ErrInternal means corrupted stored data or a defect.
	ErrInternal = errors.New("internal error")
)

// ValidationResult is the payload returned for an admitted credential.
// It never carries the verifier or any timestamp.
type ValidationResult struct {
	ProjectID string
	KeyID     string
	Owner     string
	Metadata  string
}

// ValidationService runs the validation pipeline. Stateless and
// re-entrant; it holds only the read-mostly store port and frozen
// configuration.
type ValidationService struct {
	store   keys.ValidatorStore
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewValidationService creates the pipeline service. The store must be
// bound to the validator principal.
func NewValidationService(store keys.ValidatorStore, limiter *ratelimit.Limiter, logger *slog.Logger) *ValidationService {
	return &ValidationService{
		store:   store,
		limiter: limiter,
		logger:  logger,
		tracer:  otel.Tracer("keymint/service"),
		now:     time.Now,
	}
}

// Validate runs the pipeline for a presented bearer string:
// parse, lookup, state checks, secret check, rate limit, audit, usage.
//
// The tie-break order is fixed: parse, existence, disabled, expired,
// secret, rate. Changing it is a protocol change.
func (s *ValidationService) Validate(ctx context.Context, bearer string) (*ValidationResult, error) {
	ctx, span := s.tracer.Start(ctx, "keys.validate")
	defer span.End()

	// The raw bearer never reaches a log line; the fingerprint is
	// enough to correlate repeated attempts.
	log := s.logger.With("bearer_fp", bearerFingerprint(bearer))

	cred, err := credential.Parse(bearer)
	if err != nil {
		log.Debug("credential rejected", "reason", "malformed")
		s.audit(ctx, "", "", audit.ResultDenied)
		return nil, ErrUnauthorized
	}
	span.SetAttributes(
		attribute.String("project_id", cred.ProjectID),
		attribute.String("key_id", cred.KeyID),
	)
	log = log.With("project_id", cred.ProjectID, "key_id", cred.KeyID)

	doc, err := s.store.GetKey(ctx, cred.ProjectID, cred.KeyID)
	if err != nil {
		switch {
		case errors.Is(err, keys.ErrNotFound):
			log.Debug("credential rejected", "reason", "unknown key")
			s.audit(ctx, cred.ProjectID, cred.KeyID, audit.ResultDenied)
			return nil, ErrUnauthorized
		case errors.Is(err, keys.ErrTransient):
			return nil, err
		default:
			log.Error("key document fetch failed", "error", err)
			return nil, err
		}
	}

	now := float64(s.now().UnixNano()) / 1e9

	if doc.Disabled {
		log.Debug("credential rejected", "reason", "disabled")
		s.denied(ctx, cred.ProjectID, cred.KeyID)
		return nil, ErrUnauthorized
	}
	if doc.IsExpired(now) {
		log.Debug("credential rejected", "reason", "expired")
		s.denied(ctx, cred.ProjectID, cred.KeyID)
		return nil, ErrUnauthorized
	}

	match, err := verifier.Check(cred.Secret, doc.SecretHash)
	if err != nil {
		// Corrupted stored verifier: deny in the audit trail but
		// surface as an internal error, never as unauthorized.
		log.Error("stored verifier unparseable", "error", err)
		s.denied(ctx, cred.ProjectID, cred.KeyID)
		return nil, ErrInternal
	}
	if !match {
		log.Debug("credential rejected", "reason", "secret mismatch")
		s.denied(ctx, cred.ProjectID, cred.KeyID)
		return nil, ErrUnauthorized
	}

	res, err := s.limiter.Allow(ctx, cred.ProjectID, cred.KeyID, s.now())
	if err != nil {
		if errors.Is(err, keys.ErrTransient) {
			return nil, err
		}
		log.Error("rate limit check failed", "error", err)
		return nil, err
	}
	if !res.Allowed {
		log.Info("credential rate limited", "count", res.Count)
		s.audit(ctx, cred.ProjectID, cred.KeyID, audit.ResultRateLimited)
		s.bumpDenied(ctx, cred.ProjectID, cred.KeyID)
		return nil, ErrRateLimited
	}

	s.audit(ctx, cred.ProjectID, cred.KeyID, audit.ResultOK)

	// The admission is already decided and audited; a transient failure
	// here still surfaces as unavailable, committed side effects are
	// not rolled back.
	if err := s.store.BumpUsage(ctx, cred.ProjectID, cred.KeyID, keys.UsageValidationsOK, 1); err != nil {
		if errors.Is(err, keys.ErrTransient) {
			return nil, err
		}
		s.logger.Error("usage bump failed", "project_id", cred.ProjectID, "key_id", cred.KeyID, "error", err)
	}
	if err := s.store.SetUsageTS(ctx, cred.ProjectID, cred.KeyID, keys.UsageLastSeenTS, now); err != nil {
		if errors.Is(err, keys.ErrTransient) {
			return nil, err
		}
		s.logger.Error("usage timestamp update failed", "project_id", cred.ProjectID, "key_id", cred.KeyID, "error", err)
	}

	return &ValidationResult{
		ProjectID: doc.ProjectID,
		KeyID:     doc.KeyID,
		Owner:     doc.Owner,
		Metadata:  doc.Metadata,
	}, nil
}

// denied records a denial in the audit stream and the usage hash.
func (s *ValidationService) denied(ctx context.Context, projectID, keyID string) {
	s.audit(ctx, projectID, keyID, audit.ResultDenied)
	s.bumpDenied(ctx, projectID, keyID)
}

// audit appends to the audit stream best-effort: a failed append is
// logged but never changes the outcome.
func (s *ValidationService) audit(ctx context.Context, projectID, keyID string, result audit.Result) {
	ev := audit.Event{
		TS:        float64(s.now().UnixNano()) / 1e9,
		ProjectID: projectID,
		KeyID:     keyID,
		Result:    result,
	}
	if err := s.store.AppendAudit(ctx, ev); err != nil {
		s.logger.Error("audit append failed",
			"project_id", projectID, "key_id", keyID, "result", result, "error", err)
	}
}

// bumpDenied increments the denied counter best-effort. The key may
// not exist for some denial causes; the counter only matters when it
// does.
func (s *ValidationService) bumpDenied(ctx context.Context, projectID, keyID string) {
	if err := s.store.BumpUsage(ctx, projectID, keyID, keys.UsageValidationsDenied, 1); err != nil {
		s.logger.Debug("denied counter bump failed",
			"project_id", projectID, "key_id", keyID, "error", err)
	}
}

// bearerFingerprint returns a short non-reversible fingerprint of a
// presented bearer for log correlation.
func bearerFingerprint(bearer string) string {
	return strconv.FormatUint(xxhash.Sum64String(bearer), 16)
}
