// Package redisstore is the Redis-backed store gateway. It owns every
// key-name template and all serialization of documents, sets, hashes,
// streams, and counters. Store-layer failures are translated into the
// keys error taxonomy; redis-native errors never escape this package.
//
// Two gateways run per process, one per store principal: the validator
// gateway serves the validation pipeline, the manager gateway serves
// admin operations. Command and key-pattern allow-lists per principal
// are enforced by the store's ACL layer, not here.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keymint/keymint/internal/domain/audit"
	"github.com/keymint/keymint/internal/domain/keys"
)

// Per-round-trip deadline applied at the connection level. Request
// deadlines ride on the context.
const roundTripTimeout = 1 * time.Second

// disableRetries in Options: the validator does not retry within a
// single call; higher layers may.
const noRetries = -1

// Options configures a Gateway connection pool for one principal.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int
	PoolSize int
}

// Gateway implements keys.ValidatorStore and keys.ManagerStore over a
// single Redis connection pool.
type Gateway struct {
	rdb *redis.Client
}

// New creates a Gateway with its own connection pool bound to the
// principal in opts.
func New(opts Options) *Gateway {
	return &Gateway{
		rdb: redis.NewClient(&redis.Options{
			Addr:         net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
			Username:     opts.Username,
			Password:     opts.Password,
			DB:           opts.DB,
			PoolSize:     opts.PoolSize,
			DialTimeout:  roundTripTimeout,
			ReadTimeout:  roundTripTimeout,
			WriteTimeout: roundTripTimeout,
			MaxRetries:   noRetries,
		}),
	}
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client) *Gateway {
	return &Gateway{rdb: rdb}
}

// Close releases the connection pool.
func (g *Gateway) Close() error {
	return g.rdb.Close()
}

// Ping verifies the store is reachable under this principal.
func (g *Gateway) Ping(ctx context.Context) error {
	return translate("ping", g.rdb.Ping(ctx).Err())
}

// Key-name templates. The gateway is the only component that builds
// store key names.

func projectKey(projectID string) string {
	return "project:" + projectID
}

func apikeyKey(projectID, keyID string) string {
	return "apikey:" + projectID + ":" + keyID
}

func indexKey(projectID string) string {
	return "apiprojectkeys:" + projectID
}

func usageKey(projectID, keyID string) string {
	return "apimeta:" + projectID + ":" + keyID
}

func rateKey(projectID, keyID string, minute int64) string {
	return "ratelimit:key:" + projectID + ":" + keyID + ":" + strconv.FormatInt(minute, 10)
}

// GetKey fetches and decodes the key document.
func (g *Gateway) GetKey(ctx context.Context, projectID, keyID string) (*keys.KeyDoc, error) {
	raw, err := g.rdb.Get(ctx, apikeyKey(projectID, keyID)).Bytes()
	if err != nil {
		return nil, translate("get key", err)
	}
	var doc keys.KeyDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, fmt.Errorf("get key: %w: %v", keys.ErrPermanent, err)
	}
	return &doc, nil
}

// CreateKey writes the key document, rejecting overwrite.
func (g *Gateway) CreateKey(ctx context.Context, doc *keys.KeyDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("create key: %w: %v", keys.ErrPermanent, err)
	}
	ok, err := g.rdb.SetNX(ctx, apikeyKey(doc.ProjectID, doc.KeyID), raw, 0).Result()
	if err != nil {
		return translate("create key", err)
	}
	if !ok {
		return fmt.Errorf("create key %s:%s: %w", doc.ProjectID, doc.KeyID, keys.ErrAlreadyExists)
	}
	return nil
}

// setDisabledAttempts bounds optimistic-lock retries on the
// read-modify-write below before reporting contention as transient.
const setDisabledAttempts = 3

// SetKeyDisabled sets disabled=true on the document, leaving every
// other field untouched. The update runs under WATCH so a concurrent
// writer cannot be clobbered.
func (g *Gateway) SetKeyDisabled(ctx context.Context, projectID, keyID string) error {
	name := apikeyKey(projectID, keyID)

	update := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, name).Bytes()
		if err != nil {
			return err
		}
		var doc keys.KeyDoc
		if err := decodeStrict(raw, &doc); err != nil {
			return fmt.Errorf("%w: %v", keys.ErrPermanent, err)
		}
		doc.Disabled = true
		out, err := json.Marshal(&doc)
		if err != nil {
			return fmt.Errorf("%w: %v", keys.ErrPermanent, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, name, out, redis.KeepTTL)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < setDisabledAttempts; i++ {
		err = g.rdb.Watch(ctx, update, name)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("set key disabled: %w: update contention", keys.ErrTransient)
	}
	if errors.Is(err, keys.ErrPermanent) {
		return fmt.Errorf("set key disabled: %w", err)
	}
	return translate("set key disabled", err)
}

// AddKeyToIndex adds keyID to the project's key index set.
func (g *Gateway) AddKeyToIndex(ctx context.Context, projectID, keyID string) error {
	return translate("add key to index", g.rdb.SAdd(ctx, indexKey(projectID), keyID).Err())
}

// RemoveKeyFromIndex removes keyID from the project's key index set.
func (g *Gateway) RemoveKeyFromIndex(ctx context.Context, projectID, keyID string) error {
	return translate("remove key from index", g.rdb.SRem(ctx, indexKey(projectID), keyID).Err())
}

// ScanIndex returns one page of key ids. Sets have no native cursor
// with stable ordering, so the full member list is fetched and sorted
// lexicographically before slicing; ordering is stable across calls
// within a read-only window.
func (g *Gateway) ScanIndex(ctx context.Context, projectID string, offset, limit int) ([]string, *int, error) {
	members, err := g.rdb.SMembers(ctx, indexKey(projectID)).Result()
	if err != nil {
		return nil, nil, translate("scan index", err)
	}
	sort.Strings(members)

	if offset >= len(members) {
		return []string{}, nil, nil
	}
	end := offset + limit
	if end > len(members) {
		end = len(members)
	}
	page := members[offset:end]

	var next *int
	if end < len(members) {
		n := end
		next = &n
	}
	return page, next, nil
}

// InitUsage initializes the usage hash for a freshly minted key.
func (g *Gateway) InitUsage(ctx context.Context, projectID, keyID string) error {
	err := g.rdb.HSet(ctx, usageKey(projectID, keyID),
		keys.UsageValidationsOK, 0,
		keys.UsageValidationsDenied, 0,
		keys.UsageLastSeenTS, 0,
	).Err()
	return translate("init usage", err)
}

// BumpUsage increments a usage counter by delta.
func (g *Gateway) BumpUsage(ctx context.Context, projectID, keyID, field string, delta int64) error {
	return translate("bump usage", g.rdb.HIncrBy(ctx, usageKey(projectID, keyID), field, delta).Err())
}

// SetUsageTS sets a usage timestamp field.
func (g *Gateway) SetUsageTS(ctx context.Context, projectID, keyID, field string, ts float64) error {
	value := strconv.FormatFloat(ts, 'f', -1, 64)
	return translate("set usage ts", g.rdb.HSet(ctx, usageKey(projectID, keyID), field, value).Err())
}

// GetProject fetches and decodes the project document.
func (g *Gateway) GetProject(ctx context.Context, projectID string) (*keys.ProjectDoc, error) {
	raw, err := g.rdb.Get(ctx, projectKey(projectID)).Bytes()
	if err != nil {
		return nil, translate("get project", err)
	}
	var doc keys.ProjectDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, fmt.Errorf("get project: %w: %v", keys.ErrPermanent, err)
	}
	return &doc, nil
}

// CreateProject writes the project document, rejecting overwrite.
func (g *Gateway) CreateProject(ctx context.Context, doc *keys.ProjectDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("create project: %w: %v", keys.ErrPermanent, err)
	}
	ok, err := g.rdb.SetNX(ctx, projectKey(doc.ProjectID), raw, 0).Result()
	if err != nil {
		return translate("create project", err)
	}
	if !ok {
		return fmt.Errorf("create project %s: %w", doc.ProjectID, keys.ErrAlreadyExists)
	}
	return nil
}

// AppendAudit appends one event to the audit stream.
func (g *Gateway) AppendAudit(ctx context.Context, ev audit.Event) error {
	err := g.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: audit.StreamName,
		Values: ev.StreamFields(),
	}).Err()
	return translate("append audit", err)
}

// IncrRate increments the per-minute counter and stamps its TTL in one
// transaction, returning the post-increment value.
func (g *Gateway) IncrRate(ctx context.Context, projectID, keyID string, minute int64, ttl time.Duration) (int64, error) {
	name := rateKey(projectID, keyID, minute)
	var incr *redis.IntCmd
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, name)
		pipe.Expire(ctx, name, ttl)
		return nil
	})
	if err != nil {
		return 0, translate("incr rate", err)
	}
	return incr.Val(), nil
}

// decodeStrict decodes a stored JSON document, rejecting unknown
// fields. Shape drift in the store surfaces as corruption instead of
// silently passing through.
func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// translate maps a redis-layer failure onto the keys error taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("%s: %w", op, keys.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, redis.ErrClosed),
		isNetError(err):
		return fmt.Errorf("%s: %w: %v", op, keys.ErrTransient, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, keys.ErrPermanent, err)
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Compile-time port checks.
var (
	_ keys.ValidatorStore = (*Gateway)(nil)
	_ keys.ManagerStore   = (*Gateway)(nil)
)
