// Package memory provides an in-memory store gateway for development
// and tests. It implements both store ports with the same semantics as
// the Redis gateway, including create-only writes, sorted index scans,
// and windowed rate counters. Not for production use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keymint/keymint/internal/domain/audit"
	"github.com/keymint/keymint/internal/domain/keys"
)

type rateCounter struct {
	count     int64
	expiresAt time.Time
}

// Store is a map-backed store gateway. Thread-safe.
type Store struct {
	mu       sync.Mutex
	keys     map[string]keys.KeyDoc     // "{p}:{k}" -> doc
	projects map[string]keys.ProjectDoc // "{p}" -> doc
	index    map[string]map[string]bool // "{p}" -> set of key ids
	usage    map[string]map[string]string
	rates    map[string]rateCounter // "{p}:{k}:{minute}" -> counter
	auditLog []audit.Event

	// failWith, when set, makes every operation return that error.
	// Used by tests to exercise transient-failure paths.
	failWith error
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		keys:     make(map[string]keys.KeyDoc),
		projects: make(map[string]keys.ProjectDoc),
		index:    make(map[string]map[string]bool),
		usage:    make(map[string]map[string]string),
		rates:    make(map[string]rateCounter),
	}
}

// FailWith makes every subsequent operation fail with err. Pass nil to
// restore normal operation.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func docKey(projectID, keyID string) string {
	return projectID + ":" + keyID
}

// GetKey implements keys.ValidatorStore and keys.ManagerStore.
func (s *Store) GetKey(ctx context.Context, projectID, keyID string) (*keys.KeyDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	doc, ok := s.keys[docKey(projectID, keyID)]
	if !ok {
		return nil, fmt.Errorf("get key %s:%s: %w", projectID, keyID, keys.ErrNotFound)
	}
	copied := doc
	return &copied, nil
}

// CreateKey implements keys.ManagerStore.
func (s *Store) CreateKey(ctx context.Context, doc *keys.KeyDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	name := docKey(doc.ProjectID, doc.KeyID)
	if _, exists := s.keys[name]; exists {
		return fmt.Errorf("create key %s: %w", name, keys.ErrAlreadyExists)
	}
	s.keys[name] = *doc
	return nil
}

// SetKeyDisabled implements keys.ManagerStore.
func (s *Store) SetKeyDisabled(ctx context.Context, projectID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	name := docKey(projectID, keyID)
	doc, ok := s.keys[name]
	if !ok {
		return fmt.Errorf("set key disabled %s: %w", name, keys.ErrNotFound)
	}
	doc.Disabled = true
	s.keys[name] = doc
	return nil
}

// AddKeyToIndex implements keys.ManagerStore.
func (s *Store) AddKeyToIndex(ctx context.Context, projectID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.index[projectID] == nil {
		s.index[projectID] = make(map[string]bool)
	}
	s.index[projectID][keyID] = true
	return nil
}

// RemoveKeyFromIndex implements keys.ManagerStore.
func (s *Store) RemoveKeyFromIndex(ctx context.Context, projectID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	delete(s.index[projectID], keyID)
	return nil
}

// ScanIndex implements keys.ManagerStore.
func (s *Store) ScanIndex(ctx context.Context, projectID string, offset, limit int) ([]string, *int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, nil, s.failWith
	}
	members := make([]string, 0, len(s.index[projectID]))
	for id := range s.index[projectID] {
		members = append(members, id)
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

// InitUsage implements keys.ManagerStore.
func (s *Store) InitUsage(ctx context.Context, projectID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.usage[docKey(projectID, keyID)] = map[string]string{
		keys.UsageValidationsOK:     "0",
		keys.UsageValidationsDenied: "0",
		keys.UsageLastSeenTS:        "0",
	}
	return nil
}

// BumpUsage implements keys.ValidatorStore.
func (s *Store) BumpUsage(ctx context.Context, projectID, keyID, field string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	name := docKey(projectID, keyID)
	if s.usage[name] == nil {
		s.usage[name] = make(map[string]string)
	}
	var current int64
	fmt.Sscanf(s.usage[name][field], "%d", &current)
	s.usage[name][field] = fmt.Sprintf("%d", current+delta)
	return nil
}

// SetUsageTS implements keys.ValidatorStore.
func (s *Store) SetUsageTS(ctx context.Context, projectID, keyID, field string, ts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	name := docKey(projectID, keyID)
	if s.usage[name] == nil {
		s.usage[name] = make(map[string]string)
	}
	s.usage[name][field] = fmt.Sprintf("%g", ts)
	return nil
}

// GetProject implements keys.ManagerStore.
func (s *Store) GetProject(ctx context.Context, projectID string) (*keys.ProjectDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	doc, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("get project %s: %w", projectID, keys.ErrNotFound)
	}
	copied := doc
	return &copied, nil
}

// CreateProject implements keys.ManagerStore.
func (s *Store) CreateProject(ctx context.Context, doc *keys.ProjectDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, exists := s.projects[doc.ProjectID]; exists {
		return fmt.Errorf("create project %s: %w", doc.ProjectID, keys.ErrAlreadyExists)
	}
	s.projects[doc.ProjectID] = *doc
	return nil
}

// AppendAudit implements keys.ValidatorStore.
func (s *Store) AppendAudit(ctx context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.auditLog = append(s.auditLog, ev)
	return nil
}

// IncrRate implements keys.ValidatorStore.
func (s *Store) IncrRate(ctx context.Context, projectID, keyID string, minute int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	name := fmt.Sprintf("%s:%s:%d", projectID, keyID, minute)
	now := time.Now()
	counter := s.rates[name]
	if counter.count > 0 && now.After(counter.expiresAt) {
		counter = rateCounter{}
	}
	counter.count++
	counter.expiresAt = now.Add(ttl)
	s.rates[name] = counter
	return counter.count, nil
}

// Ping implements both ports.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWith
}

// AuditEvents returns a copy of the recorded audit trail. Test helper.
func (s *Store) AuditEvents() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

// Usage returns a copy of the usage hash for a key. Test helper.
func (s *Store) Usage(projectID, keyID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.usage[docKey(projectID, keyID)] {
		out[k] = v
	}
	return out
}

// InIndex reports whether keyID is in the project's index. Test helper.
func (s *Store) InIndex(projectID, keyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[projectID][keyID]
}

// Compile-time port checks.
var (
	_ keys.ValidatorStore = (*Store)(nil)
	_ keys.ManagerStore   = (*Store)(nil)
)
