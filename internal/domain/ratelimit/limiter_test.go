package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakeCounter counts increments in memory, keyed by name and window.
type fakeCounter struct {
	counts  map[string]int64
	lastTTL time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int64)}
}

func (f *fakeCounter) IncrRate(ctx context.Context, projectID, keyID string, minute int64, ttl time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	name := fmt.Sprintf("%s:%s:%d", projectID, keyID, minute)
	f.counts[name]++
	f.lastTTL = ttl
	return f.counts[name], nil
}

var _ Counter = (*fakeCounter)(nil)

func TestLimiterAllow(t *testing.T) {
	counter := newFakeCounter()
	limiter := NewLimiter(counter, 3, 120*time.Second)
	now := time.Unix(1700000000, 0)

	// With threshold 3, the first three calls in a window pass and the
	// rest are denied.
	for i := 1; i <= 5; i++ {
		res, err := limiter.Allow(context.Background(), "merlin", "k_abcd123", now)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		wantAllowed := i <= 3
		if res.Allowed != wantAllowed {
			t.Errorf("Allow #%d: allowed = %v, want %v", i, res.Allowed, wantAllowed)
		}
		if res.Count != int64(i) {
			t.Errorf("Allow #%d: count = %d, want %d", i, res.Count, i)
		}
	}

	if counter.lastTTL != 120*time.Second {
		t.Errorf("counter TTL = %v, want 120s", counter.lastTTL)
	}
}

func TestLimiterNewWindowResets(t *testing.T) {
	counter := newFakeCounter()
	limiter := NewLimiter(counter, 2, 120*time.Second)
	now := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(context.Background(), "p", "k_wxyz987", now); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}

	// The next minute is a fresh window.
	res, err := limiter.Allow(context.Background(), "p", "k_wxyz987", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Allow in next window: %v", err)
	}
	if !res.Allowed || res.Count != 1 {
		t.Errorf("next window result = %+v, want allowed count 1", res)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	counter := newFakeCounter()
	limiter := NewLimiter(counter, 1, 120*time.Second)
	now := time.Unix(1700000000, 0)

	if res, _ := limiter.Allow(context.Background(), "p", "k_first12", now); !res.Allowed {
		t.Fatal("first key denied on first call")
	}
	if res, _ := limiter.Allow(context.Background(), "p", "k_first12", now); res.Allowed {
		t.Fatal("first key allowed past threshold")
	}
	if res, _ := limiter.Allow(context.Background(), "p", "k_second3", now); !res.Allowed {
		t.Error("second key shares the first key's counter")
	}
}

func TestLimiterCounterError(t *testing.T) {
	counter := newFakeCounter()
	counter.err = errors.New("connection refused")
	limiter := NewLimiter(counter, 3, 120*time.Second)

	_, err := limiter.Allow(context.Background(), "p", "k_abcd123", time.Now())
	if !errors.Is(err, counter.err) {
		t.Fatalf("Allow error = %v, want the counter error", err)
	}
}

func TestNewLimiterClampsTTL(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want time.Duration
	}{
		{"below minimum falls back to default", 30 * time.Second, DefaultCounterTTL},
		{"exactly one window falls back to default", 60 * time.Second, DefaultCounterTTL},
		{"in range kept", 150 * time.Second, 150 * time.Second},
		{"above maximum clamped", 10 * time.Minute, MaxCounterTTL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(newFakeCounter(), 10, tt.ttl)
			if l.ttl != tt.want {
				t.Errorf("ttl = %v, want %v", l.ttl, tt.want)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	base := time.Unix(1700000040, 0) // 40 s into a minute
	if Window(base) != Window(base.Add(19*time.Second)) {
		t.Error("timestamps 19s apart within a minute map to different windows")
	}
	if Window(base) == Window(base.Add(time.Minute)) {
		t.Error("timestamps a minute apart map to the same window")
	}
}
