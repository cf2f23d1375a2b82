package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errKeyMissing = errors.New("key missing")

// memBackend is an in-memory Backend with optional forced unavailability.
type memBackend struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	down     bool
	getStall time.Duration
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func newMemBackend() *memBackend {
	return &memBackend{entries: make(map[string]memEntry)}
}

func (m *memBackend) Get(ctx context.Context, key string) (string, error) {
	if m.getStall > 0 {
		time.Sleep(m.getStall)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", errors.New("connection refused")
	}
	e, ok := m.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", errKeyMissing
	}
	return e.value, nil
}

func (m *memBackend) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("connection refused")
	}
	m.entries[key] = memEntry{value: value.(string), expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *memBackend) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errors.New("connection refused")
	}
	var deleted int64
	for key := range m.entries {
		if matchGlob(pattern, key) {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// matchGlob supports the prefix*suffix patterns the hierarchy emits.
func matchGlob(pattern, key string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			prefix, suffix := pattern[:i], pattern[i+1:]
			return len(key) >= len(prefix)+len(suffix) &&
				key[:len(prefix)] == prefix &&
				key[len(key)-len(suffix):] == suffix
		}
	}
	return pattern == key
}

func isMissing(err error) bool { return errors.Is(err, errKeyMissing) }

func TestTierTTLs(t *testing.T) {
	h := New(newMemBackend(), isMissing)

	tests := []struct {
		tier Tier
		want time.Duration
	}{
		{TierForecast, 900 * time.Second},
		{TierActuals, 1800 * time.Second},
		{TierBasic, 21600 * time.Second},
		{TierConfig, 86400 * time.Second},
	}
	for _, tt := range tests {
		if got := h.TTL(tt.tier); got != tt.want {
			t.Errorf("TTL(%s) = %v, want %v", tt.tier, got, tt.want)
		}
	}
}

func TestGetOrComputeCachesValue(t *testing.T) {
	backend := newMemBackend()
	h := New(backend, isMissing)
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return map[string]int{"total": 42}, nil
	}

	first, err := h.GetOrCompute(ctx, TierActuals, "L1", "totals:2025-04-01", compute)
	if err != nil {
		t.Fatalf("first GetOrCompute: %v", err)
	}
	second, err := h.GetOrCompute(ctx, TierActuals, "L1", "totals:2025-04-01", compute)
	if err != nil {
		t.Fatalf("second GetOrCompute: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("compute called %d times, want 1", calls.Load())
	}
	if string(first) != string(second) {
		t.Errorf("cached value mismatch: %s vs %s", first, second)
	}

	var decoded map[string]int
	if err := json.Unmarshal(second, &decoded); err != nil {
		t.Fatalf("unmarshal cached value: %v", err)
	}
	if decoded["total"] != 42 {
		t.Errorf("cached total = %d, want 42", decoded["total"])
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	backend := newMemBackend()
	backend.getStall = 5 * time.Millisecond
	h := New(backend, isMissing)
	ctx := context.Background()

	var calls atomic.Int32
	compute := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "computed", nil
	}

	const n = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := h.GetOrCompute(ctx, TierForecast, "L1", "forecast:2025-04-01", compute); err != nil {
				t.Errorf("GetOrCompute: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("compute called %d times for %d concurrent callers, want 1", calls.Load(), n)
	}
}

func TestGetOrComputeFallsOpenWhenBackendDown(t *testing.T) {
	backend := newMemBackend()
	backend.down = true
	h := New(backend, isMissing)
	ctx := context.Background()

	var calls atomic.Int32
	value, err := h.GetOrCompute(ctx, TierActuals, "L1", "totals", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "direct", nil
	})
	if err != nil {
		t.Fatalf("fall-open compute must not fail the caller: %v", err)
	}
	if string(value) != `"direct"` {
		t.Errorf("value = %s, want %q", value, `"direct"`)
	}
	if calls.Load() != 1 {
		t.Errorf("compute called %d times, want 1", calls.Load())
	}
	if _, _, fellOpen := h.Stats(); fellOpen != 1 {
		t.Errorf("fall-open count = %d, want 1", fellOpen)
	}
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	h := New(newMemBackend(), isMissing)
	wantErr := errors.New("store offline")

	_, err := h.GetOrCompute(context.Background(), TierActuals, "L1", "totals", func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestInvalidateScopeEvictsOnlyThatLine(t *testing.T) {
	backend := newMemBackend()
	h := New(backend, isMissing)
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(ctx context.Context) (any, error) {
		computes.Add(1)
		return "v", nil
	}

	mustCompute := func(tier Tier, scope, logical string) {
		t.Helper()
		if _, err := h.GetOrCompute(ctx, tier, scope, logical, compute); err != nil {
			t.Fatalf("GetOrCompute(%s, %s): %v", tier, scope, err)
		}
	}

	mustCompute(TierActuals, "L1", "totals")
	mustCompute(TierForecast, "L1", "forecast")
	mustCompute(TierActuals, "L2", "totals")
	mustCompute(TierConfig, "L1", "calendar")

	if err := h.InvalidateScope(ctx, "L1"); err != nil {
		t.Fatalf("InvalidateScope: %v", err)
	}

	before := computes.Load()
	mustCompute(TierActuals, "L2", "totals") // still cached
	mustCompute(TierConfig, "L1", "calendar")
	if computes.Load() != before {
		t.Error("entries outside the invalidated scope were evicted")
	}

	mustCompute(TierActuals, "L1", "totals") // evicted, recomputes
	mustCompute(TierForecast, "L1", "forecast")
	if computes.Load() != before+2 {
		t.Errorf("expected 2 recomputes for invalidated L1 entries, got %d", computes.Load()-before)
	}
}

func TestKeyIsTierPrefixed(t *testing.T) {
	h := New(newMemBackend(), isMissing)

	key := h.Key(TierForecast, "L1", "forecast:2025-04-01")
	if key[:len("forecast_L1:")] != "forecast_L1:" {
		t.Errorf("key %q missing tier prefix and scope", key)
	}
	other := h.Key(TierForecast, "L1", "forecast:2025-04-02")
	if key == other {
		t.Error("distinct logical queries produced the same fingerprint")
	}
}
