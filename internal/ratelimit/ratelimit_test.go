package ratelimit

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agenthub/internal/config"
)

func newTestLimiter(t *testing.T, cfg *config.Config) *Limiter {
	t.Helper()
	l, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAgentBucketBurstThenDeny(t *testing.T) {
	cfg := &config.Config{Limits: config.LimitsConfig{AgentPerMinute: 60, AgentBurst: 2}}
	l := newTestLimiter(t, cfg)

	for i := 0; i < 2; i++ {
		if ok, _ := l.TryAcquire(ScopeAgent, "ag-1", 1); !ok {
			t.Fatalf("acquire %d denied inside burst", i+1)
		}
	}
	ok, wait := l.TryAcquire(ScopeAgent, "ag-1", 1)
	if ok {
		t.Fatal("third acquire granted past burst")
	}
	if wait <= 0 || wait > 1100*time.Millisecond {
		t.Errorf("wait = %v, want about one second at 60/min", wait)
	}
}

func TestBucketsAreKeyedPerID(t *testing.T) {
	cfg := &config.Config{Limits: config.LimitsConfig{AgentPerMinute: 60, AgentBurst: 1}}
	l := newTestLimiter(t, cfg)

	if ok, _ := l.TryAcquire(ScopeAgent, "ag-1", 1); !ok {
		t.Fatal("ag-1 denied")
	}
	if ok, _ := l.TryAcquire(ScopeAgent, "ag-1", 1); ok {
		t.Fatal("ag-1 granted past burst")
	}
	if ok, _ := l.TryAcquire(ScopeAgent, "ag-2", 1); !ok {
		t.Fatal("ag-2 should have its own bucket")
	}
}

func TestProviderLimitFromProfile(t *testing.T) {
	cfg := &config.Config{AI: config.AIConfig{Providers: []config.ProviderProfile{
		{ID: "slow", Kind: "remote-free", RatePerMinute: 6},
	}}}
	l := newTestLimiter(t, cfg)

	if ok, _ := l.TryAcquire(ScopeProvider, "slow", 1); !ok {
		t.Fatal("first provider call denied")
	}
	if ok, wait := l.TryAcquire(ScopeProvider, "slow", 1); ok || wait <= 0 {
		t.Fatalf("second call = %v wait %v, want denied with delay", ok, wait)
	}

	// No profile means no cap.
	for i := 0; i < 50; i++ {
		if ok, _ := l.TryAcquire(ScopeProvider, "unknown", 1); !ok {
			t.Fatal("unconfigured provider should be unlimited")
		}
	}
}

func TestTenantDefaultsApply(t *testing.T) {
	l := newTestLimiter(t, &config.Config{})

	granted := 0
	for i := 0; i < 40; i++ {
		if ok, _ := l.TryAcquire(ScopeTenant, "t-1", 1); ok {
			granted++
		}
	}
	// Default burst is 30; refill within the loop is negligible.
	if granted < 30 || granted > 31 {
		t.Errorf("granted = %d, want the default tenant burst", granted)
	}
}

func TestUnknownScopeUnlimited(t *testing.T) {
	l := newTestLimiter(t, &config.Config{})
	if ok, _ := l.TryAcquire("bogus", "x", 1); !ok {
		t.Fatal("unknown scope should not be limited")
	}
}

func TestPruneDropsIdleBuckets(t *testing.T) {
	l := newTestLimiter(t, &config.Config{})
	now := time.Now()

	l.mu.Lock()
	l.buckets[bucketKey{ScopeAgent, "cold-1"}] = &bucket{lastUsed: now.Add(-20 * time.Minute)}
	l.buckets[bucketKey{ScopeAgent, "cold-2"}] = &bucket{lastUsed: now.Add(-15 * time.Minute)}
	l.buckets[bucketKey{ScopeAgent, "warm"}] = &bucket{lastUsed: now}
	l.pruneLocked(now)
	left := len(l.buckets)
	_, warmKept := l.buckets[bucketKey{ScopeAgent, "warm"}]
	l.mu.Unlock()

	if left != 1 || !warmKept {
		t.Errorf("buckets = %d warmKept = %v after prune", left, warmKept)
	}
}

func TestNewRejectsBadRedisURL(t *testing.T) {
	cfg := &config.Config{Redis: config.RedisConfig{URL: "http://not-redis"}}
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error for non-redis URL")
	}
}
