package ratelimit

import (
	"testing"
	"time"

	"github.com/modelfront/gateway/internal/tenant"
)

var testTiers = map[tenant.Tier]TierLimits{
	tenant.TierFree: {
		RequestsPerMinute: 5,
		TokensPerMinute:   1_000,
		RequestsPerDay:    10,
		TokensPerDay:      5_000,
		BurstMultiplier:   1.0,
	},
	tenant.TierStarter: {
		RequestsPerMinute: 20,
		TokensPerMinute:   50_000,
		RequestsPerDay:    2_000,
		TokensPerDay:      1_000_000,
		BurstMultiplier:   1.5,
	},
}

func newTestLimiter() (*Limiter, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(testTiers)
	l.nowFn = func() time.Time { return now }
	return l, &now
}

func TestCheckRequest_BurstCapacity(t *testing.T) {
	// requests_per_minute=20, burst=1.5 ⇒ bucket capacity 30.
	l, _ := newTestLimiter()

	for i := 0; i < 30; i++ {
		d := l.CheckRequest("t1", "", tenant.TierStarter)
		if d.Outcome != Allowed {
			t.Fatalf("request %d should be allowed, got %s", i+1, d.Outcome)
		}
	}

	d := l.CheckRequest("t1", "", tenant.TierStarter)
	if d.Outcome != RateLimited {
		t.Fatalf("31st request should be rate limited, got %s", d.Outcome)
	}
	if d.RetryAfter <= 0 {
		t.Error("rate limited decision should carry a retry-after hint")
	}
	if d.Limit != 20 {
		t.Errorf("limit metadata = %d, want 20", d.Limit)
	}
}

func TestCheckRequest_RefillRestoresTokens(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 30; i++ {
		l.CheckRequest("t1", "", tenant.TierStarter)
	}
	if d := l.CheckRequest("t1", "", tenant.TierStarter); d.Outcome != RateLimited {
		t.Fatal("bucket should be empty")
	}

	// 20/min ⇒ one token every 3 seconds.
	*now = now.Add(3 * time.Second)
	if d := l.CheckRequest("t1", "", tenant.TierStarter); d.Outcome != Allowed {
		t.Errorf("one token should have refilled, got %s", d.Outcome)
	}
	if d := l.CheckRequest("t1", "", tenant.TierStarter); d.Outcome != RateLimited {
		t.Error("only one token should have refilled")
	}
}

func TestCheckRequest_NeverExceedsCapacity(t *testing.T) {
	l, now := newTestLimiter()

	// Prime the state, then wait far longer than a full refill.
	l.CheckRequest("t1", "", tenant.TierStarter)
	*now = now.Add(time.Hour)

	allowed := 0
	for i := 0; i < 40; i++ {
		if l.CheckRequest("t1", "", tenant.TierStarter).Outcome == Allowed {
			allowed++
		}
	}
	if allowed != 30 {
		t.Errorf("bucket must cap at capacity 30, allowed %d", allowed)
	}
}

func TestCheckRequest_DailyQuota(t *testing.T) {
	l, now := newTestLimiter()

	// Free tier: 10 requests/day, 5/min capacity. Burn the daily quota by
	// recording completed requests.
	for i := 0; i < 10; i++ {
		l.RecordRequest("t1", "", tenant.TierFree, 10)
	}

	d := l.CheckRequest("t1", "", tenant.TierFree)
	if d.Outcome != QuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %s", d.Outcome)
	}
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if !d.ResetsAt.Equal(want) {
		t.Errorf("resets_at = %v, want next UTC midnight %v", d.ResetsAt, want)
	}
	if d.Limit != 10 {
		t.Errorf("limit metadata = %d, want 10", d.Limit)
	}

	// Quota takes precedence even though the bucket has tokens.
	*now = now.Add(time.Minute)
	if d := l.CheckRequest("t1", "", tenant.TierFree); d.Outcome != QuotaExceeded {
		t.Error("quota must be checked before the bucket")
	}
}

func TestDailyQuota_ResetsAfterUTCMidnight(t *testing.T) {
	l, now := newTestLimiter()

	for i := 0; i < 10; i++ {
		l.RecordRequest("t1", "", tenant.TierFree, 1)
	}
	if d := l.CheckRequest("t1", "", tenant.TierFree); d.Outcome != QuotaExceeded {
		t.Fatal("quota should be exhausted")
	}

	// Cross the UTC day boundary: counters reset lazily on next access.
	*now = time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC)
	if d := l.CheckRequest("t1", "", tenant.TierFree); d.Outcome != Allowed {
		t.Errorf("expected allowed after rollover, got %s", d.Outcome)
	}
}

func TestCheckTokens(t *testing.T) {
	l, _ := newTestLimiter()

	// Free tier: 1000 tokens/min, burst 1.0 ⇒ capacity 1000.
	if d := l.CheckTokens("t1", "", tenant.TierFree, 600); d.Outcome != Allowed {
		t.Fatalf("600 tokens should fit, got %s", d.Outcome)
	}
	if d := l.CheckTokens("t1", "", tenant.TierFree, 600); d.Outcome != RateLimited {
		t.Fatalf("second 600 should exceed the bucket, got %s", d.Outcome)
	}
}

func TestCheckTokens_DailyQuotaPrecedence(t *testing.T) {
	l, _ := newTestLimiter()

	// Free tier: 5000 tokens/day.
	l.RecordRequest("t1", "", tenant.TierFree, 4_900)

	d := l.CheckTokens("t1", "", tenant.TierFree, 200)
	if d.Outcome != QuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %s", d.Outcome)
	}
	if d.ResetsAt.IsZero() {
		t.Error("quota_exceeded should carry a reset timestamp")
	}
}

func TestRecordRequest_DebitsTokenBucket(t *testing.T) {
	l, _ := newTestLimiter()

	// Capacity 1000; record 800 actual tokens, then a 300-token check fails.
	l.CheckRequest("t1", "", tenant.TierFree)
	l.RecordRequest("t1", "", tenant.TierFree, 800)

	if d := l.CheckTokens("t1", "", tenant.TierFree, 300); d.Outcome != RateLimited {
		t.Errorf("bucket should hold ~200 tokens after debit, got %s", d.Outcome)
	}
	if d := l.CheckTokens("t1", "", tenant.TierFree, 150); d.Outcome != Allowed {
		t.Errorf("150 tokens should still fit, got %s", d.Outcome)
	}
}

func TestRecordRequest_BucketFloorsAtZero(t *testing.T) {
	l, now := newTestLimiter()

	// Debit far more than capacity; the bucket must clamp to zero, not go
	// negative and penalise future refills.
	l.RecordRequest("t1", "", tenant.TierFree, 100_000)

	// 1000/min ⇒ ~16.6 tokens/sec. After 6s roughly 100 tokens are back.
	*now = now.Add(6 * time.Second)
	if d := l.CheckTokens("t1", "", tenant.TierFree, 90); d.Outcome != Allowed {
		t.Errorf("bucket should refill from zero, got %s", d.Outcome)
	}
}

func TestPerKeyStateIsIndependent(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		if d := l.CheckRequest("t1", "key-a", tenant.TierFree); d.Outcome != Allowed {
			t.Fatalf("key-a request %d should be allowed", i+1)
		}
	}
	if d := l.CheckRequest("t1", "key-a", tenant.TierFree); d.Outcome != RateLimited {
		t.Fatal("key-a should be exhausted")
	}

	if d := l.CheckRequest("t1", "key-b", tenant.TierFree); d.Outcome != Allowed {
		t.Error("key-b has its own bucket and should be allowed")
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 tracked states, got %d", l.Len())
	}
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		l.CheckRequest("t1", "", tenant.Tier("mystery"))
	}
	if d := l.CheckRequest("t1", "", tenant.Tier("mystery")); d.Outcome != RateLimited {
		t.Errorf("unknown tier should get free-tier limits, got %s", d.Outcome)
	}
}
