// Package ratelimit enforces per-tenant rate limits and daily quotas.
//
// Each (tenant, key) pair owns two lazily-refilled token buckets — one for
// request counts, one for model tokens — plus two daily counters that reset
// on the first access after a UTC calendar-day rollover. Limits are
// parameterised by the tenant's pricing tier.
//
// All state lives in process memory; replicas of the gateway enforce limits
// independently. Buckets refill lazily from elapsed wall-clock time on every
// access — there is no background timer.
package ratelimit

import (
	"sync"
	"time"

	"github.com/modelfront/gateway/internal/tenant"
)

// TierLimits holds the ceilings for one pricing tier.
type TierLimits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	RequestsPerDay    int64
	TokensPerDay      int64

	// BurstMultiplier scales bucket capacity beyond the nominal per-minute
	// rate, allowing short bursts. Values ≤ 1 mean no burst headroom.
	BurstMultiplier float64
}

// DefaultTiers is the built-in tier table. Configuration may override
// individual tiers at startup.
var DefaultTiers = map[tenant.Tier]TierLimits{
	tenant.TierFree: {
		RequestsPerMinute: 5,
		TokensPerMinute:   10_000,
		RequestsPerDay:    100,
		TokensPerDay:      100_000,
		BurstMultiplier:   1.0,
	},
	tenant.TierStarter: {
		RequestsPerMinute: 20,
		TokensPerMinute:   50_000,
		RequestsPerDay:    2_000,
		TokensPerDay:      1_000_000,
		BurstMultiplier:   1.5,
	},
	tenant.TierPro: {
		RequestsPerMinute: 100,
		TokensPerMinute:   200_000,
		RequestsPerDay:    20_000,
		TokensPerDay:      10_000_000,
		BurstMultiplier:   1.5,
	},
	tenant.TierEnterprise: {
		RequestsPerMinute: 1_000,
		TokensPerMinute:   2_000_000,
		RequestsPerDay:    500_000,
		TokensPerDay:      200_000_000,
		BurstMultiplier:   2.0,
	},
}

// Outcome is the result of a limit check.
type Outcome int

const (
	Allowed Outcome = iota
	RateLimited
	QuotaExceeded
)

// String returns the label used in logs and error responses.
func (o Outcome) String() string {
	switch o {
	case RateLimited:
		return "rate_limited"
	case QuotaExceeded:
		return "quota_exceeded"
	default:
		return "allowed"
	}
}

// Decision carries the outcome plus the metadata callers surface to clients:
// the applicable limit, what remains of it, a retry hint for RateLimited, and
// the quota reset timestamp for QuotaExceeded.
type Decision struct {
	Outcome    Outcome
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetsAt   time.Time
}

// bucket is a lazily-refilled token bucket. Tokens are recomputed from
// elapsed wall-clock time on every access and never exceed capacity nor drop
// below zero.
type bucket struct {
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastUpdate time.Time
}

func newBucket(perMinute int, burst float64, now time.Time) *bucket {
	if burst < 1 {
		burst = 1
	}
	capacity := float64(perMinute) * burst
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: float64(perMinute) / 60.0,
		lastUpdate: now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastUpdate = now
}

// consume takes n tokens if available. No mutation on failure.
func (b *bucket) consume(n float64, now time.Time) bool {
	b.refill(now)
	if n > b.tokens {
		return false
	}
	b.tokens -= n
	return true
}

// retryAfter estimates how long until n tokens become available.
func (b *bucket) retryAfter(n float64, now time.Time) time.Duration {
	b.refill(now)
	deficit := n - b.tokens
	if deficit <= 0 || b.refillRate <= 0 {
		return 0
	}
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// state is the limiter state for one (tenant, key) pair.
type state struct {
	requests *bucket
	tokens   *bucket

	dailyRequests int64
	dailyTokens   int64
	resetDate     time.Time // UTC midnight of the day the counters belong to
}

// Limiter holds per-(tenant, key) state, created lazily on first use.
// One mutex serialises all access so refill+consume and the daily-reset check
// are atomic with respect to concurrent requests.
type Limiter struct {
	mu     sync.Mutex
	states map[string]*state
	tiers  map[tenant.Tier]TierLimits
	nowFn  func() time.Time
}

// New creates a Limiter. Pass nil to use DefaultTiers.
func New(tiers map[tenant.Tier]TierLimits) *Limiter {
	if tiers == nil {
		tiers = DefaultTiers
	}
	return &Limiter{
		states: make(map[string]*state),
		tiers:  tiers,
		nowFn:  time.Now,
	}
}

func (l *Limiter) limitsFor(tier tenant.Tier) TierLimits {
	if lim, ok := l.tiers[tier]; ok {
		return lim
	}
	return l.tiers[tenant.TierFree]
}

// stateFor returns (creating if needed) the state for tenantID+key.
// Caller holds l.mu.
func (l *Limiter) stateFor(tenantID, key string, lim TierLimits, now time.Time) *state {
	id := tenantID
	if key != "" {
		id += ":" + key
	}

	s, ok := l.states[id]
	if !ok {
		s = &state{
			requests:  newBucket(lim.RequestsPerMinute, lim.BurstMultiplier, now),
			tokens:    newBucket(lim.TokensPerMinute, lim.BurstMultiplier, now),
			resetDate: utcMidnight(now),
		}
		l.states[id] = s
	}

	// Daily counters reset exactly once per UTC day, on first access after
	// the rollover.
	if midnight := utcMidnight(now); midnight.After(s.resetDate) {
		s.dailyRequests = 0
		s.dailyTokens = 0
		s.resetDate = midnight
	}

	return s
}

// CheckRequest decides whether one more request is allowed for the pair.
// The daily request quota is evaluated before the per-minute bucket, so a
// tenant over quota sees QuotaExceeded even when the bucket has tokens.
func (l *Limiter) CheckRequest(tenantID, key string, tier tenant.Tier) Decision {
	now := l.nowFn()
	lim := l.limitsFor(tier)

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stateFor(tenantID, key, lim, now)

	if s.dailyRequests >= lim.RequestsPerDay {
		return Decision{
			Outcome:  QuotaExceeded,
			Limit:    lim.RequestsPerDay,
			ResetsAt: nextUTCMidnight(now),
		}
	}

	if !s.requests.consume(1, now) {
		return Decision{
			Outcome:    RateLimited,
			Limit:      int64(lim.RequestsPerMinute),
			RetryAfter: s.requests.retryAfter(1, now),
		}
	}

	return Decision{
		Outcome:   Allowed,
		Limit:     int64(lim.RequestsPerMinute),
		Remaining: int64(s.requests.tokens),
	}
}

// CheckTokens decides whether estimatedTokens more model tokens are allowed,
// with the same quota-before-bucket precedence on the token dimension.
func (l *Limiter) CheckTokens(tenantID, key string, tier tenant.Tier, estimatedTokens int64) Decision {
	now := l.nowFn()
	lim := l.limitsFor(tier)

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stateFor(tenantID, key, lim, now)

	if s.dailyTokens+estimatedTokens > lim.TokensPerDay {
		return Decision{
			Outcome:  QuotaExceeded,
			Limit:    lim.TokensPerDay,
			ResetsAt: nextUTCMidnight(now),
		}
	}

	if !s.tokens.consume(float64(estimatedTokens), now) {
		return Decision{
			Outcome:    RateLimited,
			Limit:      int64(lim.TokensPerMinute),
			RetryAfter: s.tokens.retryAfter(float64(estimatedTokens), now),
		}
	}

	return Decision{
		Outcome:   Allowed,
		Limit:     int64(lim.TokensPerMinute),
		Remaining: int64(s.tokens.tokens),
	}
}

// RecordRequest charges the actual usage of a completed request: it
// increments both daily counters and debits the token bucket by the real
// token count, separately from whatever pre-flight estimate CheckTokens
// consumed. The token bucket floors at zero.
func (l *Limiter) RecordRequest(tenantID, key string, tier tenant.Tier, tokensUsed int64) {
	now := l.nowFn()
	lim := l.limitsFor(tier)

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stateFor(tenantID, key, lim, now)

	s.dailyRequests++
	s.dailyTokens += tokensUsed

	s.tokens.refill(now)
	s.tokens.tokens -= float64(tokensUsed)
	if s.tokens.tokens < 0 {
		s.tokens.tokens = 0
	}
}

// Len returns the number of (tenant, key) states currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.states)
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func nextUTCMidnight(t time.Time) time.Time {
	return utcMidnight(t).Add(24 * time.Hour)
}
