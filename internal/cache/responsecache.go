// Package cache implements the in-process response cache for the gateway.
//
// Entries are keyed by tenant id + request fingerprint, carry a TTL, and are
// bounded by a global capacity with least-recently-used eviction. The cache
// never stores failed or oversized responses; those writes are silently
// skipped so the proxy hot path never fails on a cache problem.
//
// This is a single-instance cache: multiple gateway replicas each hold an
// independent copy. A shared external store would be needed to coordinate
// across replicas.
package cache

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultTTL          = time.Hour
	defaultMaxEntries   = 10_000
	defaultMaxBodyBytes = 1 << 20 // 1 MiB
)

// Config holds cache tuning parameters. Zero values fall back to defaults.
type Config struct {
	// DefaultTTL applies to entries stored without an explicit TTL. Default: 1h.
	DefaultTTL time.Duration

	// MaxEntries bounds the total entry count across all tenants. When the
	// cache is full, one LRU victim is evicted per accepted store. Default: 10 000.
	MaxEntries int

	// MaxBodyBytes is the largest response body the cache will accept.
	// Default: 1 MiB.
	MaxBodyBytes int
}

func (c Config) ttl() time.Duration {
	if c.DefaultTTL > 0 {
		return c.DefaultTTL
	}
	return defaultTTL
}

func (c Config) maxEntries() int {
	if c.MaxEntries > 0 {
		return c.MaxEntries
	}
	return defaultMaxEntries
}

func (c Config) maxBodyBytes() int {
	if c.MaxBodyBytes > 0 {
		return c.MaxBodyBytes
	}
	return defaultMaxBodyBytes
}

// Entry is one cached response.
type Entry struct {
	TenantID    string
	Fingerprint string

	Body             []byte
	StatusCode       int
	Model            string
	PromptTokens     int
	CompletionTokens int

	// Cost is what the original upstream call cost, in USD. Hits accumulate
	// this value into the savings counters.
	Cost float64

	CreatedAt time.Time
	ExpiresAt time.Time

	HitCount  int64
	LastHitAt time.Time
}

// LookupResult is the outcome of a cache lookup.
type LookupResult int

const (
	Miss LookupResult = iota
	Hit
	Expired
)

// String returns the wire label used in the X-Cache response header.
func (r LookupResult) String() string {
	switch r {
	case Hit:
		return "hit"
	case Expired:
		return "expired"
	default:
		return "miss"
	}
}

// StoreInput carries the response data for a Store call.
type StoreInput struct {
	Body             []byte
	StatusCode       int
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             float64

	// TTL overrides the configured default when > 0.
	TTL time.Duration
}

// Stats is a point-in-time view of cache effectiveness, either aggregate or
// scoped to one tenant.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`

	// SavedCost is the accumulated upstream cost (USD) avoided by hits.
	SavedCost float64 `json:"saved_cost"`
}

type tenantCounters struct {
	hits      int64
	misses    int64
	savedCost float64
}

// ResponseCache is the tenant-aware TTL + LRU cache.
// All operations serialise on one mutex so read-modify-write sequences
// (expiry removal, hit counting, eviction) are atomic under concurrency.
type ResponseCache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	byTenant map[string]*tenantCounters

	cfg   Config
	nowFn func() time.Time

	hits      int64
	misses    int64
	savedCost float64
}

// New creates a ResponseCache with the given configuration.
func New(cfg Config) *ResponseCache {
	return &ResponseCache{
		entries:  make(map[string]*Entry),
		byTenant: make(map[string]*tenantCounters),
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

func entryKey(tenantID, fingerprint string) string {
	return tenantID + ":" + fingerprint
}

// Lookup returns the cached entry for (tenant, fingerprint).
//
// A Hit bumps the entry's hit counter and last-hit timestamp and credits the
// savings counters. Expired entries are removed as a side effect before
// Expired is returned. The returned entry is a snapshot copy; mutating it has
// no effect on the cache.
func (c *ResponseCache) Lookup(tenantID, fingerprint string) (*Entry, LookupResult) {
	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := entryKey(tenantID, fingerprint)
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.tenantCounters(tenantID).misses++
		return nil, Miss
	}

	if now.After(e.ExpiresAt) {
		delete(c.entries, key)
		c.misses++
		c.tenantCounters(tenantID).misses++
		return nil, Expired
	}

	e.HitCount++
	e.LastHitAt = now
	c.hits++
	c.savedCost += e.Cost

	tc := c.tenantCounters(tenantID)
	tc.hits++
	tc.savedCost += e.Cost

	cp := *e
	return &cp, Hit
}

// Store caches a response under (tenant, fingerprint).
//
// Returns (nil, false) without touching the cache when the response is not a
// 2xx or the body exceeds the configured size cap. When the cache is at
// capacity the single globally least-recently-used entry (by last hit, or
// creation time if never hit) is evicted first.
func (c *ResponseCache) Store(tenantID, fingerprint string, in StoreInput) (*Entry, bool) {
	if in.StatusCode < 200 || in.StatusCode > 299 {
		return nil, false
	}
	if len(in.Body) > c.cfg.maxBodyBytes() {
		return nil, false
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = c.cfg.ttl()
	}

	now := c.nowFn()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := entryKey(tenantID, fingerprint)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.maxEntries() {
		c.evictLRU()
	}

	e := &Entry{
		TenantID:         tenantID,
		Fingerprint:      fingerprint,
		Body:             in.Body,
		StatusCode:       in.StatusCode,
		Model:            in.Model,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		Cost:             in.Cost,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
	c.entries[key] = e

	cp := *e
	return &cp, true
}

// Invalidate removes cached entries for a tenant and returns how many were
// removed. With a fingerprint it targets one entry; without, it clears every
// entry belonging to the tenant.
func (c *ResponseCache) Invalidate(tenantID, fingerprint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fingerprint != "" {
		key := entryKey(tenantID, fingerprint)
		if _, ok := c.entries[key]; ok {
			delete(c.entries, key)
			return 1
		}
		return 0
	}

	removed := 0
	prefix := tenantID + ":"
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats reports hit/miss/savings counters. An empty tenantID returns the
// aggregate view across all tenants.
func (c *ResponseCache) Stats(tenantID string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tenantID == "" {
		return Stats{
			Entries:   len(c.entries),
			Hits:      c.hits,
			Misses:    c.misses,
			HitRate:   hitRate(c.hits, c.misses),
			SavedCost: c.savedCost,
		}
	}

	entries := 0
	prefix := tenantID + ":"
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			entries++
		}
	}

	tc, ok := c.byTenant[tenantID]
	if !ok {
		return Stats{Entries: entries}
	}
	return Stats{
		Entries:   entries,
		Hits:      tc.hits,
		Misses:    tc.misses,
		HitRate:   hitRate(tc.hits, tc.misses),
		SavedCost: tc.savedCost,
	}
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been removed on read).
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLRU removes the single entry whose last access (LastHitAt, falling
// back to CreatedAt for entries never hit) is oldest. Caller holds c.mu.
func (c *ResponseCache) evictLRU() {
	var victim string
	var oldest time.Time

	for key, e := range c.entries {
		at := e.LastHitAt
		if at.IsZero() {
			at = e.CreatedAt
		}
		if victim == "" || at.Before(oldest) {
			victim = key
			oldest = at
		}
	}

	if victim != "" {
		delete(c.entries, victim)
	}
}

func (c *ResponseCache) tenantCounters(tenantID string) *tenantCounters {
	tc, ok := c.byTenant[tenantID]
	if !ok {
		tc = &tenantCounters{}
		c.byTenant[tenantID] = tc
	}
	return tc
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
