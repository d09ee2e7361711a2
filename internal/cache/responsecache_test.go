package cache

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestCache(cfg Config) (*ResponseCache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(cfg)
	c.nowFn = clk.Now
	return c, clk
}

func okBody() StoreInput {
	return StoreInput{
		Body:             []byte(`{"id":"resp-1"}`),
		StatusCode:       200,
		Model:            "gpt-4o",
		PromptTokens:     10,
		CompletionTokens: 5,
		Cost:             0.002,
	}
}

func TestStoreThenLookup(t *testing.T) {
	c, _ := newTestCache(Config{})

	if _, ok := c.Store("t1", "h1", okBody()); !ok {
		t.Fatal("store should accept a 200 response")
	}

	e, res := c.Lookup("t1", "h1")
	if res != Hit {
		t.Fatalf("expected hit, got %s", res)
	}
	if string(e.Body) != `{"id":"resp-1"}` {
		t.Errorf("unexpected body: %s", e.Body)
	}
	if e.StatusCode != 200 {
		t.Errorf("unexpected status: %d", e.StatusCode)
	}
	if e.HitCount != 1 {
		t.Errorf("expected hit_count=1, got %d", e.HitCount)
	}
}

func TestLookup_Miss(t *testing.T) {
	c, _ := newTestCache(Config{})
	if _, res := c.Lookup("t1", "nope"); res != Miss {
		t.Errorf("expected miss, got %s", res)
	}
}

func TestLookup_TenantIsolation(t *testing.T) {
	c, _ := newTestCache(Config{})
	c.Store("t1", "h1", okBody())

	if _, res := c.Lookup("t2", "h1"); res != Miss {
		t.Error("another tenant must not see t1's entry")
	}
}

func TestLookup_ExpiryRemovesEntry(t *testing.T) {
	c, clk := newTestCache(Config{DefaultTTL: time.Minute})
	c.Store("t1", "h1", okBody())

	clk.Advance(time.Minute + time.Second)

	if _, res := c.Lookup("t1", "h1"); res != Expired {
		t.Fatalf("expected expired, got %s", res)
	}
	if c.Len() != 0 {
		t.Error("expired entry should be removed on read")
	}
	// The entry is gone now — a second lookup is a plain miss.
	if _, res := c.Lookup("t1", "h1"); res != Miss {
		t.Error("second lookup after expiry should be a miss")
	}
}

func TestStore_RejectsNon2xx(t *testing.T) {
	c, _ := newTestCache(Config{})

	for _, status := range []int{199, 301, 404, 500, 502} {
		in := okBody()
		in.StatusCode = status
		if _, ok := c.Store("t1", "h1", in); ok {
			t.Errorf("status %d should be rejected", status)
		}
	}
	if c.Len() != 0 {
		t.Error("rejected stores must not create entries")
	}
}

func TestStore_RejectsOversizedBody(t *testing.T) {
	c, _ := newTestCache(Config{MaxBodyBytes: 16})

	in := okBody()
	in.Body = make([]byte, 17)
	if _, ok := c.Store("t1", "h1", in); ok {
		t.Error("oversized body should be rejected")
	}

	in.Body = make([]byte, 16)
	if _, ok := c.Store("t1", "h1", in); !ok {
		t.Error("body at exactly the cap should be accepted")
	}
}

func TestStore_CustomTTL(t *testing.T) {
	c, clk := newTestCache(Config{DefaultTTL: time.Hour})

	in := okBody()
	in.TTL = time.Minute
	c.Store("t1", "h1", in)

	clk.Advance(2 * time.Minute)
	if _, res := c.Lookup("t1", "h1"); res != Expired {
		t.Error("explicit TTL should override the default")
	}
}

func TestEviction_GlobalLRU(t *testing.T) {
	c, clk := newTestCache(Config{MaxEntries: 3})

	c.Store("t1", "h1", okBody())
	clk.Advance(time.Second)
	c.Store("t1", "h2", okBody())
	clk.Advance(time.Second)
	c.Store("t2", "h3", okBody())
	clk.Advance(time.Second)

	// Touch h1 so h2 becomes the least recently used.
	if _, res := c.Lookup("t1", "h1"); res != Hit {
		t.Fatal("expected hit on h1")
	}
	clk.Advance(time.Second)

	// At capacity: this store must evict exactly one entry — h2.
	c.Store("t2", "h4", okBody())

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", c.Len())
	}
	if _, res := c.Lookup("t1", "h2"); res != Miss {
		t.Error("h2 (global LRU) should have been evicted")
	}
	for _, fp := range []struct{ tenant, fp string }{{"t1", "h1"}, {"t2", "h3"}, {"t2", "h4"}} {
		if _, res := c.Lookup(fp.tenant, fp.fp); res != Hit {
			t.Errorf("%s:%s should have survived eviction", fp.tenant, fp.fp)
		}
	}
}

func TestEviction_NeverHitFallsBackToCreatedAt(t *testing.T) {
	c, clk := newTestCache(Config{MaxEntries: 2})

	c.Store("t1", "old", okBody())
	clk.Advance(time.Minute)
	c.Store("t1", "new", okBody())
	clk.Advance(time.Minute)

	c.Store("t1", "newest", okBody())

	if _, res := c.Lookup("t1", "old"); res != Miss {
		t.Error("oldest never-hit entry should be the eviction victim")
	}
}

func TestStore_OverwriteDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 2})

	c.Store("t1", "h1", okBody())
	c.Store("t1", "h2", okBody())

	// Overwriting an existing key at capacity must not evict a third party.
	c.Store("t1", "h1", okBody())

	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
	if _, res := c.Lookup("t1", "h2"); res != Hit {
		t.Error("h2 should not have been evicted by an overwrite")
	}
}

func TestInvalidate_SingleEntry(t *testing.T) {
	c, _ := newTestCache(Config{})
	c.Store("t1", "h1", okBody())
	c.Store("t1", "h2", okBody())

	if n := c.Invalidate("t1", "h1"); n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
	if n := c.Invalidate("t1", "h1"); n != 0 {
		t.Errorf("second invalidate should remove 0, got %d", n)
	}
	if _, res := c.Lookup("t1", "h2"); res != Hit {
		t.Error("h2 should survive targeted invalidation")
	}
}

func TestInvalidate_WholeTenant(t *testing.T) {
	c, _ := newTestCache(Config{})
	for i := 0; i < 5; i++ {
		c.Store("t1", fmt.Sprintf("h%d", i), okBody())
	}
	c.Store("t2", "other", okBody())

	if n := c.Invalidate("t1", ""); n != 5 {
		t.Errorf("expected 5 removed, got %d", n)
	}
	if _, res := c.Lookup("t2", "other"); res != Hit {
		t.Error("t2's entry should survive t1's invalidation")
	}
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(Config{})
	c.Store("t1", "h1", okBody())

	c.Lookup("t1", "h1") // hit
	c.Lookup("t1", "h1") // hit
	c.Lookup("t1", "x")  // miss
	c.Lookup("t2", "y")  // miss

	agg := c.Stats("")
	if agg.Hits != 2 || agg.Misses != 2 {
		t.Errorf("aggregate hits/misses = %d/%d, want 2/2", agg.Hits, agg.Misses)
	}
	if agg.HitRate != 0.5 {
		t.Errorf("aggregate hit rate = %v, want 0.5", agg.HitRate)
	}
	if agg.SavedCost != 0.004 {
		t.Errorf("saved cost = %v, want 0.004", agg.SavedCost)
	}

	t1 := c.Stats("t1")
	if t1.Hits != 2 || t1.Misses != 1 {
		t.Errorf("t1 hits/misses = %d/%d, want 2/1", t1.Hits, t1.Misses)
	}
	if t1.Entries != 1 {
		t.Errorf("t1 entries = %d, want 1", t1.Entries)
	}

	t2 := c.Stats("t2")
	if t2.Hits != 0 || t2.Misses != 1 {
		t.Errorf("t2 hits/misses = %d/%d, want 0/1", t2.Hits, t2.Misses)
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	c, _ := newTestCache(Config{})
	c.Store("t1", "h1", okBody())

	e, _ := c.Lookup("t1", "h1")
	e.StatusCode = 500

	e2, _ := c.Lookup("t1", "h1")
	if e2.StatusCode != 200 {
		t.Error("mutating a returned entry must not affect the cache")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(Config{MaxEntries: 64})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 200; j++ {
				fp := fmt.Sprintf("h%d", j%100)
				c.Store(fmt.Sprintf("t%d", n%2), fp, okBody())
				c.Lookup(fmt.Sprintf("t%d", n%2), fp)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if c.Len() > 64 {
		t.Errorf("cache exceeded capacity under concurrency: %d", c.Len())
	}
}
