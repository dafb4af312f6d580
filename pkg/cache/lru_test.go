package cache

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLRU(maxSize int, ttl time.Duration) (*LRU[string, int], *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New[string, int](Options{MaxSize: maxSize, TTL: ttl, Now: clock.Now}), clock
}

func TestSetThenGetWithinTTL(t *testing.T) {
	c, clock := newTestLRU(10, time.Minute)

	c.Set("k", 42, 30*time.Second)
	if v, ok := c.Get("k"); !ok || v != 42 {
		t.Fatalf("expected hit with 42, got %d ok=%v", v, ok)
	}

	clock.Advance(30 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss once ttl elapsed")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be deleted, len=%d", c.Len())
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Expirations != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDefaultTTLAppliesWhenZero(t *testing.T) {
	c, clock := newTestLRU(10, 10*time.Second)

	c.Set("k", 1, 0)
	clock.Advance(9 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("expected hit before default ttl")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss at default ttl")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestLRU(2, time.Minute)

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Get("a")
	c.Set("c", 3, 0)

	if _, ok := c.Peek("b"); ok {
		t.Fatal("expected b to be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := c.Peek(key); !ok {
			t.Fatalf("expected %s to remain", key)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected one eviction, got %d", c.Stats().Evictions)
	}
}

func TestInsertingMaxPlusOneEvictsExactlyOne(t *testing.T) {
	const maxSize = 5
	c, _ := newTestLRU(maxSize, time.Minute)

	for i := 0; i <= maxSize; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, 0)
	}

	if c.Len() != maxSize {
		t.Fatalf("expected size %d, got %d", maxSize, c.Len())
	}
	if _, ok := c.Peek("k0"); ok {
		t.Fatal("expected the oldest key to be evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected exactly one eviction, got %d", c.Stats().Evictions)
	}
}

func TestSetExistingKeyRefreshesRecency(t *testing.T) {
	c, _ := newTestLRU(2, time.Minute)

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("a", 10, 0)
	c.Set("c", 3, 0)

	if v, ok := c.Peek("a"); !ok || v != 10 {
		t.Fatalf("expected a=10 to survive, got %d ok=%v", v, ok)
	}
	if _, ok := c.Peek("b"); ok {
		t.Fatal("expected b to be evicted")
	}
}

func TestDeleteClearPurge(t *testing.T) {
	c, clock := newTestLRU(10, time.Minute)

	c.Set("a", 1, time.Second)
	c.Set("b", 2, time.Hour)
	c.Set("c", 3, time.Hour)

	if !c.Delete("c") || c.Delete("c") {
		t.Fatal("expected delete to report presence once")
	}

	clock.Advance(2 * time.Second)
	if removed := c.Purge(); removed != 1 {
		t.Fatalf("expected one purged entry, got %d", removed)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	c.Clear()
	if c.Len() != 0 {
		t.Fatal("expected clear to empty cache")
	}
}

func TestOnEvictSeesEvictionAndDelete(t *testing.T) {
	c, _ := newTestLRU(1, time.Minute)

	var evicted []string
	c.OnEvict(func(key string, _ int) { evicted = append(evicted, key) })

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Delete("b")

	if len(evicted) != 2 || evicted[0] != "a" || evicted[1] != "b" {
		t.Fatalf("unexpected evictions: %v", evicted)
	}
}

func TestHitRate(t *testing.T) {
	if (Stats{}).HitRate() != 0 {
		t.Fatal("expected zero hit rate without lookups")
	}
	if got := (Stats{Hits: 3, Misses: 1}).HitRate(); got != 0.75 {
		t.Fatalf("expected 0.75, got %v", got)
	}
}

func TestPermissionKeyEscapesSeparator(t *testing.T) {
	a := PermissionKey{PrincipalID: "u|1", Role: "admin", Endpoint: "/x"}
	b := PermissionKey{PrincipalID: "u", Role: "1|admin", Endpoint: "/x"}
	if a.String() == b.String() {
		t.Fatal("expected distinct keys for distinct components")
	}
}
