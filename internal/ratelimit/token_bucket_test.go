package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // 1 token at 5/sec
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
	if got := b.Tokens(); got != 0 {
		t.Fatalf("Tokens()=%d, want 0", got)
	}
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("expected initial token")
	}
	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatalf("expected capacity clamp (only 1 token available)")
	}
}

func TestTokenBucket_ClockGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)
	b.Allow(2)

	clk.Advance(-time.Minute)
	if b.Allow(1) {
		t.Fatalf("expected no refill when the clock goes backwards")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill relative to the new reference point")
	}
}

func TestTokenBucket_HugeElapsedDoesNotOverflow(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 3, 1_000_000)
	b.Allow(3)
	clk.Advance(100 * 365 * 24 * time.Hour)
	if got := b.Tokens(); got != 3 {
		t.Fatalf("Tokens()=%d, want 3", got)
	}
}

func TestConnLimiter(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewConnLimiter(clk, ConnConfig{MessagesPerSecond: 2, BytesPerSecond: 100})

	for i := 0; i < 2; i++ {
		if ok, reason := l.AllowFrame(10); !ok {
			t.Fatalf("frame %d rejected: %s", i, reason)
		}
	}
	if ok, reason := l.AllowFrame(10); ok || reason != ReasonMessages {
		t.Fatalf("ok=%v reason=%q, want false/%q", ok, reason, ReasonMessages)
	}

	clk.Advance(time.Second)
	if ok, reason := l.AllowFrame(500); ok || reason != ReasonBytes {
		t.Fatalf("ok=%v reason=%q, want false/%q", ok, reason, ReasonBytes)
	}

	unlimited := NewConnLimiter(clk, ConnConfig{})
	for i := 0; i < 1000; i++ {
		if ok, _ := unlimited.AllowFrame(1 << 20); !ok {
			t.Fatalf("unlimited limiter rejected frame %d", i)
		}
	}
}

func TestKeyed_PerKeyBudgets(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	k := NewKeyed(clk, KeyedConfig{PerSecond: 1, Burst: 2})

	if !k.Allow("alice") || !k.Allow("alice") {
		t.Fatalf("expected alice's burst to pass")
	}
	if k.Allow("alice") {
		t.Fatalf("expected alice to be limited")
	}
	if !k.Allow("bob") {
		t.Fatalf("expected bob to have an independent budget")
	}
}

func TestKeyed_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	k := NewKeyed(nil, KeyedConfig{PerSecond: 100, MaxKeys: 2, OnEvict: func(key string) {
		evicted = append(evicted, key)
	}})

	k.Allow("a")
	k.Allow("b")
	k.Allow("a") // b is now least recently used
	k.Allow("c")

	if k.Len() != 2 {
		t.Fatalf("Len()=%d, want 2", k.Len())
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted=%v, want [b]", evicted)
	}
}
