// Package ttlcache provides a bounded, concurrency-safe key set whose entries
// expire after a fixed TTL. Expired entries are invisible immediately and are
// reclaimed by Sweep.
package ttlcache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Reserve when every slot holds a live entry.
var ErrFull = errors.New("ttlcache: full")

type entry struct {
	key     string
	value   any
	expires time.Time
	elem    *list.Element
}

type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	entries map[string]*entry
	// order holds keys oldest-insert first for capacity eviction.
	order *list.List
}

// New returns a cache with the given TTL. maxEntries <= 0 means unbounded.
func New(ttl time.Duration, maxEntries int) *Cache {
	return NewWithClock(ttl, maxEntries, time.Now)
}

func NewWithClock(ttl time.Duration, maxEntries int, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[string]*entry),
		order:      list.New(),
	}
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// Set stores key with value, replacing any previous entry and restarting its
// TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, c.now().Add(ttl))
}

// AddIfAbsent stores key unless a live entry exists. It reports whether the
// key was added. Check-and-insert is atomic, which is what one-time-use
// tokens rely on.
func (c *Cache) AddIfAbsent(key string, value any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		return false
	}
	c.setLocked(key, value, now.Add(c.ttl))
	return true
}

// Reserve stores key until expires unless a live entry exists, reporting
// whether it was added. Unlike AddIfAbsent it never evicts a live entry: a
// full cache drops expired entries and then fails with ErrFull.
func (c *Cache) Reserve(key string, expires time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expires) {
			return false, nil
		}
		c.removeLocked(e)
	}
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.entries) >= c.maxEntries {
			return false, ErrFull
		}
	}
	c.setLocked(key, nil, expires)
	return true, nil
}

func (c *Cache) setLocked(key string, value any, expires time.Time) {
	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.elem)
		delete(c.entries, key)
	}
	e := &entry{key: key, value: value, expires: expires}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
	}
}

func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Take returns and removes a live entry.
func (c *Cache) Take(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.removeLocked(e)
	if !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Keys returns live keys, oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]string, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if now.Before(e.expires) {
			out = append(out, e.key)
		}
	}
	return out
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for _, e := range c.entries {
		if !now.Before(e.expires) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// Sweeper runs Sweep on every registered cache at a fixed interval until ctx
// is done.
type Sweeper struct {
	mu     sync.Mutex
	caches []*Cache
	hooks  []func(time.Time)
}

func (s *Sweeper) Add(c *Cache) {
	s.mu.Lock()
	s.caches = append(s.caches, c)
	s.mu.Unlock()
}

// AddFunc registers an extra periodic task, run after the caches.
func (s *Sweeper) AddFunc(fn func(now time.Time)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Sweeper) SweepOnce(now time.Time) int {
	s.mu.Lock()
	caches := append([]*Cache(nil), s.caches...)
	hooks := make([]func(time.Time), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	removed := 0
	for _, c := range caches {
		removed += c.Sweep()
	}
	for _, fn := range hooks {
		fn(now)
	}
	return removed
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepOnce(now)
		}
	}
}
