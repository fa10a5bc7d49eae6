package ratelimit

import (
	"container/list"
	"sync"
)

// Rejection reasons reported by ConnLimiter.
const (
	ReasonMessages = "messages_per_second"
	ReasonBytes    = "bytes_per_second"
)

type ConnConfig struct {
	MessagesPerSecond int
	// Burst defaults to MessagesPerSecond.
	Burst int
	// BytesPerSecond <= 0 disables the byte budget.
	BytesPerSecond int
}

// ConnLimiter budgets inbound frames on one signaling connection. It is used
// from the connection's read loop only.
type ConnLimiter struct {
	messages *TokenBucket
	bytes    *TokenBucket
}

func NewConnLimiter(clock Clock, cfg ConnConfig) *ConnLimiter {
	l := &ConnLimiter{}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.MessagesPerSecond
		}
		l.messages = NewTokenBucket(clock, int64(burst), int64(cfg.MessagesPerSecond))
	}
	if cfg.BytesPerSecond > 0 {
		l.bytes = NewTokenBucket(clock, int64(cfg.BytesPerSecond), int64(cfg.BytesPerSecond))
	}
	return l
}

// AllowFrame reports whether a frame of size bytes may be processed. reason is
// set when it may not.
func (l *ConnLimiter) AllowFrame(size int) (ok bool, reason string) {
	if l.messages != nil && !l.messages.Allow(1) {
		return false, ReasonMessages
	}
	if l.bytes != nil && !l.bytes.Allow(int64(size)) {
		return false, ReasonBytes
	}
	return true, ""
}

type KeyedConfig struct {
	PerSecond int
	Burst     int
	// MaxKeys bounds memory; the least recently used key is evicted. Defaults
	// to 1024.
	MaxKeys int
	// OnEvict is called once per evicted key, outside the limiter's lock.
	OnEvict func(key string)
}

// Keyed holds one token bucket per key (user id, remote address) with LRU
// eviction.
type Keyed struct {
	clock Clock
	cfg   KeyedConfig

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

func NewKeyed(clock Clock, cfg KeyedConfig) *Keyed {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerSecond
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 1024
	}
	return &Keyed{
		clock:   clock,
		cfg:     cfg,
		buckets: make(map[string]*keyedEntry),
		lru:     list.New(),
	}
}

func (k *Keyed) Allow(key string) bool {
	if k.cfg.PerSecond <= 0 {
		return true
	}
	return k.bucket(key).Allow(1)
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *Keyed) bucket(key string) *TokenBucket {
	var evicted string

	k.mu.Lock()
	if e, ok := k.buckets[key]; ok {
		k.lru.MoveToFront(e.elem)
		k.mu.Unlock()
		return e.bucket
	}
	if len(k.buckets) >= k.cfg.MaxKeys {
		if back := k.lru.Back(); back != nil {
			evicted = back.Value.(string)
			k.lru.Remove(back)
			delete(k.buckets, evicted)
		}
	}
	b := NewTokenBucket(k.clock, int64(k.cfg.Burst), int64(k.cfg.PerSecond))
	k.buckets[key] = &keyedEntry{bucket: b, elem: k.lru.PushFront(key)}
	k.mu.Unlock()

	if evicted != "" && k.cfg.OnEvict != nil {
		k.cfg.OnEvict(evicted)
	}
	return b
}
