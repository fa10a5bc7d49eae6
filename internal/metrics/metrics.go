package metrics

import (
	"sort"
	"sync"
)

// Event counter names. Handlers may also count ad-hoc names such as
// "frame_in_<TYPE>" and "error_<CODE>".
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	FramesIn            = "frames_in"
	FramesOut           = "frames_out"
	FramesDropped       = "frames_dropped_malformed"
	FramesDuplicate     = "frames_duplicate"
	FramesRateLimited   = "frames_rate_limited"
	AuthFailures        = "auth_failures"
	RoomsCreated        = "rooms_created"
	RoomsDestroyed      = "rooms_destroyed"
	RekeyBegun          = "rekey_begun"
	RekeyCommitted      = "rekey_committed"
	RekeyFailed         = "rekey_failed"
	RekeyAborted        = "rekey_aborted"
	RekeyExpired        = "rekey_expired"
	MailboxStored       = "mailbox_stored"
	MailboxDelivered    = "mailbox_delivered"
	JoinTokensIssued    = "join_tokens_issued"
	JoinTokensRejected  = "join_tokens_rejected"
	PanicsRecovered     = "panics_recovered"
	HTTPRateLimited     = "http_rate_limited"
	StoreDegradedEvents = "store_degraded"
	OutboundQueueFull   = "outbound_queue_full"
)

// Metrics is a concurrency-safe registry of monotonically increasing event
// counters plus gauges sampled at read time.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int64),
	}
}

func (m *Metrics) Inc(name string) { m.Add(name, 1) }

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// RegisterGauge installs fn as the source of gauge name, replacing any earlier
// registration. fn is called without the registry lock held.
func (m *Metrics) RegisterGauge(name string, fn func() int64) {
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

// Gauges samples every registered gauge.
func (m *Metrics) Gauges() map[string]int64 {
	m.mu.Lock()
	fns := make(map[string]func() int64, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make(map[string]int64, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
