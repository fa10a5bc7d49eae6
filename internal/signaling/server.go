package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/auth"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/jointoken"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/mediagate"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/origin"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/ratelimit"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/rekey"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/session"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

const (
	defaultAuthTimeout     = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultPingInterval    = 20 * time.Second
	defaultMaxMessageBytes = 64 * 1024
	defaultMailboxLimit    = 100
	defaultOutboundQueue   = 1 << 20
	defaultMemberRetention = 5 * time.Minute
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Identity auth.IdentityProvider
	Tokens   *jointoken.Issuer
	Rooms    *room.Registry
	Rekey    *rekey.Coordinator
	Gate     *mediagate.Gate
	Bridge   media.Bridge
	Store    store.Store

	// Origins restricts the WebSocket upgrade. nil accepts any origin.
	Origins *origin.Policy

	Session session.Config
	// Resume holds detached sessions for RESUME. A table with the dedup TTL
	// is created when nil.
	Resume *session.ResumeTable
	Limits protocol.Limits

	// MemberRetention is how long a disconnected device stays a call member
	// so key packages can still be mailboxed to it. Defaults to the session
	// dedup TTL.
	MemberRetention time.Duration

	// EmptyRoomTTL is how long a room created by ROOM_CREATE may stay without
	// peers before Sweep destroys it. Zero disables pruning.
	EmptyRoomTTL time.Duration

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// MaxSignalingBytesPerSecond <= 0 disables the byte budget.
	MaxSignalingBytesPerSecond int
	// MaxOutboundQueueBytes bounds frames waiting to be written to one
	// socket. A client that falls further behind is disconnected.
	MaxOutboundQueueBytes int

	// Clock drives the per-connection rate limiter.
	Clock ratelimit.Clock
}

// Server implements the gateway's WebSocket surface.
//
// Endpoints:
//   - GET /v1/ws : the signaling socket
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	resume   *session.ResumeTable
	dir      *directory

	// mediaMu orders media room creation against teardown so a late close
	// never hits a room that was created again.
	mediaMu sync.Mutex

	mu    sync.Mutex
	conns map[*conn]struct{}
	done  bool
}

func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Identity == nil:
		return nil, errors.New("signaling: identity provider is required")
	case cfg.Tokens == nil:
		return nil, errors.New("signaling: join token issuer is required")
	case cfg.Rooms == nil || cfg.Rekey == nil || cfg.Gate == nil:
		return nil, errors.New("signaling: room registry, rekey coordinator and media gate are required")
	case cfg.Bridge == nil:
		return nil, errors.New("signaling: media bridge is required")
	case cfg.Store == nil:
		return nil, errors.New("signaling: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.SignalingAuthTimeout <= 0 {
		cfg.SignalingAuthTimeout = defaultAuthTimeout
	}
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = defaultIdleTimeout
	}
	if cfg.SignalingWSPingInterval <= 0 || cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		cfg.SignalingWSPingInterval = min(defaultPingInterval, cfg.SignalingWSIdleTimeout/2)
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxOutboundQueueBytes <= 0 {
		cfg.MaxOutboundQueueBytes = defaultOutboundQueue
	}
	if cfg.MemberRetention <= 0 {
		cfg.MemberRetention = cfg.Session.DedupTTL
	}
	if cfg.MemberRetention <= 0 {
		cfg.MemberRetention = defaultMemberRetention
	}
	resume := cfg.Resume
	if resume == nil {
		resume = session.NewResumeTable(cfg.Session.DedupTTL, cfg.Session.DedupMaxEntries)
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		resume:  resume,
		dir:     newDirectory(),
		conns:   make(map[*conn]struct{}),
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	if cfg.Origins != nil {
		s.upgrader.CheckOrigin = cfg.Origins.Check
	}
	return s, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ResumeTable exposes the detached-session table so a sweeper can prune it.
func (s *Server) ResumeTable() *session.ResumeTable { return s.resume }

// ConnectionCount is the number of open sockets.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// OnlineDevices is the number of authenticated devices with a live socket.
func (s *Server) OnlineDevices() int { return s.dir.len() }

// Sweep prunes every live connection's dedup window, drops call members
// whose disconnect retention ran out and destroys rooms that were created but
// never joined. It is meant to run from a ttlcache.Sweeper.
func (s *Server) Sweep(now time.Time) {
	for _, c := range s.snapshotConns() {
		c.sess.Tracker.Seen().Sweep()
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	n, err := s.cfg.Store.PruneMembers(ctx, now)
	cancel()
	switch {
	case err != nil:
		s.log.Warn("prune detached members failed", "err", err)
	case n > 0:
		s.log.Debug("pruned detached members", "count", n)
	}
	if s.cfg.EmptyRoomTTL <= 0 {
		return
	}
	for _, roomID := range s.cfg.Rooms.PruneEmpty(now.Add(-s.cfg.EmptyRoomTTL)) {
		s.closeMediaRoom(roomID)
		s.metrics.Inc(metrics.RoomsDestroyed)
		s.log.Info("pruned empty room", "room_id", roomID)
	}
}

// Close disconnects every socket. Connections run their normal cleanup, so
// peers leave their rooms.
func (s *Server) Close() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	for _, c := range s.snapshotConns() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.close()
	}
}

func (s *Server) snapshotConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(s, ws, r)
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.close()
		return
	}
	s.metrics.Inc(metrics.ConnectionsOpened)
	c.run()
}
