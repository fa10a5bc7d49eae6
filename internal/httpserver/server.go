package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/auth"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/jointoken"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/origin"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/ratelimit"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// StoreHealth reports whether the persistence layer is in degraded mode.
type StoreHealth interface {
	Degraded() bool
}

// Deps are the gateway components the HTTP side-channel reports on or
// serves. Any of them may be nil in tests; the routes that need a missing
// dependency answer 503.
type Deps struct {
	Metrics  *metrics.Metrics
	Identity auth.IdentityProvider
	Tokens   *jointoken.Issuer
	Rooms    *room.Registry
	Store    StoreHealth
	Bridge   media.Bridge
	// TURN mints ephemeral credentials for GET /v1/ice. nil serves the
	// configured ICE servers as they are.
	TURN *turnrest.Minter
	// JoinTokensPerSecond bounds POST /v1/join-tokens per user. <= 0
	// disables the limit.
	JoinTokensPerSecond int
	Clock               ratelimit.Clock
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	origins *origin.Policy
	issue   *ratelimit.Keyed

	ready    atomic.Bool
	stopping atomic.Bool

	mux     *http.ServeMux
	handler http.Handler
	srv     *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = ratelimit.RealClock{}
	}
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		deps:    deps,
		origins: origin.NewPolicy(cfg.AllowedOrigins),
		issue:   ratelimit.NewKeyed(deps.Clock, ratelimit.KeyedConfig{PerSecond: deps.JoinTokensPerSecond}),
		mux:     http.NewServeMux(),
	}

	s.registerRoutes()

	s.handler = chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
		corsMiddleware(s.origins),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Signaling sockets are long-lived, so no read or write timeout.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler is the full middleware chain, for tests that drive the server
// without a listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.stopping.Store(true)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	s.stopping.Store(true)
	return s.srv.Close()
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the signaling WebSocket upgrade pass through the logger.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{"error": msg})
}
