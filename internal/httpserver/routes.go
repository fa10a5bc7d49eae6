package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/auth"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/origin"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/turnrest"
)

const maxJoinTokenBodyBytes = 4 * 1024

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	s.mux.Handle("GET /metrics", metrics.Handler(s.deps.Metrics))
	s.mux.HandleFunc("POST /v1/join-tokens", s.handleJoinTokens)
	s.mux.HandleFunc("GET /v1/ice", s.handleICE)
}

type healthResponse struct {
	Status      string         `json:"status"`
	Mode        config.Mode    `json:"mode"`
	MediaEngine string         `json:"mediaEngine"`
	Degraded    degradedStatus `json:"degraded"`
	Build       BuildInfo      `json:"build"`
}

type degradedStatus struct {
	Store       bool `json:"store"`
	MediaEngine bool `json:"mediaEngine"`
}

func (s *Server) health() healthResponse {
	h := healthResponse{
		Status: "ok",
		Mode:   s.cfg.Mode,
		Build:  s.build,
	}
	if s.deps.Store != nil {
		h.Degraded.Store = s.deps.Store.Degraded()
	}
	if s.deps.Bridge != nil {
		h.MediaEngine = s.deps.Bridge.Kind()
		// The pion engine failed to start and the fallback took over.
		h.Degraded.MediaEngine = s.cfg.MediaEngine == config.MediaEnginePion && h.MediaEngine == media.KindFallback
	}
	if h.Degraded.Store || h.Degraded.MediaEngine {
		h.Status = "degraded"
	}
	return h
}

// handleHealth answers 200 even when degraded: the gateway still serves
// signaling and fails closed per request. Only shutdown turns it 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health()
	status := http.StatusOK
	if s.stopping.Load() {
		h.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, h)
}

// authenticate resolves the bearer token on r. On failure it has already
// written the response.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if s.deps.Identity == nil {
		writeError(w, http.StatusServiceUnavailable, "identity provider not configured")
		return auth.Identity{}, false
	}
	token, err := auth.BearerFromRequest(r)
	if err == nil {
		var id auth.Identity
		id, err = s.deps.Identity.VerifyBearer(r.Context(), token)
		if err == nil {
			return id, true
		}
	}
	s.inc(metrics.AuthFailures)
	w.Header().Set("WWW-Authenticate", `Bearer realm="call-gateway"`)
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return auth.Identity{}, false
}

type joinTokenResponse struct {
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
	JTI   string `json:"jti"`
}

func (s *Server) handleJoinTokens(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "join tokens not configured")
		return
	}
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !s.issue.Allow(id.UserID) {
		s.inc(metrics.HTTPRateLimited)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	var p protocol.JoinTokenIssuePayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJoinTokenBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := p.Validate(protocol.Limits{}); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Rooms != nil {
		err := s.deps.Rooms.WithRoom(p.RoomID, func(rm *room.Room) error {
			if rm.CallID() != p.CallID {
				return room.ErrCallMismatch
			}
			return nil
		})
		switch {
		case errors.Is(err, room.ErrCallMismatch):
			writeError(w, http.StatusConflict, "callId does not match room")
			return
		case err != nil && !errors.Is(err, room.ErrRoomNotFound):
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	token, claims, err := s.deps.Tokens.Issue(p.RoomID, p.CallID, id.UserID)
	if err != nil {
		s.log.Error("issue join token", "err", err, "user_id", id.UserID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.inc(metrics.JoinTokensIssued)
	WriteJSON(w, http.StatusOK, joinTokenResponse{Token: token, Exp: claims.Exp, JTI: claims.JTI})
}

type iceResponse struct {
	ICEServers any    `json:"iceServers"`
	Expires    *int64 `json:"expires,omitempty"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if s.deps.TURN == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: s.cfg.ICEServers})
		return
	}
	creds, err := s.deps.TURN.Mint(id.UserID)
	if err != nil {
		s.log.Error("mint turn credentials", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	exp := creds.Expires.Unix()
	WriteJSON(w, http.StatusOK, iceResponse{
		ICEServers: turnrest.Apply(s.cfg.ICEServers, creds),
		Expires:    &exp,
	})
}

func (s *Server) inc(name string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Inc(name)
	}
}

// corsMiddleware reflects allowed origins for browser clients calling the
// HTTP API. Requests without an Origin header pass through untouched.
func corsMiddleware(policy *origin.Policy) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Origin")
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !policy.Check(r) {
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", raw)
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
