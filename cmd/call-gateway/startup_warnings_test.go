package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]bool {
	out := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = true
		}
	}
	return out
}

func TestStartupWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:         config.ModeDev,
		AuthMode:     config.AuthModeNone,
		E2EERequired: true,
	}

	logStartupWarnings(logger, cfg)

	codes := warningCodes(records())
	if !codes["auth_disabled"] {
		t.Fatalf("expected warning_code=auth_disabled, got %#v", records())
	}
	for _, r := range records() {
		if r.attrs["warning_code"] == "auth_disabled" && r.attrs["mode"] != config.ModeDev {
			t.Fatalf("mode attr = %#v, want %q", r.attrs["mode"], config.ModeDev)
		}
	}
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:           config.ModeDev,
		AuthMode:       config.AuthModeJWT,
		AllowedOrigins: []string{"*"},
		E2EERequired:   true,
	}

	logStartupWarnings(logger, cfg)

	if !warningCodes(records())["any_origin"] {
		t.Fatalf("expected warning_code=any_origin, got %#v", records())
	}
}

func TestStartupWarnings_TURNRESTWithoutTURNServers(t *testing.T) {
	cfg := config.Config{
		Mode:                 config.ModeDev,
		AuthMode:             config.AuthModeJWT,
		E2EERequired:         true,
		TURNRESTSharedSecret: "s3cret",
		ICEServers:           []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com"}}},
	}

	logger, records := newRecordingLogger()
	logStartupWarnings(logger, cfg)
	if !warningCodes(records())["turn_rest_without_turn_servers"] {
		t.Fatalf("expected warning_code=turn_rest_without_turn_servers, got %#v", records())
	}

	cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{"turn:turn.example.com"}})
	logger, records = newRecordingLogger()
	logStartupWarnings(logger, cfg)
	if warningCodes(records())["turn_rest_without_turn_servers"] {
		t.Fatalf("unexpected turn_rest_without_turn_servers with a TURN server configured")
	}
}

func TestStartupWarnings_SecureConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:         config.ModeProd,
		AuthMode:     config.AuthModeJWT,
		E2EERequired: true,
		MediaEngine:  config.MediaEnginePion,
		StoreDSN:     "sqlite:/var/lib/call-gateway/state.db",
	}

	logStartupWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %v", codes)
	}
}

func TestResolveBuildInfo_PrefersInjectedValues(t *testing.T) {
	got := resolveBuildInfo("v1.2.3", "abc", "2024-01-01T00:00:00Z")
	if got.Version != "v1.2.3" || got.Commit != "abc" || got.BuildTime != "2024-01-01T00:00:00Z" {
		t.Fatalf("build info = %+v", got)
	}
}
