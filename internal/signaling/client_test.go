package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/auth"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/jointoken"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/mediagate"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/rekey"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/session"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

const (
	testCap     = "insertable-streams"
	testRoom    = "room-1"
	testCall    = "call-1"
	waitTimeout = 2 * time.Second
)

type harness struct {
	t       *testing.T
	srv     *Server
	url     string
	rooms   *room.Registry
	store   store.Store
	metrics *metrics.Metrics
	tokens  *jointoken.Issuer
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	rooms := room.NewRegistry(room.Config{Region: "local", NodeID: "node-1", E2EERequired: true})
	tokens, err := jointoken.New(jointoken.Config{
		Secret:           []byte("0123456789abcdef0123456789abcdef"),
		TTL:              time.Minute,
		MaxReplayEntries: 1024,
	})
	require.NoError(t, err)

	cfg := Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.New(),
		Identity: auth.InsecureProvider{},
		Tokens:   tokens,
		Rooms:    rooms,
		Gate:     mediagate.New(rooms, true, testCap),
		Bridge:   media.NewFallbackBridge(),
		Store:    store.NewMemory(),
		Session: session.Config{
			Discipline:      session.DisciplineExact,
			DedupTTL:        time.Minute,
			DedupMaxEntries: 256,
		},
		Limits:                        protocol.Limits{MaxOpaqueBytes: 4096},
		MaxSignalingMessagesPerSecond: 1000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Rekey == nil {
		cfg.Rekey = rekey.New(rekey.Config{Rooms: rooms, Store: cfg.Store, Logger: cfg.Logger})
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &harness{
		t:       t,
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws",
		rooms:   rooms,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		tokens:  tokens,
	}
}

func (h *harness) joinToken(userID string) string {
	h.t.Helper()
	token, _, err := h.tokens.Issue(testRoom, testCall, userID)
	require.NoError(h.t, err)
	return token
}

type testClient struct {
	t       *testing.T
	ws      *websocket.Conn
	seq     int64
	welcome protocol.WelcomePayload

	frames   chan protocol.Envelope
	closed   chan struct{}
	closeErr error
	pending  []protocol.Envelope
}

type dialOption func(*websocket.Conn)

// withoutPongs makes the client ignore server pings.
func withoutPongs(ws *websocket.Conn) {
	ws.SetPingHandler(func(string) error { return nil })
}

func (h *harness) dial(opts ...dialOption) *testClient {
	h.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(h.t, err)
	for _, opt := range opts {
		opt(ws)
	}
	c := &testClient{
		t:      h.t,
		ws:     ws,
		frames: make(chan protocol.Envelope, 512),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	h.t.Cleanup(func() { _ = ws.Close() })

	env := c.expect(protocol.TypeWelcome)
	require.Nil(h.t, env.Seq, "WELCOME is not sequenced")
	c.welcome = payloadOf[protocol.WelcomePayload](h.t, env)
	return c
}

// authed dials and authenticates userID on deviceID.
func (h *harness) authed(userID, deviceID string) *testClient {
	h.t.Helper()
	c := h.dial()
	c.ok(protocol.TypeAuth, protocol.AuthPayload{AccessToken: userID, DeviceID: deviceID})
	c.expect(protocol.TypeAuthOK)
	return c
}

// joined authenticates, declares the E2EE capability and joins testRoom.
func (h *harness) joined(userID, deviceID string) *testClient {
	h.t.Helper()
	c := h.authed(userID, deviceID)
	c.ok(protocol.TypeE2EECaps, protocol.E2EECapsPayload{Supported: []string{testCap}})
	c.ok(protocol.TypeRoomJoin, protocol.RoomJoinPayload{
		RoomID:    testRoom,
		CallID:    testCall,
		JoinToken: h.joinToken(userID),
	})
	c.expect(protocol.TypeRoomJoinOK)
	c.expect(protocol.TypeRoomSnapshot)
	return c
}

func (c *testClient) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeErr = err
			close(c.closed)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.frames <- env
	}
}

func (c *testClient) envelope(typ protocol.MessageType, payload any) protocol.Envelope {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	return protocol.Envelope{
		V:       protocol.Version,
		Type:    typ,
		MsgID:   uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	}
}

// send writes a frame with the next inbound seq and returns its msgId.
func (c *testClient) send(typ protocol.MessageType, payload any) string {
	c.t.Helper()
	env := c.envelope(typ, payload)
	c.seq++
	seq := c.seq
	env.Seq = &seq
	c.sendEnv(env)
	return env.MsgID
}

func (c *testClient) sendEnv(env protocol.Envelope) {
	c.t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(c.t, err)
	c.sendRaw(data)
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) call(typ protocol.MessageType, payload any) (string, *protocol.Ack) {
	c.t.Helper()
	msgID := c.send(typ, payload)
	return msgID, c.ackFor(msgID)
}

// ok sends a frame and requires a positive ACK.
func (c *testClient) ok(typ protocol.MessageType, payload any) string {
	c.t.Helper()
	msgID, ack := c.call(typ, payload)
	require.Truef(c.t, ack.OK, "%s rejected: %+v", typ, ack.Error)
	return msgID
}

// fail sends a frame and requires a negative ACK with code.
func (c *testClient) fail(typ protocol.MessageType, payload any, code protocol.Code) *protocol.Error {
	c.t.Helper()
	_, ack := c.call(typ, payload)
	requireAckCode(c.t, ack, code)
	return ack.Error
}

// sync round-trips a PING so everything the server sent earlier has arrived.
func (c *testClient) sync() {
	c.t.Helper()
	c.ok(protocol.TypePing, struct{}{})
	c.expect(protocol.TypePong)
}

func (c *testClient) ackFor(msgID string) *protocol.Ack {
	c.t.Helper()
	env := c.waitFor(func(env protocol.Envelope) bool {
		return env.Ack != nil && env.Ack.AckOfMsgID == msgID
	}, "ACK of "+msgID)
	return env.Ack
}

func (c *testClient) expect(typ protocol.MessageType) protocol.Envelope {
	c.t.Helper()
	return c.waitFor(func(env protocol.Envelope) bool { return env.Type == typ }, typ)
}

func (c *testClient) waitFor(match func(protocol.Envelope) bool, what string) protocol.Envelope {
	c.t.Helper()
	for i, env := range c.pending {
		if match(env) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return env
		}
	}
	deadline := time.After(waitTimeout)
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s: %v", what, c.closeErr)
			}
			if match(env) {
				return env
			}
			c.pending = append(c.pending, env)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// received reports whether a frame of typ is already buffered.
func (c *testClient) received(typ protocol.MessageType) bool {
	for _, env := range c.pending {
		if env.Type == typ {
			return true
		}
	}
	return false
}

// closeError waits for the server to close the socket.
func (c *testClient) closeError() *websocket.CloseError {
	c.t.Helper()
	select {
	case <-c.closed:
	case <-time.After(waitTimeout):
		c.t.Fatalf("timed out waiting for close")
	}
	var ce *websocket.CloseError
	require.ErrorAs(c.t, c.closeErr, &ce)
	return ce
}

func payloadOf[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func requireAckCode(t *testing.T, ack *protocol.Ack, code protocol.Code) {
	t.Helper()
	require.False(t, ack.OK, "expected %s, got a positive ACK", code)
	require.NotNil(t, ack.Error)
	require.Equal(t, code, ack.Error.Code, "message: %s", ack.Error.Message)
}
