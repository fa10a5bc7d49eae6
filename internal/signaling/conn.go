package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/ratelimit"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/session"
)

const wsWriteWait = 1 * time.Second

// conn is one signaling socket. Only run's goroutine reads and only
// writeLoop's goroutine writes data frames; any goroutine may queue frames
// through push or sendAck.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	sess    *session.Connection
	log     *slog.Logger
	limiter *ratelimit.ConnLimiter
	queue   *sendQueue

	authDeadline time.Time

	// enqueueMu keeps outbound seq order equal to queue order.
	enqueueMu  sync.Mutex
	closeOnce  sync.Once
	done       chan struct{}
	writerDone chan struct{}
}

func newConn(s *Server, ws *websocket.Conn, r *http.Request) *conn {
	sess := session.NewConnection(s.cfg.Session)
	c := &conn{
		srv:  s,
		ws:   ws,
		sess: sess,
		log:  s.log.With("conn_id", sess.ID, "remote_addr", r.RemoteAddr),
		limiter: ratelimit.NewConnLimiter(s.cfg.Clock, ratelimit.ConnConfig{
			MessagesPerSecond: s.cfg.MaxSignalingMessagesPerSecond,
			BytesPerSecond:    s.cfg.MaxSignalingBytesPerSecond,
		}),
		queue:        newSendQueue(s.cfg.MaxOutboundQueueBytes),
		authDeadline: time.Now().Add(s.cfg.SignalingAuthTimeout),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *conn) run() {
	defer c.finish()

	c.ws.SetReadLimit(c.srv.cfg.MaxSignalingMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(c.readDeadline())
	})

	c.log.Info("signaling connected")
	if err := c.sendWelcome(); err != nil {
		return
	}
	go c.keepalive()

	for {
		_ = c.ws.SetReadDeadline(c.readDeadline())
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.onReadError(err)
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		c.srv.metrics.Inc(metrics.FramesIn)

		// The frame is read before the budget check so the close handshake is
		// not cut short by unread bytes.
		if ok, reason := c.limiter.AllowFrame(len(data)); !ok {
			c.rejectRateLimited(data, reason)
			continue
		}
		c.srv.handleFrame(c, data)
	}
}

// readDeadline is the auth deadline until the connection authenticates, then
// a sliding idle window refreshed by every frame and pong.
func (c *conn) readDeadline() time.Time {
	if !c.sess.Authenticated() {
		return c.authDeadline
	}
	return time.Now().Add(c.srv.cfg.SignalingWSIdleTimeout)
}

func (c *conn) onReadError(err error) {
	switch {
	case isTimeout(err) && !c.sess.Authenticated():
		c.srv.metrics.Inc(metrics.AuthFailures)
		c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
	case isTimeout(err):
		c.closeWith(websocket.CloseNormalClosure, "idle timeout")
	case errors.Is(err, websocket.ErrReadLimit):
		c.srv.metrics.Inc(metrics.FramesDropped)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.log.Debug("signaling read failed", "err", err)
	}
}

func (c *conn) keepalive() {
	t := time.NewTicker(c.srv.cfg.SignalingWSPingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) sendWelcome() error {
	gate := c.srv.cfg.Gate
	env, err := protocol.NewEnvelope(protocol.TypeWelcome, protocol.WelcomePayload{
		ConnID:             c.sess.ID,
		ResumeToken:        c.sess.ResumeToken,
		HeartbeatMs:        c.srv.cfg.SignalingWSPingInterval.Milliseconds(),
		ProtocolVersion:    protocol.Version,
		E2EERequired:       gate.Required(),
		RequiredCapability: gate.RequiredCapability(),
		ServerTime:         time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return c.write(env, false)
}

func (c *conn) rejectRateLimited(data []byte, reason string) {
	c.srv.metrics.Inc(metrics.FramesRateLimited)
	env, err := protocol.Decode(data)
	msgID := env.MsgID
	if err != nil {
		var derr *protocol.DecodeError
		if !errors.As(err, &derr) {
			return
		}
		msgID = derr.MsgID
	}
	if msgID == "" || env.Ack != nil {
		return
	}
	c.sendAck(msgID, protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded").With("reason", reason))
}

// push sends a server-originated frame stamped with the next outbound seq.
func (c *conn) push(env protocol.Envelope) error {
	return c.write(env, true)
}

func (c *conn) sendAck(ofMsgID string, err error) {
	if perr := protocol.AsError(err); perr != nil {
		c.srv.metrics.Inc("error_" + string(perr.Code))
	}
	_ = c.write(protocol.NewAck(ofMsgID, err), false)
}

func (c *conn) write(env protocol.Envelope, sequenced bool) error {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()

	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	if sequenced {
		seq := c.sess.Tracker.NextOutboundSeq()
		env.Seq = &seq
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if !c.queue.Enqueue(data) {
		// Either closing, or the client stopped reading and the backlog hit
		// its budget. A slow consumer is dropped.
		select {
		case <-c.done:
		default:
			c.srv.metrics.Inc(metrics.OutboundQueueFull)
			c.log.Warn("outbound queue full, dropping connection", "msg_type", env.Type)
			c.queue.Close()
			_ = c.ws.Close()
		}
		return errQueueFull
	}
	return nil
}

// writeLoop drains the send queue until it is sealed or closed.
func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for {
		f, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		if f.final {
			if f.closeCode != 0 {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.closeCode, f.closeReason), time.Now().Add(wsWriteWait))
			}
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
			c.queue.Close()
			_ = c.ws.Close()
			return
		}
		c.srv.metrics.Inc(metrics.FramesOut)
	}
}

// closeWith queues a close frame behind everything already queued.
func (c *conn) closeWith(code int, reason string) {
	c.queue.Seal(code, reason)
}

// close flushes the queue (bounded by wsWriteWait) and closes the socket.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Seal(0, "")
		select {
		case <-c.writerDone:
		case <-time.After(2 * wsWriteWait):
		}
		c.queue.Close()
		_ = c.ws.Close()
	})
}

func (c *conn) finish() {
	c.close()
	c.srv.disconnect(c)
	c.srv.untrack(c)
	c.srv.metrics.Inc(metrics.ConnectionsClosed)
	c.log.Info("signaling disconnected")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
