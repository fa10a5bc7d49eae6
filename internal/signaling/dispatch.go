package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/rekey"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/session"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

const (
	handlerTimeout = 10 * time.Second
	deliverTimeout = 5 * time.Second
)

type handlerFunc func(s *Server, r *request) error

var handlers = map[protocol.MessageType]handlerFunc{
	protocol.TypeHello:            (*Server).handleHello,
	protocol.TypeAuth:             (*Server).handleAuth,
	protocol.TypeResume:           (*Server).handleResume,
	protocol.TypePing:             (*Server).handlePing,
	protocol.TypeE2EECaps:         (*Server).handleE2EECaps,
	protocol.TypeE2EEReady:        (*Server).handleE2EEReady,
	protocol.TypeRoomCreate:       (*Server).handleRoomCreate,
	protocol.TypeRoomJoin:         (*Server).handleRoomJoin,
	protocol.TypeRoomLeave:        (*Server).handleRoomLeave,
	protocol.TypeTransportCreate:  (*Server).handleTransportCreate,
	protocol.TypeTransportConnect: (*Server).handleTransportConnect,
	protocol.TypeProduce:          (*Server).handleProduce,
	protocol.TypeConsume:          (*Server).handleConsume,
	protocol.TypeRekeyBegin:       (*Server).handleRekeyBegin,
	protocol.TypeKeyPackage:       (*Server).handleKeyPackage,
	protocol.TypeKeyAck:           (*Server).handleKeyAck,
	protocol.TypeRekeyCommit:      (*Server).handleRekeyCommit,
	protocol.TypeRekeyAbort:       (*Server).handleRekeyAbort,
	protocol.TypeJoinTokenIssue:   (*Server).handleJoinTokenIssue,
	protocol.TypeMailboxSync:      (*Server).handleMailboxSync,
	protocol.TypeMailboxAck:       (*Server).handleMailboxAck,
}

// delivery is a frame queued by a handler. An empty to addresses the
// connection that sent the inbound frame.
type delivery struct {
	to      string
	env     protocol.Envelope
	mailbox bool
}

type outbox struct {
	items []delivery
}

func (o *outbox) add(to string, env protocol.Envelope, mailbox bool) {
	o.items = append(o.items, delivery{to: to, env: env, mailbox: mailbox})
}

// send queues one new frame for every device in to.
func (o *outbox) send(to []string, typ protocol.MessageType, payload any) error {
	if len(to) == 0 {
		return nil
	}
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	for _, id := range to {
		o.add(id, env, false)
	}
	return nil
}

// request is one inbound frame being handled.
type request struct {
	ctx  context.Context
	conn *conn
	env  protocol.Envelope
	out  outbox
}

func (r *request) decode(v any) error {
	return protocol.DecodePayload(r.env, v, r.conn.srv.cfg.Limits)
}

func (r *request) identity() (userID, deviceID string) {
	userID, deviceID, _ = r.conn.sess.Identity()
	return userID, deviceID
}

func (r *request) caller() rekey.Caller {
	userID, deviceID := r.identity()
	return rekey.Caller{UserID: userID, DeviceID: deviceID}
}

func (r *request) reply(typ protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	r.out.add("", env, false)
	return nil
}

// relay forwards the inbound frame itself, msgId and payload untouched, to
// every device in to. With mailbox set, offline devices get it later.
func (r *request) relay(to []string, mailbox bool) {
	env := r.env
	env.Seq = nil
	for _, id := range to {
		r.out.add(id, env, mailbox)
	}
}

func (s *Server) handleFrame(c *conn, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		var derr *protocol.DecodeError
		if errors.As(err, &derr) && derr.MsgID != "" {
			c.sendAck(derr.MsgID, derr.Err)
			return
		}
		s.metrics.Inc(metrics.FramesDropped)
		c.log.Debug("dropped malformed frame", "err", err)
		return
	}
	if env.Ack != nil || env.Type == protocol.TypeAck {
		// Client acknowledgements of pushed frames need no answer.
		return
	}

	tracker := c.sess.Tracker
	verdict, err := tracker.Check(env)
	if err != nil {
		c.sendAck(env.MsgID, err)
		return
	}
	if verdict == session.VerdictDuplicate {
		s.metrics.Inc(metrics.FramesDuplicate)
		c.sendAck(env.MsgID, nil)
		return
	}
	tracker.Advance(env)

	req := &request{conn: c, env: env}
	err = s.dispatch(req)
	if err == nil {
		tracker.Remember(env.MsgID)
	}
	c.sendAck(env.MsgID, err)
	if err == nil {
		s.flush(c, req.out.items)
	}
}

func (s *Server) dispatch(req *request) (err error) {
	typ := req.env.Type
	h, ok := handlers[typ]
	if !ok {
		return protocol.NewError(protocol.CodeUnknownType, "unsupported message type").With("type", typ)
	}
	if !protocol.PreAuthTypes[typ] && !req.conn.sess.Authenticated() {
		return protocol.NewError(protocol.CodeUnauthenticated, "authenticate first")
	}

	log := req.conn.log.With("msg_type", typ, "msg_id", req.env.MsgID)
	defer func() {
		if v := recover(); v != nil {
			s.metrics.Inc(metrics.PanicsRecovered)
			log.Error("handler panicked", "panic", fmt.Sprint(v), "stack", string(debug.Stack()))
			err = protocol.NewError(protocol.CodeInternalError, "internal error")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	req.ctx = ctx

	err = h(s, req)
	if err == nil {
		return nil
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		log.Debug("frame rejected", "code", perr.Code, "message", perr.Message)
	} else {
		log.Error("handler failed", "err", err)
	}
	return err
}

// flush delivers queued frames. self may be nil when the requesting socket
// is already gone.
func (s *Server) flush(self *conn, items []delivery) {
	for _, d := range items {
		if d.to == "" {
			if self != nil {
				_ = self.push(d.env)
			}
			continue
		}
		s.deliver(d.to, d.env, d.mailbox)
	}
}

// deliver pushes env to the device's live socket, falling back to the store
// mailbox when asked to and the device is offline or the write failed.
func (s *Server) deliver(deviceID string, env protocol.Envelope, mailbox bool) {
	if c := s.dir.lookup(deviceID); c != nil {
		if err := c.push(env); err == nil {
			return
		}
	}
	if !mailbox {
		return
	}
	env.Seq = nil
	data, err := protocol.Encode(env)
	if err != nil {
		s.log.Error("encode mailbox frame", "msg_id", env.MsgID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	owner, err := s.cfg.Store.DeviceOwner(ctx, deviceID)
	if err != nil {
		s.log.Warn("mailbox owner lookup failed", "device_id", deviceID, "msg_type", env.Type, "msg_id", env.MsgID, "err", err)
		return
	}
	err = s.cfg.Store.MailboxDeliver(ctx, owner, deviceID, store.MailboxMessage{
		MsgID:     env.MsgID,
		Envelope:  data,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.log.Warn("mailbox store failed", "device_id", deviceID, "msg_type", env.Type, "msg_id", env.MsgID, "err", err)
		return
	}
	s.metrics.Inc(metrics.MailboxStored)
}

// queueMailbox replays up to limit stored frames to the requesting device.
func (s *Server) queueMailbox(r *request, limit int) error {
	userID, deviceID := r.identity()
	msgs, err := s.cfg.Store.MailboxSync(r.ctx, userID, deviceID, limit)
	if err != nil {
		return storeFailure(err)
	}
	for _, m := range msgs {
		var env protocol.Envelope
		if err := json.Unmarshal(m.Envelope, &env); err != nil {
			r.conn.log.Warn("skipping unreadable mailbox frame", "msg_id", m.MsgID, "err", err)
			continue
		}
		r.out.add("", env, false)
	}
	return nil
}
