package signaling

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

func (s *Server) handleHello(r *request) error {
	var p protocol.HelloPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	r.conn.log.Debug("hello", "client", p.Client, "client_version", p.Version)
	return nil
}

func (s *Server) handlePing(r *request) error {
	return r.reply(protocol.TypePong, protocol.PongPayload{ServerTime: time.Now().UnixMilli()})
}

func (s *Server) handleAuth(r *request) error {
	var p protocol.AuthPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	boundUser, boundDevice, authed := r.conn.sess.Identity()
	if authed && boundDevice != p.DeviceID {
		return protocol.NewError(protocol.CodeUnauthorized, "connection is bound to another device")
	}

	id, err := s.cfg.Identity.VerifyBearer(r.ctx, p.AccessToken)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailures)
		r.conn.log.Info("signaling auth failed", "device_id", p.DeviceID, "err", err)
		return protocol.NewError(protocol.CodeUnauthenticated, "invalid access token")
	}
	if authed && boundUser != id.UserID {
		return protocol.NewError(protocol.CodeUnauthorized, "connection is bound to another user")
	}
	if err := s.bindDevice(r, id.UserID, p.DeviceID); err != nil {
		return err
	}
	if err := s.claimDevice(r.conn, id.UserID, p.DeviceID); err != nil {
		return err
	}
	r.conn.sess.Authenticate(id.UserID, p.DeviceID)
	r.conn.log.Info("signaling authenticated", "user_id", id.UserID, "device_id", p.DeviceID)

	if err := r.reply(protocol.TypeAuthOK, protocol.AuthOKPayload{UserID: id.UserID, DeviceID: p.DeviceID}); err != nil {
		return err
	}
	if err := s.queueMailbox(r, defaultMailboxLimit); err != nil {
		r.conn.log.Warn("mailbox replay after auth failed", "err", err)
	}
	return nil
}

func (s *Server) handleResume(r *request) error {
	var p protocol.ResumePayload
	if err := r.decode(&p); err != nil {
		return err
	}
	if r.conn.sess.Authenticated() {
		return protocol.NewError(protocol.CodeValidationFailed, "connection is already authenticated")
	}
	d, ok := s.resume.Claim(p.ResumeToken)
	if !ok {
		s.metrics.Inc(metrics.AuthFailures)
		return protocol.NewError(protocol.CodeUnauthenticated, "resume token is unknown or expired")
	}
	if err := s.bindDevice(r, d.UserID, d.DeviceID); err != nil {
		return err
	}
	if err := s.claimDevice(r.conn, d.UserID, d.DeviceID); err != nil {
		return err
	}
	r.conn.sess.Resume(d)
	r.conn.log.Info("signaling session resumed", "user_id", d.UserID, "device_id", d.DeviceID)

	if err := r.reply(protocol.TypeAuthOK, protocol.AuthOKPayload{UserID: d.UserID, DeviceID: d.DeviceID}); err != nil {
		return err
	}
	if err := s.queueMailbox(r, defaultMailboxLimit); err != nil {
		r.conn.log.Warn("mailbox replay after resume failed", "err", err)
	}
	return nil
}

// bindDevice persists the device's owner. A device id stays with the first
// user that authenticated it, online or not, so its mailbox cannot be claimed
// by someone else.
func (s *Server) bindDevice(r *request, userID, deviceID string) error {
	err := s.cfg.Store.BindDevice(r.ctx, deviceID, userID)
	if errors.Is(err, store.ErrDeviceOwned) {
		s.metrics.Inc(metrics.AuthFailures)
		r.conn.log.Warn("device id owned by another user", "user_id", userID, "device_id", deviceID)
		return protocol.NewError(protocol.CodeUnauthorized, "device id is bound to another user")
	}
	if err != nil {
		return storeFailure(err)
	}
	return nil
}

// claimDevice makes c the live socket for deviceID. An older socket of the
// same user hands its room memberships over and is closed; a socket of a
// different user keeps the device.
func (s *Server) claimDevice(c *conn, userID, deviceID string) error {
	prev, err := s.dir.claim(deviceID, userID, c)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	for _, roomID := range prev.sess.Rooms() {
		c.sess.AddRoom(roomID)
	}
	prev.log.Info("signaling connection superseded", "device_id", deviceID)
	prev.closeWith(websocket.CloseNormalClosure, "superseded by a newer connection")
	prev.close()
	return nil
}

func (s *Server) handleE2EECaps(r *request) error {
	var p protocol.E2EECapsPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	r.conn.sess.DeclareCaps(p.Supported)
	return nil
}

func (s *Server) handleJoinTokenIssue(r *request) error {
	var p protocol.JoinTokenIssuePayload
	if err := r.decode(&p); err != nil {
		return err
	}
	err := s.cfg.Rooms.WithRoom(p.RoomID, func(rm *room.Room) error {
		if rm.CallID() != p.CallID {
			return room.ErrCallMismatch
		}
		return nil
	})
	if err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		return roomFailure(err)
	}

	userID, _ := r.identity()
	token, claims, err := s.cfg.Tokens.Issue(p.RoomID, p.CallID, userID)
	if err != nil {
		return err
	}
	s.metrics.Inc(metrics.JoinTokensIssued)
	return r.reply(protocol.TypeJoinToken, protocol.JoinTokenPayload{
		RoomID: claims.RoomID,
		CallID: claims.CallID,
		Token:  token,
		JTI:    claims.JTI,
		Exp:    claims.Exp,
	})
}

func (s *Server) handleMailboxSync(r *request) error {
	var p protocol.MailboxSyncPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	limit := p.Limit
	if limit == 0 {
		limit = defaultMailboxLimit
	}
	return s.queueMailbox(r, limit)
}

func (s *Server) handleMailboxAck(r *request) error {
	var p protocol.MailboxAckPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	userID, deviceID := r.identity()
	n, err := s.cfg.Store.MailboxAck(r.ctx, userID, deviceID, p.MsgIDs)
	if err != nil {
		return storeFailure(err)
	}
	s.metrics.Add(metrics.MailboxDelivered, uint64(n))
	return nil
}
