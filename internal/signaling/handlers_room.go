package signaling

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/jointoken"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

func (s *Server) handleRoomCreate(r *request) error {
	var p protocol.RoomCreatePayload
	if err := r.decode(&p); err != nil {
		return err
	}
	roomID, callID := p.RoomID, p.CallID
	if roomID == "" {
		roomID = uuid.NewString()
	}
	if callID == "" {
		callID = uuid.NewString()
	}

	base, err := s.cfg.Store.GetRoomVersion(r.ctx, roomID)
	if err != nil {
		return storeFailure(err)
	}
	created, err := s.cfg.Rooms.Create(roomID, callID, base)
	if err != nil {
		return roomFailure(err)
	}
	if created {
		if err := s.openMediaRoom(r.ctx, roomID); err != nil {
			return mediaFailure(err)
		}
		s.metrics.Inc(metrics.RoomsCreated)
		r.conn.log.Info("room created", "room_id", roomID, "call_id", callID)
	}

	userID, _ := r.identity()
	token, claims, err := s.cfg.Tokens.Issue(roomID, callID, userID)
	if err != nil {
		return err
	}
	s.metrics.Inc(metrics.JoinTokensIssued)
	return r.reply(protocol.TypeRoomCreated, protocol.RoomCreatedPayload{
		RoomID:    roomID,
		CallID:    callID,
		JoinToken: token,
		Exp:       claims.Exp,
	})
}

func (s *Server) handleRoomJoin(r *request) error {
	var p protocol.RoomJoinPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	caps, declared := r.conn.sess.Caps()
	if err := s.cfg.Gate.CheckCaps(declared, capList(caps)); err != nil {
		return err
	}

	userID, deviceID := r.identity()
	_, err := s.cfg.Tokens.Verify(p.JoinToken, jointoken.Expect{RoomID: p.RoomID, CallID: p.CallID, UserID: userID})
	if err != nil {
		s.metrics.Inc(metrics.JoinTokensRejected)
		if errors.Is(err, jointoken.ErrReplayCacheFull) {
			return protocol.NewError(protocol.CodeRateLimited, "join admission is saturated").With("reason", joinTokenReason(err))
		}
		return protocol.NewError(protocol.CodeUnauthorized, "join token rejected").With("reason", joinTokenReason(err))
	}

	base, err := s.cfg.Store.GetRoomVersion(r.ctx, p.RoomID)
	if err != nil {
		return storeFailure(err)
	}
	role := p.Role
	if role == "" {
		role = protocol.RoleParticipant
	}
	res, err := s.cfg.Rooms.Join(room.JoinParams{
		RoomID:      p.RoomID,
		CallID:      p.CallID,
		UserID:      userID,
		DeviceID:    deviceID,
		Role:        role,
		BaseVersion: base,
	})
	if err != nil {
		return roomFailure(err)
	}

	err = s.cfg.Store.AddMember(r.ctx, store.Member{
		CallID:   p.CallID,
		RoomID:   p.RoomID,
		UserID:   userID,
		DeviceID: deviceID,
		Role:     role,
		JoinedAt: time.Now(),
	})
	if err != nil {
		// Without a membership record the device could not exchange keys, so
		// a first join is undone. A rejoin keeps its earlier record.
		if !res.Rejoin {
			s.undoJoin(r.ctx, p.RoomID, deviceID, res.Created)
		}
		return storeFailure(err)
	}
	if _, err := s.cfg.Store.BumpRoomVersion(r.ctx, p.RoomID); err != nil {
		r.conn.log.Warn("persist room version failed", "room_id", p.RoomID, "err", err)
	}
	if res.Created {
		if err := s.openMediaRoom(r.ctx, p.RoomID); err != nil {
			r.conn.log.Error("create media room failed", "room_id", p.RoomID, "err", err)
		}
		s.metrics.Inc(metrics.RoomsCreated)
	}
	r.conn.sess.AddRoom(p.RoomID)
	r.conn.log.Info("peer joined",
		"room_id", p.RoomID,
		"user_id", userID,
		"device_id", deviceID,
		"member_set_version", res.Version,
		"rejoin", res.Rejoin,
	)

	if err := r.reply(protocol.TypeRoomJoinOK, protocol.RoomJoinOKPayload{
		RoomID:           p.RoomID,
		CallID:           p.CallID,
		Epoch:            res.Epoch,
		MemberSetVersion: res.Version,
	}); err != nil {
		return err
	}
	if err := r.reply(protocol.TypeRoomSnapshot, res.Snapshot); err != nil {
		return err
	}
	return r.out.send(res.Others, protocol.TypePeerJoined, protocol.PeerJoinedPayload{
		RoomID:           p.RoomID,
		UserID:           userID,
		DeviceID:         deviceID,
		Role:             role,
		MemberSetVersion: res.Version,
	})
}

func (s *Server) undoJoin(ctx context.Context, roomID, deviceID string, created bool) {
	res, err := s.cfg.Rooms.Leave(roomID, deviceID)
	if err != nil {
		return
	}
	if res.Destroyed && !created {
		s.closeMediaRoom(roomID)
	}
	var out outbox
	_ = out.send(res.Remaining, protocol.TypePeerLeft, protocol.PeerLeftPayload{
		RoomID:           roomID,
		DeviceID:         deviceID,
		MemberSetVersion: res.Version,
	})
	s.flush(nil, out.items)
	s.cfg.Rekey.MemberLeft(ctx, roomID, deviceID)
}

func (s *Server) handleRoomLeave(r *request) error {
	var p protocol.RoomRefPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	return s.leaveRoom(r.ctx, r.conn, p.RoomID, false, &r.out)
}

// leaveRoom removes the connection's device from roomID and releases
// everything it held there. PEER_LEFT for the remaining peers is queued on
// out. A detached device keeps its call membership for MemberRetention so
// key packages addressed to it are mailboxed.
func (s *Server) leaveRoom(ctx context.Context, c *conn, roomID string, detach bool, out *outbox) error {
	_, deviceID, _ := c.sess.Identity()
	res, err := s.cfg.Rooms.Leave(roomID, deviceID)
	c.sess.RemoveRoom(roomID)
	if err != nil {
		return roomFailure(err)
	}
	log := c.log.With("room_id", roomID, "device_id", deviceID)

	if detach {
		if err := s.cfg.Store.DetachMember(ctx, res.CallID, deviceID, time.Now().Add(s.cfg.MemberRetention)); err != nil {
			log.Warn("detach call member failed", "err", err)
		}
	} else if err := s.cfg.Store.RemoveMember(ctx, res.CallID, deviceID); err != nil {
		log.Warn("remove call member failed", "err", err)
	}
	if _, err := s.cfg.Store.BumpRoomVersion(ctx, roomID); err != nil {
		log.Warn("persist room version failed", "err", err)
	}
	if _, err := s.cfg.Bridge.RemovePeer(ctx, roomID, deviceID); err != nil && !errors.Is(err, media.ErrRoomNotFound) {
		log.Warn("remove media peer failed", "err", err)
	}
	s.cfg.Rekey.MemberLeft(ctx, roomID, deviceID)
	if res.Destroyed {
		s.closeMediaRoom(roomID)
		s.metrics.Inc(metrics.RoomsDestroyed)
		log.Info("room destroyed")
	}
	log.Info("peer left", "member_set_version", res.Version, "producers_closed", len(res.Removed))

	return out.send(res.Remaining, protocol.TypePeerLeft, protocol.PeerLeftPayload{
		RoomID:           roomID,
		DeviceID:         deviceID,
		MemberSetVersion: res.Version,
	})
}

func (s *Server) openMediaRoom(ctx context.Context, roomID string) error {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	return s.cfg.Bridge.CreateRoom(ctx, roomID)
}

// closeMediaRoom tears down the engine side of a destroyed room unless the
// registry holds a newer room with the same id by now.
func (s *Server) closeMediaRoom(roomID string) {
	s.mediaMu.Lock()
	defer s.mediaMu.Unlock()
	if _, err := s.cfg.Rooms.Snapshot(roomID); !errors.Is(err, room.ErrRoomNotFound) {
		s.log.Debug("media room reused, not closing", "room_id", roomID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	if err := s.cfg.Bridge.CloseRoom(ctx, roomID); err != nil && !errors.Is(err, media.ErrRoomNotFound) {
		s.log.Warn("close media room failed", "room_id", roomID, "err", err)
	}
}

// disconnect is the cleanup for a closed socket: the device leaves every room
// it joined and its session becomes resumable. A socket that was superseded by
// a newer one for the same device leaves the rooms to its successor.
func (s *Server) disconnect(c *conn) {
	_, deviceID, ok := c.sess.Identity()
	if !ok || !s.dir.release(deviceID, c) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var out outbox
	for _, roomID := range c.sess.Rooms() {
		if err := s.leaveRoom(ctx, c, roomID, true, &out); err != nil {
			c.log.Debug("leave on disconnect", "room_id", roomID, "err", err)
		}
	}
	s.flush(nil, out.items)
	s.resume.Detach(c.sess)
}

func (s *Server) handleE2EEReady(r *request) error {
	var p protocol.E2EEReadyPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	_, deviceID := r.identity()
	if err := s.cfg.Gate.DeclareReady(p.RoomID, deviceID, p.Epoch); err != nil {
		return err
	}
	r.conn.log.Debug("e2ee ready", "room_id", p.RoomID, "device_id", deviceID, "epoch", p.Epoch)
	return nil
}

func capList(caps map[string]bool) []string {
	out := make([]string, 0, len(caps))
	for k, ok := range caps {
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
