// Package rekey runs the epoch rotation quorum: REKEY_BEGIN captures the set
// of devices that must acknowledge the new key, KEY_ACK counts toward that
// set, and REKEY_COMMIT advances the room epoch only once every device in
// the set has acknowledged.
package rekey

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

const (
	DefaultAttemptTTL = 2 * time.Minute
	DefaultRouteTTL   = 5 * time.Minute
)

type Caller struct {
	UserID   string
	DeviceID string
}

type Config struct {
	Rooms      *room.Registry
	Store      store.Store
	AttemptTTL time.Duration
	RouteTTL   time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

type Coordinator struct {
	rooms      *room.Registry
	store      store.Store
	attemptTTL time.Duration
	routeTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		rooms:      cfg.Rooms,
		store:      cfg.Store,
		attemptTTL: cfg.AttemptTTL,
		routeTTL:   cfg.RouteTTL,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if c.attemptTTL <= 0 {
		c.attemptTTL = DefaultAttemptTTL
	}
	if c.routeTTL <= 0 {
		c.routeTTL = DefaultRouteTTL
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type BeginResult struct {
	Need       []string
	Recipients []string
	ExpiresAt  time.Time
}

// Begin starts (or restarts) the attempt for newEpoch. The need set is every
// current member except the initiating device.
func (c *Coordinator) Begin(ctx context.Context, caller Caller, roomID string, newEpoch int64, beginMsgID string) (BeginResult, error) {
	var need []string
	err := c.rooms.WithRoom(roomID, func(r *room.Room) error {
		if _, ok := r.Peer(caller.DeviceID); !ok {
			return errNotMember()
		}
		if newEpoch != r.Epoch()+1 {
			return epochMismatch(r.Epoch(), newEpoch)
		}
		// The initiator generated the new key and never acks its own
		// BEGIN, so the quorum is the rest of the peer set.
		for _, id := range r.DeviceIDs() {
			if id != caller.DeviceID {
				need = append(need, id)
			}
		}
		return nil
	})
	if err != nil {
		return BeginResult{}, roomError(err)
	}

	now := c.now()
	begin := store.RekeyBegin{
		RoomID:     roomID,
		Epoch:      newEpoch,
		BeginMsgID: beginMsgID,
		Initiator:  caller.DeviceID,
		Need:       need,
		ExpiresAt:  now.Add(c.attemptTTL),
	}
	if err := c.store.SetRekeyBegin(ctx, begin); err != nil {
		return BeginResult{}, c.storeError("set rekey begin", err)
	}
	if err := c.store.SaveRoute(ctx, beginMsgID, caller.DeviceID, now.Add(c.routeTTL)); err != nil {
		return BeginResult{}, c.storeError("save begin route", err)
	}

	// A commit for this epoch may have landed while the store was written.
	var recipients []string
	err = c.rooms.WithRoom(roomID, func(r *room.Room) error {
		if r.Epoch()+1 != newEpoch {
			return epochMismatch(r.Epoch(), newEpoch)
		}
		for _, id := range r.DeviceIDs() {
			if id != caller.DeviceID {
				recipients = append(recipients, id)
			}
		}
		return nil
	})
	if err != nil {
		if abortErr := c.store.AbortRekey(ctx, roomID, newEpoch); abortErr != nil && !errors.Is(abortErr, store.ErrNotFound) {
			c.logger.Warn("abort superseded rekey failed", "room_id", roomID, "epoch", newEpoch, "err", abortErr)
		}
		return BeginResult{}, roomError(err)
	}

	c.logger.Info("rekey begun",
		"room_id", roomID,
		"epoch", newEpoch,
		"initiator", caller.DeviceID,
		"need", len(need),
	)
	return BeginResult{Need: need, Recipients: recipients, ExpiresAt: begin.ExpiresAt}, nil
}

type Delivery struct {
	ToDeviceID string
}

// KeyPackage authorizes a point-to-point key package relay. Both ends must be
// members of the room's call in the store.
func (c *Coordinator) KeyPackage(ctx context.Context, caller Caller, msgID string, p *protocol.KeyPackagePayload) (Delivery, error) {
	if p.FromDeviceID != caller.DeviceID {
		return Delivery{}, protocol.NewError(protocol.CodeUnauthorized, "fromDeviceId does not match the authenticated device").
			With("field", "/fromDeviceId")
	}
	var callID string
	err := c.rooms.WithRoom(p.RoomID, func(r *room.Room) error {
		callID = r.CallID()
		if p.Epoch < r.Epoch() {
			return epochMismatch(r.Epoch(), p.Epoch)
		}
		return nil
	})
	if err != nil {
		return Delivery{}, roomError(err)
	}

	if _, err := c.store.AssertMember(ctx, callID, p.FromDeviceID, c.now()); err != nil {
		return Delivery{}, c.memberError("fromDeviceId", err)
	}
	if _, err := c.store.AssertMember(ctx, callID, p.ToDeviceID, c.now()); err != nil {
		return Delivery{}, c.memberError("toDeviceId", err)
	}
	if err := c.store.SaveRoute(ctx, msgID, p.FromDeviceID, c.now().Add(c.routeTTL)); err != nil {
		return Delivery{}, c.storeError("save key package route", err)
	}
	return Delivery{ToDeviceID: p.ToDeviceID}, nil
}

type AckResult struct {
	// Counted is true when the ack referenced the pending REKEY_BEGIN and
	// came from a device in its need set.
	Counted bool
	Missing []string
	// RouteTo is the device that sent the referenced message, empty when no
	// live route exists.
	RouteTo string
}

func (c *Coordinator) KeyAck(ctx context.Context, caller Caller, p *protocol.KeyAckPayload) (AckResult, error) {
	if p.FromDeviceID != caller.DeviceID {
		return AckResult{}, protocol.NewError(protocol.CodeUnauthorized, "fromDeviceId does not match the authenticated device").
			With("field", "/fromDeviceId")
	}
	err := c.rooms.WithRoom(p.RoomID, func(r *room.Room) error {
		if _, ok := r.Peer(caller.DeviceID); !ok {
			return errNotMember()
		}
		return nil
	})
	if err != nil {
		return AckResult{}, roomError(err)
	}

	var res AckResult
	st, err := c.store.GetRekeyBegin(ctx, p.RoomID, p.Epoch)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return AckResult{}, c.storeError("get rekey begin", err)
	case st.BeginMsgID == p.RefID && contains(st.Need, caller.DeviceID):
		// A superseding BEGIN may land after the read above; the store only
		// counts the ack while p.RefID is still the pending attempt.
		st, err = c.store.MarkAck(ctx, p.RoomID, p.Epoch, p.RefID, caller.DeviceID)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrStaleAck) {
			break
		}
		if err != nil {
			return AckResult{}, c.storeError("mark ack", err)
		}
		res.Counted = true
		res.Missing = st.Missing()
	}

	routeTo, err := c.store.GetRoute(ctx, p.RefID, c.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return AckResult{}, c.storeError("get route", err)
	default:
		res.RouteTo = routeTo
	}
	return res, nil
}

type CommitResult struct {
	Epoch      int64
	Snapshot   protocol.RoomSnapshot
	Recipients []string
}

// Commit advances the room epoch once the quorum is met. Only the initiator
// of the pending attempt may commit it.
func (c *Coordinator) Commit(ctx context.Context, caller Caller, roomID string, epoch int64) (CommitResult, error) {
	if err := c.checkMemberAndEpoch(roomID, caller.DeviceID, epoch); err != nil {
		return CommitResult{}, err
	}
	st, err := c.store.GetRekeyBegin(ctx, roomID, epoch)
	if errors.Is(err, store.ErrNotFound) {
		return CommitResult{}, syncFailed(store.ReasonNoRekey)
	}
	if err != nil {
		return CommitResult{}, c.storeError("get rekey begin", err)
	}
	if st.Initiator != caller.DeviceID {
		return CommitResult{}, protocol.NewError(protocol.CodeUnauthorized, "only the rekey initiator may commit")
	}

	res, err := c.store.TryCommit(ctx, roomID, epoch, c.now())
	if err != nil {
		return CommitResult{}, c.storeError("try commit", err)
	}
	if !res.OK {
		perr := syncFailed(res.Reason)
		if res.Reason == store.ReasonQuorumNotMet {
			perr = perr.
				With("need", nonNil(res.Need)).
				With("ack", nonNil(res.Ack)).
				With("missing", nonNil(res.Missing))
		}
		return CommitResult{}, perr
	}

	snap, err := c.rooms.CommitEpoch(roomID, epoch)
	if err != nil {
		if errors.Is(err, room.ErrEpochMismatch) {
			cur, _ := c.rooms.Snapshot(roomID)
			return CommitResult{}, epochMismatch(cur.Epoch, epoch)
		}
		return CommitResult{}, roomError(err)
	}
	recipients := make([]string, 0, len(snap.Peers))
	for _, p := range snap.Peers {
		recipients = append(recipients, p.DeviceID)
	}
	c.logger.Info("rekey committed", "room_id", roomID, "epoch", epoch, "initiator", caller.DeviceID)
	return CommitResult{Epoch: epoch, Snapshot: snap, Recipients: recipients}, nil
}

// Abort cancels the pending attempt for epoch. Returns the devices that
// should learn about the cancellation.
func (c *Coordinator) Abort(ctx context.Context, caller Caller, roomID string, epoch int64) ([]string, error) {
	if err := c.checkMemberAndEpoch(roomID, caller.DeviceID, epoch); err != nil {
		return nil, err
	}
	st, err := c.store.GetRekeyBegin(ctx, roomID, epoch)
	if errors.Is(err, store.ErrNotFound) {
		return nil, syncFailed(store.ReasonNoRekey)
	}
	if err != nil {
		return nil, c.storeError("get rekey begin", err)
	}
	if st.Initiator != caller.DeviceID {
		return nil, protocol.NewError(protocol.CodeUnauthorized, "only the rekey initiator may abort")
	}
	if err := c.store.AbortRekey(ctx, roomID, epoch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, syncFailed(store.ReasonNoRekey)
		}
		return nil, c.storeError("abort rekey", err)
	}
	c.logger.Info("rekey aborted", "room_id", roomID, "epoch", epoch, "initiator", caller.DeviceID)

	// The room may have emptied meanwhile; nobody is left to notify.
	members, _ := c.rooms.Members(roomID)
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.DeviceID != caller.DeviceID {
			out = append(out, m.DeviceID)
		}
	}
	return out, nil
}

// MemberLeft drops a departed device from every pending need set of the
// room; it can never acknowledge.
func (c *Coordinator) MemberLeft(ctx context.Context, roomID, deviceID string) {
	if err := c.store.DropFromNeed(ctx, roomID, deviceID); err != nil {
		c.logger.Warn("drop departed device from rekey need set failed",
			"room_id", roomID,
			"device_id", deviceID,
			"err", err,
		)
	}
}

// Sweep abandons attempts past their TTL.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.PruneRekeys(ctx, c.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("abandoned expired rekey attempts", "count", n)
	}
	return n, nil
}

func (c *Coordinator) Pending(ctx context.Context) (int, error) {
	return c.store.PendingRekeys(ctx)
}

func (c *Coordinator) checkMemberAndEpoch(roomID, deviceID string, epoch int64) error {
	err := c.rooms.WithRoom(roomID, func(r *room.Room) error {
		if _, ok := r.Peer(deviceID); !ok {
			return errNotMember()
		}
		if epoch != r.Epoch()+1 {
			return epochMismatch(r.Epoch(), epoch)
		}
		return nil
	})
	return roomError(err)
}

func (c *Coordinator) storeError(op string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		c.logger.Warn("rekey store unavailable", "op", op, "err", err)
		return syncFailed("degraded")
	}
	c.logger.Error("rekey store error", "op", op, "err", err)
	return syncFailed("degraded")
}

func (c *Coordinator) memberError(field string, err error) error {
	if errors.Is(err, store.ErrNotMember) {
		return protocol.NewError(protocol.CodeUnauthorized, "device is not a member of this call").With("field", "/"+field)
	}
	return c.storeError("assert member", err)
}

func syncFailed(reason string) *protocol.Error {
	return protocol.NewError(protocol.CodeE2EEKeySyncFailed, "key sync failed").With("reason", reason)
}

func epochMismatch(roomEpoch, got int64) *protocol.Error {
	return protocol.NewError(protocol.CodeE2EEEpochMismatch, "epoch does not match room").
		With("roomEpoch", roomEpoch).
		With("got", got)
}

func errNotMember() *protocol.Error {
	return protocol.NewError(protocol.CodeUnauthorized, "not a member of this room")
}

func roomError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, room.ErrRoomNotFound):
		return protocol.NewError(protocol.CodeRoomNotFound, "room not found")
	case errors.Is(err, room.ErrNotMember):
		return errNotMember()
	default:
		return err
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
