package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Guarded wraps a backend and turns any unexpected backend failure into
// ErrUnavailable. Once tripped it stays degraded until a Ping succeeds.
type Guarded struct {
	inner    Store
	logger   *slog.Logger
	degraded atomic.Bool
	onChange func(degraded bool)
}

func NewGuarded(inner Store, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{inner: inner, logger: logger}
}

// OnChange registers a callback fired whenever the degraded flag flips.
func (g *Guarded) OnChange(fn func(degraded bool)) { g.onChange = fn }

func (g *Guarded) Degraded() bool { return g.degraded.Load() }

func (g *Guarded) Inner() Store { return g.inner }

// Probe pings the backend and updates the degraded flag.
func (g *Guarded) Probe(ctx context.Context) error {
	if err := g.inner.Ping(ctx); err != nil {
		g.trip(err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	g.set(false)
	return nil
}

// Run probes every interval until ctx is done.
func (g *Guarded) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = g.Probe(ctx)
		}
	}
}

func (g *Guarded) set(v bool) {
	if g.degraded.Swap(v) != v {
		if v {
			g.logger.Warn("store degraded")
		} else {
			g.logger.Info("store recovered")
		}
		if g.onChange != nil {
			g.onChange(v)
		}
	}
}

func (g *Guarded) trip(err error) {
	g.logger.Error("store error", "err", err)
	g.set(true)
}

// wrap classifies err. Domain sentinels pass through untouched.
func (g *Guarded) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrStaleAck) || errors.Is(err, ErrDeviceOwned) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if errors.Is(err, ErrUnavailable) {
		g.set(true)
		return err
	}
	g.trip(err)
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (g *Guarded) GetRoomVersion(ctx context.Context, roomID string) (int64, error) {
	v, err := g.inner.GetRoomVersion(ctx, roomID)
	return v, g.wrap(err)
}

func (g *Guarded) BumpRoomVersion(ctx context.Context, roomID string) (int64, error) {
	v, err := g.inner.BumpRoomVersion(ctx, roomID)
	return v, g.wrap(err)
}

func (g *Guarded) BindDevice(ctx context.Context, deviceID, userID string) error {
	return g.wrap(g.inner.BindDevice(ctx, deviceID, userID))
}

func (g *Guarded) DeviceOwner(ctx context.Context, deviceID string) (string, error) {
	owner, err := g.inner.DeviceOwner(ctx, deviceID)
	return owner, g.wrap(err)
}

func (g *Guarded) AddMember(ctx context.Context, m Member) error {
	return g.wrap(g.inner.AddMember(ctx, m))
}

func (g *Guarded) RemoveMember(ctx context.Context, callID, deviceID string) error {
	return g.wrap(g.inner.RemoveMember(ctx, callID, deviceID))
}

func (g *Guarded) DetachMember(ctx context.Context, callID, deviceID string, until time.Time) error {
	return g.wrap(g.inner.DetachMember(ctx, callID, deviceID, until))
}

func (g *Guarded) AssertMember(ctx context.Context, callID, deviceID string, now time.Time) (Member, error) {
	m, err := g.inner.AssertMember(ctx, callID, deviceID, now)
	return m, g.wrap(err)
}

func (g *Guarded) PruneMembers(ctx context.Context, now time.Time) (int, error) {
	n, err := g.inner.PruneMembers(ctx, now)
	return n, g.wrap(err)
}

func (g *Guarded) SetRekeyBegin(ctx context.Context, b RekeyBegin) error {
	return g.wrap(g.inner.SetRekeyBegin(ctx, b))
}

func (g *Guarded) GetRekeyBegin(ctx context.Context, roomID string, epoch int64) (RekeyState, error) {
	st, err := g.inner.GetRekeyBegin(ctx, roomID, epoch)
	return st, g.wrap(err)
}

func (g *Guarded) MarkAck(ctx context.Context, roomID string, epoch int64, beginMsgID, deviceID string) (RekeyState, error) {
	st, err := g.inner.MarkAck(ctx, roomID, epoch, beginMsgID, deviceID)
	return st, g.wrap(err)
}

func (g *Guarded) TryCommit(ctx context.Context, roomID string, epoch int64, now time.Time) (CommitResult, error) {
	res, err := g.inner.TryCommit(ctx, roomID, epoch, now)
	return res, g.wrap(err)
}

func (g *Guarded) AbortRekey(ctx context.Context, roomID string, epoch int64) error {
	return g.wrap(g.inner.AbortRekey(ctx, roomID, epoch))
}

func (g *Guarded) DropFromNeed(ctx context.Context, roomID, deviceID string) error {
	return g.wrap(g.inner.DropFromNeed(ctx, roomID, deviceID))
}

func (g *Guarded) PruneRekeys(ctx context.Context, now time.Time) (int, error) {
	n, err := g.inner.PruneRekeys(ctx, now)
	return n, g.wrap(err)
}

func (g *Guarded) PendingRekeys(ctx context.Context) (int, error) {
	n, err := g.inner.PendingRekeys(ctx)
	return n, g.wrap(err)
}

func (g *Guarded) SaveRoute(ctx context.Context, msgID, deviceID string, expiresAt time.Time) error {
	return g.wrap(g.inner.SaveRoute(ctx, msgID, deviceID, expiresAt))
}

func (g *Guarded) GetRoute(ctx context.Context, msgID string, now time.Time) (string, error) {
	d, err := g.inner.GetRoute(ctx, msgID, now)
	return d, g.wrap(err)
}

func (g *Guarded) MailboxDeliver(ctx context.Context, userID, deviceID string, msg MailboxMessage) error {
	return g.wrap(g.inner.MailboxDeliver(ctx, userID, deviceID, msg))
}

func (g *Guarded) MailboxSync(ctx context.Context, userID, deviceID string, limit int) ([]MailboxMessage, error) {
	msgs, err := g.inner.MailboxSync(ctx, userID, deviceID, limit)
	return msgs, g.wrap(err)
}

func (g *Guarded) MailboxAck(ctx context.Context, userID, deviceID string, msgIDs []string) (int, error) {
	n, err := g.inner.MailboxAck(ctx, userID, deviceID, msgIDs)
	return n, g.wrap(err)
}

func (g *Guarded) Ping(ctx context.Context) error { return g.Probe(ctx) }

func (g *Guarded) Close() error { return g.inner.Close() }
