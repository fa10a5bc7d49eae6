// Package store persists the state that must outlive a single gateway
// process or socket: call membership, room versions, rekey quorum tracking,
// reverse routes for key acknowledgements, and the offline mailbox.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnavailable marks degraded mode. Callers must fail closed on it.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("not found")
	ErrNotMember   = errors.New("not a call member")
	// ErrStaleAck rejects an ack whose begin id no longer names the pending
	// attempt, or whose device is not in its need set.
	ErrStaleAck = errors.New("ack does not match the pending rekey")
	// ErrDeviceOwned rejects binding a device id that another user already
	// holds.
	ErrDeviceOwned = errors.New("device id is bound to another user")
)

type Member struct {
	CallID   string
	RoomID   string
	UserID   string
	DeviceID string
	Role     string
	JoinedAt time.Time
	// ExpiresAt is set while the device is disconnected. A detached member
	// still receives key material until then.
	ExpiresAt time.Time
}

func (m Member) live(now time.Time) bool {
	return m.ExpiresAt.IsZero() || now.Before(m.ExpiresAt)
}

type RekeyBegin struct {
	RoomID     string
	Epoch      int64
	BeginMsgID string
	Initiator  string
	Need       []string
	ExpiresAt  time.Time
}

type RekeyState struct {
	RekeyBegin
	Ack []string
}

// Missing lists need-set devices that have not acked, sorted.
func (s RekeyState) Missing() []string {
	acked := make(map[string]bool, len(s.Ack))
	for _, d := range s.Ack {
		acked[d] = true
	}
	var out []string
	for _, d := range s.Need {
		if !acked[d] {
			out = append(out, d)
		}
	}
	return out
}

// Commit outcome reasons when OK is false.
const (
	ReasonQuorumNotMet = "quorum_not_met"
	ReasonNoRekey      = "no_rekey"
	ReasonExpired      = "expired"
)

type CommitResult struct {
	OK         bool
	Reason     string
	BeginMsgID string
	Need       []string
	Ack        []string
	Missing    []string
}

type MailboxMessage struct {
	MsgID     string
	Envelope  []byte
	CreatedAt time.Time
}

type Store interface {
	GetRoomVersion(ctx context.Context, roomID string) (int64, error)
	// BumpRoomVersion increments and returns the room's member-set version.
	BumpRoomVersion(ctx context.Context, roomID string) (int64, error)

	// BindDevice records userID as the owner of deviceID. The first binding
	// wins; a different user gets ErrDeviceOwned.
	BindDevice(ctx context.Context, deviceID, userID string) error
	DeviceOwner(ctx context.Context, deviceID string) (string, error)

	// AddMember inserts or re-attaches a member, clearing any expiry.
	AddMember(ctx context.Context, m Member) error
	RemoveMember(ctx context.Context, callID, deviceID string) error
	// DetachMember keeps a disconnected member until the given time.
	DetachMember(ctx context.Context, callID, deviceID string, until time.Time) error
	// AssertMember returns ErrNotMember when deviceID is not in callID or its
	// detachment expired before now.
	AssertMember(ctx context.Context, callID, deviceID string, now time.Time) (Member, error)
	PruneMembers(ctx context.Context, now time.Time) (int, error)

	// SetRekeyBegin starts (or supersedes) the attempt for (room, epoch),
	// clearing any previous acks.
	SetRekeyBegin(ctx context.Context, b RekeyBegin) error
	GetRekeyBegin(ctx context.Context, roomID string, epoch int64) (RekeyState, error)
	// MarkAck records deviceID's ack only while beginMsgID is still the
	// pending attempt and deviceID is in its need set.
	MarkAck(ctx context.Context, roomID string, epoch int64, beginMsgID, deviceID string) (RekeyState, error)
	// TryCommit consumes the attempt when every need-set device acked.
	TryCommit(ctx context.Context, roomID string, epoch int64, now time.Time) (CommitResult, error)
	AbortRekey(ctx context.Context, roomID string, epoch int64) error
	// DropFromNeed removes a departed device from every pending need set of
	// the room.
	DropFromNeed(ctx context.Context, roomID, deviceID string) error
	// PruneRekeys deletes attempts that expired before now.
	PruneRekeys(ctx context.Context, now time.Time) (int, error)
	PendingRekeys(ctx context.Context) (int, error)

	SaveRoute(ctx context.Context, msgID, deviceID string, expiresAt time.Time) error
	GetRoute(ctx context.Context, msgID string, now time.Time) (string, error)

	// Mailboxes are keyed by the owning user and the device.
	MailboxDeliver(ctx context.Context, userID, deviceID string, msg MailboxMessage) error
	MailboxSync(ctx context.Context, userID, deviceID string, limit int) ([]MailboxMessage, error)
	MailboxAck(ctx context.Context, userID, deviceID string, msgIDs []string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open builds a store from a DSN: "memory" or "sqlite:<path>".
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite:"))
	default:
		return nil, fmt.Errorf("unsupported store dsn %q (expected memory or sqlite:<path>)", dsn)
	}
}
