// Package mediagate decides when a peer may touch the media plane: only
// after it declared E2EE readiness for the room's current epoch.
package mediagate

import (
	"errors"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
)

type Gate struct {
	rooms       *room.Registry
	required    bool
	requiredCap string
}

func New(rooms *room.Registry, required bool, requiredCap string) *Gate {
	return &Gate{rooms: rooms, required: required, requiredCap: requiredCap}
}

func (g *Gate) Required() bool             { return g.required }
func (g *Gate) RequiredCapability() string { return g.requiredCap }

// CheckCaps verifies the connection advertised the capability E2EE needs.
// It is a no-op when E2EE is disabled or no capability is configured.
func (g *Gate) CheckCaps(declared bool, caps []string) error {
	if !g.required || g.requiredCap == "" {
		return nil
	}
	if !declared {
		return protocol.NewError(protocol.CodeUnsupportedE2EE, "E2EE_CAPS must be declared before joining").
			With("required", g.requiredCap)
	}
	for _, c := range caps {
		if c == g.requiredCap {
			return nil
		}
	}
	return protocol.NewError(protocol.CodeUnsupportedE2EE, "required e2ee capability not supported").
		With("required", g.requiredCap)
}

// DeclareReady marks the peer ready for epoch.
func (g *Gate) DeclareReady(roomID, deviceID string, epoch int64) error {
	roomEpoch, err := g.rooms.SetReady(roomID, deviceID, epoch)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, room.ErrEpochMismatch):
		return protocol.NewError(protocol.CodeE2EEEpochMismatch, "epoch does not match room").
			With("roomEpoch", roomEpoch).
			With("got", epoch)
	default:
		return mapRoomError(err)
	}
}

// Authorize is the check every media operation passes before reaching the
// bridge.
func (g *Gate) Authorize(roomID, deviceID string) error {
	rd, err := g.rooms.IsReady(roomID, deviceID)
	if err != nil {
		return mapRoomError(err)
	}
	if !g.required || rd.Ready {
		return nil
	}
	return notReady(rd)
}

// AdmitProducer registers prod in the room after the engine created it. The
// readiness check is repeated atomically with the insert because the room
// epoch may have moved while the engine was busy.
func (g *Gate) AdmitProducer(roomID string, prod room.Producer) error {
	if !g.required {
		return mapRoomError(g.rooms.AddProducer(roomID, prod))
	}
	rd, err := g.rooms.AddReadyProducer(roomID, prod)
	if errors.Is(err, room.ErrNotReady) {
		return notReady(rd)
	}
	return mapRoomError(err)
}

func notReady(rd room.Readiness) error {
	return protocol.NewError(protocol.CodeE2EENotReady, "e2ee not ready for current epoch").
		With("peerEpoch", rd.PeerEpoch).
		With("roomEpoch", rd.RoomEpoch)
}

func mapRoomError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, room.ErrRoomNotFound):
		return protocol.NewError(protocol.CodeRoomNotFound, "room not found")
	case errors.Is(err, room.ErrNotMember):
		return protocol.NewError(protocol.CodeUnauthorized, "not a member of this room")
	default:
		return err
	}
}
