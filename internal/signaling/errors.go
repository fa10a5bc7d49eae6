package signaling

import (
	"errors"
	"fmt"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/jointoken"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

var errQueueFull = errors.New("signaling: outbound queue full")

func storeFailure(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return protocol.NewError(protocol.CodeInternalError, "store unavailable").With("reason", "degraded")
	}
	return fmt.Errorf("store: %w", err)
}

func roomFailure(err error) error {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return protocol.NewError(protocol.CodeRoomNotFound, "room not found")
	case errors.Is(err, room.ErrNotMember):
		return protocol.NewError(protocol.CodeUnauthorized, "not a member of this room")
	case errors.Is(err, room.ErrCallMismatch):
		return protocol.NewError(protocol.CodeUnauthorized, "room belongs to a different call")
	case errors.Is(err, room.ErrDeviceConflict):
		return protocol.NewError(protocol.CodeUnauthorized, "device id is bound to another user")
	case errors.Is(err, room.ErrProducerNotFound):
		return protocol.NewError(protocol.CodeProducerNotFound, "producer not found")
	default:
		return err
	}
}

func mediaFailure(err error) error {
	switch {
	case errors.Is(err, media.ErrRoomNotFound):
		return protocol.NewError(protocol.CodeRoomNotFound, "media room not found")
	case errors.Is(err, media.ErrTransportNotFound):
		return protocol.NewError(protocol.CodeTransportNotFound, "transport not found")
	case errors.Is(err, media.ErrProducerNotFound):
		return protocol.NewError(protocol.CodeProducerNotFound, "producer not found")
	case errors.Is(err, media.ErrTransportDirection), errors.Is(err, media.ErrInvalidParams):
		return protocol.NewError(protocol.CodeValidationFailed, err.Error())
	default:
		return fmt.Errorf("media: %w", err)
	}
}

// joinTokenReason names a verification failure without echoing the token.
func joinTokenReason(err error) string {
	switch {
	case errors.Is(err, jointoken.ErrExpired):
		return "expired"
	case errors.Is(err, jointoken.ErrReplayed):
		return "replayed"
	case errors.Is(err, jointoken.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, jointoken.ErrMismatch):
		return "mismatch"
	case errors.Is(err, jointoken.ErrReplayCacheFull):
		return "capacity"
	default:
		return "malformed"
	}
}
