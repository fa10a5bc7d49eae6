// Package media is the seam between the signaling gateway and the engine that
// actually carries media. Two engines implement Bridge: a bookkeeping-only
// fallback and a pion/webrtc SFU.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
)

const (
	KindFallback = "fallback"
	KindPion     = "pion"
)

const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

var (
	ErrRoomNotFound       = errors.New("media: room not found")
	ErrTransportNotFound  = errors.New("media: transport not found")
	ErrProducerNotFound   = errors.New("media: producer not found")
	ErrTransportDirection = errors.New("media: transport direction does not allow this operation")
	ErrInvalidParams      = errors.New("media: invalid parameters")
	ErrClosed             = errors.New("media: bridge closed")
)

// Bridge is implemented by every media engine. peerID is the device id of the
// caller; transports, producers and consumers are owned by the peer that
// created them.
type Bridge interface {
	Kind() string
	CreateRoom(ctx context.Context, roomID string) error
	CloseRoom(ctx context.Context, roomID string) error
	CreateTransport(ctx context.Context, roomID, peerID, direction string) (Transport, error)
	// ConnectTransport applies engine-specific connection parameters and
	// returns the engine's reply (for pion, the SDP answer or offer).
	ConnectTransport(ctx context.Context, roomID, peerID, transportID string, params json.RawMessage) (json.RawMessage, error)
	Produce(ctx context.Context, req ProduceRequest) (Producer, error)
	Consume(ctx context.Context, req ConsumeRequest) (Consumer, error)
	// CloseProducer releases a producer owned by peerID together with every
	// consumer of it.
	CloseProducer(ctx context.Context, roomID, peerID, producerID string) error
	// RemovePeer releases every transport, producer and consumer owned by peerID
	// and returns the ids of the producers that were closed.
	RemovePeer(ctx context.Context, roomID, peerID string) ([]string, error)
	Metrics() Metrics
	Close() error
}

type Transport struct {
	ID        string
	Direction string
	Params    json.RawMessage
}

type ProduceRequest struct {
	RoomID      string
	PeerID      string
	TransportID string
	Kind        string
	Params      json.RawMessage
}

type Producer struct {
	ID   string
	Kind string
}

type ConsumeRequest struct {
	RoomID      string
	PeerID      string
	TransportID string
	ProducerID  string
}

type Consumer struct {
	ID         string
	ProducerID string
	Kind       string
	Params     json.RawMessage
}

type Metrics struct {
	Engine     string `json:"engine"`
	Rooms      int    `json:"rooms"`
	Transports int    `json:"transports"`
	Producers  int    `json:"producers"`
	Consumers  int    `json:"consumers"`
}

// New selects the engine named by cfg.MediaEngine. When the pion engine cannot
// start it either fails (MediaEngineRequired) or degrades to the fallback.
func New(cfg config.Config, logger *slog.Logger) (Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.MediaEngine {
	case config.MediaEngineFallback:
		return NewFallbackBridge(), nil
	case config.MediaEnginePion:
		b, err := NewPionBridge(cfg, PionOptions{Logger: logger})
		if err == nil {
			return b, nil
		}
		if cfg.MediaEngineRequired {
			return nil, fmt.Errorf("start pion media engine: %w", err)
		}
		logger.Warn("media engine unavailable, using fallback", "engine", cfg.MediaEngine, "err", err)
		return NewFallbackBridge(), nil
	default:
		return nil, fmt.Errorf("unknown media engine %q", cfg.MediaEngine)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
