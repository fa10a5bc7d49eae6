package media

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// FallbackBridge records transports, producers and consumers without moving
// any media. Parameters it returns are placeholders marked fallback:true.
type FallbackBridge struct {
	mu     sync.Mutex
	rooms  map[string]*fallbackRoom
	closed bool
}

type fallbackRoom struct {
	transports map[string]*fallbackTransport
	producers  map[string]*fallbackProducer
	consumers  map[string]*fallbackConsumer
}

type fallbackTransport struct {
	peerID    string
	direction string
	connected bool
}

type fallbackProducer struct {
	peerID      string
	transportID string
	kind        string
}

type fallbackConsumer struct {
	peerID      string
	transportID string
	producerID  string
}

func NewFallbackBridge() *FallbackBridge {
	return &FallbackBridge{rooms: make(map[string]*fallbackRoom)}
}

func (b *FallbackBridge) Kind() string { return KindFallback }

func (b *FallbackBridge) CreateRoom(_ context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.rooms[roomID]; !ok {
		b.rooms[roomID] = &fallbackRoom{
			transports: make(map[string]*fallbackTransport),
			producers:  make(map[string]*fallbackProducer),
			consumers:  make(map[string]*fallbackConsumer),
		}
	}
	return nil
}

func (b *FallbackBridge) CloseRoom(_ context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, roomID)
	return nil
}

func (b *FallbackBridge) room(roomID string) (*fallbackRoom, error) {
	if b.closed {
		return nil, ErrClosed
	}
	r, ok := b.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

func (b *FallbackBridge) CreateTransport(_ context.Context, roomID, peerID, direction string) (Transport, error) {
	if direction != DirectionSend && direction != DirectionRecv {
		return Transport{}, ErrInvalidParams
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.room(roomID)
	if err != nil {
		return Transport{}, err
	}
	id := uuid.NewString()
	r.transports[id] = &fallbackTransport{peerID: peerID, direction: direction}
	return Transport{
		ID:        id,
		Direction: direction,
		Params: mustJSON(map[string]any{
			"fallback": true,
			"iceParameters": map[string]any{
				"usernameFragment": "",
				"password":         "",
				"iceLite":          true,
			},
			"iceCandidates": []any{},
			"dtlsParameters": map[string]any{
				"role":         "auto",
				"fingerprints": []any{},
			},
		}),
	}, nil
}

func (b *FallbackBridge) ConnectTransport(_ context.Context, roomID, peerID, transportID string, _ json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.room(roomID)
	if err != nil {
		return nil, err
	}
	t, ok := r.transports[transportID]
	if !ok || t.peerID != peerID {
		return nil, ErrTransportNotFound
	}
	t.connected = true
	return mustJSON(map[string]any{"fallback": true, "connected": true}), nil
}

func (b *FallbackBridge) Produce(_ context.Context, req ProduceRequest) (Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.room(req.RoomID)
	if err != nil {
		return Producer{}, err
	}
	t, ok := r.transports[req.TransportID]
	if !ok || t.peerID != req.PeerID {
		return Producer{}, ErrTransportNotFound
	}
	if t.direction != DirectionSend {
		return Producer{}, ErrTransportDirection
	}
	id := uuid.NewString()
	r.producers[id] = &fallbackProducer{peerID: req.PeerID, transportID: req.TransportID, kind: req.Kind}
	return Producer{ID: id, Kind: req.Kind}, nil
}

func (b *FallbackBridge) Consume(_ context.Context, req ConsumeRequest) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.room(req.RoomID)
	if err != nil {
		return Consumer{}, err
	}
	t, ok := r.transports[req.TransportID]
	if !ok || t.peerID != req.PeerID {
		return Consumer{}, ErrTransportNotFound
	}
	if t.direction != DirectionRecv {
		return Consumer{}, ErrTransportDirection
	}
	p, ok := r.producers[req.ProducerID]
	if !ok {
		return Consumer{}, ErrProducerNotFound
	}
	id := uuid.NewString()
	r.consumers[id] = &fallbackConsumer{peerID: req.PeerID, transportID: req.TransportID, producerID: req.ProducerID}
	return Consumer{
		ID:         id,
		ProducerID: req.ProducerID,
		Kind:       p.kind,
		Params:     mustJSON(map[string]any{"fallback": true, "kind": p.kind, "rtpParameters": map[string]any{}}),
	}, nil
}

func (b *FallbackBridge) CloseProducer(_ context.Context, roomID, peerID, producerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	p, ok := r.producers[producerID]
	if !ok || p.peerID != peerID {
		return ErrProducerNotFound
	}
	delete(r.producers, producerID)
	for id, c := range r.consumers {
		if c.producerID == producerID {
			delete(r.consumers, id)
		}
	}
	return nil
}

func (b *FallbackBridge) RemovePeer(_ context.Context, roomID, peerID string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil, nil
	}
	var closed []string
	for id, p := range r.producers {
		if p.peerID == peerID {
			closed = append(closed, id)
			delete(r.producers, id)
		}
	}
	for id, c := range r.consumers {
		_, producerAlive := r.producers[c.producerID]
		if c.peerID == peerID || !producerAlive {
			delete(r.consumers, id)
		}
	}
	for id, t := range r.transports {
		if t.peerID == peerID {
			delete(r.transports, id)
		}
	}
	return closed, nil
}

func (b *FallbackBridge) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{Engine: KindFallback, Rooms: len(b.rooms)}
	for _, r := range b.rooms {
		m.Transports += len(r.transports)
		m.Producers += len(r.producers)
		m.Consumers += len(r.consumers)
	}
	return m
}

func (b *FallbackBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.rooms = make(map[string]*fallbackRoom)
	return nil
}
