package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
)

const streamID = "call-gateway"

type PionOptions struct {
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net    transport.Net
	Logger *slog.Logger
}

// PionBridge is a selective forwarding unit: each transport is one server-side
// PeerConnection, each producer is a TrackLocalStaticRTP fed from the remote
// track of the producing transport, and each consumer adds that local track to
// a receiving transport.
type PionBridge struct {
	api           *webrtc.API
	iceServers    []webrtc.ICEServer
	gatherTimeout time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*pionRoom
	closed bool
}

type pionRoom struct {
	transports map[string]*pionTransport
	producers  map[string]*pionProducer
	consumers  map[string]*pionConsumer
}

type pionTransport struct {
	id        string
	peerID    string
	direction string
	pc        *webrtc.PeerConnection

	// negotiate serializes SDP exchanges on pc.
	negotiate sync.Mutex

	// unclaimed holds remote tracks that arrived before the matching PRODUCE.
	unclaimed []*webrtc.TrackRemote
}

type pionProducer struct {
	id          string
	peerID      string
	transportID string
	kind        string
	local       *webrtc.TrackLocalStaticRTP
	bound       bool
}

type pionConsumer struct {
	peerID      string
	transportID string
	producerID  string
	sender      *webrtc.RTPSender
}

func NewAPI(cfg config.Config, opts PionOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if opts.Logger != nil {
		se.LoggerFactory = newSlogLoggerFactory(opts.Logger)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(m)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// There is no bind-address setting; IPFilter restricts both gathering and binding.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}

// NewPionBridge builds the engine and proves it by opening and closing one
// PeerConnection.
func NewPionBridge(cfg config.Config, opts PionOptions) (*PionBridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api, err := NewAPI(cfg, opts)
	if err != nil {
		return nil, err
	}
	iceServers := cfg.PeerConnectionICEServers()
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("check peer connection: %w", err)
	}
	if err := pc.Close(); err != nil {
		return nil, fmt.Errorf("check peer connection: %w", err)
	}

	gatherTimeout := cfg.ICEGatheringTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = config.DefaultICEGatherTimeout
	}
	return &PionBridge{
		api:           api,
		iceServers:    iceServers,
		gatherTimeout: gatherTimeout,
		logger:        logger,
		rooms:         make(map[string]*pionRoom),
	}, nil
}

func (b *PionBridge) Kind() string { return KindPion }

func (b *PionBridge) CreateRoom(_ context.Context, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.rooms[roomID]; !ok {
		b.rooms[roomID] = &pionRoom{
			transports: make(map[string]*pionTransport),
			producers:  make(map[string]*pionProducer),
			consumers:  make(map[string]*pionConsumer),
		}
	}
	return nil
}

func (b *PionBridge) CloseRoom(_ context.Context, roomID string) error {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	delete(b.rooms, roomID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	var errs []error
	for _, t := range r.transports {
		errs = append(errs, t.pc.Close())
	}
	return errors.Join(errs...)
}

func (b *PionBridge) room(roomID string) (*pionRoom, error) {
	if b.closed {
		return nil, ErrClosed
	}
	r, ok := b.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

func (b *PionBridge) transport(roomID, peerID, transportID string) (*pionRoom, *pionTransport, error) {
	r, err := b.room(roomID)
	if err != nil {
		return nil, nil, err
	}
	t, ok := r.transports[transportID]
	if !ok || t.peerID != peerID {
		return nil, nil, ErrTransportNotFound
	}
	return r, t, nil
}

func (b *PionBridge) CreateTransport(_ context.Context, roomID, peerID, direction string) (Transport, error) {
	if direction != DirectionSend && direction != DirectionRecv {
		return Transport{}, ErrInvalidParams
	}

	b.mu.Lock()
	_, err := b.room(roomID)
	b.mu.Unlock()
	if err != nil {
		return Transport{}, err
	}

	pc, err := b.api.NewPeerConnection(webrtc.Configuration{ICEServers: b.iceServers})
	if err != nil {
		return Transport{}, fmt.Errorf("new peer connection: %w", err)
	}
	t := &pionTransport{id: uuid.NewString(), peerID: peerID, direction: direction, pc: pc}
	logger := b.logger.With("room_id", roomID, "device_id", peerID, "transport_id", t.id)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("transport state changed", "state", state.String())
	})
	if direction == DirectionSend {
		pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			b.onRemoteTrack(roomID, t.id, remote)
		})
	}

	b.mu.Lock()
	r, err := b.room(roomID)
	if err != nil {
		b.mu.Unlock()
		_ = pc.Close()
		return Transport{}, err
	}
	r.transports[t.id] = t
	b.mu.Unlock()

	return Transport{
		ID:        t.id,
		Direction: direction,
		Params: mustJSON(map[string]any{
			"engine":     KindPion,
			"iceServers": b.iceServers,
		}),
	}, nil
}

type connectParams struct {
	SDP         *webrtc.SessionDescription `json:"sdp,omitempty"`
	Renegotiate bool                       `json:"renegotiate,omitempty"`
}

func (b *PionBridge) ConnectTransport(ctx context.Context, roomID, peerID, transportID string, params json.RawMessage) (json.RawMessage, error) {
	var p connectParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	b.mu.Lock()
	_, t, err := b.transport(roomID, peerID, transportID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t.negotiate.Lock()
	defer t.negotiate.Unlock()

	switch {
	case p.SDP != nil && p.SDP.Type == webrtc.SDPTypeOffer:
		if err := t.pc.SetRemoteDescription(*p.SDP); err != nil {
			return nil, fmt.Errorf("%w: set remote offer: %v", ErrInvalidParams, err)
		}
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return nil, fmt.Errorf("create answer: %w", err)
		}
		desc, err := b.setLocalAndGather(ctx, t.pc, answer)
		if err != nil {
			return nil, err
		}
		return mustJSON(map[string]any{"sdp": desc}), nil

	case p.SDP != nil && p.SDP.Type == webrtc.SDPTypeAnswer:
		if err := t.pc.SetRemoteDescription(*p.SDP); err != nil {
			return nil, fmt.Errorf("%w: set remote answer: %v", ErrInvalidParams, err)
		}
		return mustJSON(map[string]any{"connected": true}), nil

	case p.Renegotiate:
		desc, err := b.offer(ctx, t)
		if err != nil {
			return nil, err
		}
		return mustJSON(map[string]any{"sdp": desc}), nil

	default:
		return nil, fmt.Errorf("%w: expected sdp offer, sdp answer or renegotiate", ErrInvalidParams)
	}
}

// offer creates a server-side offer. The caller holds t.negotiate.
func (b *PionBridge) offer(ctx context.Context, t *pionTransport) (*webrtc.SessionDescription, error) {
	if t.pc.SignalingState() != webrtc.SignalingStateStable {
		return nil, fmt.Errorf("%w: negotiation already in progress", ErrInvalidParams)
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return b.setLocalAndGather(ctx, t.pc, offer)
}

func (b *PionBridge) setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	timer := time.NewTimer(b.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		b.logger.Debug("ice gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return pc.LocalDescription(), nil
}

type produceParams struct {
	Codec *webrtc.RTPCodecCapability `json:"codec,omitempty"`
}

func defaultCapability(kind string) (webrtc.RTPCodecCapability, error) {
	switch kind {
	case "audio":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case "video":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, kind)
	}
}

func (b *PionBridge) Produce(_ context.Context, req ProduceRequest) (Producer, error) {
	capability, err := defaultCapability(req.Kind)
	if err != nil {
		return Producer{}, err
	}
	if len(req.Params) > 0 {
		var p produceParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return Producer{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Codec != nil {
			if !strings.HasPrefix(strings.ToLower(p.Codec.MimeType), req.Kind+"/") {
				return Producer{}, fmt.Errorf("%w: codec %q does not match kind %q", ErrInvalidParams, p.Codec.MimeType, req.Kind)
			}
			capability = *p.Codec
		}
	}

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(capability, id, streamID)
	if err != nil {
		return Producer{}, fmt.Errorf("new local track: %w", err)
	}

	b.mu.Lock()
	r, t, err := b.transport(req.RoomID, req.PeerID, req.TransportID)
	if err != nil {
		b.mu.Unlock()
		return Producer{}, err
	}
	if t.direction != DirectionSend {
		b.mu.Unlock()
		return Producer{}, ErrTransportDirection
	}
	p := &pionProducer{id: id, peerID: req.PeerID, transportID: t.id, kind: req.Kind, local: local}
	r.producers[id] = p
	remote := t.claim(req.Kind)
	if remote != nil {
		p.bound = true
	}
	b.mu.Unlock()

	if remote != nil {
		go b.forward(req.RoomID, p, remote)
	}
	return Producer{ID: id, Kind: req.Kind}, nil
}

// claim removes and returns the oldest unclaimed remote track of kind.
func (t *pionTransport) claim(kind string) *webrtc.TrackRemote {
	for i, remote := range t.unclaimed {
		if remote.Kind().String() == kind {
			t.unclaimed = append(t.unclaimed[:i], t.unclaimed[i+1:]...)
			return remote
		}
	}
	return nil
}

func (b *PionBridge) onRemoteTrack(roomID, transportID string, remote *webrtc.TrackRemote) {
	kind := remote.Kind().String()

	b.mu.Lock()
	r, err := b.room(roomID)
	if err != nil {
		b.mu.Unlock()
		return
	}
	t, ok := r.transports[transportID]
	if !ok {
		b.mu.Unlock()
		return
	}
	var target *pionProducer
	for _, p := range r.producers {
		if p.transportID == transportID && p.kind == kind && !p.bound {
			target = p
			break
		}
	}
	if target == nil {
		t.unclaimed = append(t.unclaimed, remote)
		b.mu.Unlock()
		return
	}
	target.bound = true
	b.mu.Unlock()

	b.forward(roomID, target, remote)
}

// forward copies RTP from remote into the producer's local track until the
// remote track ends.
func (b *PionBridge) forward(roomID string, p *pionProducer, remote *webrtc.TrackRemote) {
	logger := b.logger.With("room_id", roomID, "producer_id", p.id, "kind", p.kind)
	if got, want := remote.Codec().MimeType, p.local.Codec().MimeType; !strings.EqualFold(got, want) {
		logger.Warn("remote codec differs from producer codec", "remote", got, "local", want)
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("producer track ended", "err", err)
			}
			return
		}
		if err := p.local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Debug("forward rtp failed", "err", err)
			return
		}
	}
}

func (b *PionBridge) Consume(ctx context.Context, req ConsumeRequest) (Consumer, error) {
	b.mu.Lock()
	r, t, err := b.transport(req.RoomID, req.PeerID, req.TransportID)
	if err != nil {
		b.mu.Unlock()
		return Consumer{}, err
	}
	if t.direction != DirectionRecv {
		b.mu.Unlock()
		return Consumer{}, ErrTransportDirection
	}
	p, ok := r.producers[req.ProducerID]
	if !ok {
		b.mu.Unlock()
		return Consumer{}, ErrProducerNotFound
	}
	b.mu.Unlock()

	t.negotiate.Lock()
	defer t.negotiate.Unlock()

	sender, err := t.pc.AddTrack(p.local)
	if err != nil {
		return Consumer{}, fmt.Errorf("add track: %w", err)
	}
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(rtcpBuf); err != nil {
				return
			}
		}
	}()

	params := map[string]any{
		"kind":     p.kind,
		"trackId":  p.local.ID(),
		"streamId": p.local.StreamID(),
		"codec":    p.local.Codec(),
	}
	if t.pc.SignalingState() == webrtc.SignalingStateStable {
		desc, err := b.offer(ctx, t)
		if err != nil {
			_ = t.pc.RemoveTrack(sender)
			return Consumer{}, err
		}
		params["sdp"] = desc
	} else {
		// The client renegotiates once its pending answer lands.
		params["renegotiate"] = true
	}

	id := uuid.NewString()
	b.mu.Lock()
	if r, err := b.room(req.RoomID); err == nil {
		r.consumers[id] = &pionConsumer{peerID: req.PeerID, transportID: t.id, producerID: p.id, sender: sender}
	}
	b.mu.Unlock()

	return Consumer{ID: id, ProducerID: p.id, Kind: p.kind, Params: mustJSON(params)}, nil
}

func (b *PionBridge) CloseProducer(_ context.Context, roomID, peerID, producerID string) error {
	type detach struct {
		pc     *webrtc.PeerConnection
		sender *webrtc.RTPSender
	}
	b.mu.Lock()
	r, err := b.room(roomID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	p, ok := r.producers[producerID]
	if !ok || p.peerID != peerID {
		b.mu.Unlock()
		return ErrProducerNotFound
	}
	delete(r.producers, producerID)
	var senders []detach
	for id, c := range r.consumers {
		if c.producerID != producerID {
			continue
		}
		if t, ok := r.transports[c.transportID]; ok {
			senders = append(senders, detach{t.pc, c.sender})
		}
		delete(r.consumers, id)
	}
	b.mu.Unlock()

	for _, s := range senders {
		if err := s.pc.RemoveTrack(s.sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			b.logger.Debug("remove consumer track failed", "room_id", roomID, "producer_id", producerID, "err", err)
		}
	}
	return nil
}

func (b *PionBridge) RemovePeer(_ context.Context, roomID, peerID string) ([]string, error) {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	if !ok {
		b.mu.Unlock()
		return nil, nil
	}
	var (
		closed  []string
		pcs     []*webrtc.PeerConnection
		senders []struct {
			pc     *webrtc.PeerConnection
			sender *webrtc.RTPSender
		}
	)
	for id, p := range r.producers {
		if p.peerID == peerID {
			closed = append(closed, id)
			delete(r.producers, id)
		}
	}
	for id, c := range r.consumers {
		_, producerAlive := r.producers[c.producerID]
		if c.peerID == peerID || !producerAlive {
			if t, ok := r.transports[c.transportID]; ok && t.peerID != peerID {
				senders = append(senders, struct {
					pc     *webrtc.PeerConnection
					sender *webrtc.RTPSender
				}{t.pc, c.sender})
			}
			delete(r.consumers, id)
		}
	}
	for id, t := range r.transports {
		if t.peerID == peerID {
			pcs = append(pcs, t.pc)
			delete(r.transports, id)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range senders {
		if err := s.pc.RemoveTrack(s.sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			b.logger.Debug("remove consumer track failed", "room_id", roomID, "err", err)
		}
	}
	for _, pc := range pcs {
		errs = append(errs, pc.Close())
	}
	return closed, errors.Join(errs...)
}

func (b *PionBridge) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{Engine: KindPion, Rooms: len(b.rooms)}
	for _, r := range b.rooms {
		m.Transports += len(r.transports)
		m.Producers += len(r.producers)
		m.Consumers += len(r.consumers)
	}
	return m
}

func (b *PionBridge) Close() error {
	b.mu.Lock()
	rooms := b.rooms
	b.rooms = make(map[string]*pionRoom)
	b.closed = true
	b.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		for _, t := range r.transports {
			errs = append(errs, t.pc.Close())
		}
	}
	return errors.Join(errs...)
}
