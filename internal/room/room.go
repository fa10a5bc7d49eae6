// Package room is the registry of live rooms and their peers. Every room has
// its own mutex; the registry lock only guards the id lookup table, so one
// room's traffic never stalls another's.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrNotMember        = errors.New("device is not a room member")
	ErrCallMismatch     = errors.New("room belongs to a different call")
	ErrDeviceConflict   = errors.New("device id already bound to another user")
	ErrEpochMismatch    = errors.New("epoch mismatch")
	ErrProducerNotFound = errors.New("producer not found")
	ErrNotReady         = errors.New("peer is not e2ee ready for the room epoch")
)

type Peer struct {
	UserID    string
	DeviceID  string
	Role      string
	E2EEReady bool
	E2EEEpoch int64
	JoinedAt  time.Time
}

func (p Peer) info() protocol.PeerInfo {
	return protocol.PeerInfo{
		UserID:    p.UserID,
		DeviceID:  p.DeviceID,
		Role:      p.Role,
		E2EEReady: p.E2EEReady,
		E2EEEpoch: p.E2EEEpoch,
	}
}

type Producer struct {
	ID       string
	DeviceID string
	Kind     string
}

// Room is only reachable through Registry methods, which hold its lock.
type Room struct {
	mu        sync.Mutex
	id        string
	callID    string
	epoch     int64
	version   int64
	peers     map[string]*Peer
	producers map[string]*Producer
	closed    bool
	createdAt time.Time
}

func (r *Room) ID() string     { return r.id }
func (r *Room) CallID() string { return r.callID }
func (r *Room) Epoch() int64   { return r.epoch }
func (r *Room) Version() int64 { return r.version }

func (r *Room) Peer(deviceID string) (Peer, bool) {
	p, ok := r.peers[deviceID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// DeviceIDs returns current member devices, sorted.
func (r *Room) DeviceIDs() []string {
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Config struct {
	Region       string
	NodeID       string
	E2EERequired bool
	Now          func() time.Time
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	region       string
	nodeID       string
	e2eeRequired bool
	now          func() time.Time
}

func NewRegistry(cfg Config) *Registry {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		rooms:        make(map[string]*Room),
		region:       cfg.Region,
		nodeID:       cfg.NodeID,
		e2eeRequired: cfg.E2EERequired,
		now:          now,
	}
}

// acquire returns the room locked, or ErrRoomNotFound.
func (g *Registry) acquire(roomID string) (*Room, error) {
	g.mu.RLock()
	r := g.rooms[roomID]
	g.mu.RUnlock()
	if r == nil {
		return nil, ErrRoomNotFound
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// acquireOrCreate returns the room locked, creating it when absent.
// baseVersion seeds memberSetVersion for a fresh room so a re-created room
// keeps counting from the persisted value.
func (g *Registry) acquireOrCreate(roomID, callID string, baseVersion int64) (*Room, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r := g.rooms[roomID]; r != nil {
		r.mu.Lock()
		if !r.closed {
			if r.callID != callID {
				r.mu.Unlock()
				return nil, false, ErrCallMismatch
			}
			return r, false, nil
		}
		r.mu.Unlock()
		delete(g.rooms, roomID)
	}
	if baseVersion < 0 {
		baseVersion = 0
	}
	r := &Room{
		id:        roomID,
		callID:    callID,
		version:   baseVersion,
		peers:     make(map[string]*Peer),
		producers: make(map[string]*Producer),
		createdAt: g.now(),
	}
	r.mu.Lock()
	g.rooms[roomID] = r
	return r, true, nil
}

func (g *Registry) drop(r *Room) {
	g.mu.Lock()
	if g.rooms[r.id] == r {
		delete(g.rooms, r.id)
	}
	g.mu.Unlock()
}

// Create registers an empty room. It is idempotent for the same call id.
func (g *Registry) Create(roomID, callID string, baseVersion int64) (created bool, err error) {
	r, created, err := g.acquireOrCreate(roomID, callID, baseVersion)
	if err != nil {
		return false, err
	}
	r.mu.Unlock()
	return created, nil
}

type JoinParams struct {
	RoomID      string
	CallID      string
	UserID      string
	DeviceID    string
	Role        string
	BaseVersion int64
}

type JoinResult struct {
	Epoch    int64
	Version  int64
	Created  bool
	Rejoin   bool
	Others   []string
	Snapshot protocol.RoomSnapshot
}

func (g *Registry) Join(p JoinParams) (JoinResult, error) {
	r, created, err := g.acquireOrCreate(p.RoomID, p.CallID, p.BaseVersion)
	if err != nil {
		return JoinResult{}, err
	}
	defer r.mu.Unlock()

	existing, rejoin := r.peers[p.DeviceID]
	if rejoin && existing.UserID != p.UserID {
		return JoinResult{}, ErrDeviceConflict
	}
	role := p.Role
	if role == "" {
		role = protocol.RoleParticipant
	}
	r.peers[p.DeviceID] = &Peer{
		UserID:   p.UserID,
		DeviceID: p.DeviceID,
		Role:     role,
		JoinedAt: g.now(),
	}
	r.version++

	others := make([]string, 0, len(r.peers)-1)
	for _, id := range r.DeviceIDs() {
		if id != p.DeviceID {
			others = append(others, id)
		}
	}
	return JoinResult{
		Epoch:    r.epoch,
		Version:  r.version,
		Created:  created,
		Rejoin:   rejoin,
		Others:   others,
		Snapshot: g.snapshotLocked(r),
	}, nil
}

type LeaveResult struct {
	Peer      Peer
	CallID    string
	Version   int64
	Removed   []Producer
	Remaining []string
	Destroyed bool
}

// Leave removes the peer and its producers. The room is destroyed when it
// becomes empty.
func (g *Registry) Leave(roomID, deviceID string) (LeaveResult, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return LeaveResult{}, err
	}
	peer, ok := r.peers[deviceID]
	if !ok {
		r.mu.Unlock()
		return LeaveResult{}, ErrNotMember
	}
	delete(r.peers, deviceID)
	r.version++

	res := LeaveResult{Peer: *peer, CallID: r.callID, Version: r.version}
	for id, prod := range r.producers {
		if prod.DeviceID == deviceID {
			res.Removed = append(res.Removed, *prod)
			delete(r.producers, id)
		}
	}
	sort.Slice(res.Removed, func(i, j int) bool { return res.Removed[i].ID < res.Removed[j].ID })
	res.Remaining = r.DeviceIDs()
	if len(r.peers) == 0 {
		r.closed = true
		res.Destroyed = true
	}
	r.mu.Unlock()

	if res.Destroyed {
		g.drop(r)
	}
	return res, nil
}

func (g *Registry) Snapshot(roomID string) (protocol.RoomSnapshot, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return protocol.RoomSnapshot{}, err
	}
	defer r.mu.Unlock()
	return g.snapshotLocked(r), nil
}

func (g *Registry) snapshotLocked(r *Room) protocol.RoomSnapshot {
	snap := protocol.RoomSnapshot{
		RoomID:           r.id,
		CallID:           r.callID,
		Region:           g.region,
		NodeID:           g.nodeID,
		Epoch:            r.epoch,
		MemberSetVersion: r.version,
		Peers:            make([]protocol.PeerInfo, 0, len(r.peers)),
		Producers:        make([]protocol.ProducerInfo, 0, len(r.producers)),
		E2EE: protocol.E2EESummary{
			Required:           g.e2eeRequired,
			Epoch:              r.epoch,
			SenderKeyDeviceIDs: []string{},
		},
	}
	for _, id := range r.DeviceIDs() {
		p := r.peers[id]
		snap.Peers = append(snap.Peers, p.info())
		if p.Role != protocol.RoleViewer {
			snap.E2EE.SenderKeyDeviceIDs = append(snap.E2EE.SenderKeyDeviceIDs, id)
		}
	}
	for _, prod := range r.producers {
		snap.Producers = append(snap.Producers, protocol.ProducerInfo{
			ProducerID: prod.ID,
			DeviceID:   prod.DeviceID,
			Kind:       prod.Kind,
		})
	}
	sort.Slice(snap.Producers, func(i, j int) bool {
		return snap.Producers[i].ProducerID < snap.Producers[j].ProducerID
	})
	return snap
}

// SetReady records that deviceID holds keys for epoch. It returns the room's
// current epoch, and ErrEpochMismatch when they differ.
func (g *Registry) SetReady(roomID, deviceID string, epoch int64) (int64, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return 0, err
	}
	defer r.mu.Unlock()
	p, ok := r.peers[deviceID]
	if !ok {
		return r.epoch, ErrNotMember
	}
	if epoch != r.epoch {
		return r.epoch, ErrEpochMismatch
	}
	p.E2EEReady = true
	p.E2EEEpoch = epoch
	return r.epoch, nil
}

type Readiness struct {
	Ready     bool
	PeerEpoch int64
	RoomEpoch int64
}

func (g *Registry) IsReady(roomID, deviceID string) (Readiness, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return Readiness{}, err
	}
	defer r.mu.Unlock()
	p, ok := r.peers[deviceID]
	if !ok {
		return Readiness{RoomEpoch: r.epoch}, ErrNotMember
	}
	return Readiness{
		Ready:     p.E2EEReady && p.E2EEEpoch == r.epoch,
		PeerEpoch: p.E2EEEpoch,
		RoomEpoch: r.epoch,
	}, nil
}

// CommitEpoch moves the room to epoch, which must be exactly one past the
// current epoch, and clears every peer's readiness.
func (g *Registry) CommitEpoch(roomID string, epoch int64) (protocol.RoomSnapshot, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return protocol.RoomSnapshot{}, err
	}
	defer r.mu.Unlock()
	if epoch != r.epoch+1 {
		return protocol.RoomSnapshot{}, ErrEpochMismatch
	}
	r.epoch = epoch
	for _, p := range r.peers {
		p.E2EEReady = false
	}
	return g.snapshotLocked(r), nil
}

func (g *Registry) AddProducer(roomID string, prod Producer) error {
	r, err := g.acquire(roomID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()
	if _, ok := r.peers[prod.DeviceID]; !ok {
		return ErrNotMember
	}
	cp := prod
	r.producers[prod.ID] = &cp
	return nil
}

// AddReadyProducer adds prod only if its device is still ready for the
// room's current epoch. Readiness and insertion happen under one lock, so a
// commit that lands meanwhile is never missed.
func (g *Registry) AddReadyProducer(roomID string, prod Producer) (Readiness, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return Readiness{}, err
	}
	defer r.mu.Unlock()
	p, ok := r.peers[prod.DeviceID]
	if !ok {
		return Readiness{RoomEpoch: r.epoch}, ErrNotMember
	}
	rd := Readiness{
		Ready:     p.E2EEReady && p.E2EEEpoch == r.epoch,
		PeerEpoch: p.E2EEEpoch,
		RoomEpoch: r.epoch,
	}
	if !rd.Ready {
		return rd, ErrNotReady
	}
	cp := prod
	r.producers[prod.ID] = &cp
	return rd, nil
}

func (g *Registry) RemoveProducer(roomID, producerID string) (Producer, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return Producer{}, err
	}
	defer r.mu.Unlock()
	prod, ok := r.producers[producerID]
	if !ok {
		return Producer{}, ErrProducerNotFound
	}
	delete(r.producers, producerID)
	return *prod, nil
}

func (g *Registry) Producer(roomID, producerID string) (Producer, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return Producer{}, err
	}
	defer r.mu.Unlock()
	prod, ok := r.producers[producerID]
	if !ok {
		return Producer{}, ErrProducerNotFound
	}
	return *prod, nil
}

func (g *Registry) Producers(roomID string) ([]Producer, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()
	out := make([]Producer, 0, len(r.producers))
	for _, prod := range r.producers {
		out = append(out, *prod)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Members returns the room's peers sorted by device id.
func (g *Registry) Members(roomID string) ([]Peer, error) {
	r, err := g.acquire(roomID)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, id := range r.DeviceIDs() {
		out = append(out, *r.peers[id])
	}
	return out, nil
}

// WithRoom runs fn while holding the room lock. fn must not block.
func (g *Registry) WithRoom(roomID string, fn func(r *Room) error) error {
	r, err := g.acquire(roomID)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()
	return fn(r)
}

type Stats struct {
	Rooms     int `json:"rooms"`
	Peers     int `json:"peers"`
	Producers int `json:"producers"`
}

func (g *Registry) Stats() Stats {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	var s Stats
	for _, r := range rooms {
		r.mu.Lock()
		if !r.closed {
			s.Rooms++
			s.Peers += len(r.peers)
			s.Producers += len(r.producers)
		}
		r.mu.Unlock()
	}
	return s
}

// PruneEmpty destroys rooms that were created but have had no peers since
// before cutoff, and returns their ids.
func (g *Registry) PruneEmpty(cutoff time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id, r := range g.rooms {
		r.mu.Lock()
		if len(r.peers) == 0 && r.createdAt.Before(cutoff) {
			r.closed = true
			delete(g.rooms, id)
			out = append(out, id)
		}
		r.mu.Unlock()
	}
	sort.Strings(out)
	return out
}
