package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type rekeyKey struct {
	roomID string
	epoch  int64
}

type memRekey struct {
	begin RekeyBegin
	ack   map[string]struct{}
}

type memRoute struct {
	deviceID  string
	expiresAt time.Time
}

type memMemberKey struct {
	callID   string
	deviceID string
}

type memBoxKey struct {
	userID   string
	deviceID string
}

// Memory keeps everything in process. It is the default for single-node
// development.
type Memory struct {
	mu       sync.Mutex
	versions map[string]int64
	members  map[memMemberKey]Member
	rekeys   map[rekeyKey]*memRekey
	routes   map[string]memRoute
	owners   map[string]string
	mailbox  map[memBoxKey][]MailboxMessage
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		versions: make(map[string]int64),
		members:  make(map[memMemberKey]Member),
		rekeys:   make(map[rekeyKey]*memRekey),
		routes:   make(map[string]memRoute),
		owners:   make(map[string]string),
		mailbox:  make(map[memBoxKey][]MailboxMessage),
	}
}

func (m *Memory) lock() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) GetRoomVersion(_ context.Context, roomID string) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return m.versions[roomID], nil
}

func (m *Memory) BumpRoomVersion(_ context.Context, roomID string) (int64, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	m.versions[roomID]++
	return m.versions[roomID], nil
}

func (m *Memory) BindDevice(_ context.Context, deviceID, userID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if owner, ok := m.owners[deviceID]; ok && owner != userID {
		return ErrDeviceOwned
	}
	m.owners[deviceID] = userID
	return nil
}

func (m *Memory) DeviceOwner(_ context.Context, deviceID string) (string, error) {
	if err := m.lock(); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	owner, ok := m.owners[deviceID]
	if !ok {
		return "", ErrNotFound
	}
	return owner, nil
}

func (m *Memory) AddMember(_ context.Context, mem Member) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	mem.ExpiresAt = time.Time{}
	m.members[memMemberKey{mem.CallID, mem.DeviceID}] = mem
	return nil
}

func (m *Memory) DetachMember(_ context.Context, callID, deviceID string, until time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	key := memMemberKey{callID, deviceID}
	mem, ok := m.members[key]
	if !ok {
		return nil
	}
	mem.ExpiresAt = until
	m.members[key] = mem
	return nil
}

func (m *Memory) PruneMembers(_ context.Context, now time.Time) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for key, mem := range m.members {
		if !mem.live(now) {
			delete(m.members, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) RemoveMember(_ context.Context, callID, deviceID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.members, memMemberKey{callID, deviceID})
	return nil
}

func (m *Memory) AssertMember(_ context.Context, callID, deviceID string, now time.Time) (Member, error) {
	if err := m.lock(); err != nil {
		return Member{}, err
	}
	defer m.mu.Unlock()
	mem, ok := m.members[memMemberKey{callID, deviceID}]
	if !ok || !mem.live(now) {
		return Member{}, ErrNotMember
	}
	return mem, nil
}

func (m *Memory) SetRekeyBegin(_ context.Context, b RekeyBegin) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	b.Need = sortedCopy(b.Need)
	m.rekeys[rekeyKey{b.RoomID, b.Epoch}] = &memRekey{begin: b, ack: make(map[string]struct{})}
	return nil
}

func (m *Memory) GetRekeyBegin(_ context.Context, roomID string, epoch int64) (RekeyState, error) {
	if err := m.lock(); err != nil {
		return RekeyState{}, err
	}
	defer m.mu.Unlock()
	r, ok := m.rekeys[rekeyKey{roomID, epoch}]
	if !ok {
		return RekeyState{}, ErrNotFound
	}
	return r.state(), nil
}

func (m *Memory) MarkAck(_ context.Context, roomID string, epoch int64, beginMsgID, deviceID string) (RekeyState, error) {
	if err := m.lock(); err != nil {
		return RekeyState{}, err
	}
	defer m.mu.Unlock()
	r, ok := m.rekeys[rekeyKey{roomID, epoch}]
	if !ok {
		return RekeyState{}, ErrNotFound
	}
	if r.begin.BeginMsgID != beginMsgID || !contains(r.begin.Need, deviceID) {
		return RekeyState{}, ErrStaleAck
	}
	r.ack[deviceID] = struct{}{}
	return r.state(), nil
}

func (m *Memory) TryCommit(_ context.Context, roomID string, epoch int64, now time.Time) (CommitResult, error) {
	if err := m.lock(); err != nil {
		return CommitResult{}, err
	}
	defer m.mu.Unlock()
	key := rekeyKey{roomID, epoch}
	r, ok := m.rekeys[key]
	if !ok {
		return CommitResult{Reason: ReasonNoRekey}, nil
	}
	st := r.state()
	res := CommitResult{BeginMsgID: st.BeginMsgID, Need: st.Need, Ack: st.Ack, Missing: st.Missing()}
	if !st.ExpiresAt.IsZero() && !now.Before(st.ExpiresAt) {
		delete(m.rekeys, key)
		res.Reason = ReasonExpired
		return res, nil
	}
	if len(res.Missing) > 0 {
		res.Reason = ReasonQuorumNotMet
		return res, nil
	}
	delete(m.rekeys, key)
	res.OK = true
	return res, nil
}

func (m *Memory) AbortRekey(_ context.Context, roomID string, epoch int64) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	key := rekeyKey{roomID, epoch}
	if _, ok := m.rekeys[key]; !ok {
		return ErrNotFound
	}
	delete(m.rekeys, key)
	return nil
}

func (m *Memory) DropFromNeed(_ context.Context, roomID, deviceID string) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	for key, r := range m.rekeys {
		if key.roomID != roomID {
			continue
		}
		need := r.begin.Need[:0:0]
		for _, d := range r.begin.Need {
			if d != deviceID {
				need = append(need, d)
			}
		}
		r.begin.Need = need
		delete(r.ack, deviceID)
	}
	return nil
}

func (m *Memory) PruneRekeys(_ context.Context, now time.Time) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for key, r := range m.rekeys {
		if !r.begin.ExpiresAt.IsZero() && !now.Before(r.begin.ExpiresAt) {
			delete(m.rekeys, key)
			n++
		}
	}
	for id, rt := range m.routes {
		if !now.Before(rt.expiresAt) {
			delete(m.routes, id)
		}
	}
	return n, nil
}

func (m *Memory) PendingRekeys(context.Context) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return len(m.rekeys), nil
}

func (m *Memory) SaveRoute(_ context.Context, msgID, deviceID string, expiresAt time.Time) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.routes[msgID] = memRoute{deviceID: deviceID, expiresAt: expiresAt}
	return nil
}

func (m *Memory) GetRoute(_ context.Context, msgID string, now time.Time) (string, error) {
	if err := m.lock(); err != nil {
		return "", err
	}
	defer m.mu.Unlock()
	rt, ok := m.routes[msgID]
	if !ok || !now.Before(rt.expiresAt) {
		return "", ErrNotFound
	}
	return rt.deviceID, nil
}

func (m *Memory) MailboxDeliver(_ context.Context, userID, deviceID string, msg MailboxMessage) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	key := memBoxKey{userID, deviceID}
	for _, existing := range m.mailbox[key] {
		if existing.MsgID == msg.MsgID {
			return nil
		}
	}
	m.mailbox[key] = append(m.mailbox[key], msg)
	return nil
}

func (m *Memory) MailboxSync(_ context.Context, userID, deviceID string, limit int) ([]MailboxMessage, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	box := m.mailbox[memBoxKey{userID, deviceID}]
	if limit > 0 && len(box) > limit {
		box = box[:limit]
	}
	return append([]MailboxMessage(nil), box...), nil
}

func (m *Memory) MailboxAck(_ context.Context, userID, deviceID string, msgIDs []string) (int, error) {
	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(msgIDs))
	for _, id := range msgIDs {
		drop[id] = true
	}
	key := memBoxKey{userID, deviceID}
	box := m.mailbox[key]
	kept := box[:0]
	for _, msg := range box {
		if !drop[msg.MsgID] {
			kept = append(kept, msg)
		}
	}
	removed := len(box) - len(kept)
	if len(kept) == 0 {
		delete(m.mailbox, key)
	} else {
		m.mailbox[key] = kept
	}
	return removed, nil
}

func (m *Memory) Ping(context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (r *memRekey) state() RekeyState {
	st := RekeyState{RekeyBegin: r.begin}
	st.Need = append([]string(nil), r.begin.Need...)
	for d := range r.ack {
		st.Ack = append(st.Ack, d)
	}
	sort.Strings(st.Ack)
	return st
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
