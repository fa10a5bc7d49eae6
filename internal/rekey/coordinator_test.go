package rekey

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
)

type fixture struct {
	rooms *room.Registry
	store *store.Memory
	coord *Coordinator
	now   time.Time
}

func newFixture(t *testing.T, devices ...string) *fixture {
	t.Helper()
	f := &fixture{
		rooms: room.NewRegistry(room.Config{E2EERequired: true}),
		store: store.NewMemory(),
		now:   time.UnixMilli(1_700_000_000_000),
	}
	f.coord = New(Config{
		Rooms:      f.rooms,
		Store:      f.store,
		AttemptTTL: time.Minute,
		Now:        func() time.Time { return f.now },
	})
	ctx := context.Background()
	for _, d := range devices {
		_, err := f.rooms.Join(room.JoinParams{RoomID: "R", CallID: "C", UserID: "user-" + d, DeviceID: d})
		require.NoError(t, err)
		require.NoError(t, f.store.AddMember(ctx, store.Member{CallID: "C", RoomID: "R", UserID: "user-" + d, DeviceID: d}))
	}
	return f
}

func caller(d string) Caller { return Caller{UserID: "user-" + d, DeviceID: d} }

func (f *fixture) ack(t *testing.T, device, refID string, epoch int64) AckResult {
	t.Helper()
	res, err := f.coord.KeyAck(context.Background(), caller(device), &protocol.KeyAckPayload{
		RoomID: "R", RefID: refID, FromDeviceID: device, Epoch: epoch,
	})
	require.NoError(t, err)
	return res
}

func requireCode(t *testing.T, err error, code protocol.Code) *protocol.Error {
	t.Helper()
	require.Error(t, err)
	perr := protocol.AsError(err)
	require.Equal(t, code, perr.Code, "error: %v", err)
	return perr
}

func TestQuorumCommit_ABC(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B", "C", "I")
	beginID := uuid.NewString()

	begin, err := f.coord.Begin(ctx, caller("I"), "R", 1, beginID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, begin.Need)
	assert.Equal(t, []string{"A", "B", "C"}, begin.Recipients)

	for _, d := range []string{"A", "B"} {
		res := f.ack(t, d, beginID, 1)
		assert.True(t, res.Counted)
		assert.Equal(t, "I", res.RouteTo)
	}

	_, err = f.coord.Commit(ctx, caller("I"), "R", 1)
	perr := requireCode(t, err, protocol.CodeE2EEKeySyncFailed)
	assert.True(t, perr.Retryable)
	assert.Equal(t, []string{"C"}, perr.Details["missing"])
	assert.Equal(t, []string{"A", "B", "C"}, perr.Details["need"])
	assert.Equal(t, []string{"A", "B"}, perr.Details["ack"])

	_, err = f.rooms.SetReady("R", "A", 0)
	require.NoError(t, err)

	res := f.ack(t, "C", beginID, 1)
	assert.Empty(t, res.Missing)

	out, err := f.coord.Commit(ctx, caller("I"), "R", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Epoch)
	assert.Equal(t, int64(1), out.Snapshot.Epoch)
	assert.ElementsMatch(t, []string{"A", "B", "C", "I"}, out.Recipients)
	for _, p := range out.Snapshot.Peers {
		assert.False(t, p.E2EEReady, p.DeviceID)
	}

	// The attempt is consumed.
	_, err = f.coord.Commit(ctx, caller("I"), "R", 1)
	requireCode(t, err, protocol.CodeE2EEEpochMismatch)
}

func TestTwoDeviceScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A1", "A2", "B")
	beginID := uuid.NewString()

	_, err := f.coord.Begin(ctx, caller("A1"), "R", 1, beginID)
	require.NoError(t, err)
	f.ack(t, "B", beginID, 1)
	f.ack(t, "A2", beginID, 1)

	out, err := f.coord.Commit(ctx, caller("A1"), "R", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Snapshot.Epoch)
	snap, err := f.rooms.Snapshot("R")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Epoch)
}

func TestBegin_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")

	_, err := f.coord.Begin(ctx, caller("A"), "R", 2, uuid.NewString())
	perr := requireCode(t, err, protocol.CodeE2EEEpochMismatch)
	assert.Equal(t, int64(0), perr.Details["roomEpoch"])

	_, err = f.coord.Begin(ctx, caller("Z"), "R", 1, uuid.NewString())
	requireCode(t, err, protocol.CodeUnauthorized)

	_, err = f.coord.Begin(ctx, caller("A"), "nope", 1, uuid.NewString())
	requireCode(t, err, protocol.CodeRoomNotFound)
}

func TestAckWithWrongRefIsRoutedButNotCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	beginID := uuid.NewString()
	_, err := f.coord.Begin(ctx, caller("A"), "R", 1, beginID)
	require.NoError(t, err)

	pkgID := uuid.NewString()
	_, err = f.coord.KeyPackage(ctx, caller("A"), pkgID, &protocol.KeyPackagePayload{
		RoomID: "R", FromDeviceID: "A", ToDeviceID: "B", Epoch: 1, Ciphertext: "AAAA", SenderKeyID: "k1", Sig: "BBBB",
	})
	require.NoError(t, err)

	res := f.ack(t, "B", pkgID, 1)
	assert.False(t, res.Counted)
	assert.Equal(t, "A", res.RouteTo)

	_, err = f.coord.Commit(ctx, caller("A"), "R", 1)
	requireCode(t, err, protocol.CodeE2EEKeySyncFailed)
}

func TestSupersedingBeginResetsAcks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	first := uuid.NewString()
	_, err := f.coord.Begin(ctx, caller("A"), "R", 1, first)
	require.NoError(t, err)
	f.ack(t, "B", first, 1)

	second := uuid.NewString()
	_, err = f.coord.Begin(ctx, caller("A"), "R", 1, second)
	require.NoError(t, err)

	_, err = f.coord.Commit(ctx, caller("A"), "R", 1)
	requireCode(t, err, protocol.CodeE2EEKeySyncFailed)

	assert.False(t, f.ack(t, "B", first, 1).Counted)
	assert.True(t, f.ack(t, "B", second, 1).Counted)
	_, err = f.coord.Commit(ctx, caller("A"), "R", 1)
	require.NoError(t, err)
}

func TestExpiredAttemptFailsAndIsSwept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	beginID := uuid.NewString()
	_, err := f.coord.Begin(ctx, caller("A"), "R", 1, beginID)
	require.NoError(t, err)
	f.ack(t, "B", beginID, 1)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.coord.Commit(ctx, caller("A"), "R", 1)
	perr := requireCode(t, err, protocol.CodeE2EEKeySyncFailed)
	assert.Equal(t, store.ReasonExpired, perr.Details["reason"])

	_, err = f.coord.Begin(ctx, caller("A"), "R", 1, uuid.NewString())
	require.NoError(t, err)
	pending, err := f.coord.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	f.now = f.now.Add(2 * time.Minute)
	n, err := f.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err = f.coord.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDegradedStoreFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	beginID := uuid.NewString()
	_, err := f.coord.Begin(ctx, caller("A"), "R", 1, beginID)
	require.NoError(t, err)
	f.ack(t, "B", beginID, 1)

	guarded := store.NewGuarded(f.store, nil)
	f.coord.store = guarded
	require.NoError(t, f.store.Close())

	_, err = f.coord.Commit(ctx, caller("A"), "R", 1)
	perr := requireCode(t, err, protocol.CodeE2EEKeySyncFailed)
	assert.Equal(t, "degraded", perr.Details["reason"])
	assert.True(t, guarded.Degraded())

	snap, err := f.rooms.Snapshot("R")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Epoch)
}

func TestMemberLeftIsDroppedFromNeedSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B", "C")
	beginID := uuid.NewString()
	_, err := f.coord.Begin(ctx, caller("A"), "R", 1, beginID)
	require.NoError(t, err)
	f.ack(t, "B", beginID, 1)

	_, err = f.rooms.Leave("R", "C")
	require.NoError(t, err)
	f.coord.MemberLeft(ctx, "R", "C")

	_, err = f.coord.Commit(ctx, caller("A"), "R", 1)
	require.NoError(t, err)
}

func TestCommitAndAbortRestrictedToInitiator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	beginID := uuid.NewString()
	_, err := f.coord.Begin(ctx, caller("A"), "R", 1, beginID)
	require.NoError(t, err)
	f.ack(t, "B", beginID, 1)

	_, err = f.coord.Commit(ctx, caller("B"), "R", 1)
	requireCode(t, err, protocol.CodeUnauthorized)
	_, err = f.coord.Abort(ctx, caller("B"), "R", 1)
	requireCode(t, err, protocol.CodeUnauthorized)

	recipients, err := f.coord.Abort(ctx, caller("A"), "R", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, recipients)

	_, err = f.coord.Commit(ctx, caller("A"), "R", 1)
	perr := requireCode(t, err, protocol.CodeE2EEKeySyncFailed)
	assert.Equal(t, store.ReasonNoRekey, perr.Details["reason"])
}

func TestKeyPackageMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	pkg := &protocol.KeyPackagePayload{
		RoomID: "R", FromDeviceID: "A", ToDeviceID: "stranger", Epoch: 1, Ciphertext: "AAAA", SenderKeyID: "k", Sig: "BBBB",
	}
	_, err := f.coord.KeyPackage(ctx, caller("A"), uuid.NewString(), pkg)
	perr := requireCode(t, err, protocol.CodeUnauthorized)
	assert.Equal(t, "/toDeviceId", perr.Details["field"])

	pkg.ToDeviceID = "B"
	_, err = f.coord.KeyPackage(ctx, caller("B"), uuid.NewString(), pkg)
	perr = requireCode(t, err, protocol.CodeUnauthorized)
	assert.Equal(t, "/fromDeviceId", perr.Details["field"])

	d, err := f.coord.KeyPackage(ctx, caller("A"), uuid.NewString(), pkg)
	require.NoError(t, err)
	assert.Equal(t, "B", d.ToDeviceID)
}

// supersedingStore runs afterRead once, right after the first rekey state
// read, so a concurrent REKEY_BEGIN can land between KeyAck's read and write.
type supersedingStore struct {
	store.Store
	afterRead func()
}

func (s *supersedingStore) GetRekeyBegin(ctx context.Context, roomID string, epoch int64) (store.RekeyState, error) {
	st, err := s.Store.GetRekeyBegin(ctx, roomID, epoch)
	if fn := s.afterRead; fn != nil {
		s.afterRead = nil
		fn()
	}
	return st, err
}

func TestAckRacingSupersedingBeginIsNotCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")
	hooked := &supersedingStore{Store: f.store}
	coord := New(Config{
		Rooms:      f.rooms,
		Store:      hooked,
		AttemptTTL: time.Minute,
		Now:        func() time.Time { return f.now },
	})

	oldBegin, newBegin := uuid.NewString(), uuid.NewString()
	_, err := coord.Begin(ctx, caller("A"), "R", 1, oldBegin)
	require.NoError(t, err)

	hooked.afterRead = func() {
		_, err := coord.Begin(ctx, caller("A"), "R", 1, newBegin)
		require.NoError(t, err)
	}
	res, err := coord.KeyAck(ctx, caller("B"), &protocol.KeyAckPayload{
		RoomID: "R", RefID: oldBegin, FromDeviceID: "B", Epoch: 1,
	})
	require.NoError(t, err)
	assert.False(t, res.Counted, "an ack for the replaced attempt must not count")

	st, err := f.store.GetRekeyBegin(ctx, "R", 1)
	require.NoError(t, err)
	assert.Equal(t, newBegin, st.BeginMsgID)
	assert.Empty(t, st.Ack)

	_, err = coord.Commit(ctx, caller("A"), "R", 1)
	perr := requireCode(t, err, protocol.CodeE2EEKeySyncFailed)
	assert.Equal(t, []string{"B"}, perr.Details["missing"])

	res, err = coord.KeyAck(ctx, caller("B"), &protocol.KeyAckPayload{
		RoomID: "R", RefID: newBegin, FromDeviceID: "B", Epoch: 1,
	})
	require.NoError(t, err)
	assert.True(t, res.Counted)
	_, err = coord.Commit(ctx, caller("A"), "R", 1)
	require.NoError(t, err)
}
