package media

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackBridge_Lifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewFallbackBridge()
	require.Equal(t, KindFallback, b.Kind())

	_, err := b.CreateTransport(ctx, "r1", "alice", DirectionSend)
	require.ErrorIs(t, err, ErrRoomNotFound)

	require.NoError(t, b.CreateRoom(ctx, "r1"))
	require.NoError(t, b.CreateRoom(ctx, "r1"), "CreateRoom is idempotent")

	send, err := b.CreateTransport(ctx, "r1", "alice", DirectionSend)
	require.NoError(t, err)
	var params map[string]any
	require.NoError(t, json.Unmarshal(send.Params, &params))
	assert.Equal(t, true, params["fallback"])
	assert.Contains(t, params, "iceParameters")
	assert.Contains(t, params, "dtlsParameters")

	_, err = b.ConnectTransport(ctx, "r1", "bob", send.ID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrTransportNotFound, "transports belong to their creator")
	_, err = b.ConnectTransport(ctx, "r1", "alice", send.ID, json.RawMessage(`{}`))
	require.NoError(t, err)

	prod, err := b.Produce(ctx, ProduceRequest{RoomID: "r1", PeerID: "alice", TransportID: send.ID, Kind: "audio"})
	require.NoError(t, err)
	assert.Equal(t, "audio", prod.Kind)

	recv, err := b.CreateTransport(ctx, "r1", "bob", DirectionRecv)
	require.NoError(t, err)

	_, err = b.Produce(ctx, ProduceRequest{RoomID: "r1", PeerID: "bob", TransportID: recv.ID, Kind: "audio"})
	require.ErrorIs(t, err, ErrTransportDirection)
	_, err = b.Consume(ctx, ConsumeRequest{RoomID: "r1", PeerID: "bob", TransportID: recv.ID, ProducerID: "nope"})
	require.ErrorIs(t, err, ErrProducerNotFound)

	cons, err := b.Consume(ctx, ConsumeRequest{RoomID: "r1", PeerID: "bob", TransportID: recv.ID, ProducerID: prod.ID})
	require.NoError(t, err)
	assert.Equal(t, prod.ID, cons.ProducerID)
	assert.Equal(t, "audio", cons.Kind)

	assert.Equal(t, Metrics{Engine: KindFallback, Rooms: 1, Transports: 2, Producers: 1, Consumers: 1}, b.Metrics())

	closed, err := b.RemovePeer(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{prod.ID}, closed)
	assert.Equal(t, Metrics{Engine: KindFallback, Rooms: 1, Transports: 1}, b.Metrics(), "bob's consumer of alice's producer is gone too")

	require.NoError(t, b.CloseRoom(ctx, "r1"))
	assert.Equal(t, 0, b.Metrics().Rooms)

	require.NoError(t, b.Close())
	require.ErrorIs(t, b.CreateRoom(ctx, "r2"), ErrClosed)
}

func TestFallbackBridge_CloseProducer(t *testing.T) {
	ctx := context.Background()
	b := NewFallbackBridge()
	require.NoError(t, b.CreateRoom(ctx, "r1"))
	send, err := b.CreateTransport(ctx, "r1", "alice", DirectionSend)
	require.NoError(t, err)
	recv, err := b.CreateTransport(ctx, "r1", "bob", DirectionRecv)
	require.NoError(t, err)
	prod, err := b.Produce(ctx, ProduceRequest{RoomID: "r1", PeerID: "alice", TransportID: send.ID, Kind: "audio"})
	require.NoError(t, err)
	_, err = b.Consume(ctx, ConsumeRequest{RoomID: "r1", PeerID: "bob", TransportID: recv.ID, ProducerID: prod.ID})
	require.NoError(t, err)

	require.ErrorIs(t, b.CloseProducer(ctx, "r1", "bob", prod.ID), ErrProducerNotFound, "only the owner may close")
	require.NoError(t, b.CloseProducer(ctx, "r1", "alice", prod.ID))
	assert.Equal(t, Metrics{Engine: KindFallback, Rooms: 1, Transports: 2}, b.Metrics())
	require.ErrorIs(t, b.CloseProducer(ctx, "r1", "alice", prod.ID), ErrProducerNotFound)
}

func TestFallbackBridge_RejectsBadDirection(t *testing.T) {
	ctx := context.Background()
	b := NewFallbackBridge()
	require.NoError(t, b.CreateRoom(ctx, "r1"))
	_, err := b.CreateTransport(ctx, "r1", "alice", "sideways")
	require.ErrorIs(t, err, ErrInvalidParams)
}
