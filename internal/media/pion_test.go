package media

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
)

// newVNet returns the server's and the clients' side of a virtual network.
func newVNet(t *testing.T) (server, clients *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)

	server, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	clients, err = vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)

	require.NoError(t, router.AddNet(server))
	require.NoError(t, router.AddNet(clients))
	require.NoError(t, router.Start())
	t.Cleanup(func() { _ = router.Stop() })
	return server, clients
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(mediaEngine)), nil
}

func newTestPionBridge(t *testing.T, n *vnet.Net) *PionBridge {
	t.Helper()
	b, err := NewPionBridge(config.Config{ICEGatheringTimeout: 5 * time.Second}, PionOptions{Net: n})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func gatheredLocal(t *testing.T, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) json.RawMessage {
	t.Helper()
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(desc))
	<-gathered
	b, err := json.Marshal(map[string]any{"sdp": pc.LocalDescription()})
	require.NoError(t, err)
	return b
}

func remoteSDP(t *testing.T, raw json.RawMessage) webrtc.SessionDescription {
	t.Helper()
	var reply struct {
		SDP *webrtc.SessionDescription `json:"sdp"`
	}
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.NotNil(t, reply.SDP, "reply carries an sdp: %s", raw)
	return *reply.SDP
}

func TestPionBridge_ForwardsProducerToConsumer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	serverNet, clientNet := newVNet(t)
	b := newTestPionBridge(t, serverNet)
	clientAPI, err := newVNetAPI(clientNet)
	require.NoError(t, err)

	require.NoError(t, b.CreateRoom(ctx, "r1"))

	// Alice publishes one audio track on a send transport.
	send, err := b.CreateTransport(ctx, "r1", "alice", DirectionSend)
	require.NoError(t, err)

	alice, err := clientAPI.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = alice.Close() })
	mic, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "alice")
	require.NoError(t, err)
	_, err = alice.AddTrack(mic)
	require.NoError(t, err)

	offer, err := alice.CreateOffer(nil)
	require.NoError(t, err)
	reply, err := b.ConnectTransport(ctx, "r1", "alice", send.ID, gatheredLocal(t, alice, offer))
	require.NoError(t, err)
	require.NoError(t, alice.SetRemoteDescription(remoteSDP(t, reply)))

	prod, err := b.Produce(ctx, ProduceRequest{RoomID: "r1", PeerID: "alice", TransportID: send.ID, Kind: "audio"})
	require.NoError(t, err)

	// Bob subscribes on a receive transport; the bridge offers.
	recv, err := b.CreateTransport(ctx, "r1", "bob", DirectionRecv)
	require.NoError(t, err)

	bob, err := clientAPI.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })
	received := make(chan string, 1)
	bob.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if _, _, err := remote.ReadRTP(); err == nil {
			select {
			case received <- remote.Kind().String():
			default:
			}
		}
	})

	cons, err := b.Consume(ctx, ConsumeRequest{RoomID: "r1", PeerID: "bob", TransportID: recv.ID, ProducerID: prod.ID})
	require.NoError(t, err)
	assert.Equal(t, prod.ID, cons.ProducerID)

	require.NoError(t, bob.SetRemoteDescription(remoteSDP(t, cons.Params)))
	answer, err := bob.CreateAnswer(nil)
	require.NoError(t, err)
	reply, err = b.ConnectTransport(ctx, "r1", "bob", recv.ID, gatheredLocal(t, bob, answer))
	require.NoError(t, err)
	assert.JSONEq(t, `{"connected":true}`, string(reply))

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = mic.WriteSample(pionmedia.Sample{Data: []byte{0xfc, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	select {
	case kind := <-received:
		assert.Equal(t, "audio", kind)
	case <-ctx.Done():
		t.Fatalf("no media forwarded before timeout")
	}

	assert.Equal(t, Metrics{Engine: KindPion, Rooms: 1, Transports: 2, Producers: 1, Consumers: 1}, b.Metrics())

	closed, err := b.RemovePeer(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{prod.ID}, closed)
	assert.Equal(t, Metrics{Engine: KindPion, Rooms: 1, Transports: 1}, b.Metrics())
}

func TestPionBridge_Errors(t *testing.T) {
	ctx := context.Background()
	serverNet, _ := newVNet(t)
	b := newTestPionBridge(t, serverNet)

	_, err := b.CreateTransport(ctx, "missing", "alice", DirectionSend)
	require.ErrorIs(t, err, ErrRoomNotFound)

	require.NoError(t, b.CreateRoom(ctx, "r1"))
	send, err := b.CreateTransport(ctx, "r1", "alice", DirectionSend)
	require.NoError(t, err)
	recv, err := b.CreateTransport(ctx, "r1", "alice", DirectionRecv)
	require.NoError(t, err)

	_, err = b.ConnectTransport(ctx, "r1", "bob", send.ID, json.RawMessage(`{"renegotiate":true}`))
	require.ErrorIs(t, err, ErrTransportNotFound)
	_, err = b.ConnectTransport(ctx, "r1", "alice", send.ID, json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidParams)
	_, err = b.ConnectTransport(ctx, "r1", "alice", send.ID, json.RawMessage(`{"sdp":{"type":"offer","sdp":"garbage"}}`))
	require.ErrorIs(t, err, ErrInvalidParams)

	_, err = b.Produce(ctx, ProduceRequest{RoomID: "r1", PeerID: "alice", TransportID: recv.ID, Kind: "audio"})
	require.ErrorIs(t, err, ErrTransportDirection)
	_, err = b.Produce(ctx, ProduceRequest{RoomID: "r1", PeerID: "alice", TransportID: send.ID, Kind: "audio",
		Params: json.RawMessage(`{"codec":{"mimeType":"video/VP8","clockRate":90000}}`)})
	require.ErrorIs(t, err, ErrInvalidParams)

	prod, err := b.Produce(ctx, ProduceRequest{RoomID: "r1", PeerID: "alice", TransportID: send.ID, Kind: "video"})
	require.NoError(t, err)

	_, err = b.Consume(ctx, ConsumeRequest{RoomID: "r1", PeerID: "alice", TransportID: send.ID, ProducerID: prod.ID})
	require.ErrorIs(t, err, ErrTransportDirection)
	_, err = b.Consume(ctx, ConsumeRequest{RoomID: "r1", PeerID: "alice", TransportID: recv.ID, ProducerID: "nope"})
	require.ErrorIs(t, err, ErrProducerNotFound)

	require.ErrorIs(t, b.CloseProducer(ctx, "r1", "bob", prod.ID), ErrProducerNotFound)
	require.NoError(t, b.CloseProducer(ctx, "r1", "alice", prod.ID))
	assert.Equal(t, 0, b.Metrics().Producers)
	require.ErrorIs(t, b.CloseProducer(ctx, "r1", "alice", prod.ID), ErrProducerNotFound)

	require.NoError(t, b.CloseRoom(ctx, "r1"))
	assert.Equal(t, 0, b.Metrics().Rooms)
}
