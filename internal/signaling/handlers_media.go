package signaling

import (
	"errors"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
)

// Every media handler passes the readiness gate before the bridge is touched.

func (s *Server) handleTransportCreate(r *request) error {
	var p protocol.TransportCreatePayload
	if err := r.decode(&p); err != nil {
		return err
	}
	_, deviceID := r.identity()
	if err := s.cfg.Gate.Authorize(p.RoomID, deviceID); err != nil {
		return err
	}
	t, err := s.cfg.Bridge.CreateTransport(r.ctx, p.RoomID, deviceID, p.Direction)
	if err != nil {
		return mediaFailure(err)
	}
	return r.reply(protocol.TypeTransportCreated, protocol.TransportCreatedPayload{
		TransportID: t.ID,
		Direction:   t.Direction,
		Params:      t.Params,
	})
}

func (s *Server) handleTransportConnect(r *request) error {
	var p protocol.TransportConnectPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	_, deviceID := r.identity()
	if err := s.cfg.Gate.Authorize(p.RoomID, deviceID); err != nil {
		return err
	}
	params, err := s.cfg.Bridge.ConnectTransport(r.ctx, p.RoomID, deviceID, p.TransportID, p.Params)
	if err != nil {
		return mediaFailure(err)
	}
	return r.reply(protocol.TypeTransportConnected, protocol.TransportConnectedPayload{
		TransportID: p.TransportID,
		Params:      params,
	})
}

func (s *Server) handleProduce(r *request) error {
	var p protocol.ProducePayload
	if err := r.decode(&p); err != nil {
		return err
	}
	_, deviceID := r.identity()
	if err := s.cfg.Gate.Authorize(p.RoomID, deviceID); err != nil {
		return err
	}
	prod, err := s.cfg.Bridge.Produce(r.ctx, media.ProduceRequest{
		RoomID:      p.RoomID,
		PeerID:      deviceID,
		TransportID: p.TransportID,
		Kind:        p.Kind,
		Params:      p.Params,
	})
	if err != nil {
		return mediaFailure(err)
	}
	// The peer may have left, or a rekey may have committed, while the
	// engine was busy.
	if err := s.cfg.Gate.AdmitProducer(p.RoomID, room.Producer{ID: prod.ID, DeviceID: deviceID, Kind: prod.Kind}); err != nil {
		if cerr := s.cfg.Bridge.CloseProducer(r.ctx, p.RoomID, deviceID, prod.ID); cerr != nil && !errors.Is(cerr, media.ErrRoomNotFound) {
			r.conn.log.Warn("close rejected producer failed", "room_id", p.RoomID, "producer_id", prod.ID, "err", cerr)
		}
		return err
	}
	r.conn.log.Info("producer added", "room_id", p.RoomID, "device_id", deviceID, "producer_id", prod.ID, "kind", prod.Kind)

	if err := r.reply(protocol.TypeProduced, protocol.ProducedPayload{ProducerID: prod.ID, Kind: prod.Kind}); err != nil {
		return err
	}
	members, err := s.cfg.Rooms.Members(p.RoomID)
	if err != nil {
		return roomFailure(err)
	}
	others := make([]string, 0, len(members))
	for _, m := range members {
		if m.DeviceID != deviceID {
			others = append(others, m.DeviceID)
		}
	}
	return r.out.send(others, protocol.TypeNewProducer, protocol.NewProducerPayload{
		RoomID:     p.RoomID,
		ProducerID: prod.ID,
		DeviceID:   deviceID,
		Kind:       prod.Kind,
	})
}

func (s *Server) handleConsume(r *request) error {
	var p protocol.ConsumePayload
	if err := r.decode(&p); err != nil {
		return err
	}
	_, deviceID := r.identity()
	if err := s.cfg.Gate.Authorize(p.RoomID, deviceID); err != nil {
		return err
	}
	if _, err := s.cfg.Rooms.Producer(p.RoomID, p.ProducerID); err != nil {
		return roomFailure(err)
	}
	cons, err := s.cfg.Bridge.Consume(r.ctx, media.ConsumeRequest{
		RoomID:      p.RoomID,
		PeerID:      deviceID,
		TransportID: p.TransportID,
		ProducerID:  p.ProducerID,
	})
	if err != nil {
		return mediaFailure(err)
	}
	return r.reply(protocol.TypeConsumerAdded, protocol.ConsumerAddedPayload{
		ConsumerID: cons.ID,
		ProducerID: cons.ProducerID,
		Kind:       cons.Kind,
		Params:     cons.Params,
	})
}
