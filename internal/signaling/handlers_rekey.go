package signaling

import (
	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
)

// Key material frames are relayed verbatim: the gateway checks membership
// and epochs, never the ciphertexts or signatures.

func (s *Server) handleRekeyBegin(r *request) error {
	var p protocol.RekeyBeginPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	res, err := s.cfg.Rekey.Begin(r.ctx, r.caller(), p.RoomID, p.NewEpoch, r.env.MsgID)
	if err != nil {
		s.metrics.Inc(metrics.RekeyFailed)
		return err
	}
	s.metrics.Inc(metrics.RekeyBegun)
	r.relay(res.Recipients, true)
	return nil
}

func (s *Server) handleKeyPackage(r *request) error {
	var p protocol.KeyPackagePayload
	if err := r.decode(&p); err != nil {
		return err
	}
	d, err := s.cfg.Rekey.KeyPackage(r.ctx, r.caller(), r.env.MsgID, &p)
	if err != nil {
		return err
	}
	r.relay([]string{d.ToDeviceID}, true)
	return nil
}

func (s *Server) handleKeyAck(r *request) error {
	var p protocol.KeyAckPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	caller := r.caller()
	res, err := s.cfg.Rekey.KeyAck(r.ctx, caller, &p)
	if err != nil {
		return err
	}
	if res.Counted {
		r.conn.log.Debug("rekey ack counted",
			"room_id", p.RoomID,
			"epoch", p.Epoch,
			"device_id", caller.DeviceID,
			"missing", len(res.Missing),
		)
	}
	if res.RouteTo != "" && res.RouteTo != caller.DeviceID {
		r.relay([]string{res.RouteTo}, true)
	}
	return nil
}

func (s *Server) handleRekeyCommit(r *request) error {
	var p protocol.RekeyEpochPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	caller := r.caller()
	res, err := s.cfg.Rekey.Commit(r.ctx, caller, p.RoomID, p.Epoch)
	if err != nil {
		if protocol.HasCode(err, protocol.CodeE2EEKeySyncFailed) {
			s.metrics.Inc(metrics.RekeyFailed)
		}
		return err
	}
	s.metrics.Inc(metrics.RekeyCommitted)

	others := make([]string, 0, len(res.Recipients))
	for _, id := range res.Recipients {
		if id != caller.DeviceID {
			others = append(others, id)
		}
	}
	r.relay(others, false)
	// Everyone, the committer included, converges on the new epoch.
	return r.out.send(res.Recipients, protocol.TypeRoomSnapshot, res.Snapshot)
}

func (s *Server) handleRekeyAbort(r *request) error {
	var p protocol.RekeyEpochPayload
	if err := r.decode(&p); err != nil {
		return err
	}
	recipients, err := s.cfg.Rekey.Abort(r.ctx, r.caller(), p.RoomID, p.Epoch)
	if err != nil {
		return err
	}
	s.metrics.Inc(metrics.RekeyAborted)
	r.relay(recipients, false)
	return nil
}
