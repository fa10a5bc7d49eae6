package protocol

import (
	"encoding/json"
	"strings"
)

type HelloPayload struct {
	Client  string `json:"client,omitempty"`
	Version string `json:"version,omitempty"`
}

type WelcomePayload struct {
	ConnID             string `json:"connId"`
	ResumeToken        string `json:"resumeToken"`
	HeartbeatMs        int64  `json:"heartbeatMs"`
	ProtocolVersion    int    `json:"protocolVersion"`
	E2EERequired       bool   `json:"e2eeRequired"`
	RequiredCapability string `json:"requiredCapability,omitempty"`
	ServerTime         int64  `json:"serverTime"`
}

type AuthPayload struct {
	AccessToken string `json:"accessToken"`
	DeviceID    string `json:"deviceId"`
}

func (p *AuthPayload) Validate(Limits) error {
	if strings.TrimSpace(p.AccessToken) == "" {
		return missing("accessToken")
	}
	return requireID("deviceId", p.DeviceID)
}

type AuthOKPayload struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

type PongPayload struct {
	ServerTime int64 `json:"serverTime"`
}

type ResumePayload struct {
	ResumeToken string `json:"resumeToken"`
}

func (p *ResumePayload) Validate(Limits) error {
	if p.ResumeToken == "" {
		return missing("resumeToken")
	}
	return nil
}

type E2EECapsPayload struct {
	Supported []string `json:"supported"`
}

func (p *E2EECapsPayload) Validate(Limits) error {
	if len(p.Supported) > 16 {
		return NewError(CodeValidationFailed, "too many capabilities").With("field", "/supported")
	}
	return nil
}

type RoomCreatePayload struct {
	RoomID string `json:"roomId,omitempty"`
	CallID string `json:"callId,omitempty"`
}

func (p *RoomCreatePayload) Validate(Limits) error {
	if p.RoomID != "" {
		if err := requireID("roomId", p.RoomID); err != nil {
			return err
		}
	}
	if p.CallID != "" {
		return requireID("callId", p.CallID)
	}
	return nil
}

type RoomCreatedPayload struct {
	RoomID    string `json:"roomId"`
	CallID    string `json:"callId"`
	JoinToken string `json:"joinToken"`
	Exp       int64  `json:"exp"`
}

type RoomJoinPayload struct {
	RoomID    string `json:"roomId"`
	CallID    string `json:"callId"`
	JoinToken string `json:"joinToken"`
	Role      string `json:"role,omitempty"`
}

func (p *RoomJoinPayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if err := requireID("callId", p.CallID); err != nil {
		return err
	}
	if p.JoinToken == "" {
		return missing("joinToken")
	}
	switch p.Role {
	case "", RoleHost, RoleParticipant, RoleViewer:
		return nil
	default:
		return NewError(CodeValidationFailed, "unknown role").With("field", "/role")
	}
}

const (
	RoleHost        = "host"
	RoleParticipant = "participant"
	RoleViewer      = "viewer"
)

type RoomJoinOKPayload struct {
	RoomID           string `json:"roomId"`
	CallID           string `json:"callId"`
	Epoch            int64  `json:"epoch"`
	MemberSetVersion int64  `json:"memberSetVersion"`
}

type RoomRefPayload struct {
	RoomID string `json:"roomId"`
}

func (p *RoomRefPayload) Validate(Limits) error {
	return requireID("roomId", p.RoomID)
}

type PeerInfo struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
	Role      string `json:"role"`
	E2EEReady bool   `json:"e2eeReady"`
	E2EEEpoch int64  `json:"e2eeEpoch"`
}

type ProducerInfo struct {
	ProducerID string `json:"producerId"`
	DeviceID   string `json:"deviceId"`
	Kind       string `json:"kind"`
}

type E2EESummary struct {
	Required           bool     `json:"required"`
	Epoch              int64    `json:"epoch"`
	SenderKeyDeviceIDs []string `json:"senderKeyDeviceIds"`
}

type RoomSnapshot struct {
	RoomID           string         `json:"roomId"`
	CallID           string         `json:"callId"`
	Region           string         `json:"region"`
	NodeID           string         `json:"nodeId"`
	Epoch            int64          `json:"epoch"`
	MemberSetVersion int64          `json:"memberSetVersion"`
	Peers            []PeerInfo     `json:"peers"`
	Producers        []ProducerInfo `json:"producers"`
	E2EE             E2EESummary    `json:"e2ee"`
}

type PeerJoinedPayload struct {
	RoomID           string `json:"roomId"`
	UserID           string `json:"userId"`
	DeviceID         string `json:"deviceId"`
	Role             string `json:"role"`
	MemberSetVersion int64  `json:"memberSetVersion"`
}

type PeerLeftPayload struct {
	RoomID           string `json:"roomId"`
	DeviceID         string `json:"deviceId"`
	MemberSetVersion int64  `json:"memberSetVersion"`
}

type E2EEReadyPayload struct {
	RoomID string `json:"roomId"`
	Epoch  int64  `json:"epoch"`
}

func (p *E2EEReadyPayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	return nonNegative("epoch", p.Epoch)
}

const (
	DirectionSend = "send"
	DirectionRecv = "recv"

	KindAudio = "audio"
	KindVideo = "video"
)

type TransportCreatePayload struct {
	RoomID    string `json:"roomId"`
	Direction string `json:"direction"`
}

func (p *TransportCreatePayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if p.Direction != DirectionSend && p.Direction != DirectionRecv {
		return NewError(CodeValidationFailed, "direction must be send or recv").With("field", "/direction")
	}
	return nil
}

type TransportCreatedPayload struct {
	TransportID string          `json:"transportId"`
	Direction   string          `json:"direction"`
	Params      json.RawMessage `json:"params"`
}

type TransportConnectPayload struct {
	RoomID      string          `json:"roomId"`
	TransportID string          `json:"transportId"`
	Params      json.RawMessage `json:"params"`
}

func (p *TransportConnectPayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if err := requireID("transportId", p.TransportID); err != nil {
		return err
	}
	return requireObject("params", p.Params)
}

type TransportConnectedPayload struct {
	TransportID string          `json:"transportId"`
	Params      json.RawMessage `json:"params"`
}

type ProducePayload struct {
	RoomID      string          `json:"roomId"`
	TransportID string          `json:"transportId"`
	Kind        string          `json:"kind"`
	Params      json.RawMessage `json:"params,omitempty"`
}

func (p *ProducePayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if err := requireID("transportId", p.TransportID); err != nil {
		return err
	}
	if p.Kind != KindAudio && p.Kind != KindVideo {
		return NewError(CodeValidationFailed, "kind must be audio or video").With("field", "/kind")
	}
	if len(p.Params) > 0 {
		return requireObject("params", p.Params)
	}
	return nil
}

type ProducedPayload struct {
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

type NewProducerPayload struct {
	RoomID     string `json:"roomId"`
	ProducerID string `json:"producerId"`
	DeviceID   string `json:"deviceId"`
	Kind       string `json:"kind"`
}

type ConsumePayload struct {
	RoomID      string `json:"roomId"`
	TransportID string `json:"transportId"`
	ProducerID  string `json:"producerId"`
}

func (p *ConsumePayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if err := requireID("transportId", p.TransportID); err != nil {
		return err
	}
	return requireID("producerId", p.ProducerID)
}

type ConsumerAddedPayload struct {
	ConsumerID string          `json:"consumerId"`
	ProducerID string          `json:"producerId"`
	Kind       string          `json:"kind"`
	Params     json.RawMessage `json:"params"`
}

type RekeyBeginPayload struct {
	RoomID      string `json:"roomId"`
	NewEpoch    int64  `json:"newEpoch"`
	SenderKeyID string `json:"senderKeyId,omitempty"`
	Sig         Opaque `json:"sig,omitempty"`
}

func (p *RekeyBeginPayload) Validate(lim Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if p.NewEpoch < 1 {
		return NewError(CodeValidationFailed, "newEpoch must be >= 1").With("field", "/newEpoch")
	}
	return p.Sig.check("/sig", lim, false)
}

type KeyPackagePayload struct {
	RoomID       string `json:"roomId"`
	FromDeviceID string `json:"fromDeviceId"`
	ToDeviceID   string `json:"toDeviceId"`
	Epoch        int64  `json:"epoch"`
	Ciphertext   Opaque `json:"ciphertext"`
	SenderKeyID  string `json:"senderKeyId"`
	Sig          Opaque `json:"sig"`
}

func (p *KeyPackagePayload) Validate(lim Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if err := requireID("fromDeviceId", p.FromDeviceID); err != nil {
		return err
	}
	if err := requireID("toDeviceId", p.ToDeviceID); err != nil {
		return err
	}
	if p.Epoch < 1 {
		return NewError(CodeValidationFailed, "epoch must be >= 1").With("field", "/epoch")
	}
	if err := requireID("senderKeyId", p.SenderKeyID); err != nil {
		return err
	}
	if err := p.Ciphertext.check("/ciphertext", lim, true); err != nil {
		return err
	}
	return p.Sig.check("/sig", lim, true)
}

type KeyAckPayload struct {
	RoomID       string `json:"roomId"`
	RefID        string `json:"refId"`
	FromDeviceID string `json:"fromDeviceId"`
	Epoch        int64  `json:"epoch"`
}

func (p *KeyAckPayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if !IsUUID(p.RefID) {
		return NewError(CodeValidationFailed, "refId must be a uuid").With("field", "/refId")
	}
	if err := requireID("fromDeviceId", p.FromDeviceID); err != nil {
		return err
	}
	return nonNegative("epoch", p.Epoch)
}

type RekeyEpochPayload struct {
	RoomID string `json:"roomId"`
	Epoch  int64  `json:"epoch"`
}

func (p *RekeyEpochPayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	if p.Epoch < 1 {
		return NewError(CodeValidationFailed, "epoch must be >= 1").With("field", "/epoch")
	}
	return nil
}

type JoinTokenIssuePayload struct {
	RoomID string `json:"roomId"`
	CallID string `json:"callId"`
}

func (p *JoinTokenIssuePayload) Validate(Limits) error {
	if err := requireID("roomId", p.RoomID); err != nil {
		return err
	}
	return requireID("callId", p.CallID)
}

type JoinTokenPayload struct {
	RoomID string `json:"roomId"`
	CallID string `json:"callId"`
	Token  string `json:"token"`
	JTI    string `json:"jti"`
	Exp    int64  `json:"exp"`
}

type MailboxSyncPayload struct {
	Limit int `json:"limit,omitempty"`
}

func (p *MailboxSyncPayload) Validate(Limits) error {
	if p.Limit < 0 || p.Limit > 500 {
		return NewError(CodeValidationFailed, "limit must be between 0 and 500").With("field", "/limit")
	}
	return nil
}

type MailboxAckPayload struct {
	MsgIDs []string `json:"msgIds"`
}

func (p *MailboxAckPayload) Validate(Limits) error {
	if len(p.MsgIDs) == 0 || len(p.MsgIDs) > 500 {
		return NewError(CodeValidationFailed, "msgIds must hold 1 to 500 ids").With("field", "/msgIds")
	}
	for _, id := range p.MsgIDs {
		if !IsUUID(id) {
			return NewError(CodeValidationFailed, "msgIds must be uuids").With("field", "/msgIds")
		}
	}
	return nil
}

const maxIDLen = 128

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return missing(field)
	}
	if len(v) > maxIDLen {
		return NewError(CodeValidationFailed, field+" is too long").With("field", "/"+field)
	}
	return nil
}

func missing(field string) error {
	return NewError(CodeValidationFailed, field+" is required").With("field", "/"+field)
}

func nonNegative(field string, v int64) error {
	if v < 0 {
		return NewError(CodeValidationFailed, field+" must be >= 0").With("field", "/"+field)
	}
	return nil
}

func requireObject(field string, raw json.RawMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return NewError(CodeValidationFailed, field+" must be an object").With("field", "/"+field)
	}
	return nil
}
