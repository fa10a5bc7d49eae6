package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Envelope is the versioned frame wrapping every message in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msgId"`
	TS      int64           `json:"ts"`
	Seq     *int64          `json:"seq,omitempty"`
	Ack     *Ack            `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type Ack struct {
	AckOfMsgID string `json:"ackOfMsgId"`
	OK         bool   `json:"ok"`
	Error      *Error `json:"error,omitempty"`
}

// ErrMalformed is returned for frames that are not a JSON object. No msgId
// can be trusted from such a frame so it is dropped without an ACK.
var ErrMalformed = errors.New("protocol: malformed frame")

// DecodeError is a parseable frame that failed validation. MsgID is set when
// the frame carried a usable msgId, in which case the caller answers with a
// negative ACK.
type DecodeError struct {
	MsgID string
	Err   *Error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

var emptyPayload = json.RawMessage("{}")

const maxEchoedMsgIDLen = 64

// Decode parses and validates a single inbound frame.
func Decode(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Envelope{}, ErrMalformed
	}
	if err := expectEOF(dec); err != nil {
		return Envelope{}, ErrMalformed
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Envelope{}, ErrMalformed
	}

	// A non-uuid msgId is still echoed back so the sender can correlate the
	// rejection, as long as it is a short string.
	msgID, _ := obj["msgId"].(string)
	if len(msgID) > maxEchoedMsgIDLen {
		msgID = ""
	}
	reject := func(perr *Error) (Envelope, error) {
		return Envelope{}, &DecodeError{MsgID: msgID, Err: perr}
	}

	if err := validateEnvelopeSchema(obj); err != nil {
		return reject(err)
	}
	if v, _ := obj["v"].(json.Number); v.String() != "1" {
		return reject(NewError(CodeValidationFailed, "unsupported protocol version").With("field", "/v"))
	}
	if !IsUUID(msgID) {
		return reject(NewError(CodeValidationFailed, "msgId must be a uuid").With("field", "/msgId"))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return reject(NewError(CodeValidationFailed, "invalid envelope"))
	}
	if env.Ack != nil && !IsUUID(env.Ack.AckOfMsgID) {
		return reject(NewError(CodeValidationFailed, "ack.ackOfMsgId must be a uuid").With("field", "/ack/ackOfMsgId"))
	}
	return env, nil
}

// Encode serializes env, filling in an empty payload object when unset.
func Encode(env Envelope) ([]byte, error) {
	if len(env.Payload) == 0 {
		env.Payload = emptyPayload
	}
	return json.Marshal(env)
}

// NewEnvelope builds a server-originated frame with a fresh msgId.
func NewEnvelope(typ MessageType, payload any) (Envelope, error) {
	raw := emptyPayload
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		MsgID:   uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	}, nil
}

// NewAck answers ofMsgID. A nil err produces a positive ACK.
func NewAck(ofMsgID string, err error) Envelope {
	ack := &Ack{AckOfMsgID: ofMsgID, OK: err == nil}
	if err != nil {
		ack.Error = AsError(err)
	}
	return Envelope{
		V:       Version,
		Type:    TypeAck,
		MsgID:   uuid.NewString(),
		TS:      time.Now().UnixMilli(),
		Ack:     ack,
		Payload: emptyPayload,
	}
}

// IsUUID reports whether s is a canonical 36-character UUID.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validator is implemented by payloads with constraints beyond their shape.
type Validator interface {
	Validate(Limits) error
}

// Limits bounds relayed payload content.
type Limits struct {
	MaxOpaqueBytes int
}

// DecodePayload strictly decodes env.Payload into v and validates it.
func DecodePayload(env Envelope, v any, lim Limits) error {
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return NewError(CodeValidationFailed, fmt.Sprintf("invalid %s payload: %v", env.Type, err))
	}
	if err := expectEOF(dec); err != nil {
		return NewError(CodeValidationFailed, fmt.Sprintf("invalid %s payload: %v", env.Type, err))
	}
	if val, ok := v.(Validator); ok {
		return val.Validate(lim)
	}
	return nil
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
