package protocol

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeSeqOutOfOrder     Code = "SEQ_OUT_OF_ORDER"
	CodeReplayDetected    Code = "REPLAY_DETECTED"
	CodeRoomNotFound      Code = "ROOM_NOT_FOUND"
	CodeTransportNotFound Code = "TRANSPORT_NOT_FOUND"
	CodeProducerNotFound  Code = "PRODUCER_NOT_FOUND"
	CodeUnsupportedE2EE   Code = "UNSUPPORTED_E2EE"
	CodeE2EENotReady      Code = "E2EE_NOT_READY"
	CodeE2EEEpochMismatch Code = "E2EE_EPOCH_MISMATCH"
	CodeE2EEKeySyncFailed Code = "E2EE_KEY_SYNC_FAILED"
	CodeInternalError     Code = "INTERNAL_ERROR"

	CodeUnknownType     Code = "UNKNOWN_TYPE"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"
)

var retryable = map[Code]bool{
	CodeSeqOutOfOrder:     true,
	CodeUnauthenticated:   true,
	CodeE2EENotReady:      true,
	CodeE2EEEpochMismatch: true,
	CodeE2EEKeySyncFailed: true,
	CodeRateLimited:       true,
}

// Retryable reports whether a client should resend or re-sync after code.
func Retryable(code Code) bool {
	return retryable[code]
}

// Error is the wire error carried in a negative ACK.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: Retryable(code)}
}

func Errorf(code Code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// With returns a copy of e with key set in Details.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// AsError extracts the wire error from err. Anything that is not already a
// *Error becomes INTERNAL_ERROR.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewError(CodeInternalError, "internal error")
}

// HasCode reports whether err carries a wire error with the given code.
func HasCode(err error, code Code) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Code == code
}
