package protocol

import "encoding/base64"

// Opaque is key material or a signature relayed byte-for-byte. The gateway
// only bounds its size; it never decodes it.
type Opaque string

func (o Opaque) check(field string, lim Limits, required bool) error {
	if o == "" {
		if required {
			return NewError(CodeValidationFailed, field+" is required").With("field", field)
		}
		return nil
	}
	if lim.MaxOpaqueBytes > 0 && len(o) > base64.StdEncoding.EncodedLen(lim.MaxOpaqueBytes) {
		return NewError(CodePayloadTooLarge, field+" exceeds the maximum size").
			With("field", field).
			With("maxBytes", lim.MaxOpaqueBytes)
	}
	return nil
}
