package protocol

import (
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchemaURL = "envelope.schema.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["v", "type", "msgId", "ts", "payload"],
  "properties": {
    "v": {"type": "integer"},
    "type": {"type": "string", "minLength": 1, "maxLength": 64},
    "msgId": {"type": "string"},
    "ts": {"type": "integer"},
    "seq": {"type": "integer", "minimum": 1},
    "ack": {
      "type": "object",
      "required": ["ackOfMsgId", "ok"],
      "properties": {
        "ackOfMsgId": {"type": "string"},
        "ok": {"type": "boolean"},
        "error": {"type": "object"}
      }
    },
    "payload": {"type": "object"}
  }
}`

var compiledEnvelopeSchema = jsonschema.MustCompileString(envelopeSchemaURL, envelopeSchema)

func validateEnvelopeSchema(doc map[string]any) *Error {
	err := compiledEnvelopeSchema.Validate(doc)
	if err == nil {
		return nil
	}
	perr := NewError(CodeValidationFailed, "invalid envelope")
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := deepestCause(verr)
		perr = NewError(CodeValidationFailed, leaf.Message)
		field := leaf.InstanceLocation
		if field == "" {
			field = "/"
		}
		perr = perr.With("field", field)
		if strings.Contains(leaf.KeywordLocation, "required") {
			perr = perr.With("keyword", "required")
		}
	}
	return perr
}

func deepestCause(v *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(v.Causes) > 0 {
		v = v.Causes[0]
	}
	return v
}
