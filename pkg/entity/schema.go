package entity

import (
	"github.com/invopop/jsonschema"
)

// EnvelopeJSONSchema returns the JSON Schema of the snapshot envelope.
// The external validator service consumes this as its contract; the core
// itself never blocks on schema validation (validation_status stays
// "pending" until the validator reports back).
func EnvelopeJSONSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	return r.Reflect(&Envelope{})
}
