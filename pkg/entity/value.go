package entity

import (
	"encoding/json"
	"fmt"
)

// ValueKind is the tagged-variant discriminator for statement values.
type ValueKind string

const (
	KindEntity          ValueKind = "entity"
	KindString          ValueKind = "string"
	KindTime            ValueKind = "time"
	KindQuantity        ValueKind = "quantity"
	KindGlobe           ValueKind = "globe"
	KindMonolingual     ValueKind = "monolingual"
	KindExternalID      ValueKind = "external_id"
	KindCommonsMedia    ValueKind = "commons_media"
	KindGeoShape        ValueKind = "geo_shape"
	KindTabularData     ValueKind = "tabular_data"
	KindMusicalNotation ValueKind = "musical_notation"
	KindURL             ValueKind = "url"
	KindMath            ValueKind = "math"
	KindEntitySchema    ValueKind = "entity_schema"
	KindNoValue         ValueKind = "novalue"
	KindSomeValue       ValueKind = "somevalue"
)

// Value is a parsed statement value. Content holds the raw datavalue for
// kinds the core transports opaquely; the write path only needs the kind
// for validation, not a full decode.
type Value struct {
	Kind    ValueKind
	Content json.RawMessage
}

// valueKindParser decodes one datavalue variant. Kept as an explicit
// dispatch table keyed by the wire datatype string, not polymorphism, so
// the core stays dependency-free.
type valueKindParser func(datavalue json.RawMessage) (Value, error)

func opaqueParser(kind ValueKind) valueKindParser {
	return func(datavalue json.RawMessage) (Value, error) {
		return Value{Kind: kind, Content: datavalue}, nil
	}
}

// valueParsers maps Wikibase wire datatype strings to parsers. Both the
// datavalue "type" and the snak "datatype" vocabularies appear here, as the
// wire format uses them inconsistently.
var valueParsers = map[string]valueKindParser{
	"wikibase-entityid": opaqueParser(KindEntity),
	"wikibase-item":     opaqueParser(KindEntity),
	"wikibase-property": opaqueParser(KindEntity),
	"string":            opaqueParser(KindString),
	"time":              opaqueParser(KindTime),
	"quantity":          opaqueParser(KindQuantity),
	"globecoordinate":   opaqueParser(KindGlobe),
	"globe-coordinate":  opaqueParser(KindGlobe),
	"monolingualtext":   opaqueParser(KindMonolingual),
	"external-id":       opaqueParser(KindExternalID),
	"commonsMedia":      opaqueParser(KindCommonsMedia),
	"geo-shape":         opaqueParser(KindGeoShape),
	"tabular-data":      opaqueParser(KindTabularData),
	"musical-notation":  opaqueParser(KindMusicalNotation),
	"url":               opaqueParser(KindURL),
	"math":              opaqueParser(KindMath),
	"entity-schema":     opaqueParser(KindEntitySchema),
}

// snak is the subset of a Wikibase snak the core needs to look at.
type snak struct {
	SnakType  string `json:"snaktype"`
	Property  string `json:"property"`
	DataType  string `json:"datatype"`
	DataValue *struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"datavalue"`
}

// ParseSnakValue resolves a snak to a Value using the dispatch table.
// novalue/somevalue snaks carry no datavalue and map to their own kinds.
func ParseSnakValue(raw json.RawMessage) (Value, error) {
	var s snak
	if err := json.Unmarshal(raw, &s); err != nil {
		return Value{}, NewInvalidArgumentError(fmt.Sprintf("malformed snak: %v", err))
	}

	switch s.SnakType {
	case "novalue":
		return Value{Kind: KindNoValue}, nil
	case "somevalue":
		return Value{Kind: KindSomeValue}, nil
	case "value", "":
	default:
		return Value{}, NewInvalidArgumentError(fmt.Sprintf("unsupported snaktype %q", s.SnakType))
	}

	if s.DataValue == nil {
		return Value{}, NewInvalidArgumentError(fmt.Sprintf("value snak for %s has no datavalue", s.Property))
	}

	parser, ok := valueParsers[s.DataType]
	if !ok {
		parser, ok = valueParsers[s.DataValue.Type]
	}
	if !ok {
		return Value{}, NewInvalidArgumentError(fmt.Sprintf("unsupported value type %q (datatype %q)", s.DataValue.Type, s.DataType))
	}
	return parser(s.DataValue.Value)
}

// body is the subset of an entity body the write path inspects.
type body struct {
	ID     string                       `json:"id"`
	Type   string                       `json:"type"`
	Claims map[string][]json.RawMessage `json:"claims"`
}

// ValidateBody checks that the entity body is structurally sound: parseable
// JSON, an id matching the request's external ID, and claims whose main
// snaks resolve through the value-kind table. The body is otherwise
// transported opaquely.
func ValidateBody(id ExternalID, raw json.RawMessage) error {
	if len(raw) == 0 {
		return NewInvalidArgumentError("entity body is empty")
	}

	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return NewInvalidArgumentError(fmt.Sprintf("entity body is not valid JSON: %v", err))
	}
	if b.ID == "" {
		return NewInvalidArgumentError("entity body has no 'id' field")
	}
	if b.ID != string(id) {
		return NewInvalidArgumentError(fmt.Sprintf("entity body id %q does not match %s", b.ID, id))
	}

	for property, statements := range b.Claims {
		for _, stmt := range statements {
			var s struct {
				MainSnak json.RawMessage `json:"mainsnak"`
			}
			if err := json.Unmarshal(stmt, &s); err != nil {
				return NewInvalidArgumentError(fmt.Sprintf("claim %s is malformed: %v", property, err))
			}
			if s.MainSnak == nil {
				continue
			}
			if _, err := ParseSnakValue(s.MainSnak); err != nil {
				return err
			}
		}
	}
	return nil
}
