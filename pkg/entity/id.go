// Package entity defines the core domain model of entitygraph: external and
// internal identifiers, entity types, the immutable snapshot envelope, the
// value-kind model used for payload validation, and the typed errors shared
// by every gateway and service.
package entity

import (
	"fmt"
	"strconv"
	"strings"
)

// EntityType identifies the Wikibase entity kind an external ID refers to.
type EntityType string

const (
	TypeItem     EntityType = "item"
	TypeProperty EntityType = "property"
	TypeLexeme   EntityType = "lexeme"
)

// prefixForType maps entity types to their external ID prefix letter.
var prefixForType = map[EntityType]byte{
	TypeItem:     'Q',
	TypeProperty: 'P',
	TypeLexeme:   'L',
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	_, ok := prefixForType[t]
	return ok
}

// ExternalID is the opaque, human-readable stable identifier of an entity
// ("Q42", "P31", "L99"). External IDs are permanent, case-sensitive ASCII
// and are never re-issued.
type ExternalID string

// ParseExternalID validates the syntax of an external ID and returns it
// together with the entity type implied by its prefix.
func ParseExternalID(s string) (ExternalID, EntityType, error) {
	if len(s) < 2 {
		return "", "", NewInvalidArgumentError(fmt.Sprintf("external id %q is too short", s))
	}

	var typ EntityType
	switch s[0] {
	case 'Q':
		typ = TypeItem
	case 'P':
		typ = TypeProperty
	case 'L':
		typ = TypeLexeme
	default:
		return "", "", NewInvalidArgumentError(fmt.Sprintf("external id %q has unknown prefix %q", s, s[0]))
	}

	digits := s[1:]
	if digits[0] == '0' {
		return "", "", NewInvalidArgumentError(fmt.Sprintf("external id %q has a leading zero", s))
	}
	if _, err := strconv.ParseUint(digits, 10, 64); err != nil {
		return "", "", NewInvalidArgumentError(fmt.Sprintf("external id %q is not prefix+digits", s))
	}

	return ExternalID(s), typ, nil
}

// Type returns the entity type implied by the ID prefix. It assumes the ID
// was produced by ParseExternalID.
func (id ExternalID) Type() EntityType {
	switch {
	case strings.HasPrefix(string(id), "Q"):
		return TypeItem
	case strings.HasPrefix(string(id), "P"):
		return TypeProperty
	default:
		return TypeLexeme
	}
}

func (id ExternalID) String() string { return string(id) }

// InternalID is the 64-bit identifier assigned once at entity creation.
// It is the shard key and the join key for all metadata tables and is never
// exposed to callers.
//
// Layout: bit 63 = 0, bits 22-62 = milliseconds since the configured epoch,
// bits 0-21 = CSPRNG randomness. See pkg/idalloc.
type InternalID uint64

func (id InternalID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}
