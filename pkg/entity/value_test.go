package entity

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSnakValue(t *testing.T) {
	tests := []struct {
		name     string
		snak     string
		wantKind ValueKind
		wantErr  bool
	}{
		{
			name:     "string value",
			snak:     `{"snaktype":"value","property":"P1","datatype":"string","datavalue":{"type":"string","value":"douglas"}}`,
			wantKind: KindString,
		},
		{
			name:     "item reference by datatype",
			snak:     `{"snaktype":"value","property":"P31","datatype":"wikibase-item","datavalue":{"type":"wikibase-entityid","value":{"id":"Q5"}}}`,
			wantKind: KindEntity,
		},
		{
			name:     "datavalue type fallback when datatype missing",
			snak:     `{"snaktype":"value","property":"P625","datavalue":{"type":"globecoordinate","value":{"latitude":1.5}}}`,
			wantKind: KindGlobe,
		},
		{
			name:     "quantity",
			snak:     `{"snaktype":"value","property":"P2067","datatype":"quantity","datavalue":{"type":"quantity","value":{"amount":"+70"}}}`,
			wantKind: KindQuantity,
		},
		{
			name:     "novalue carries no datavalue",
			snak:     `{"snaktype":"novalue","property":"P40"}`,
			wantKind: KindNoValue,
		},
		{
			name:     "somevalue carries no datavalue",
			snak:     `{"snaktype":"somevalue","property":"P569"}`,
			wantKind: KindSomeValue,
		},
		{
			name:    "value snak without datavalue",
			snak:    `{"snaktype":"value","property":"P1"}`,
			wantErr: true,
		},
		{
			name:    "unknown snaktype",
			snak:    `{"snaktype":"deleted","property":"P1"}`,
			wantErr: true,
		},
		{
			name:    "unknown datatype",
			snak:    `{"snaktype":"value","property":"P1","datatype":"hologram","datavalue":{"type":"hologram","value":"x"}}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			snak:    `{"snaktype":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseSnakValue(json.RawMessage(tt.snak))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsCode(err, ErrInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, v.Kind)
		})
	}
}

func TestParseSnakValueKeepsContentOpaque(t *testing.T) {
	snak := `{"snaktype":"value","property":"P1476","datatype":"monolingualtext","datavalue":{"type":"monolingualtext","value":{"text":"Hitchhiker","language":"en"}}}`
	v, err := ParseSnakValue(json.RawMessage(snak))
	require.NoError(t, err)
	assert.Equal(t, KindMonolingual, v.Kind)
	assert.JSONEq(t, `{"text":"Hitchhiker","language":"en"}`, string(v.Content))
}

func TestValidateBody(t *testing.T) {
	valid := fmt.Sprintf(`{
		"id": "Q42",
		"type": "item",
		"labels": {"en": {"language": "en", "value": "Douglas Adams"}},
		"claims": {
			"P31": [{"mainsnak": %s}]
		}
	}`, `{"snaktype":"value","property":"P31","datatype":"wikibase-item","datavalue":{"type":"wikibase-entityid","value":{"id":"Q5"}}}`)

	tests := []struct {
		name    string
		id      ExternalID
		body    string
		wantErr bool
	}{
		{name: "valid item", id: "Q42", body: valid},
		{name: "claims optional", id: "Q42", body: `{"id":"Q42","type":"item"}`},
		{name: "empty body", id: "Q42", body: "", wantErr: true},
		{name: "not json", id: "Q42", body: "{", wantErr: true},
		{name: "missing id", id: "Q42", body: `{"type":"item"}`, wantErr: true},
		{name: "id mismatch", id: "Q42", body: `{"id":"Q43"}`, wantErr: true},
		{
			name:    "claim with unsupported value type",
			id:      "Q42",
			body:    `{"id":"Q42","claims":{"P1":[{"mainsnak":{"snaktype":"value","property":"P1","datatype":"hologram","datavalue":{"type":"hologram","value":"x"}}}]}}`,
			wantErr: true,
		},
		{
			name: "statement without mainsnak is skipped",
			id:   "Q42",
			body: `{"id":"Q42","claims":{"P1":[{"rank":"normal"}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBody(tt.id, json.RawMessage(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsCode(err, ErrInvalidArgument))
				return
			}
			require.NoError(t, err)
		})
	}
}
