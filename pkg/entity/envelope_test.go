package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodeUTC(t *testing.T) {
	loc := time.FixedZone("EDT", -4*60*60)

	deleted := time.Date(2026, 8, 25, 9, 0, 0, 0, loc)
	e := &Envelope{
		SchemaVersion: "1.0.0",
		RevisionID:    7,
		CreatedAt:     time.Date(2026, 8, 25, 8, 0, 0, 0, loc),
		CreatedBy:     "alice",
		EntityType:    TypeItem,
		EditType:      EditSoftDelete,
		IsDeleted:     true,
		DeletedAt:     &deleted,
		Entity:        json.RawMessage(`{"id":"Q42"}`),
	}

	data, err := e.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2026-08-25T12:00:00Z", decoded["created_at"])
	assert.Equal(t, "2026-08-25T13:00:00Z", decoded["deleted_at"])

	// The original is not mutated.
	assert.Equal(t, loc, e.CreatedAt.Location())
}

func TestDecodeEnvelopeVersionGate(t *testing.T) {
	supported := SchemaVersions{Current: "2.1.0"}

	encode := func(version string) []byte {
		e := &Envelope{
			SchemaVersion: version,
			RevisionID:    1,
			CreatedAt:     time.Now().UTC(),
			EntityType:    TypeItem,
			EditType:      EditCreate,
			Entity:        json.RawMessage(`{"id":"Q1"}`),
		}
		data, err := e.Encode()
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{name: "current major", version: "2.1.0"},
		{name: "current major different minor", version: "2.0.3"},
		{name: "previous major", version: "1.9.0"},
		{name: "too old", version: "0.9.0", wantErr: true},
		{name: "future major", version: "3.0.0", wantErr: true},
		{name: "not semver", version: "two", wantErr: true},
		{name: "empty", version: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := DecodeEnvelope(encode(tt.version), supported)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsCode(err, ErrInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, e.SchemaVersion)
		})
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("{not json"), SchemaVersions{Current: "1.0.0"})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrInvalidArgument))
}

func TestEnvelopePredicates(t *testing.T) {
	target := ExternalID("Q2")
	empty := ExternalID("")

	assert.False(t, (&Envelope{}).IsRedirect())
	assert.False(t, (&Envelope{RedirectsTo: &empty}).IsRedirect())
	assert.True(t, (&Envelope{RedirectsTo: &target}).IsRedirect())

	assert.False(t, (&Envelope{}).IsDeletion())
	assert.True(t, (&Envelope{IsDeleted: true}).IsDeletion())
}
