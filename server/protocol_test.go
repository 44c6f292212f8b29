package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"via.live/spatial"
)

func TestParseSubmit(t *testing.T) {
	route := &spatial.Route{
		UserID:      "u1",
		Source:      spatial.Point{Lat: 1, Lon: 1},
		Destination: spatial.Point{Lat: 2, Lon: 2},
		Path:        spatial.Path{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}},
	}

	b, err := json.Marshal(NewRouteSubmit(route))
	require.NoError(t, err)

	got, err := ParseSubmit(b)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.Path.Equal(route.Path))
}

func TestParseSubmitProtocolErrors(t *testing.T) {
	testCases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"wrong type", `{"type":"snapshot"}`},
		{"no route", `{"type":"route-submit"}`},
		{"empty", ``},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSubmit([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestEnvelopeCarriesProtocolVersion(t *testing.T) {
	for _, e := range []*Envelope{
		NewSnapshot(nil),
		NewRouteUpdate("s1", "u1", nil),
		NewSessionRemoved("s1"),
		NewPresenceCount(3),
		NewSubmitRejected("bad"),
		NewRouteSubmit(nil),
	} {
		b, err := json.Marshal(e)
		require.NoError(t, err)

		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(b, &m))
		assert.EqualValues(t, ProtocolVersion, m["version"], e.Type)
	}
}

func TestEnvelopeOmitsUnusedFields(t *testing.T) {
	b, err := json.Marshal(NewSessionRemoved("s1"))
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &m))

	assert.Equal(t, "session-removed", m["type"])
	assert.Equal(t, "s1", m["sessionID"])
	assert.NotContains(t, m, "route")
	assert.NotContains(t, m, "sessions")
	assert.NotContains(t, m, "reason")
}
