package publisher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "depot-reservoir", Subject("", commuter.DepotKind))
	assert.Equal(t, "route-reservoir", Subject("  ", commuter.RouteKind))
	assert.Equal(t, "sim.bridgetown.route-reservoir", Subject("sim.bridgetown", commuter.RouteKind))
	assert.Equal(t, "sim.new_york.depot-reservoir", Subject(".sim.new york.", commuter.DepotKind))
	assert.Equal(t, "a._.reservoir.query", Join("a.*", "reservoir.query"))
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "_", subjectToken(" "))
	assert.Equal(t, "route_1A_B", subjectToken("route 1A/B"))
	assert.Equal(t, "x_", subjectToken("x>"))
}

func TestEncodeEvent(t *testing.T) {
	spawned := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	b, err := EncodeEvent(commuter.Event{
		Type:        commuter.EventPickedUp,
		Kind:        commuter.RouteKind,
		ReservoirID: "1A",
		VehicleID:   "bus-9",
		Commuter: commuter.Commuter{
			ID:            "c-1",
			SpawnLocation: location.Location{Lat: 13.1, Lon: -59.6},
			Destination:   location.Location{Lat: 13.2, Lon: -59.5},
			SpawnTime:     spawned,
			RouteID:       "1A",
			Direction:     commuter.Inbound,
			Priority:      2,
			Status:        commuter.Matched,
		},
	})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "commuter:picked_up", m["type"])
	assert.Equal(t, "1A", m["reservoir_id"])
	assert.Equal(t, "bus-9", m["vehicle_id"])
	assert.Equal(t, "c-1", m["id"])
	assert.Equal(t, "inbound", m["direction"])
	assert.Equal(t, "matched", m["status"])
	assert.Equal(t, map[string]any{"lat": 13.1, "lon": -59.6}, m["spawn_location"])
	assert.Equal(t, "2024-05-06T08:00:00Z", m["spawn_time"])
	assert.NotContains(t, m, "depot_id")
}
