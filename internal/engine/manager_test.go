package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/config"
	"commuter-engine/internal/location"
	"commuter-engine/internal/reservoir"
	"commuter-engine/internal/spawn"
)

var (
	t0     = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	depot  = location.Location{Lat: 13.105, Lon: -59.605}
	stopA  = location.Location{Lat: 13.115, Lon: -59.605}
	stopB  = location.Location{Lat: 13.125, Lon: -59.605}
	parsed = mustParse(`
depots:
  - id: D1
    location: {lat: 13.105, lon: -59.605}
    destinations:
      - {id: town, location: {lat: 13.125, lon: -59.605}, weight: 1}
routes:
  - id: "1A"
    stops:
      - {id: a, location: {lat: 13.115, lon: -59.605}, weight: 1}
      - {id: b, location: {lat: 13.125, lon: -59.605}, weight: 1}
`)
)

func mustParse(doc string) *config.Reservoirs {
	r, err := config.ParseReservoirs([]byte(doc))
	if err != nil {
		panic(err)
	}
	return r
}

type recordingObserver struct {
	mu       sync.Mutex
	matches  []error
	rejected int
	waiting  map[string]int64
}

func (o *recordingObserver) QueryFailed() {
	o.mu.Lock()
	o.rejected++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveMatch(_ commuter.ReservoirKind, _ time.Duration, err error) {
	o.mu.Lock()
	o.matches = append(o.matches, err)
	o.mu.Unlock()
}

func (o *recordingObserver) SetWaiting(kind commuter.ReservoirKind, id string, n int64) {
	o.mu.Lock()
	if o.waiting == nil {
		o.waiting = make(map[string]int64)
	}
	o.waiting[string(kind)+":"+id] = n
	o.mu.Unlock()
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.Reservoir.Clock = func() time.Time { return t0 }
	opts.Reservoir.Strict = true
	m, err := Build(parsed, opts)
	require.NoError(t, err)
	return m
}

func waiting(id string, at location.Location, dir commuter.Direction) *commuter.Commuter {
	return &commuter.Commuter{
		ID:            id,
		SpawnLocation: at,
		SpawnTime:     t0,
		Direction:     dir,
		Priority:      commuter.DefaultPriority,
		Status:        commuter.Waiting,
	}
}

func TestBuild(t *testing.T) {
	m := newManager(t, Options{})
	rs := m.Reservoirs()
	require.Len(t, rs, 2)
	assert.Equal(t, commuter.DepotKind, rs[0].Kind())
	assert.Equal(t, "D1", rs[0].ID())
	assert.Equal(t, commuter.RouteKind, rs[1].Kind())

	d, ok := m.Depot("D1")
	require.True(t, ok)
	assert.Equal(t, depot, d.Location())
	assert.Nil(t, d.Coordinator(), "no source means no spawning")

	_, ok = m.Route("1A")
	assert.True(t, ok)
	_, ok = m.Route("D1")
	assert.False(t, ok)

	_, err := m.AddDepot(config.DepotSpec{ID: "D1", Location: depot})
	assert.ErrorIs(t, err, ErrDuplicateReservoir)
	_, err = m.AddRoute(config.RouteSpec{ID: "1A"})
	assert.ErrorIs(t, err, ErrDuplicateReservoir)
}

func TestQueryDepot(t *testing.T) {
	obs := &recordingObserver{}
	m := newManager(t, Options{Observer: obs})
	ctx := context.Background()
	d, _ := m.Depot("D1")
	require.NoError(t, d.AddCommuter(ctx, waiting("c1", depot, "")))
	require.NoError(t, d.AddCommuter(ctx, waiting("c2", depot, "")))

	reply := m.HandleQuery(ctx, QueryRequest{
		VehicleID:       "bus-1",
		DepotID:         "D1",
		VehicleLocation: map[string]any{"latitude": 13.105, "longitude": -59.605},
		SearchRadius:    100,
		AvailableSeats:  1,
		ReservoirType:   "depot",
	})
	require.Empty(t, reply.Error)
	require.Len(t, reply.Commuters, 1)
	assert.Equal(t, commuter.Matched, reply.Commuters[0].Status)
	assert.Equal(t, 1, d.Count())
	require.Len(t, obs.matches, 1)
	assert.NoError(t, obs.matches[0])
}

func TestQueryRouteDefaultsRadius(t *testing.T) {
	m := newManager(t, Options{})
	ctx := context.Background()
	r, _ := m.Route("1A")
	require.NoError(t, r.AddCommuter(ctx, waiting("out", stopA, commuter.Outbound)))
	require.NoError(t, r.AddCommuter(ctx, waiting("in", stopA, commuter.Inbound)))

	// No reservoir_type and no depot_id addresses the route.
	matched, err := m.Query(ctx, QueryRequest{
		VehicleID:       "bus-2",
		RouteID:         "1A",
		VehicleLocation: []any{13.115, -59.605},
		AvailableSeats:  5,
		Direction:       "OUTBOUND",
	})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "out", matched[0].ID)
	assert.Equal(t, 1, r.CountByDirection(commuter.Inbound))
}

func TestQueryErrors(t *testing.T) {
	obs := &recordingObserver{}
	m := newManager(t, Options{Observer: obs})
	ctx := context.Background()
	at := map[string]any{"lat": 13.115, "lon": -59.605}

	cases := []struct {
		name string
		q    QueryRequest
		want error
	}{
		{"unknown route", QueryRequest{RouteID: "9Z", VehicleLocation: at, Direction: "inbound", AvailableSeats: 1}, ErrUnknownReservoir},
		{"unknown depot", QueryRequest{DepotID: "D9", VehicleLocation: at, AvailableSeats: 1}, ErrUnknownReservoir},
		{"missing depot id", QueryRequest{ReservoirType: "depot", RouteID: "1A", VehicleLocation: at}, ErrBadQuery},
		{"missing route id", QueryRequest{ReservoirType: "route", VehicleLocation: at}, ErrBadQuery},
		{"bad type", QueryRequest{ReservoirType: "tram", RouteID: "1A", VehicleLocation: at}, ErrBadQuery},
		{"bad location", QueryRequest{RouteID: "1A", VehicleLocation: "here", Direction: "inbound"}, location.ErrInvalidLocation},
		{"bad direction", QueryRequest{RouteID: "1A", VehicleLocation: at, Direction: "up"}, ErrBadQuery},
		{"missing direction", QueryRequest{RouteID: "1A", VehicleLocation: at, AvailableSeats: 1}, reservoir.ErrMissingDirection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Query(ctx, tc.q)
			assert.ErrorIs(t, err, tc.want)

			reply := m.HandleQuery(ctx, tc.q)
			assert.NotEmpty(t, reply.Error)
			assert.NotNil(t, reply.Commuters)
			assert.Empty(t, reply.Commuters)
		})
	}
	// Only the direction failure reached a reservoir, once per call above.
	// The rest were counted as rejected.
	obs.mu.Lock()
	require.Len(t, obs.matches, 2)
	assert.True(t, errors.Is(obs.matches[0], reservoir.ErrMissingDirection))
	assert.Equal(t, 2*(len(cases)-1), obs.rejected)
	obs.mu.Unlock()

	// Undecodable payloads are rejected too.
	reply := m.QueryHandler()(ctx, []byte(`{"route_id":`))
	assert.Contains(t, string(reply), ErrBadQuery.Error())
	obs.mu.Lock()
	assert.Equal(t, 2*(len(cases)-1)+1, obs.rejected)
	obs.mu.Unlock()
}

func TestQueryHandlerJSON(t *testing.T) {
	m := newManager(t, Options{})
	ctx := context.Background()
	d, _ := m.Depot("D1")
	require.NoError(t, d.AddCommuter(ctx, waiting("c1", depot, "")))
	h := m.QueryHandler()

	out := h(ctx, []byte(`{"vehicle_id":"bus-1","depot_id":"D1","vehicle_location":{"lat":13.105,"lon":-59.605},"search_radius":50,"available_seats":3}`))
	var reply struct {
		Commuters []map[string]any `json:"commuters"`
		Error     *string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(out, &reply))
	assert.Nil(t, reply.Error)
	require.Len(t, reply.Commuters, 1)
	assert.Equal(t, "c1", reply.Commuters[0]["id"])
	assert.Equal(t, "matched", reply.Commuters[0]["status"])

	// Nothing left: an empty list, not null.
	out = h(ctx, []byte(`{"depot_id":"D1","vehicle_location":[13.105,-59.605],"available_seats":3}`))
	assert.JSONEq(t, `{"commuters":[]}`, string(out))

	out = h(ctx, []byte(`{"depot_id":`))
	require.NoError(t, json.Unmarshal(out, &reply))
	require.NotNil(t, reply.Error)
	assert.Contains(t, *reply.Error, "bad query")
}

func TestDecodeQueryKeepsNumbers(t *testing.T) {
	q, err := DecodeQuery([]byte(`{"route_id":"1A","vehicle_location":{"lat":13.115,"lon":-59.605},"search_radius":250,"available_seats":2,"direction":"inbound"}`))
	require.NoError(t, err)
	assert.Equal(t, 250.0, q.SearchRadius)
	assert.Equal(t, 2, q.AvailableSeats)
	m, ok := q.VehicleLocation.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("13.115"), m["lat"])

	req, err := q.match()
	require.NoError(t, err)
	assert.Equal(t, stopA, req.VehicleLocation)
	assert.Equal(t, commuter.Inbound, req.Direction)
}

func TestStartStopSpawns(t *testing.T) {
	src := spawn.NewStaticSource()
	require.NoError(t, src.Set(commuter.DepotKind, "D1", spawn.Flat(120, 1)))
	require.NoError(t, src.Set(commuter.RouteKind, "1A", spawn.Flat(120, 1)))
	m := newManager(t, Options{
		Source: src,
		Seed:   7,
		Reservoir: reservoir.Options{
			SpawnInterval: time.Hour,
			ScanInterval:  time.Hour,
		},
	})
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx))

	d, _ := m.Depot("D1")
	r, _ := m.Route("1A")
	require.Eventually(t, func() bool { return d.Count() > 0 && r.Count() > 0 }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop()

	for _, c := range d.Commuters() {
		assert.Equal(t, "D1", c.DepotID)
		assert.Equal(t, stopB, c.Destination)
		assert.Equal(t, t0, c.SpawnTime)
	}
	for _, c := range r.Commuters() {
		assert.True(t, c.Direction.Valid())
		assert.Equal(t, "1A", c.RouteID)
	}

	// Restart after stop is allowed.
	require.NoError(t, m.Start(ctx))
	m.Stop()
}

type shapeFunc func(ctx context.Context, routeID string) (orb.LineString, error)

func (f shapeFunc) RouteShape(ctx context.Context, routeID string) (orb.LineString, error) {
	return f(ctx, routeID)
}

func TestQueriesDuringStart(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	shapes := shapeFunc(func(context.Context, string) (orb.LineString, error) {
		once.Do(func() { close(entered) })
		<-release
		return orb.LineString{{-59.605, 13.115}, {-59.605, 13.125}}, nil
	})
	m := newManager(t, Options{Reservoir: reservoir.Options{Shapes: shapes}})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- m.Start(ctx) }()
	<-entered

	_, ok := m.Route("1A")
	assert.True(t, ok)
	got, err := m.Query(ctx, QueryRequest{DepotID: "D1", VehicleLocation: []any{13.105, -59.605}, AvailableSeats: 1})
	require.NoError(t, err)
	assert.Empty(t, got)

	close(release)
	require.NoError(t, <-errc)
	m.Stop()
}

func TestRouteUsesStopSource(t *testing.T) {
	src := spawn.NewStaticSource()
	require.NoError(t, src.Set(commuter.RouteKind, "2B", spawn.Flat(120, 1)))
	gtfsStop := location.Location{Lat: 13.2, Lon: -59.5}
	stops := stopFunc(func(_ context.Context, routeID string) ([]spawn.Candidate, error) {
		return []spawn.Candidate{
			{ID: "g1", RouteID: routeID, Location: gtfsStop, Weight: 1},
			{ID: "g2", RouteID: routeID, Location: gtfsStop, Weight: 1},
		}, nil
	})
	m := NewManager(Options{
		Source: src,
		Stops:  stops,
		Seed:   3,
		Reservoir: reservoir.Options{
			Clock:         func() time.Time { return t0 },
			SpawnInterval: time.Hour,
			ScanInterval:  time.Hour,
		},
	})
	r, err := m.AddRoute(config.RouteSpec{ID: "2B"})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return r.Count() > 0 }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	for _, c := range r.Commuters() {
		assert.Equal(t, gtfsStop, c.SpawnLocation)
	}
}

type stopFunc func(ctx context.Context, routeID string) ([]spawn.Candidate, error)

func (f stopFunc) RouteStops(ctx context.Context, routeID string) ([]spawn.Candidate, error) {
	return f(ctx, routeID)
}

func TestReportStats(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	obs := &recordingObserver{}
	m := newManager(t, Options{Logger: zap.New(core), Observer: obs})
	ctx := context.Background()
	d, _ := m.Depot("D1")
	require.NoError(t, d.AddCommuter(ctx, waiting("c1", depot, "")))
	require.NoError(t, d.AddCommuter(ctx, waiting("c2", depot, "")))
	_, err := d.Remove(ctx, "c2")
	require.NoError(t, err)

	m.ReportStats(ctx)

	lines := logs.FilterMessage("reservoir stats").All()
	require.Len(t, lines, 2)
	fields := lines[0].ContextMap()
	assert.Equal(t, "depot:D1", fields["reservoir"])
	assert.Equal(t, int64(2), fields["spawned"])
	assert.Equal(t, int64(1), fields["expired"])
	assert.Equal(t, int64(1), fields["waiting"])
	assert.Equal(t, map[string]int64{"depot:D1": 1, "route:1A": 0}, obs.waiting)
}

func TestStatsReporterStops(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := newManager(t, Options{Logger: zap.New(core)})
	m.StartStatsReporter(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("reservoir stats").Len() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	n := logs.FilterMessage("reservoir stats").Len()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, logs.FilterMessage("reservoir stats").Len())
}
