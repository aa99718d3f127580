package reservoir

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
	"commuter-engine/internal/spawn"
)

// cellMid sits in the middle of a 0.01° cell so small offsets stay inside it.
var cellMid = location.Location{Lat: 13.105, Lon: -59.605}

type shapeFunc func(ctx context.Context, routeID string) (orb.LineString, error)

func (f shapeFunc) RouteShape(ctx context.Context, routeID string) (orb.LineString, error) {
	return f(ctx, routeID)
}

func newTestRoute(t *testing.T, opts Options) *Route {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Clock == nil {
		opts.Clock = fixedNow
	}
	opts.Strict = true
	return NewRoute("1A", nil, opts)
}

func directed(id string, dir commuter.Direction, at location.Location) *commuter.Commuter {
	c := waiting(id, at, t0)
	c.Direction = dir
	return c
}

func TestRoute_SegmentCounts(t *testing.T) {
	r := newTestRoute(t, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.AddCommuter(ctx, directed("o"+strconv.Itoa(i), commuter.Outbound, offset(cellMid, float64(i*10)))))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, r.AddCommuter(ctx, directed("i"+strconv.Itoa(i), commuter.Inbound, offset(cellMid, float64(-i*10)))))
	}

	assert.Equal(t, 5, r.Count())
	assert.Equal(t, 3, r.CountByDirection(commuter.Outbound))
	assert.Equal(t, 2, r.CountByDirection(commuter.Inbound))
	segs := r.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, location.Quantize(cellMid, location.DefaultCellSize), segs[0].Cell)
	assert.Equal(t, "1A", segs[0].RouteID)
	assert.Equal(t, 5, segs[0].Waiting())

	ok, err := r.Remove(ctx, "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, r.Count())
	assert.Equal(t, 2, r.CountByDirection(commuter.Outbound))

	segs = r.Segments()
	assert.Equal(t, int64(5), segs[0].Spawned)
	assert.Equal(t, int64(1), segs[0].Expired)
	snap := r.Statistics().GetSync(nil)
	assert.Equal(t, int64(5), snap.TotalSpawned)
	assert.Equal(t, int64(4), snap.WaitingCount)

	ok, err = r.Remove(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoute_AddRequiresDirection(t *testing.T) {
	r := newTestRoute(t, Options{})
	err := r.AddCommuter(context.Background(), waiting("x", cellMid, t0))
	assert.ErrorIs(t, err, ErrMissingDirection)
	assert.Zero(t, r.Count())

	require.NoError(t, r.AddCommuter(context.Background(), directed("x", commuter.Inbound, cellMid)))
	err = r.AddCommuter(context.Background(), directed("x", commuter.Outbound, cellMid))
	assert.ErrorIs(t, err, ErrDuplicateCommuter)
}

func TestRoute_MatchFiltersDirection(t *testing.T) {
	rec := &recorder{}
	r := newTestRoute(t, Options{Notifier: rec})
	ctx := context.Background()
	require.NoError(t, r.AddCommuter(ctx, directed("out-near", commuter.Outbound, offset(cellMid, 20))))
	require.NoError(t, r.AddCommuter(ctx, directed("out-far", commuter.Outbound, offset(cellMid, 60))))
	require.NoError(t, r.AddCommuter(ctx, directed("in", commuter.Inbound, cellMid)))

	_, err := r.Match(ctx, MatchRequest{VehicleLocation: cellMid, SearchRadius: 100, AvailableSeats: 5})
	assert.ErrorIs(t, err, ErrMissingDirection)

	got, err := r.Match(ctx, MatchRequest{VehicleID: "bus-1", VehicleLocation: cellMid, SearchRadius: 100, AvailableSeats: 5, Direction: commuter.Outbound})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "out-near", got[0].ID)
	assert.Equal(t, "out-far", got[1].ID)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, r.CountByDirection(commuter.Inbound))

	snap := r.Statistics().GetSync(nil)
	assert.Equal(t, int64(2), snap.TotalPickedUp)
	assert.Equal(t, int64(1), snap.WaitingCount)
	assert.Equal(t, int64(2), r.Segments()[0].PickedUp)

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.Equal(t, commuter.EventPickedUp, last.Type)
	assert.Equal(t, commuter.RouteKind, last.Kind)
	assert.Equal(t, "bus-1", last.VehicleID)
	assert.Equal(t, "1A", last.Commuter.RouteID)
}

func TestRoute_MatchAcrossCells(t *testing.T) {
	r := newTestRoute(t, Options{})
	ctx := context.Background()
	// one commuter per cell along a line of 0.01° steps east
	for i := 0; i < 20; i++ {
		at := location.Location{Lat: cellMid.Lat, Lon: cellMid.Lon + float64(i)*0.01}
		require.NoError(t, r.AddCommuter(ctx, directed("c"+strconv.Itoa(i), commuter.Outbound, at)))
	}
	require.Len(t, r.Segments(), 20)

	// small radius: scanned through the cell range
	got, err := r.Match(ctx, MatchRequest{VehicleLocation: cellMid, SearchRadius: 1500, AvailableSeats: 10, Direction: commuter.Outbound})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c0", got[0].ID)
	assert.Equal(t, "c1", got[1].ID)

	// huge radius: the cell range is bigger than the segment map
	got, err = r.Match(ctx, MatchRequest{VehicleLocation: cellMid, SearchRadius: 100000, AvailableSeats: 3, Direction: commuter.Outbound})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c2", "c3", "c4"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, 15, r.Count())
}

func TestRoute_ConcurrentMatchClaimsOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := newTestRoute(t, Options{})
		ctx := context.Background()
		require.NoError(t, r.AddCommuter(ctx, directed("only", commuter.Inbound, cellMid)))

		var wg sync.WaitGroup
		var mu sync.Mutex
		claimed := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := r.Match(ctx, MatchRequest{VehicleLocation: cellMid, SearchRadius: 50, AvailableSeats: 1, Direction: commuter.Inbound})
				assert.NoError(t, err)
				mu.Lock()
				claimed += len(got)
				mu.Unlock()
			}()
		}
		// an expiry racing the vehicles
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Remove(ctx, "only")
			assert.NoError(t, err)
		}()
		wg.Wait()

		snap := r.Statistics().GetSync(nil)
		require.Equal(t, int64(1), snap.TotalPickedUp+snap.TotalExpired)
		assert.Equal(t, int64(claimed), snap.TotalPickedUp)
		assert.Zero(t, snap.WaitingCount)
		assert.Zero(t, r.Count())
	}
}

func TestRoute_ExpiryAfterTimeout(t *testing.T) {
	r := newTestRoute(t, Options{Timeout: 30 * time.Minute})
	ctx := context.Background()
	require.NoError(t, r.AddCommuter(ctx, directed("a", commuter.Inbound, cellMid)))
	young := directed("b", commuter.Outbound, cellMid)
	young.SpawnTime = t0.Add(10 * time.Minute)
	require.NoError(t, r.AddCommuter(ctx, young))

	assert.Equal(t, 1, r.Expirer().ScanOnce(ctx, t0.Add(31*time.Minute)))
	snap := r.Statistics().GetSync(nil)
	assert.Equal(t, int64(1), snap.TotalExpired)
	assert.Equal(t, int64(1), snap.WaitingCount)
	assert.Equal(t, 1, r.CountByDirection(commuter.Outbound))
}

func TestRoute_SegmentsOrderedAlongGeometry(t *testing.T) {
	// route runs east to west
	line := orb.LineString{{-59.50, 13.105}, {-59.70, 13.105}}
	r := newTestRoute(t, Options{Shapes: shapeFunc(func(context.Context, string) (orb.LineString, error) {
		return line, nil
	})})
	ctx := context.Background()
	west := location.Location{Lat: 13.105, Lon: -59.655}
	east := location.Location{Lat: 13.105, Lon: -59.515}
	middle := location.Location{Lat: 13.105, Lon: -59.605}
	for i, at := range []location.Location{west, middle, east} {
		require.NoError(t, r.AddCommuter(ctx, directed(strconv.Itoa(i), commuter.Outbound, at)))
	}

	// before geometry: ordered by cell
	segs := r.Segments()
	require.Len(t, segs, 3)
	assert.False(t, segs[0].HasDistance)

	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	segs = r.Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, location.Quantize(east, r.CellSize()), segs[0].Cell)
	assert.Equal(t, location.Quantize(middle, r.CellSize()), segs[1].Cell)
	assert.Equal(t, location.Quantize(west, r.CellSize()), segs[2].Cell)
	assert.Less(t, segs[0].DistanceAlong, segs[1].DistanceAlong)
	assert.Less(t, segs[1].DistanceAlong, segs[2].DistanceAlong)

	cs := r.Commuters()
	require.Len(t, cs, 3)
	assert.Equal(t, "2", cs[0].ID)

	// segments created after the geometry is loaded get a distance too
	require.NoError(t, r.AddCommuter(ctx, directed("late", commuter.Inbound, location.Location{Lat: 13.105, Lon: -59.555})))
	for _, s := range r.Segments() {
		assert.True(t, s.HasDistance)
	}
}

func TestRoute_StartWithoutGeometry(t *testing.T) {
	r := newTestRoute(t, Options{Shapes: shapeFunc(func(context.Context, string) (orb.LineString, error) {
		return nil, errors.New("database down")
	})})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	require.NoError(t, r.AddCommuter(context.Background(), directed("a", commuter.Inbound, cellMid)))
	assert.False(t, r.Segments()[0].HasDistance)
}

func TestRoute_SpawnsThroughCoordinator(t *testing.T) {
	src := spawn.NewStaticSource()
	require.NoError(t, src.Set(commuter.RouteKind, "1A", spawn.Flat(120, 1)))
	stops := []spawn.Candidate{
		{ID: "s0", Location: location.Location{Lat: 13.105, Lon: -59.605}, Weight: 1},
		{ID: "s1", Location: location.Location{Lat: 13.105, Lon: -59.595}, Weight: 2},
		{ID: "s2", Location: location.Location{Lat: 13.105, Lon: -59.585}, Weight: 1},
	}
	r := NewRoute("1A", spawn.NewRouteSpawner("1A", stops, nil, 0.5, src, 8), Options{
		Logger: zaptest.NewLogger(t),
		Clock:  fixedNow,
	})

	n, err := r.Coordinator().GenerateAndProcessSpawns(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Positive(t, n)
	assert.Equal(t, n, r.Count())
	assert.Equal(t, n, r.CountByDirection(commuter.Inbound)+r.CountByDirection(commuter.Outbound))
	assert.LessOrEqual(t, len(r.Segments()), 3)
	assert.Zero(t, r.Coordinator().TotalFailed())
}

func TestRoute_MatchAcrossAntimeridian(t *testing.T) {
	r := newTestRoute(t, Options{})
	ctx := context.Background()
	west := location.Location{Lat: -17, Lon: -179.9995}
	east := location.Location{Lat: -17, Lon: 179.9995}
	require.NoError(t, r.AddCommuter(ctx, directed("w", commuter.Outbound, west)))
	require.NoError(t, r.AddCommuter(ctx, directed("e", commuter.Outbound, east)))

	got, err := r.Match(ctx, MatchRequest{
		VehicleID:       "bus-1",
		VehicleLocation: east,
		SearchRadius:    1000,
		AvailableSeats:  5,
		Direction:       commuter.Outbound,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e", got[0].ID)
	assert.Equal(t, "w", got[1].ID)
	assert.Equal(t, 0, r.Count())
}
