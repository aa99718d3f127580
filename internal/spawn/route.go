package spawn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/paulmach/orb"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
)

// ShapeSource supplies the ordered polyline of a route.
type ShapeSource interface {
	RouteShape(ctx context.Context, routeID string) (orb.LineString, error)
}

// ErrNoStops reports that a StopSource has no stops for a route.
var ErrNoStops = errors.New("route stops not found")

// StopSource supplies the stops a route serves, in outbound travel order.
type StopSource interface {
	RouteStops(ctx context.Context, routeID string) ([]Candidate, error)
}

// RouteSpawner generates commuters at weighted stops along a route. Stops
// are in route order (outbound travel goes towards higher indices). When no
// stops are configured the GTFS stops of the route are used, then the route
// polyline vertices, both with equal weight.
type RouteSpawner struct {
	routeID       string
	stops         []Candidate
	gtfsStops     StopSource
	shapes        ShapeSource
	outboundShare float64
	source        ConfigSource
	rng           *rand.Rand
}

func NewRouteSpawner(routeID string, stops []Candidate, shapes ShapeSource, outboundShare float64, source ConfigSource, seed int64) *RouteSpawner {
	if outboundShare < 0 || outboundShare > 1 {
		outboundShare = 0.5
	}
	return &RouteSpawner{
		routeID:       routeID,
		stops:         stops,
		shapes:        shapes,
		outboundShare: outboundShare,
		source:        source,
		rng:           rand.New(rand.NewSource(seed)),
	}
}

// WithStopSource sets where stops come from when none are configured.
func (s *RouteSpawner) WithStopSource(src StopSource) *RouteSpawner {
	s.gtfsStops = src
	return s
}

func (s *RouteSpawner) Spawn(ctx context.Context, at time.Time, window time.Duration) ([]commuter.SpawnRequest, error) {
	cfg, err := s.source.SpawnConfig(ctx, commuter.RouteKind, s.routeID)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := DrawCount(s.rng, Lambda(cfg, at, window.Minutes()))
	if n == 0 {
		return nil, nil
	}
	stops, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, nil
	}

	idx := expand(len(stops), Allocate(n, weightsByIndex(stops)))
	reqs := make([]commuter.SpawnRequest, 0, len(idx))
	for _, i := range idx {
		dir, dest := s.destination(i, len(stops))
		reqs = append(reqs, commuter.SpawnRequest{
			SpawnLocation: stops[i].Location,
			Destination:   stops[dest].Location,
			SpawnTime:     at,
			RouteID:       s.routeID,
			Direction:     dir,
			Priority:      drawPriority(s.rng),
			TripPurpose:   tripPurpose(s.rng, at.Hour()),
		})
	}
	return reqs, nil
}

func (s *RouteSpawner) candidates(ctx context.Context) ([]Candidate, error) {
	if len(s.stops) > 0 {
		return s.stops, nil
	}
	if s.gtfsStops != nil {
		stops, err := s.gtfsStops.RouteStops(ctx, s.routeID)
		switch {
		case err == nil && len(stops) > 0:
			return stops, nil
		case err != nil && !errors.Is(err, ErrNoStops):
			return nil, fmt.Errorf("route %s stops: %w", s.routeID, err)
		}
	}
	if s.shapes == nil {
		return nil, nil
	}
	line, err := s.shapes.RouteShape(ctx, s.routeID)
	if err != nil {
		return nil, fmt.Errorf("route %s geometry: %w", s.routeID, err)
	}
	out := make([]Candidate, len(line))
	for i, p := range line {
		out[i] = Candidate{ID: "v" + strconv.Itoa(i), RouteID: s.routeID, Location: location.FromPoint(p), Weight: 1}
	}
	return out, nil
}

// destination draws a direction and a downstream stop index for a commuter
// boarding at stop i of n.
func (s *RouteSpawner) destination(i, n int) (commuter.Direction, int) {
	dir := commuter.Inbound
	if s.rng.Float64() < s.outboundShare {
		dir = commuter.Outbound
	}
	if n == 1 {
		return dir, i
	}
	if dir == commuter.Outbound && i == n-1 {
		dir = commuter.Inbound
	} else if dir == commuter.Inbound && i == 0 {
		dir = commuter.Outbound
	}
	if dir == commuter.Outbound {
		return dir, i + 1 + s.rng.Intn(n-i-1)
	}
	return dir, s.rng.Intn(i)
}
