package geometry

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"commuter-engine/internal/db"
	"commuter-engine/internal/gtfs"
	"commuter-engine/internal/location"
	"commuter-engine/internal/spawn"
)

// RouteStops reads the stops of the route's longest trip as equally
// weighted spawn candidates.
func (d *Database) RouteStops(ctx context.Context, routeID string) ([]spawn.Candidate, error) {
	conn := d.conn()
	if conn == nil {
		return nil, fmt.Errorf("%w: %s (no database)", spawn.ErrNoStops, routeID)
	}
	stops, err := db.FetchRouteStops(ctx, conn, routeID)
	if err != nil {
		return nil, err
	}
	cands := stopCandidates(routeID, stops)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %s", spawn.ErrNoStops, routeID)
	}
	return cands, nil
}

// stopCandidates drops stops without usable coordinates and repeated
// consecutive stops.
func stopCandidates(routeID string, stops []gtfs.RouteStop) []spawn.Candidate {
	out := make([]spawn.Candidate, 0, len(stops))
	for _, s := range stops {
		loc := location.Location{Lat: s.Lat, Lon: s.Lon}
		if !loc.Valid() || (s.Lat == 0 && s.Lon == 0) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].ID == s.StopID {
			continue
		}
		out = append(out, spawn.Candidate{ID: s.StopID, RouteID: routeID, Location: loc, Weight: 1})
	}
	return out
}

// StopCache memoizes a stop source in a bounded LRU. Routes without stops
// are remembered too so they do not hit the database every cycle.
type StopCache struct {
	next  spawn.StopSource
	cache *lru.Cache[string, []spawn.Candidate]
	group singleflight.Group
}

func NewStopCache(next spawn.StopSource, size int) (*StopCache, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []spawn.Candidate](size)
	if err != nil {
		return nil, err
	}
	return &StopCache{next: next, cache: cache}, nil
}

func (c *StopCache) RouteStops(ctx context.Context, routeID string) ([]spawn.Candidate, error) {
	if stops, ok := c.cache.Get(routeID); ok {
		return found(routeID, stops)
	}
	v, err, _ := c.group.Do(routeID, func() (any, error) {
		if stops, ok := c.cache.Get(routeID); ok {
			return stops, nil
		}
		stops, err := c.next.RouteStops(ctx, routeID)
		if err != nil {
			if !errors.Is(err, spawn.ErrNoStops) {
				return nil, err
			}
			stops = []spawn.Candidate{}
		}
		c.cache.Add(routeID, stops)
		return stops, nil
	})
	if err != nil {
		return nil, err
	}
	return found(routeID, v.([]spawn.Candidate))
}

func found(routeID string, stops []spawn.Candidate) ([]spawn.Candidate, error) {
	if len(stops) == 0 {
		return nil, fmt.Errorf("%w: %s", spawn.ErrNoStops, routeID)
	}
	return stops, nil
}

// Purge drops every cached stop list.
func (c *StopCache) Purge() { c.cache.Purge() }
