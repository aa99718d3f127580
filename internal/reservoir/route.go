package reservoir

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/expiry"
	"commuter-engine/internal/location"
	"commuter-engine/internal/spawn"
)

type placement struct {
	cell location.GridCell
	dir  commuter.Direction
}

// Route holds the waiting commuters of one route bucketed by grid cell, so
// a match only looks at the cells near the vehicle.
type Route struct {
	base
	cellSize float64
	shapes   spawn.ShapeSource

	mu       sync.Mutex
	segments map[location.GridCell]*Segment
	index    map[string]placement
	line     orb.LineString
	cum      []float64
}

var _ Reservoir = (*Route)(nil)

// NewRoute builds a route reservoir. A nil spawner disables spawning.
func NewRoute(id string, spawner spawn.Spawner, opts Options) *Route {
	size := opts.CellSize
	if size <= 0 {
		size = location.DefaultCellSize
	}
	r := &Route{
		base:     newBase(commuter.RouteKind, id, opts),
		cellSize: size,
		shapes:   opts.Shapes,
		segments: make(map[location.GridCell]*Segment),
		index:    make(map[string]placement),
	}
	r.wire(spawner, r.AddCommuter, r.entries, r.Remove, opts)
	return r
}

func (r *Route) CellSize() float64 { return r.cellSize }

// Start loads the route polyline and starts spawning and expiration. A
// geometry failure is logged and the reservoir runs without segment
// ordering.
func (r *Route) Start(ctx context.Context) error {
	if r.shapes != nil {
		line, err := r.shapes.RouteShape(ctx, r.id)
		if err != nil {
			r.logger.Warnf("route geometry unavailable, segments unordered: %v", err)
		} else {
			r.SetGeometry(line)
		}
	}
	if err := r.start(ctx); err != nil {
		return err
	}
	r.logger.Infof("route reservoir started (cell=%.4f°)", r.cellSize)
	return nil
}

// SetGeometry replaces the route polyline and recomputes segment distances.
func (r *Route) SetGeometry(line orb.LineString) {
	cum := location.CumulativeDistances(line)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.line, r.cum = line, cum
	for _, s := range r.segments {
		r.placeLocked(s)
	}
}

func (r *Route) placeLocked(s *Segment) {
	if len(r.line) == 0 {
		s.distanceAlong, s.hasDistance = 0, false
		return
	}
	s.distanceAlong = location.DistanceAlong(r.line, r.cum, s.cell.Center(r.cellSize))
	s.hasDistance = true
}

func (r *Route) AddCommuter(ctx context.Context, c *commuter.Commuter) error {
	if err := validCommuter(c); err != nil {
		return err
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("%w: commuter %s", ErrMissingDirection, c.ID)
	}
	cell := location.Quantize(c.SpawnLocation, r.cellSize)

	r.mu.Lock()
	if _, exists := r.index[c.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCommuter, c.ID)
	}
	seg, ok := r.segments[cell]
	if !ok {
		seg = newSegment(r.id, cell)
		r.placeLocked(seg)
		r.segments[cell] = seg
	}
	if c.RouteID == "" {
		c.RouteID = r.id
	}
	c.Status = commuter.Waiting
	seg.add(c)
	r.index[c.ID] = placement{cell: cell, dir: c.Direction}
	_ = r.stats.IncrementSpawnedSync(1)
	snap := *c
	r.mu.Unlock()

	r.notify(ctx, commuter.EventSpawned, "", &snap)
	return nil
}

// Match claims up to AvailableSeats commuters travelling in the vehicle's
// direction within SearchRadius of it.
func (r *Route) Match(ctx context.Context, req MatchRequest) ([]*commuter.Commuter, error) {
	if !req.Direction.Valid() {
		return nil, fmt.Errorf("%w: vehicle %s", ErrMissingDirection, req.VehicleID)
	}
	if err := validateMatch(req); err != nil {
		return nil, err
	}
	if req.AvailableSeats <= 0 {
		return nil, nil
	}
	cells := location.CellsWithin(req.VehicleLocation, req.SearchRadius, r.cellSize)

	r.mu.Lock()
	var cands []candidate
	for _, seg := range r.nearbyLocked(cells) {
		for _, c := range *seg.list(req.Direction) {
			dist := location.DistanceMeters(req.VehicleLocation, c.SpawnLocation)
			if dist <= req.SearchRadius {
				cands = append(cands, candidate{c: c, dist: dist})
			}
		}
	}
	rank(cands)
	if len(cands) > req.AvailableSeats {
		cands = cands[:req.AvailableSeats]
	}
	matched := make([]*commuter.Commuter, 0, len(cands))
	for _, cand := range cands {
		c := cand.c
		r.checkWaiting(c)
		p := r.index[c.ID]
		seg := r.segments[p.cell]
		if _, ok := seg.take(p.dir, c.ID); !ok {
			r.stats.Violation(fmt.Sprintf("%s: commuter %s indexed but missing from segment %s", r.stats.Name(), c.ID, seg.id))
			continue
		}
		delete(r.index, c.ID)
		seg.pickedUp++
		c.Status = commuter.Matched
		matched = append(matched, c)
	}
	if len(matched) > 0 {
		_ = r.stats.IncrementPickedUpSync(int64(len(matched)))
	}
	r.mu.Unlock()

	r.notify(ctx, commuter.EventPickedUp, req.VehicleID, matched...)
	return matched, nil
}

// nearbyLocked returns the segments inside cells, iterating whichever of the
// cell range or the existing segments is smaller.
func (r *Route) nearbyLocked(cells location.CellRange) []*Segment {
	if cells.Len() <= len(r.segments) {
		var out []*Segment
		cells.Each(func(c location.GridCell) {
			if s, ok := r.segments[c]; ok {
				out = append(out, s)
			}
		})
		return out
	}
	return lo.Filter(lo.Values(r.segments), func(s *Segment, _ int) bool {
		return cells.Contains(s.cell)
	})
}

// Remove expires a commuter. Removing an absent id reports false.
func (r *Route) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	p, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	seg := r.segments[p.cell]
	c, ok := seg.take(p.dir, id)
	delete(r.index, id)
	if !ok {
		r.mu.Unlock()
		r.stats.Violation(fmt.Sprintf("%s: commuter %s indexed but missing from segment %s", r.stats.Name(), id, seg.id))
		return false, nil
	}
	r.checkWaiting(c)
	seg.expired++
	c.Status = commuter.Expired
	_ = r.stats.IncrementExpiredSync(1)
	r.mu.Unlock()

	r.notify(ctx, commuter.EventExpired, "", c)
	return true, nil
}

func (r *Route) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.SumBy(lo.Values(r.segments), func(s *Segment) int { return s.len() })
}

func (r *Route) CountByDirection(dir commuter.Direction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.SumBy(lo.Values(r.segments), func(s *Segment) int { return s.lenDir(dir) })
}

// Segments returns every segment ordered by distance along the route, then
// by cell. Segments without a distance sort after those with one.
func (r *Route) Segments() []SegmentInfo {
	r.mu.Lock()
	out := lo.MapToSlice(r.segments, func(_ location.GridCell, s *Segment) SegmentInfo { return s.info() })
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.HasDistance != b.HasDistance {
			return a.HasDistance
		}
		if a.DistanceAlong != b.DistanceAlong {
			return a.DistanceAlong < b.DistanceAlong
		}
		if a.Cell.Y != b.Cell.Y {
			return a.Cell.Y < b.Cell.Y
		}
		return a.Cell.X < b.Cell.X
	})
	return out
}

// Commuters returns a copy of every waiting commuter, segment by segment in
// route order.
func (r *Route) Commuters() []commuter.Commuter {
	order := r.Segments()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]commuter.Commuter, 0, len(r.index))
	for _, info := range order {
		seg := r.segments[info.Cell]
		for _, c := range seg.outbound {
			out = append(out, *c)
		}
		for _, c := range seg.inbound {
			out = append(out, *c)
		}
	}
	return out
}

func (r *Route) entries(context.Context) []expiry.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]expiry.Entry, 0, len(r.index))
	for _, seg := range r.segments {
		for _, c := range seg.inbound {
			out = append(out, expiry.Entry{ID: c.ID, SpawnedAt: c.SpawnTime})
		}
		for _, c := range seg.outbound {
			out = append(out, expiry.Entry{ID: c.ID, SpawnedAt: c.SpawnTime})
		}
	}
	return out
}
