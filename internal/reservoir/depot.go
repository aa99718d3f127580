package reservoir

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/expiry"
	"commuter-engine/internal/location"
	"commuter-engine/internal/spawn"
)

// Depot is a single waiting pool at one depot.
type Depot struct {
	base
	loc location.Location

	mu   sync.Mutex
	pool map[string]*commuter.Commuter
}

var _ Reservoir = (*Depot)(nil)

// NewDepot builds a depot reservoir. A nil spawner disables spawning; the
// reservoir still accepts inserts and expires commuters.
func NewDepot(id string, loc location.Location, spawner spawn.Spawner, opts Options) *Depot {
	d := &Depot{
		base: newBase(commuter.DepotKind, id, opts),
		loc:  loc,
		pool: make(map[string]*commuter.Commuter),
	}
	d.wire(spawner, d.AddCommuter, d.entries, d.Remove, opts)
	return d
}

func (d *Depot) Location() location.Location { return d.loc }

func (d *Depot) Start(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return err
	}
	d.logger.Infof("depot reservoir started at %s", d.loc)
	return nil
}

func (d *Depot) AddCommuter(ctx context.Context, c *commuter.Commuter) error {
	if err := validCommuter(c); err != nil {
		return err
	}
	d.mu.Lock()
	if _, exists := d.pool[c.ID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCommuter, c.ID)
	}
	c.Status = commuter.Waiting
	d.pool[c.ID] = c
	_ = d.stats.IncrementSpawnedSync(1)
	snap := *c
	d.mu.Unlock()

	d.notify(ctx, commuter.EventSpawned, "", &snap)
	return nil
}

// Match claims up to AvailableSeats commuters within SearchRadius of the
// vehicle. A non-empty direction restricts the match to commuters with that
// direction or none.
func (d *Depot) Match(ctx context.Context, req MatchRequest) ([]*commuter.Commuter, error) {
	if err := validateMatch(req); err != nil {
		return nil, err
	}
	if req.AvailableSeats <= 0 {
		return nil, nil
	}

	d.mu.Lock()
	var cands []candidate
	for _, c := range d.pool {
		if req.Direction != "" && c.Direction != "" && c.Direction != req.Direction {
			continue
		}
		dist := location.DistanceMeters(req.VehicleLocation, c.SpawnLocation)
		if dist <= req.SearchRadius {
			cands = append(cands, candidate{c: c, dist: dist})
		}
	}
	rank(cands)
	if len(cands) > req.AvailableSeats {
		cands = cands[:req.AvailableSeats]
	}
	matched := make([]*commuter.Commuter, 0, len(cands))
	for _, cand := range cands {
		d.checkWaiting(cand.c)
		delete(d.pool, cand.c.ID)
		cand.c.Status = commuter.Matched
		matched = append(matched, cand.c)
	}
	if len(matched) > 0 {
		_ = d.stats.IncrementPickedUpSync(int64(len(matched)))
	}
	d.mu.Unlock()

	d.notify(ctx, commuter.EventPickedUp, req.VehicleID, matched...)
	return matched, nil
}

// Remove expires a commuter. Removing an absent id reports false.
func (d *Depot) Remove(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	c, ok := d.pool[id]
	if !ok {
		d.mu.Unlock()
		return false, nil
	}
	d.checkWaiting(c)
	delete(d.pool, id)
	c.Status = commuter.Expired
	_ = d.stats.IncrementExpiredSync(1)
	d.mu.Unlock()

	d.notify(ctx, commuter.EventExpired, "", c)
	return true, nil
}

func (d *Depot) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pool)
}

// Commuters returns a copy of the waiting pool ordered by spawn time.
func (d *Depot) Commuters() []commuter.Commuter {
	d.mu.Lock()
	out := make([]commuter.Commuter, 0, len(d.pool))
	for _, c := range d.pool {
		out = append(out, *c)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnTime.Equal(out[j].SpawnTime) {
			return out[i].SpawnTime.Before(out[j].SpawnTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Depot) entries(context.Context) []expiry.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]expiry.Entry, 0, len(d.pool))
	for id, c := range d.pool {
		out = append(out, expiry.Entry{ID: id, SpawnedAt: c.SpawnTime})
	}
	return out
}
