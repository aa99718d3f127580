package spawn

import (
	"context"
	"math/rand"
	"time"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
)

// DepotSpawner generates commuters at a depot heading to weighted
// destinations.
type DepotSpawner struct {
	depotID      string
	loc          location.Location
	destinations []Candidate
	source       ConfigSource
	rng          *rand.Rand
}

func NewDepotSpawner(depotID string, loc location.Location, destinations []Candidate, source ConfigSource, seed int64) *DepotSpawner {
	return &DepotSpawner{
		depotID:      depotID,
		loc:          loc,
		destinations: destinations,
		source:       source,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func (s *DepotSpawner) Spawn(ctx context.Context, at time.Time, window time.Duration) ([]commuter.SpawnRequest, error) {
	cfg, err := s.source.SpawnConfig(ctx, commuter.DepotKind, s.depotID)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := DrawCount(s.rng, Lambda(cfg, at, window.Minutes()))
	if n == 0 || len(s.destinations) == 0 {
		return nil, nil
	}
	idx := expand(len(s.destinations), Allocate(n, weightsByIndex(s.destinations)))
	reqs := make([]commuter.SpawnRequest, 0, len(idx))
	for _, i := range idx {
		d := s.destinations[i]
		reqs = append(reqs, commuter.SpawnRequest{
			SpawnLocation: s.loc,
			Destination:   d.Location,
			SpawnTime:     at,
			RouteID:       d.RouteID,
			DepotID:       s.depotID,
			Priority:      drawPriority(s.rng),
			TripPurpose:   tripPurpose(s.rng, at.Hour()),
		})
	}
	return reqs, nil
}
