package reservoir

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/expiry"
	"commuter-engine/internal/location"
	"commuter-engine/internal/spawn"
	"commuter-engine/internal/stats"
)

var (
	ErrDuplicateCommuter = errors.New("commuter already in reservoir")
	ErrMissingDirection  = errors.New("direction is required")
)

// Notifier receives lifecycle events after the pool lock is released.
// Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev commuter.Event)
}

type NotifierFunc func(ctx context.Context, ev commuter.Event)

func (f NotifierFunc) Notify(ctx context.Context, ev commuter.Event) { f(ctx, ev) }

// Notifiers fans an event out to each non-nil notifier in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev commuter.Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// MatchRequest is a vehicle asking for commuters to board.
type MatchRequest struct {
	VehicleID       string
	VehicleLocation location.Location
	SearchRadius    float64 // metres
	AvailableSeats  int
	Direction       commuter.Direction
}

// Reservoir is the surface shared by depot and route reservoirs.
type Reservoir interface {
	ID() string
	Kind() commuter.ReservoirKind
	AddCommuter(ctx context.Context, c *commuter.Commuter) error
	Match(ctx context.Context, req MatchRequest) ([]*commuter.Commuter, error)
	Remove(ctx context.Context, id string) (bool, error)
	Count() int
	Commuters() []commuter.Commuter
	Stats(ctx context.Context) (stats.Snapshot, error)
	Statistics() *stats.Statistics
	Start(ctx context.Context) error
	Stop()
}

type Options struct {
	Logger   *zap.Logger
	Notifier Notifier
	Clock    func() time.Time
	Strict   bool

	SpawnInterval time.Duration
	SpawnWindow   time.Duration
	ScanInterval  time.Duration
	Timeout       time.Duration
	Observer      spawn.CycleObserver

	// CellSize is the route grid resolution in degrees.
	CellSize float64
	// Shapes supplies the route polyline used to order segments.
	Shapes spawn.ShapeSource
}

// base carries what every reservoir kind owns besides its pool: identity,
// statistics, and the spawning/expiration pair.
type base struct {
	id       string
	kind     commuter.ReservoirKind
	logger   *zap.SugaredLogger
	notifier Notifier
	now      func() time.Time
	stats    *stats.Statistics

	coordinator *spawn.Coordinator
	expirer     *expiry.Manager
}

func newBase(kind commuter.ReservoirKind, id string, opts Options) base {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	name := string(kind) + ":" + id
	return base{
		id:       id,
		kind:     kind,
		logger:   opts.Logger.Sugar().With("reservoir", name),
		notifier: opts.Notifier,
		now:      opts.Clock,
		stats: stats.New(name,
			stats.WithStrict(opts.Strict),
			stats.WithLogger(opts.Logger),
			stats.WithClock(opts.Clock),
		),
	}
}

// wire builds the coordinator (when a spawner is given) and the expiration
// manager around the reservoir's own insert and remove paths.
func (b *base) wire(spawner spawn.Spawner, add func(context.Context, *commuter.Commuter) error, entries expiry.Accessor, remove expiry.Remover, opts Options) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	name := b.stats.Name()
	if spawner != nil {
		b.coordinator = spawn.NewCoordinator(spawner, func(ctx context.Context, req commuter.SpawnRequest) error {
			c, err := commuter.FromRequest(req, b.now())
			if err != nil {
				return err
			}
			return add(ctx, c)
		}, spawn.CoordinatorOptions{
			Name:     name,
			Interval: opts.SpawnInterval,
			Window:   opts.SpawnWindow,
			Clock:    b.now,
			Logger:   opts.Logger,
			Observer: opts.Observer,
		})
	}
	b.expirer = expiry.New(entries, remove, expiry.Options{
		Name:         name,
		ScanInterval: opts.ScanInterval,
		Timeout:      opts.Timeout,
		Clock:        b.now,
		Logger:       opts.Logger,
	})
}

func (b *base) ID() string                      { return b.id }
func (b *base) Kind() commuter.ReservoirKind    { return b.kind }
func (b *base) Statistics() *stats.Statistics   { return b.stats }
func (b *base) Coordinator() *spawn.Coordinator { return b.coordinator }
func (b *base) Expirer() *expiry.Manager        { return b.expirer }

// Stats returns the counters with the waiting count derived from them.
func (b *base) Stats(ctx context.Context) (stats.Snapshot, error) {
	return b.stats.Get(ctx, nil)
}

func (b *base) start(ctx context.Context) error {
	if b.coordinator != nil {
		if err := b.coordinator.Start(ctx); err != nil {
			return err
		}
	}
	if err := b.expirer.Start(ctx); err != nil {
		if b.coordinator != nil {
			b.coordinator.Stop()
		}
		return err
	}
	return nil
}

// Stop halts spawning before expiration so no insert races the final scan.
func (b *base) Stop() {
	if b.coordinator != nil {
		b.coordinator.Stop()
	}
	b.expirer.Stop()
}

func (b *base) notify(ctx context.Context, typ commuter.EventType, vehicleID string, cs ...*commuter.Commuter) {
	for _, c := range cs {
		b.logger.Debugw(string(typ), "commuter", c.ID, "vehicle", vehicleID)
		if b.notifier == nil {
			continue
		}
		b.notifier.Notify(ctx, commuter.Event{
			Type:        typ,
			Kind:        b.kind,
			ReservoirID: b.id,
			VehicleID:   vehicleID,
			Commuter:    *c,
		})
	}
}

// checkWaiting flags a pooled commuter that is no longer waiting. Called
// with the pool lock held.
func (b *base) checkWaiting(c *commuter.Commuter) {
	if c.Status != commuter.Waiting {
		b.stats.Violation(fmt.Sprintf("%s: pooled commuter %s has status %s", b.stats.Name(), c.ID, c.Status))
	}
}

func validateMatch(req MatchRequest) error {
	if !req.VehicleLocation.Valid() {
		return fmt.Errorf("%w: vehicle %s", location.ErrInvalidLocation, req.VehicleLocation)
	}
	if req.SearchRadius < 0 {
		return fmt.Errorf("negative search radius %v", req.SearchRadius)
	}
	return nil
}

type candidate struct {
	c    *commuter.Commuter
	dist float64
}

// rank orders candidates by distance, then priority, then spawn time, then id.
func rank(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.c.Priority != b.c.Priority {
			return a.c.Priority < b.c.Priority
		}
		if !a.c.SpawnTime.Equal(b.c.SpawnTime) {
			return a.c.SpawnTime.Before(b.c.SpawnTime)
		}
		return a.c.ID < b.c.ID
	})
}

func validCommuter(c *commuter.Commuter) error {
	if c == nil {
		return errors.New("nil commuter")
	}
	if !c.SpawnLocation.Valid() {
		return fmt.Errorf("%w: commuter %s at %s", commuter.ErrMissingLocation, c.ID, c.SpawnLocation)
	}
	if c.ID == "" {
		return errors.New("commuter id is required")
	}
	return nil
}
