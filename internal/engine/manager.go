package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/config"
	"commuter-engine/internal/reservoir"
	"commuter-engine/internal/spawn"
)

var (
	ErrUnknownReservoir   = errors.New("unknown reservoir")
	ErrDuplicateReservoir = errors.New("duplicate reservoir")
)

// Observer receives match timings and waiting counts, typically the
// metrics collector.
type Observer interface {
	ObserveMatch(kind commuter.ReservoirKind, d time.Duration, err error)
	// QueryFailed counts a query rejected before it reached a reservoir.
	QueryFailed()
	SetWaiting(kind commuter.ReservoirKind, reservoir string, n int64)
}

type Options struct {
	Logger *zap.Logger
	// Reservoir is applied to every reservoir the manager builds.
	Reservoir reservoir.Options
	// Source supplies spawn configs. Nil builds reservoirs without spawning.
	Source spawn.ConfigSource
	// Stops supplies GTFS stops for routes the file lists no stops for.
	Stops    spawn.StopSource
	Observer Observer
	// Seed seeds the spawners; zero uses the current time.
	Seed int64
}

type key struct {
	kind commuter.ReservoirKind
	id   string
}

// Manager owns every reservoir of the process and starts and stops them
// together.
type Manager struct {
	logger   *zap.SugaredLogger
	base     *zap.Logger
	opts     Options
	observer Observer

	// lifecycle serializes Start and Stop; mu guards the fields below it.
	lifecycle    sync.Mutex
	mu           sync.RWMutex
	reservoirs   map[key]reservoir.Reservoir
	started      []reservoir.Reservoir
	reportCancel context.CancelFunc
	reportWG     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Reservoir.Logger == nil {
		opts.Reservoir.Logger = opts.Logger
	}
	return &Manager{
		logger:     opts.Logger.Sugar().With("component", "engine"),
		base:       opts.Logger,
		opts:       opts,
		observer:   opts.Observer,
		reservoirs: make(map[key]reservoir.Reservoir),
	}
}

// Build creates a manager holding one reservoir per entry of the file.
func Build(spec *config.Reservoirs, opts Options) (*Manager, error) {
	m := NewManager(opts)
	for _, d := range spec.Depots {
		if _, err := m.AddDepot(d); err != nil {
			return nil, err
		}
	}
	for _, r := range spec.Routes {
		if _, err := m.AddRoute(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) nextSeed() int64 {
	return m.opts.Seed + int64(len(m.reservoirs))
}

func (m *Manager) AddDepot(d config.DepotSpec) (*reservoir.Depot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{commuter.DepotKind, d.ID}
	if _, ok := m.reservoirs[k]; ok {
		return nil, fmt.Errorf("%w: depot %s", ErrDuplicateReservoir, d.ID)
	}
	var sp spawn.Spawner
	if m.opts.Source != nil {
		sp = spawn.NewDepotSpawner(d.ID, d.Location, d.Destinations, m.opts.Source, m.nextSeed())
	}
	dep := reservoir.NewDepot(d.ID, d.Location, sp, m.opts.Reservoir)
	m.reservoirs[k] = dep
	return dep, nil
}

func (m *Manager) AddRoute(r config.RouteSpec) (*reservoir.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{commuter.RouteKind, r.ID}
	if _, ok := m.reservoirs[k]; ok {
		return nil, fmt.Errorf("%w: route %s", ErrDuplicateReservoir, r.ID)
	}
	var sp spawn.Spawner
	if m.opts.Source != nil {
		rs := spawn.NewRouteSpawner(r.ID, r.Stops, m.opts.Reservoir.Shapes, r.Share(), m.opts.Source, m.nextSeed())
		if m.opts.Stops != nil {
			rs.WithStopSource(m.opts.Stops)
		}
		sp = rs
	}
	rt := reservoir.NewRoute(r.ID, sp, m.opts.Reservoir)
	m.reservoirs[k] = rt
	return rt, nil
}

func (m *Manager) Depot(id string) (*reservoir.Depot, bool) {
	r, ok := m.lookup(commuter.DepotKind, id)
	if !ok {
		return nil, false
	}
	d, ok := r.(*reservoir.Depot)
	return d, ok
}

func (m *Manager) Route(id string) (*reservoir.Route, bool) {
	r, ok := m.lookup(commuter.RouteKind, id)
	if !ok {
		return nil, false
	}
	rt, ok := r.(*reservoir.Route)
	return rt, ok
}

func (m *Manager) lookup(kind commuter.ReservoirKind, id string) (reservoir.Reservoir, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservoirs[key{kind, id}]
	return r, ok
}

// Reservoirs lists depots then routes, each ordered by id.
func (m *Manager) Reservoirs() []reservoir.Reservoir {
	m.mu.RLock()
	out := make([]reservoir.Reservoir, 0, len(m.reservoirs))
	for _, r := range m.reservoirs {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind() != out[j].Kind() {
			return out[i].Kind() == commuter.DepotKind
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Start starts every reservoir. On failure the ones already started are
// stopped again. Lookups and queries are not blocked while reservoirs load
// their geometry.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.mu.RLock()
	running := len(m.started) > 0
	m.mu.RUnlock()
	if running {
		return errors.New("engine already started")
	}

	var started []reservoir.Reservoir
	for _, r := range m.Reservoirs() {
		if err := r.Start(ctx); err != nil {
			for _, s := range started {
				s.Stop()
			}
			return fmt.Errorf("start %s %s: %w", r.Kind(), r.ID(), err)
		}
		started = append(started, r)
	}
	m.mu.Lock()
	m.started = started
	m.mu.Unlock()
	m.logger.Infof("started %d reservoirs", len(started))
	return nil
}

// Stop halts the stats reporter and every reservoir, waiting for their
// background tasks.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	cancel := m.reportCancel
	m.reportCancel = nil
	started := m.started
	m.started = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.reportWG.Wait()

	var wg sync.WaitGroup
	for _, r := range started {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Stop()
		}()
	}
	wg.Wait()
	if len(started) > 0 {
		m.logger.Infof("stopped %d reservoirs", len(started))
	}
}

// ReportStats logs the statistics line of every reservoir and publishes
// the live waiting counts.
func (m *Manager) ReportStats(ctx context.Context) {
	for _, r := range m.Reservoirs() {
		if err := r.Statistics().LogStats(ctx, m.base, zapcore.InfoLevel, nil); err != nil {
			m.logger.Warnf("stats %s %s: %v", r.Kind(), r.ID(), err)
			return
		}
		if m.observer != nil {
			m.observer.SetWaiting(r.Kind(), r.ID(), int64(r.Count()))
		}
	}
}

// StartStatsReporter reports statistics every interval until ctx ends or
// Stop is called.
func (m *Manager) StartStatsReporter(parent context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.mu.Lock()
	if m.reportCancel != nil {
		m.reportCancel()
	}
	m.reportCancel = cancel
	m.mu.Unlock()
	m.reportWG.Add(1)
	go func() {
		defer m.reportWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReportStats(ctx)
			}
		}
	}()
}
