package spawn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"commuter-engine/internal/commuter"
)

var ErrAlreadyRunning = errors.New("already running")

// Spawner produces the spawn requests for one window ending at at.
type Spawner interface {
	Spawn(ctx context.Context, at time.Time, window time.Duration) ([]commuter.SpawnRequest, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, at time.Time, window time.Duration) ([]commuter.SpawnRequest, error)

func (f SpawnerFunc) Spawn(ctx context.Context, at time.Time, window time.Duration) ([]commuter.SpawnRequest, error) {
	return f(ctx, at, window)
}

// Callback consumes one spawn request, typically a reservoir insert.
type Callback func(ctx context.Context, req commuter.SpawnRequest) error

// CycleObserver receives the outcome of every spawn cycle.
type CycleObserver interface {
	SpawnCycle(name string, requests, failed int, d time.Duration, err error)
}

type CoordinatorOptions struct {
	Name     string
	Interval time.Duration
	Window   time.Duration // defaults to Interval
	Clock    func() time.Time
	Logger   *zap.Logger
	Observer CycleObserver
}

// Coordinator runs a spawner periodically and feeds each request to a
// callback.
type Coordinator struct {
	name     string
	spawner  Spawner
	callback Callback
	now      func() time.Time
	logger   *zap.SugaredLogger
	observer CycleObserver

	mu       sync.Mutex
	interval time.Duration
	window   time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	cycleMu sync.Mutex // serializes cycles

	spawned atomic.Int64
	failed  atomic.Int64
	cycles  atomic.Int64
}

func NewCoordinator(spawner Spawner, callback Callback, opts CoordinatorOptions) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = opts.Interval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		name:     opts.Name,
		spawner:  spawner,
		callback: callback,
		now:      opts.Clock,
		logger:   opts.Logger.Sugar().With("coordinator", opts.Name),
		observer: opts.Observer,
		interval: opts.Interval,
		window:   opts.Window,
	}
}

// Start launches the periodic cycle. The first cycle runs immediately.
func (c *Coordinator) Start(parent context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() {
		return fmt.Errorf("spawning coordinator %s: %w", c.name, ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go c.run(ctx, done)
	c.logger.Infof("spawning started (interval=%s window=%s)", c.interval, c.window)
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call when stopped.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Infof("spawning stopped (spawned=%d failed=%d)", c.spawned.Load(), c.failed.Load())
}

func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningLocked()
}

func (c *Coordinator) runningLocked() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if _, err := c.GenerateAndProcessSpawns(ctx, time.Time{}); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrConfigNotFound) {
				c.logger.Errorf("spawn cycle skipped: %v", err)
			} else {
				c.logger.Warnf("spawn cycle skipped: %v", err)
			}
		}
		timer := time.NewTimer(c.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// GenerateAndProcessSpawns runs one cycle for the window ending at at (the
// coordinator clock when zero). Callback failures are counted and logged;
// the returned count is the number of requests produced.
func (c *Coordinator) GenerateAndProcessSpawns(ctx context.Context, at time.Time) (int, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if at.IsZero() {
		at = c.now()
	}
	window := c.Window()
	start := time.Now()
	reqs, err := c.spawner.Spawn(ctx, at, window)
	if err != nil {
		err = fmt.Errorf("spawner %s: %w", c.name, err)
		c.observe(0, 0, start, err)
		return 0, err
	}
	c.cycles.Inc()

	failed := 0
	for i, req := range reqs {
		if ctx.Err() != nil {
			c.logger.Debugf("cycle cancelled after %d/%d requests", i, len(reqs))
			c.observe(len(reqs), failed, start, ctx.Err())
			return len(reqs), ctx.Err()
		}
		if err := c.invoke(ctx, req); err != nil {
			failed++
			c.failed.Inc()
			c.logger.Warnw("spawn callback failed",
				"request", i,
				"route", req.RouteID,
				"depot", req.DepotID,
				"direction", req.Direction,
				"error", err,
			)
			continue
		}
		c.spawned.Inc()
	}
	if len(reqs) > 0 {
		c.logger.Debugf("cycle at %s: %d requests, %d failed", at.Format(time.RFC3339), len(reqs), failed)
	}
	c.observe(len(reqs), failed, start, nil)
	return len(reqs), nil
}

func (c *Coordinator) invoke(ctx context.Context, req commuter.SpawnRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return c.callback(ctx, req)
}

func (c *Coordinator) observe(requests, failed int, start time.Time, err error) {
	if c.observer != nil {
		c.observer.SpawnCycle(c.name, requests, failed, time.Since(start), err)
	}
}

func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *Coordinator) Window() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// UpdateSpawnInterval takes effect after the current wait.
func (c *Coordinator) UpdateSpawnInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
}

// UpdateTimeWindow takes effect on the next cycle.
func (c *Coordinator) UpdateTimeWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.window = d
	c.mu.Unlock()
}

func (c *Coordinator) TotalSpawned() int64 { return c.spawned.Load() }
func (c *Coordinator) TotalFailed() int64  { return c.failed.Load() }

// SuccessRate is spawned/(spawned+failed), or 0 before any request.
func (c *Coordinator) SuccessRate() float64 {
	s, f := c.spawned.Load(), c.failed.Load()
	if s+f == 0 {
		return 0
	}
	return float64(s) / float64(s+f)
}

type CoordinatorStats struct {
	Name         string        `json:"name"`
	Running      bool          `json:"running"`
	Cycles       int64         `json:"cycles"`
	TotalSpawned int64         `json:"total_spawned"`
	TotalFailed  int64         `json:"total_failed"`
	SuccessRate  float64       `json:"success_rate"`
	Interval     time.Duration `json:"interval"`
	Window       time.Duration `json:"window"`
}

func (c *Coordinator) Stats() CoordinatorStats {
	return CoordinatorStats{
		Name:         c.name,
		Running:      c.Running(),
		Cycles:       c.cycles.Load(),
		TotalSpawned: c.spawned.Load(),
		TotalFailed:  c.failed.Load(),
		SuccessRate:  c.SuccessRate(),
		Interval:     c.Interval(),
		Window:       c.Window(),
	}
}
