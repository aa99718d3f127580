package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var ErrNegativeIncrement = errors.New("stats: negative increment")

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Name          string        `json:"name"`
	TotalSpawned  int64         `json:"total_spawned"`
	TotalPickedUp int64         `json:"total_picked_up"`
	TotalExpired  int64         `json:"total_expired"`
	WaitingCount  int64         `json:"waiting_count"`
	CreatedAt     time.Time     `json:"created_at"`
	Uptime        time.Duration `json:"uptime"`
}

// Statistics holds the lifetime counters of one reservoir.
//
// The context-aware methods and the *Sync mirrors share a single exclusion
// token, so they may be freely mixed. The token is never held across
// anything but counter arithmetic.
type Statistics struct {
	name   string
	token  chan struct{}
	strict bool
	logger *zap.Logger
	now    func() time.Time

	spawned   int64
	pickedUp  int64
	expired   int64
	createdAt time.Time
}

type Option func(*Statistics)

// WithStrict makes invariant violations panic instead of being logged.
func WithStrict(strict bool) Option { return func(s *Statistics) { s.strict = strict } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Statistics) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Statistics) {
		if now != nil {
			s.now = now
		}
	}
}

func New(name string, opts ...Option) *Statistics {
	s := &Statistics{
		name:   name,
		token:  make(chan struct{}, 1),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.createdAt = s.now()
	return s
}

func (s *Statistics) Name() string { return s.name }

func (s *Statistics) acquire(ctx context.Context) error {
	select {
	case s.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Statistics) acquireSync() { s.token <- struct{}{} }

func (s *Statistics) release() { <-s.token }

func (s *Statistics) IncrementSpawned(ctx context.Context, n int64) error {
	return s.add(ctx, &s.spawned, n, "spawned")
}

func (s *Statistics) IncrementPickedUp(ctx context.Context, n int64) error {
	return s.add(ctx, &s.pickedUp, n, "picked_up")
}

func (s *Statistics) IncrementExpired(ctx context.Context, n int64) error {
	return s.add(ctx, &s.expired, n, "expired")
}

func (s *Statistics) IncrementSpawnedSync(n int64) error { return s.addSync(&s.spawned, n, "spawned") }

func (s *Statistics) IncrementPickedUpSync(n int64) error {
	return s.addSync(&s.pickedUp, n, "picked_up")
}

func (s *Statistics) IncrementExpiredSync(n int64) error { return s.addSync(&s.expired, n, "expired") }

func (s *Statistics) add(ctx context.Context, counter *int64, n int64, field string) error {
	if n < 0 {
		return s.negative(field, n)
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	*counter += n
	s.release()
	return nil
}

func (s *Statistics) addSync(counter *int64, n int64, field string) error {
	if n < 0 {
		return s.negative(field, n)
	}
	s.acquireSync()
	*counter += n
	s.release()
	return nil
}

func (s *Statistics) negative(field string, n int64) error {
	err := fmt.Errorf("%w: %s by %d on %s", ErrNegativeIncrement, field, n, s.name)
	s.violation(err.Error())
	return err
}

// Get returns a snapshot. WaitingCount is derived from the counters unless
// waitingOverride is non-nil.
func (s *Statistics) Get(ctx context.Context, waitingOverride *int) (Snapshot, error) {
	if err := s.acquire(ctx); err != nil {
		return Snapshot{}, err
	}
	snap := s.snapshotLocked()
	s.release()
	return s.finish(snap, waitingOverride), nil
}

// GetSync is the blocking mirror of Get.
func (s *Statistics) GetSync(waitingOverride *int) Snapshot {
	s.acquireSync()
	snap := s.snapshotLocked()
	s.release()
	return s.finish(snap, waitingOverride)
}

func (s *Statistics) snapshotLocked() Snapshot {
	return Snapshot{
		Name:          s.name,
		TotalSpawned:  s.spawned,
		TotalPickedUp: s.pickedUp,
		TotalExpired:  s.expired,
		CreatedAt:     s.createdAt,
	}
}

func (s *Statistics) finish(snap Snapshot, waitingOverride *int) Snapshot {
	snap.Uptime = s.now().Sub(snap.CreatedAt)
	if waitingOverride != nil {
		snap.WaitingCount = int64(*waitingOverride)
		return snap
	}
	snap.WaitingCount = snap.TotalSpawned - snap.TotalPickedUp - snap.TotalExpired
	if snap.WaitingCount < 0 {
		s.violation(fmt.Sprintf("stats %s: negative waiting count %d (spawned=%d picked_up=%d expired=%d)",
			s.name, snap.WaitingCount, snap.TotalSpawned, snap.TotalPickedUp, snap.TotalExpired))
	}
	return snap
}

// Reset zeroes all counters and restarts the uptime clock.
func (s *Statistics) Reset() {
	s.acquireSync()
	s.spawned, s.pickedUp, s.expired = 0, 0, 0
	s.createdAt = s.now()
	s.release()
}

// LogStats writes one line with every counter and the uptime.
func (s *Statistics) LogStats(ctx context.Context, logger *zap.Logger, level zapcore.Level, waitingOverride *int) error {
	if logger == nil {
		logger = s.logger
	}
	snap, err := s.Get(ctx, waitingOverride)
	if err != nil {
		return err
	}
	if ce := logger.Check(level, "reservoir stats"); ce != nil {
		ce.Write(
			zap.String("reservoir", snap.Name),
			zap.Int64("spawned", snap.TotalSpawned),
			zap.Int64("picked_up", snap.TotalPickedUp),
			zap.Int64("expired", snap.TotalExpired),
			zap.Int64("waiting", snap.WaitingCount),
			zap.Duration("uptime", snap.Uptime.Round(time.Second)),
		)
	}
	return nil
}

// Violation reports a broken reservoir invariant under the same strictness
// policy as the counters.
func (s *Statistics) Violation(msg string) { s.violation(msg) }

func (s *Statistics) violation(msg string) {
	if s.strict {
		panic(msg)
	}
	s.logger.Error("invariant violation", zap.String("detail", msg))
}
