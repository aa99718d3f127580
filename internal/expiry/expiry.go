package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("already running")

const (
	DefaultScanInterval = 10 * time.Second
	DefaultTimeout      = 30 * time.Minute
)

// Entry is the minimal view of a waiting commuter needed to age it out.
type Entry struct {
	ID        string
	SpawnedAt time.Time
}

// Accessor lists the commuters currently waiting. It must return a copy.
type Accessor func(ctx context.Context) []Entry

// Remover expires one commuter. It reports false when the id was already
// gone, which is not an error.
type Remover func(ctx context.Context, id string) (bool, error)

type Options struct {
	Name         string
	ScanInterval time.Duration
	Timeout      time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Manager periodically removes commuters that have waited longer than the
// timeout.
type Manager struct {
	name    string
	entries Accessor
	remove  Remover
	now     func() time.Time
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	scanMu sync.Mutex

	expired atomic.Int64
	failed  atomic.Int64
}

func New(entries Accessor, remove Remover, opts Options) *Manager {
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		name:     opts.Name,
		entries:  entries,
		remove:   remove,
		now:      opts.Clock,
		logger:   opts.Logger.Sugar().With("expirer", opts.Name),
		interval: opts.ScanInterval,
		timeout:  opts.Timeout,
	}
}

func (m *Manager) Start(parent context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runningLocked() {
		return fmt.Errorf("expiration manager %s: %w", m.name, ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go m.run(ctx, done)
	m.logger.Infof("expiration started (scan=%s timeout=%s)", m.interval, m.timeout)
	return nil
}

// Stop cancels the scan loop and waits for it. No-op when not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Infof("expiration stopped (expired=%d failed=%d)", m.expired.Load(), m.failed.Load())
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		timer := time.NewTimer(m.ScanInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.ScanOnce(ctx, time.Time{})
	}
}

// ScanOnce removes every entry older than the timeout at now (the manager
// clock when zero) and returns how many were removed by this scan.
func (m *Manager) ScanOnce(ctx context.Context, now time.Time) int {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	if now.IsZero() {
		now = m.now()
	}
	timeout := m.Timeout()
	removed := 0
	for _, e := range m.entries(ctx) {
		if ctx.Err() != nil {
			break
		}
		if now.Sub(e.SpawnedAt) <= timeout {
			continue
		}
		ok, err := m.invoke(ctx, e.ID)
		if err != nil {
			m.failed.Inc()
			m.logger.Warnw("expire failed", "commuter", e.ID, "age", now.Sub(e.SpawnedAt).Round(time.Second), "error", err)
			continue
		}
		if ok {
			removed++
			m.expired.Inc()
		}
	}
	if removed > 0 {
		m.logger.Debugf("expired %d commuters", removed)
	}
	return removed
}

func (m *Manager) invoke(ctx context.Context, id string) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remover panic: %v", r)
		}
	}()
	return m.remove(ctx, id)
}

func (m *Manager) ScanInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// UpdateTimeout applies from the next scan.
func (m *Manager) UpdateTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// UpdateScanInterval applies after the current wait.
func (m *Manager) UpdateScanInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

func (m *Manager) TotalExpired() int64 { return m.expired.Load() }
func (m *Manager) TotalFailed() int64  { return m.failed.Load() }
