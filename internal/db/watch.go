package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SwitchReason labels why the watcher replaced the city database.
const (
	ReasonUpdate      = "update"
	ReasonPingFailure = "ping_failure"
)

// WatcherOptions configures a CityWatcher. Resolve, Open and Ping default to
// the package functions against BaseDSN.
type WatcherOptions struct {
	City     string
	BaseDSN  string
	Current  string
	Interval time.Duration
	Logger   *zap.Logger
	// OnSwitch receives the new connection. It owns closing the old one.
	OnSwitch func(conn *sql.DB, name, reason string)

	Resolve func(ctx context.Context) (string, error)
	Open    func(dsn string) (*sql.DB, error)
	Ping    func(ctx context.Context, conn *sql.DB) error
}

// CityWatcher follows the latest GTFS import of a city and reconnects when
// a newer import is published or the current database stops answering.
type CityWatcher struct {
	opts   WatcherOptions
	logger *zap.SugaredLogger

	mu      sync.Mutex
	conn    *sql.DB
	current string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCityWatcher(conn *sql.DB, opts WatcherOptions) *CityWatcher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Open == nil {
		opts.Open = Open
	}
	if opts.Ping == nil {
		opts.Ping = Ping
	}
	if opts.Resolve == nil {
		opts.Resolve = func(ctx context.Context) (string, error) {
			metaDSN, err := MetaDSN(opts.BaseDSN)
			if err != nil {
				return "", err
			}
			meta, err := opts.Open(metaDSN)
			if err != nil {
				return "", err
			}
			defer meta.Close()
			return ResolveLatestImportDBName(ctx, meta, opts.City)
		}
	}
	return &CityWatcher{
		opts:    opts,
		logger:  opts.Logger.Sugar().With("component", "db-watch", "city", opts.City),
		conn:    conn,
		current: opts.Current,
	}
}

// Current is the database name in use.
func (w *CityWatcher) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Check runs one watch cycle and reports whether it switched databases.
func (w *CityWatcher) Check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 1) Ping current DB; if it fails, force a reconnect
	reason := ""
	if w.conn == nil || w.opts.Ping(ctx, w.conn) != nil {
		reason = ReasonPingFailure
	}

	// 2) Always re-resolve latest import, compare db_name
	target := w.current
	name, err := w.opts.Resolve(ctx)
	if err != nil {
		if reason == "" {
			return false, err
		}
		w.logger.Warnf("resolve latest import: %v", err)
	} else if name != "" && name != w.current {
		w.logger.Infof("detected updated database %q -> %q", w.current, name)
		target = name
		reason = ReasonUpdate
	}
	if reason == "" {
		return false, nil
	}
	if target == "" {
		return false, errors.New("no database to reconnect to")
	}

	dsn, err := WithDBName(w.opts.BaseDSN, target)
	if err != nil {
		return false, err
	}
	conn, err := w.opts.Open(dsn)
	if err != nil {
		return false, err
	}
	if err := w.opts.Ping(ctx, conn); err != nil {
		conn.Close()
		return false, err
	}
	w.conn = conn
	w.current = target
	w.logger.Infof("switched to database %q (%s)", target, reason)
	if w.opts.OnSwitch != nil {
		w.opts.OnSwitch(conn, target, reason)
	}
	return true, nil
}

// Start checks every interval until ctx ends or Stop is called.
func (w *CityWatcher) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.Check(ctx); err != nil {
					w.logger.Warnf("city database check: %v", err)
				}
			}
		}
	}()
}

func (w *CityWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
