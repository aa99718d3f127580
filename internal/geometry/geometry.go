package geometry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"commuter-engine/internal/db"
)

var ErrNotFound = errors.New("route geometry not found")

// Provider supplies the ordered polyline of a route.
type Provider interface {
	RouteShape(ctx context.Context, routeID string) (orb.LineString, error)
}

// Static serves polylines held in memory.
type Static struct {
	mu    sync.RWMutex
	lines map[string]orb.LineString
}

func NewStatic() *Static { return &Static{lines: make(map[string]orb.LineString)} }

func (s *Static) Set(routeID string, line orb.LineString) {
	s.mu.Lock()
	s.lines[routeID] = line
	s.mu.Unlock()
}

func (s *Static) RouteShape(_ context.Context, routeID string) (orb.LineString, error) {
	s.mu.RLock()
	line, ok := s.lines[routeID]
	s.mu.RUnlock()
	if !ok || len(line) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, routeID)
	}
	return line, nil
}

// Database reads route shapes from a GTFS database. The connection can be
// swapped when a newer import of the city is published.
type Database struct {
	mu sync.RWMutex
	db *sql.DB
}

func NewDatabase(conn *sql.DB) *Database { return &Database{db: conn} }

// Swap installs conn and returns the previous connection for the caller to
// close.
func (d *Database) Swap(conn *sql.DB) *sql.DB {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.db
	d.db = conn
	return old
}

func (d *Database) conn() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

func (d *Database) RouteShape(ctx context.Context, routeID string) (orb.LineString, error) {
	conn := d.conn()
	if conn == nil {
		return nil, fmt.Errorf("%w: %s (no database)", ErrNotFound, routeID)
	}
	line, err := db.FetchRouteShape(ctx, conn, routeID)
	if errors.Is(err, db.ErrNoShape) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return line, err
}

// Chain asks each provider in turn, moving on only when one has no
// geometry for the route.
type Chain []Provider

func (c Chain) RouteShape(ctx context.Context, routeID string) (orb.LineString, error) {
	for _, p := range c {
		line, err := p.RouteShape(ctx, routeID)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, routeID)
}

// Cached memoizes another provider in a bounded LRU. Concurrent misses for
// the same route share one upstream call; errors are not cached.
type Cached struct {
	next  Provider
	cache *lru.Cache[string, orb.LineString]
	group singleflight.Group
}

func NewCached(next Provider, size int) (*Cached, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, orb.LineString](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) RouteShape(ctx context.Context, routeID string) (orb.LineString, error) {
	if line, ok := c.cache.Get(routeID); ok {
		return line, nil
	}
	v, err, _ := c.group.Do(routeID, func() (any, error) {
		if line, ok := c.cache.Get(routeID); ok {
			return line, nil
		}
		line, err := c.next.RouteShape(ctx, routeID)
		if err != nil {
			return nil, err
		}
		c.cache.Add(routeID, line)
		return line, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(orb.LineString), nil
}

func (c *Cached) Len() int { return c.cache.Len() }

// Purge drops every cached polyline, e.g. after switching GTFS database.
func (c *Cached) Purge() { c.cache.Purge() }

// Preload fetches the geometry of every route with at most limit requests
// in flight. Failures are logged; the first one is returned after all
// routes were attempted.
func Preload(ctx context.Context, p Provider, routeIDs []string, limit int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 4
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range routeIDs {
		g.Go(func() error {
			line, err := p.RouteShape(ctx, id)
			if err != nil {
				logger.Warn("route geometry preload failed", zap.String("route", id), zap.Error(err))
				return fmt.Errorf("route %s: %w", id, err)
			}
			logger.Debug("route geometry loaded", zap.String("route", id), zap.Int("points", len(line)))
			return nil
		})
	}
	return g.Wait()
}
