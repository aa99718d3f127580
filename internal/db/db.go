package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"commuter-engine/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNoShape is returned when a route has no trip with a shape.
var ErrNoShape = errors.New("route has no shape")

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchRouteShape returns the polyline of the shape most trips of the route
// follow.
func FetchRouteShape(ctx context.Context, db *sql.DB, routeID string) (orb.LineString, error) {
	shapeID, err := representativeShape(ctx, db, routeID)
	if err != nil {
		return nil, err
	}
	pts, err := FetchShapePoints(ctx, db, shapeID)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("%w: shape %s of route %s is empty", ErrNoShape, shapeID, routeID)
	}
	return gtfs.Line(gtfs.Dedupe(pts)), nil
}

func representativeShape(ctx context.Context, db *sql.DB, routeID string) (string, error) {
	q := `
SELECT shape_id
FROM trips
WHERE route_id = $1 AND shape_id IS NOT NULL AND shape_id <> ''
GROUP BY shape_id
ORDER BY COUNT(*) DESC, shape_id
LIMIT 1`
	var shapeID string
	if err := db.QueryRowContext(ctx, q, routeID).Scan(&shapeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNoShape, routeID)
		}
		return "", fmt.Errorf("query route shape: %w", err)
	}
	return shapeID, nil
}

func FetchShapePoints(ctx context.Context, db *sql.DB, shapeID string) ([]gtfs.ShapePoint, error) {
	if shapeID == "" {
		return nil, nil
	}
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	cols, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	q, err := shapeQuery(cols)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

func shapeQuery(cols map[string]bool) (string, error) {
	switch {
	case cols["shape_pt_lat"] && cols["shape_pt_lon"]:
		return `SELECT shape_pt_lat, shape_pt_lon, shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`, nil
	case cols["shape_pt_loc"]:
		return `SELECT ST_Y(shape_pt_loc::geometry) AS lat,
                    ST_X(shape_pt_loc::geometry) AS lon,
                    shape_pt_sequence,
                    COALESCE(shape_dist_traveled, 0)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`, nil
	}
	return "", errors.New("shapes table missing expected columns (lat/lon or shape_pt_loc)")
}

// FetchRouteStops returns the stops of the route's longest trip in stop
// sequence order.
func FetchRouteStops(ctx context.Context, db *sql.DB, routeID string) ([]gtfs.RouteStop, error) {
	cols, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	q, err := stopsQuery(cols)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()
	var stops []gtfs.RouteStop
	for rows.Next() {
		var s gtfs.RouteStop
		if err := rows.Scan(&s.Sequence, &s.StopID, &s.Name, &s.Lat, &s.Lon); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func stopsQuery(cols map[string]bool) (string, error) {
	var lat, lon string
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		lat, lon = "COALESCE(s.stop_lat, 0)", "COALESCE(s.stop_lon, 0)"
	case cols["stop_loc"]:
		lat, lon = "COALESCE(ST_Y(s.stop_loc::geometry), 0)", "COALESCE(ST_X(s.stop_loc::geometry), 0)"
	default:
		return "", errors.New("stops table missing expected columns (stop_lat/lon or stop_loc)")
	}
	return `
WITH longest AS (
  SELECT t.trip_id
  FROM trips t
  JOIN stop_times st ON st.trip_id = t.trip_id
  WHERE t.route_id = $1
  GROUP BY t.trip_id
  ORDER BY COUNT(*) DESC, t.trip_id
  LIMIT 1
)
SELECT st.stop_sequence, st.stop_id, COALESCE(s.stop_name, ''), ` + lat + `, ` + lon + `
FROM stop_times st
JOIN longest l ON l.trip_id = st.trip_id
JOIN stops s ON s.stop_id = st.stop_id
ORDER BY st.stop_sequence`, nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
