package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrNoImport is returned when no GTFS import matches the city.
var ErrNoImport = errors.New("no gtfs import found")

// MetaDatabase holds public.latest_successful_imports on the cluster.
const MetaDatabase = "postgres"

// MetaDSN points dsn at the cluster's meta database.
func MetaDSN(dsn string) (string, error) { return WithDBName(dsn, MetaDatabase) }

// ResolveLatestImportDBName returns the db_name with the most recent imported_at
// from public.latest_successful_imports where db_name ILIKE '%city%'.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", errors.New("city is required")
	}
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: city like %q", ErrNoImport, city)
		}
		return "", fmt.Errorf("resolve import for %q: %w", city, err)
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("%w: empty db_name for city like %q", ErrNoImport, city)
	}
	return dbName.String, nil
}

// OpenForCity connects to the cluster DSN and, when city is set, switches to
// the database of the city's latest GTFS import, resolved through the meta
// database.
func OpenForCity(ctx context.Context, dsn, city string) (*sql.DB, string, error) {
	return openForCity(ctx, dsn, city, Open)
}

func openForCity(ctx context.Context, dsn, city string, open func(string) (*sql.DB, error)) (*sql.DB, string, error) {
	if strings.TrimSpace(city) == "" {
		conn, err := open(dsn)
		if err != nil {
			return nil, "", err
		}
		return conn, "", nil
	}
	metaDSN, err := MetaDSN(dsn)
	if err != nil {
		return nil, "", err
	}
	meta, err := open(metaDSN)
	if err != nil {
		return nil, "", err
	}
	defer meta.Close()
	name, err := ResolveLatestImportDBName(ctx, meta, city)
	if err != nil {
		return nil, "", err
	}
	cityDSN, err := WithDBName(dsn, name)
	if err != nil {
		return nil, "", err
	}
	conn, err := open(cityDSN)
	if err != nil {
		return nil, "", err
	}
	return conn, name, nil
}
