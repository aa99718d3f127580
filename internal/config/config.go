package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	// DatabaseURL is the GTFS cluster DSN. Empty disables database geometry.
	DatabaseURL string
	City        string

	NATSURL           string
	NATSSubjectPrefix string
	NATSQuerySubject  string

	// CMSURL is the CMS base URL. Empty disables CMS configs and notifications.
	CMSURL     string
	CMSTimeout time.Duration

	ReservoirsFile string

	SpawnInterval    time.Duration
	SpawnWindow      time.Duration
	ExpireScan       time.Duration
	ExpireTimeout    time.Duration
	StatsLogInterval time.Duration
	GridCellDeg      float64

	GeometryCacheSize int
	MetricsAddr       string
	Location          *time.Location

	LogEvents        bool
	StrictInvariants bool
	LogLevel         string
	LogDevelopment   bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	cfg.City = strings.TrimSpace(firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")))
	if cfg.DatabaseURL == "" {
		db := os.Getenv("PGDATABASE")
		// With CITY the base DB is only used to resolve the latest import.
		if db == "" && cfg.City != "" {
			db = "postgres"
		}
		if db != "" {
			cfg.DatabaseURL = pgDSN(db)
		}
	}
	if cfg.City != "" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("CITY=%q requires DATABASE_URL or PG* settings", cfg.City)
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = strings.TrimSpace(os.Getenv("NATS_SUBJECT_PREFIX"))
	cfg.NATSQuerySubject = getenvDefault("NATS_QUERY_SUBJECT", "reservoir.query")

	cfg.CMSURL = strings.TrimSpace(os.Getenv("CMS_URL"))
	cfg.ReservoirsFile = getenvDefault("RESERVOIRS_FILE", "reservoirs.yml")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	var err error
	if cfg.CMSTimeout, err = positiveDuration("CMS_TIMEOUT_MS", 5000, time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.SpawnInterval, err = positiveDuration("SPAWN_INTERVAL_SEC", 30, time.Second); err != nil {
		return nil, err
	}
	// Window defaults to the interval so consecutive cycles tile the timeline.
	if cfg.SpawnWindow, err = positiveDuration("SPAWN_WINDOW_MIN", 0, time.Minute); err != nil {
		return nil, err
	}
	if cfg.SpawnWindow == 0 {
		cfg.SpawnWindow = cfg.SpawnInterval
	}
	if cfg.ExpireScan, err = positiveDuration("EXPIRE_SCAN_SEC", 10, time.Second); err != nil {
		return nil, err
	}
	if cfg.ExpireTimeout, err = positiveDuration("EXPIRE_TIMEOUT_MIN", 30, time.Minute); err != nil {
		return nil, err
	}
	if cfg.StatsLogInterval, err = positiveDuration("STATS_LOG_INTERVAL_SEC", 60, time.Second); err != nil {
		return nil, err
	}

	cfg.GridCellDeg = 0.01
	if v := os.Getenv("GRID_CELL_DEG"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return nil, fmt.Errorf("invalid GRID_CELL_DEG: %q", v)
		}
		cfg.GridCellDeg = f
	}

	cfg.GeometryCacheSize = 256
	if v := os.Getenv("GEOMETRY_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid GEOMETRY_CACHE_SIZE: %q", v)
		}
		cfg.GeometryCacheSize = n
	}

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	cfg.LogEvents = envBool("LOG_EVENTS")
	cfg.StrictInvariants = envBool("STRICT_INVARIANTS")
	cfg.LogDevelopment = envBool("LOG_DEVELOPMENT")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	return cfg, nil
}

// Clock returns the wall clock in the configured zone. Hourly rates and day
// multipliers are read from its hour and weekday.
func (c *Config) Clock() func() time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	return func() time.Time { return time.Now().In(loc) }
}

func pgDSN(db string) string {
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + port,
		Path:     "/" + db,
		RawQuery: url.Values{"sslmode": {getenvDefault("PGSSLMODE", "disable")}}.Encode(),
	}
	if pass := os.Getenv("PGPASSWORD"); pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

// positiveDuration reads an integer count of unit. Unset yields def units.
func positiveDuration(key string, def int, unit time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * unit, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
