package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"commuter-engine/internal/cms"
	"commuter-engine/internal/config"
	"commuter-engine/internal/db"
	"commuter-engine/internal/engine"
	"commuter-engine/internal/geometry"
	"commuter-engine/internal/logging"
	"commuter-engine/internal/metrics"
	"commuter-engine/internal/publisher"
	"commuter-engine/internal/reservoir"
	"commuter-engine/internal/spawn"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	spec, err := config.LoadReservoirs(cfg.ReservoirsFile)
	if err != nil {
		sugar.Fatalf("reservoirs file: %v", err)
	}
	static, err := spec.SpawnConfigs()
	if err != nil {
		sugar.Fatalf("reservoirs file: %v", err)
	}

	// Route geometry: GTFS database first, then polylines from the file
	polylines := geometry.NewStatic()
	for _, r := range spec.Routes {
		polylines.Set(r.ID, r.Line())
	}
	var (
		sqlDB     *sql.DB
		dbName    string
		dbProv    *geometry.Database
		stopCache *geometry.StopCache
		stops     spawn.StopSource
	)
	chain := geometry.Chain{polylines}
	if cfg.DatabaseURL != "" {
		sqlDB, dbName, err = openDatabase(ctx, cfg)
		if err != nil {
			sugar.Warnf("GTFS database unavailable (%s): %v; using file polylines only", db.Redact(cfg.DatabaseURL), err)
		} else {
			dbProv = geometry.NewDatabase(sqlDB)
			chain = geometry.Chain{dbProv, polylines}
			if stopCache, err = geometry.NewStopCache(dbProv, cfg.GeometryCacheSize); err != nil {
				sugar.Fatalf("stop cache: %v", err)
			}
			stops = stopCache
			if dbName != "" {
				sugar.Infof("using database %q for city %q", dbName, cfg.City)
			}
		}
	}
	shapes, err := geometry.NewCached(chain, cfg.GeometryCacheSize)
	if err != nil {
		sugar.Fatalf("geometry cache: %v", err)
	}
	if err := geometry.Preload(ctx, shapes, spec.RouteIDs(), 4, logger); err != nil {
		sugar.Warnf("route geometry preload incomplete: %v", err)
	}

	// Metrics setup
	mcol := metrics.NewCollector(cfg.SpawnInterval, cfg.ExpireTimeout)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = mcol.Serve(cfg.MetricsAddr, logger)
	}

	// Spawn configs: CMS when configured, inline file configs otherwise
	var source spawn.ConfigSource = static
	var cmsClient *cms.Client
	if cfg.CMSURL != "" {
		cmsClient, err = cms.New(cfg.CMSURL, cms.Options{Timeout: cfg.CMSTimeout, Logger: logger})
		if err != nil {
			sugar.Fatalf("cms: %v", err)
		}
		source = spawn.FallbackSource{Primary: cmsClient, Secondary: static}
	} else if missing := spec.Unconfigured(); len(missing) > 0 {
		sugar.Warnf("no CMS_URL and no spawn_config for %v; these reservoirs will not spawn", missing)
	}

	// Initialize NATS publisher
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, publisher.Options{
		SubjectPrefix: cfg.NATSSubjectPrefix,
		LogEvents:     cfg.LogEvents,
		Logger:        logger,
		Metrics:       mcol,
	})
	if err != nil {
		sugar.Fatalf("nats error: %v", err)
	}

	notifiers := reservoir.Notifiers{pub, mcol}
	if cmsClient != nil {
		notifiers = append(notifiers, cmsClient)
	}

	mgr, err := engine.Build(spec, engine.Options{
		Logger:   logger,
		Source:   source,
		Stops:    stops,
		Observer: mcol,
		Reservoir: reservoir.Options{
			Logger:        logger,
			Notifier:      notifiers,
			Strict:        cfg.StrictInvariants,
			SpawnInterval: cfg.SpawnInterval,
			SpawnWindow:   cfg.SpawnWindow,
			ScanInterval:  cfg.ExpireScan,
			Timeout:       cfg.ExpireTimeout,
			Observer:      mcol,
			CellSize:      cfg.GridCellDeg,
			Shapes:        shapes,
			Clock:         cfg.Clock(),
		},
	})
	if err != nil {
		sugar.Fatalf("engine: %v", err)
	}
	if err := mgr.Start(ctx); err != nil {
		sugar.Fatalf("engine start: %v", err)
	}
	mgr.StartStatsReporter(ctx, cfg.StatsLogInterval)

	if err := pub.Respond(ctx, cfg.NATSQuerySubject, mgr.QueryHandler()); err != nil {
		sugar.Fatalf("query responder: %v", err)
	}

	// Follow newer GTFS imports of the city
	var watcher *db.CityWatcher
	if cfg.City != "" && dbProv != nil {
		watcher = db.NewCityWatcher(sqlDB, db.WatcherOptions{
			City:    cfg.City,
			BaseDSN: cfg.DatabaseURL,
			Current: dbName,
			Logger:  logger,
			OnSwitch: func(conn *sql.DB, name, reason string) {
				mcol.DBSwitched(reason)
				if old := dbProv.Swap(conn); old != nil {
					old.Close()
				}
				shapes.Purge()
				stopCache.Purge()
				refreshGeometry(ctx, mgr, shapes, logger)
			},
		})
		watcher.Start(ctx)
	}

	sugar.Infof("reservoir engine running: %d depots, %d routes", len(spec.Depots), len(spec.Routes))

	// Block until context cancelled
	<-ctx.Done()
	if watcher != nil {
		watcher.Stop()
	}
	mgr.Stop()
	mgr.ReportStats(context.Background())
	pub.Close()
	if cmsClient != nil {
		cmsClient.Close()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if dbProv != nil {
		if conn := dbProv.Swap(nil); conn != nil {
			conn.Close()
		}
	}
	sugar.Info("shutdown complete")
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, string, error) {
	conn, name, err := db.OpenForCity(ctx, cfg.DatabaseURL, cfg.City)
	if err != nil {
		return nil, "", err
	}
	if err := db.Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, name, nil
}

// refreshGeometry reorders route segments after the shape source changed.
func refreshGeometry(ctx context.Context, mgr *engine.Manager, shapes geometry.Provider, logger *zap.Logger) {
	for _, r := range mgr.Reservoirs() {
		rt, ok := r.(*reservoir.Route)
		if !ok {
			continue
		}
		line, err := shapes.RouteShape(ctx, rt.ID())
		if err != nil {
			logger.Warn("route geometry refresh failed", zap.String("route", rt.ID()), zap.Error(err))
			continue
		}
		rt.SetGeometry(line)
	}
}
