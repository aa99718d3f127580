package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"commuter-engine/internal/commuter"
)

type Collector struct {
	reg *prometheus.Registry

	Events  *prometheus.CounterVec // kind, reservoir, event
	Waiting *prometheus.GaugeVec   // kind, reservoir

	SpawnCycles        *prometheus.CounterVec // reservoir, outcome: ok|error
	SpawnRequests      *prometheus.CounterVec // reservoir
	SpawnFailures      *prometheus.CounterVec // reservoir
	SpawnCycleDuration prometheus.Histogram

	Matches       *prometheus.CounterVec // kind
	MatchDuration prometheus.Histogram
	QueryErrors   prometheus.Counter

	NATSPublished   *prometheus.CounterVec // subject
	NATSPublishErrs *prometheus.CounterVec // subject
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	DBSwitches *prometheus.CounterVec // reason: update|ping_failure

	SpawnInterval prometheus.Gauge // seconds
	ExpireTimeout prometheus.Gauge // seconds
}

func NewCollector(spawnInterval, expireTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_commuter_events_total",
			Help: "Commuter lifecycle events by reservoir.",
		}, []string{"kind", "reservoir", "event"}),
		Waiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reservoir_waiting_commuters",
			Help: "Commuters currently waiting, as of the last stats report.",
		}, []string{"kind", "reservoir"}),
		SpawnCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_spawn_cycles_total",
			Help: "Spawn cycles by outcome.",
		}, []string{"reservoir", "outcome"}),
		SpawnRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_spawn_requests_total",
			Help: "Spawn requests generated.",
		}, []string{"reservoir"}),
		SpawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_spawn_failures_total",
			Help: "Spawn requests whose insert failed.",
		}, []string{"reservoir"}),
		SpawnCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reservoir_spawn_cycle_duration_seconds",
			Help:    "Duration of a spawn cycle including config fetch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_match_requests_total",
			Help: "Vehicle match requests handled.",
		}, []string{"kind"}),
		MatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reservoir_match_duration_seconds",
			Help:    "Duration of a vehicle match.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		QueryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_query_errors_total",
			Help: "QUERY_COMMUTERS requests answered with an error.",
		}),
		NATSPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_nats_published_total",
			Help: "Total NATS messages published.",
		}, []string{"subject"}),
		NATSPublishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}, []string{"subject"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reservoir_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reservoir_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservoir_db_switches_total",
			Help: "Number of GTFS database switches by reason.",
		}, []string{"reason"}),
		SpawnInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reservoir_spawn_interval_seconds",
			Help: "Configured spawn interval in seconds.",
		}),
		ExpireTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reservoir_expire_timeout_seconds",
			Help: "Configured waiting timeout in seconds.",
		}),
	}

	reg.MustRegister(
		c.Events, c.Waiting,
		c.SpawnCycles, c.SpawnRequests, c.SpawnFailures, c.SpawnCycleDuration,
		c.Matches, c.MatchDuration, c.QueryErrors,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.DBSwitches, c.SpawnInterval, c.ExpireTimeout,
	)

	c.SpawnInterval.Set(spawnInterval.Seconds())
	c.ExpireTimeout.Set(expireTimeout.Seconds())

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Notify counts a lifecycle event.
func (c *Collector) Notify(_ context.Context, ev commuter.Event) {
	c.Events.WithLabelValues(string(ev.Kind), ev.ReservoirID, eventLabel(ev.Type)).Inc()
}

func eventLabel(t commuter.EventType) string {
	switch t {
	case commuter.EventSpawned:
		return "spawned"
	case commuter.EventPickedUp:
		return "picked_up"
	case commuter.EventExpired:
		return "expired"
	}
	return "unknown"
}

// SpawnCycle records the outcome of one spawn cycle.
func (c *Collector) SpawnCycle(name string, requests, failed int, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.SpawnCycles.WithLabelValues(name, outcome).Inc()
	c.SpawnRequests.WithLabelValues(name).Add(float64(requests))
	c.SpawnFailures.WithLabelValues(name).Add(float64(failed))
	c.SpawnCycleDuration.Observe(d.Seconds())
}

// ObserveMatch records one vehicle match.
func (c *Collector) ObserveMatch(kind commuter.ReservoirKind, d time.Duration, err error) {
	c.Matches.WithLabelValues(string(kind)).Inc()
	c.MatchDuration.Observe(d.Seconds())
	if err != nil {
		c.QueryErrors.Inc()
	}
}

func (c *Collector) QueryFailed() { c.QueryErrors.Inc() }

func (c *Collector) SetWaiting(kind commuter.ReservoirKind, reservoir string, n int64) {
	c.Waiting.WithLabelValues(string(kind), reservoir).Set(float64(n))
}

func (c *Collector) NATSPublishedInc(subject string)  { c.NATSPublished.WithLabelValues(subject).Inc() }
func (c *Collector) NATSPublishErrInc(subject string) { c.NATSPublishErrs.WithLabelValues(subject).Inc() }
func (c *Collector) PublishObserve(d time.Duration)   { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) DBSwitched(reason string) { c.DBSwitches.WithLabelValues(reason).Inc() }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Sugar()
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server error: %v", err)
		}
	}()
	log.Infof("metrics listening on %s", addr)
	return srv
}
