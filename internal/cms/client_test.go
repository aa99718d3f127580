package cms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/location"
	"commuter-engine/internal/spawn"
)

const configJSON = `{"spatial_base": 3, "hourly_rates": [1,1,1,1,1,1,1,2,2,2,1,1,1,1,1,1,1,2,2,1,1,1,1,1]}`

func newClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(srv.URL+"/", Options{
		Timeout:         time.Second,
		MaxElapsed:      2 * time.Second,
		InitialInterval: time.Millisecond,
		Logger:          zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSpawnConfig(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = io.WriteString(w, configJSON)
	}))
	defer srv.Close()

	cfg, err := newClient(t, srv).SpawnConfig(context.Background(), commuter.RouteKind, "1A")
	require.NoError(t, err)
	assert.Equal(t, "/api/spawn-configs/route/1A", path)
	assert.Equal(t, 3.0, cfg.SpatialBase)
	assert.Equal(t, 2.0, cfg.HourlyRates[8])
	assert.Equal(t, spawn.DefaultDayMultipliers(), cfg.DayMultipliers)
}

func TestSpawnConfig_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Inc() {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = io.WriteString(w, configJSON)
		}
	}))
	defer srv.Close()

	_, err := newClient(t, srv).SpawnConfig(context.Background(), commuter.DepotKind, "D1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
}

func TestSpawnConfig_PermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, spawn.ErrConfigNotFound)
		}},
		{"bad request", http.StatusBadRequest, "nope", func(t *testing.T, err error) {
			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, http.StatusBadRequest, se.Code)
		}},
		{"missing hourly rates", http.StatusOK, `{"spatial_base": 1}`, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, spawn.ErrInvalidConfig)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Inc()
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newClient(t, srv).SpawnConfig(context.Background(), commuter.DepotKind, "D1")
			require.Error(t, err)
			tt.check(t, err)
			assert.Equal(t, int64(1), calls.Load(), "permanent errors are not retried")
		})
	}
}

func TestSpawnConfig_GivesUpWhenContextEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newClient(t, srv).SpawnConfig(ctx, commuter.DepotKind, "D1")
	assert.Error(t, err)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://cms", Options{})
	assert.Error(t, err)
	_, err = New("://", Options{})
	assert.Error(t, err)
}

type request struct {
	method string
	path   string
	body   string
}

func TestNotify(t *testing.T) {
	var mu sync.Mutex
	var got []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, request{r.Method, r.URL.Path, string(b)})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	c := newClient(t, srv)

	c.Notify(context.Background(), commuter.Event{
		Type:        commuter.EventSpawned,
		Kind:        commuter.DepotKind,
		ReservoirID: "D1",
		Commuter: commuter.Commuter{
			ID:            "c-1",
			SpawnLocation: location.Location{Lat: 13.1, Lon: -59.6},
			Status:        commuter.Waiting,
		},
	})
	c.Close()

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "/api/commuters", got[0].path)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[0].body), &payload))
	assert.Equal(t, "commuter:spawned", payload["type"])
	assert.Equal(t, "c-1", payload["id"])
	assert.Equal(t, "D1", payload["reservoir_id"])
	mu.Unlock()
}

func TestNotify_RemovalsDelete(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
	}))
	defer srv.Close()
	c := newClient(t, srv)

	c.Notify(context.Background(), commuter.Event{Type: commuter.EventPickedUp, Commuter: commuter.Commuter{ID: "a"}})
	c.Notify(context.Background(), commuter.Event{Type: commuter.EventExpired, Commuter: commuter.Commuter{ID: "b"}})
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"/api/commuters/a", "/api/commuters/b"}, paths)
}

func TestNotify_DoesNotBlockOnSlowServer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	c := newClient(t, srv)

	start := time.Now()
	for i := 0; i < 5; i++ {
		c.Notify(context.Background(), commuter.Event{Type: commuter.EventExpired, Commuter: commuter.Commuter{ID: "x"}})
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	close(release)
	c.Close()

	// dropped after close
	c.Notify(context.Background(), commuter.Event{Type: commuter.EventExpired, Commuter: commuter.Commuter{ID: "y"}})
}

func TestEndpointEscapesIDs(t *testing.T) {
	c, err := New("http://cms.local/base", Options{})
	require.NoError(t, err)
	got := c.endpoint("api", "spawn-configs", "route", "1A/B")
	assert.True(t, strings.HasSuffix(got, "/base/api/spawn-configs/route/1A%2FB"), got)
}
