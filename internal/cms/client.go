package cms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"commuter-engine/internal/commuter"
	"commuter-engine/internal/spawn"
)

type Options struct {
	// Timeout bounds each HTTP request, including fire-and-forget
	// notifications.
	Timeout time.Duration
	// MaxElapsed bounds the whole retry sequence of one config fetch.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// Client talks to the content management service that owns spawn
// configuration and mirrors the commuter lifecycle.
type Client struct {
	base    *url.URL
	http    *http.Client
	logger  *zap.SugaredLogger
	timeout time.Duration

	maxElapsed time.Duration
	initial    time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

var _ spawn.ConfigSource = (*Client)(nil)

func New(baseURL string, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("cms url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("cms url: unsupported scheme %q", u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 250 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		base:       u,
		http:       opts.HTTPClient,
		logger:     opts.Logger.Sugar().With("component", "cms"),
		timeout:    opts.Timeout,
		maxElapsed: opts.MaxElapsed,
		initial:    opts.InitialInterval,
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.JoinPath(escaped...).String()
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// SpawnConfig fetches the configuration of one reservoir, retrying network
// errors, 5xx and 429 with exponential backoff. 404 maps to
// spawn.ErrConfigNotFound.
func (c *Client) SpawnConfig(ctx context.Context, kind commuter.ReservoirKind, id string) (spawn.SpawnConfig, error) {
	target := c.endpoint("api", "spawn-configs", string(kind), id)
	var cfg spawn.SpawnConfig

	op := func() error {
		body, err := c.do(ctx, http.MethodGet, target, nil)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) {
				if se.Code == http.StatusNotFound {
					return backoff.Permanent(fmt.Errorf("%w: %s %s", spawn.ErrConfigNotFound, kind, id))
				}
				if !se.Retryable() {
					return backoff.Permanent(err)
				}
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		parsed, err := spawn.ParseJSON(body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s %s: %w", kind, id, err))
		}
		cfg = parsed
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxElapsedTime = c.maxElapsed
	notify := func(err error, wait time.Duration) {
		c.logger.Warnf("spawn config %s/%s: %v (retry in %s)", kind, id, err, wait.Round(time.Millisecond))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return spawn.SpawnConfig{}, err
	}
	return cfg, nil
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, URL: target, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// Notify mirrors a lifecycle event to the CMS without blocking the caller:
// spawns are POSTed, pickups and expiries DELETE the commuter. Failures
// are logged and dropped.
func (c *Client) Notify(ctx context.Context, ev commuter.Event) {
	method, target, payload, err := c.notification(ev)
	if err != nil {
		c.logger.Warnf("cms notify %s: %v", ev.Type, err)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inflight.Add(1)
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer c.inflight.Done()
		if _, err := c.do(ctx, method, target, payload); err != nil {
			c.logger.Warnw("cms notify failed", "event", ev.Type, "commuter", ev.Commuter.ID, "error", err)
		}
	}()
}

func (c *Client) notification(ev commuter.Event) (method, target string, payload []byte, err error) {
	switch ev.Type {
	case commuter.EventSpawned:
		payload, err = json.Marshal(ev.Payload())
		return http.MethodPost, c.endpoint("api", "commuters"), payload, err
	case commuter.EventPickedUp, commuter.EventExpired:
		return http.MethodDelete, c.endpoint("api", "commuters", ev.Commuter.ID), nil, nil
	}
	return "", "", nil, fmt.Errorf("unknown event type %q", ev.Type)
}

// Close stops accepting notifications and waits for those in flight.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.inflight.Wait()
}
