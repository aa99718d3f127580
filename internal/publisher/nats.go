package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"commuter-engine/internal/commuter"
)

// QueueGroup spreads QUERY_COMMUTERS requests across engine replicas.
const QueueGroup = "reservoir-engine"

type PublisherMetrics interface {
	NATSPublishedInc(subject string)
	NATSPublishErrInc(subject string)
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// RequestHandler answers one request payload with a reply payload.
type RequestHandler func(ctx context.Context, data []byte) []byte

type Options struct {
	Name          string
	SubjectPrefix string
	LogEvents     bool
	Logger        *zap.Logger
	Metrics       PublisherMetrics
	// RequestTimeout bounds the handler context of each request.
	RequestTimeout time.Duration
}

// NATSPublisher publishes commuter lifecycle events and serves reservoir
// queries over NATS.
type NATSPublisher struct {
	nc             *nats.Conn
	prefix         string
	logEvents      bool
	logger         *zap.SugaredLogger
	metrics        PublisherMetrics
	requestTimeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATSPublisher(url string, opts Options) (*NATSPublisher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "reservoir-engine"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	log := opts.Logger.Sugar().With("component", "nats")
	m := opts.Metrics
	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Infof("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{
		nc:             nc,
		prefix:         opts.SubjectPrefix,
		logEvents:      opts.LogEvents,
		logger:         log,
		metrics:        m,
		requestTimeout: opts.RequestTimeout,
	}, nil
}

func (p *NATSPublisher) Close() {
	p.mu.Lock()
	for _, s := range p.subs {
		_ = s.Unsubscribe()
	}
	p.subs = nil
	p.mu.Unlock()
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Notify publishes one lifecycle event on the channel of its reservoir kind.
// Publish errors are logged and counted, never returned.
func (p *NATSPublisher) Notify(_ context.Context, ev commuter.Event) {
	subject := Subject(p.prefix, ev.Kind)
	b, err := EncodeEvent(ev)
	if err != nil {
		p.logger.Errorf("encode %s for %s: %v", ev.Type, ev.Commuter.ID, err)
		return
	}
	if p.logEvents {
		p.logger.Infof("nats publish subject=%s type=%s commuter=%s", subject, ev.Type, ev.Commuter.ID)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc(subject)
		} else {
			p.metrics.NATSPublishedInc(subject)
		}
	}
	if err != nil {
		p.logger.Warnf("nats publish %s: %v", subject, err)
	}
}

// Respond serves request/reply traffic on subject until Close. Requests
// without a reply inbox are handled and the result dropped.
func (p *NATSPublisher) Respond(ctx context.Context, subject string, h RequestHandler) error {
	subject = Join(p.prefix, subject)
	sub, err := p.nc.QueueSubscribe(subject, QueueGroup, func(m *nats.Msg) {
		rctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
		reply := h(rctx, m.Data)
		if m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			p.logger.Warnf("nats respond on %s: %v", subject, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	p.logger.Infof("serving requests on %s (queue %s)", subject, QueueGroup)
	return nil
}

// EncodeEvent renders the wire payload of an event.
func EncodeEvent(ev commuter.Event) ([]byte, error) {
	return json.Marshal(ev.Payload())
}

// Subject is the channel of a reservoir kind under an optional prefix.
func Subject(prefix string, kind commuter.ReservoirKind) string {
	return Join(prefix, kind.Channel())
}

// Join prefixes subject with the sanitized tokens of prefix.
func Join(prefix, subject string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return subject
	}
	parts := strings.Split(prefix, ".")
	for i, part := range parts {
		parts[i] = subjectToken(part)
	}
	return strings.Join(parts, ".") + "." + subject
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
