package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/carbonmint/internal/domain"
)

const (
	natsReconnectBuf = 8 * 1024 * 1024
	natsDrainTimeout = 10 * time.Second

	// natsTraceHeader mirrors the trace ID so it is visible to NATS tooling
	// without decoding the payload.
	natsTraceHeader = "Carbonmint-Trace-Id"
)

// NATSBus implements EventBus on NATS core subjects. Delivery is
// at-most-once; replicas sharing NATSQueueGroup split each topic.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.EventBusConfig

	closed    chan struct{}
	closeOnce sync.Once
}

type natsSubscription struct {
	bus   *NATSBus
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}

	b := &NATSBus{
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
		closed:        make(chan struct{}),
	}

	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		b.conn, err = nats.Connect(cfg.NATSUrl, b.options(wait)...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("NATS connected",
		"url", b.conn.ConnectedUrl(),
		"server_id", b.conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)
	return b, nil
}

func (b *NATSBus) options(wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("carbonmint"),
		nats.MaxReconnects(b.config.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(natsReconnectBuf),
		nats.DrainTimeout(natsDrainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.closeOnce.Do(func() { close(b.closed) })
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if b.config.NATSToken != "" {
		opts = append(opts, nats.Token(b.config.NATSToken))
	}
	return opts
}

// Publish sends a message on the subject named by topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg, err := newMessage(ctx, topic, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	out := nats.NewMsg(topic)
	out.Data = data
	if traceID := msg.Metadata[domain.MetadataTraceID]; traceID != "" {
		out.Header.Set(natsTraceHeader, traceID)
	}

	if err := b.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for a subject. With a queue group
// configured, replicas subscribing to the same topic split the deliveries.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is required", domain.ErrInvalidInput)
	}

	cb := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping undecodable NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, &msg); err != nil {
			slog.Error("handler error",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"trace_id", m.Header.Get(natsTraceHeader),
				"error", err,
			)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if group := b.config.NATSQueueGroup; group != "" {
		natsSub, err = b.conn.QueueSubscribe(topic, group, cb)
	} else {
		natsSub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	// The server must know the interest before Subscribe returns.
	if err := b.conn.Flush(); err != nil {
		natsSub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", topic, err)
	}

	sub := &natsSubscription{bus: b, id: uuid.New().String(), topic: topic, sub: natsSub}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so that messages already received reach
// their handlers, then waits for the connection to close.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return nil
		}
		b.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}

	select {
	case <-b.closed:
		return nil
	case <-time.After(natsDrainTimeout + time.Second):
		b.conn.Close()
		return fmt.Errorf("NATS drain did not finish within %s", natsDrainTimeout)
	}
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
