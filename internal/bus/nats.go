package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/telemetry"
)

// Connect dials NATS with reconnect handling suitable for a long-lived relay node.
// Echo is disabled so a node never consumes its own publications.
func Connect(cfg config.NATSConfig, name string, log zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.NoEcho(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS async error")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NATS is a Bus over core NATS subjects. Every node subscribes without a
// queue group so each event reaches all of them.
type NATS struct {
	nc      *nats.Conn
	prefix  string
	log     zerolog.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

// NewNATS wraps an established connection. The connection should be opened
// with Connect so that echo is off.
func NewNATS(nc *nats.Conn, prefix string, log zerolog.Logger, m *telemetry.Metrics) *NATS {
	return &NATS{nc: nc, prefix: prefix, log: log, metrics: m}
}

func (b *NATS) Publish(ctx context.Context, topic Topic, payload []byte) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	subject := topic.Subject(b.prefix)

	ctx, span := telemetry.StartProducerSpan(ctx, subject, len(payload))
	defer span.End()

	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  telemetry.InjectContext(ctx),
	}
	if err := b.nc.PublishMsg(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	b.metrics.Published(ctx, string(topic))
	return nil
}

func (b *NATS) Subscribe(topic Topic, h Handler) error {
	if !topic.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	subject := topic.Subject(b.prefix)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), HandlerTimeout)
		defer cancel()
		ctx, span := telemetry.StartConsumerSpan(ctx, msg)
		defer span.End()
		h(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.subs = append(b.subs, sub)
	b.log.Debug().Str("subject", subject).Msg("subscribed")
	return nil
}

// Healthy reports whether the underlying connection is up.
func (b *NATS) Healthy() bool {
	return b.nc.IsConnected()
}

// Close removes every subscription. The connection itself belongs to the caller.
func (b *NATS) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.subs = nil
	return firstErr
}
