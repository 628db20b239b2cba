package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Delivery paths recorded on relay_messages_total.
const (
	PathLocal = "local"
	PathBus   = "bus"
)

// Metrics groups the relay instruments. A nil *Metrics records nothing.
type Metrics struct {
	messages        metric.Int64Counter
	published       metric.Int64Counter
	callTimeouts    metric.Int64Counter
	presenceChanges metric.Int64Counter
	connections     metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(tracerName)

	m := &Metrics{}
	m.messages, _ = meter.Int64Counter("relay_messages_total",
		metric.WithDescription("Chat messages relayed, by delivery path"))
	m.published, _ = meter.Int64Counter("relay_bus_publish_total",
		metric.WithDescription("Events published on the bus, by topic"))
	m.callTimeouts, _ = meter.Int64Counter("relay_call_timeouts_total",
		metric.WithDescription("Outgoing calls ended by the answer timeout"))
	m.presenceChanges, _ = meter.Int64Counter("relay_presence_changes_total",
		metric.WithDescription("Presence transitions announced, by status"))
	m.connections, _ = meter.Int64UpDownCounter("relay_connections",
		metric.WithDescription("Open WebSocket connections on this node"))
	return m
}

func (m *Metrics) MessageRelayed(ctx context.Context, path string) {
	if m == nil || m.messages == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) Published(ctx context.Context, topic string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) CallTimedOut(ctx context.Context) {
	if m == nil || m.callTimeouts == nil {
		return
	}
	m.callTimeouts.Add(ctx, 1)
}

func (m *Metrics) PresenceChanged(ctx context.Context, status string) {
	if m == nil || m.presenceChanges == nil {
		return
	}
	m.presenceChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil || m.connections == nil {
		return
	}
	m.connections.Add(ctx, -1)
}
