package telemetry

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NatsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type NatsHeaderCarrier struct {
	Header nats.Header
}

func (c *NatsHeaderCarrier) Get(key string) string {
	return c.Header.Get(key)
}

func (c *NatsHeaderCarrier) Set(key, value string) {
	c.Header.Set(key, value)
}

func (c *NatsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

const tracerName = "github.com/Tyrowin/gochat-relay"

// InjectContext returns a header carrying the trace context of ctx.
func InjectContext(ctx context.Context) nats.Header {
	h := nats.Header{}
	otel.GetTextMapPropagator().Inject(ctx, &NatsHeaderCarrier{Header: h})
	return h
}

// ExtractContext restores trace context from a message header.
func ExtractContext(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &NatsHeaderCarrier{Header: header})
}

// StartProducerSpan starts a PRODUCER span for a publish on subject.
func StartProducerSpan(ctx context.Context, subject string, size int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttrs(subject, size)...),
	)
}

// StartConsumerSpan extracts the trace context of msg and starts a CONSUMER span.
// Caller must call span.End().
func StartConsumerSpan(ctx context.Context, msg *nats.Msg) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, msg.Header)
	return otel.Tracer(tracerName).Start(ctx, msg.Subject+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messagingAttrs(msg.Subject, len(msg.Data))...),
	)
}

func messagingAttrs(subject string, size int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.payload_size_bytes", size),
	}
}
