package telemetry

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// headerCarrier adapts kafka headers to a propagation.TextMapCarrier.
// Keys match case-insensitively.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if strings.EqualFold(h.Key, key) {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if strings.EqualFold(h.Key, key) {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}

// InjectKafkaHeaders writes the trace context of ctx into headers,
// replacing any propagation header already present.
func InjectKafkaHeaders(ctx context.Context, headers *[]kafka.Header) {
	carrier := headerCarrier(*headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	*headers = carrier
}

func ExtractKafkaHeaders(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := headerCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}

// MessageContext returns ctx joined to the trace a transfer message was
// published under. Headers win; payloadTraceID covers producers that only
// stamped the payload.
func MessageContext(ctx context.Context, headers []kafka.Header, payloadTraceID string) context.Context {
	msgCtx := ExtractKafkaHeaders(ctx, headers)
	if trace.SpanContextFromContext(msgCtx).IsValid() || payloadTraceID == "" {
		return msgCtx
	}
	if withTrace, ok := ContextWithTraceID(msgCtx, payloadTraceID); ok {
		return withTrace
	}
	return msgCtx
}
