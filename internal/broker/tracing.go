package broker

import (
	"context"

	"go.opentelemetry.io/otel"
)

// HeaderCarrier adapts an AMQP headers table to otel's TextMapCarrier so
// trace context can ride along on the wire instead of being dropped at the
// publish boundary.
type HeaderCarrier map[string]interface{}

func (h HeaderCarrier) Get(key string) string {
	v, ok := h[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (h HeaderCarrier) Set(key, value string) {
	h[key] = value
}

func (h HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// InjectHeaders returns an AMQP header table carrying the current span
// context, for attaching to an outgoing Publishing.
func InjectHeaders(ctx context.Context) map[string]interface{} {
	carrier := make(HeaderCarrier)
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractContext recovers a span context from an inbound delivery's headers.
func ExtractContext(ctx context.Context, headers map[string]interface{}) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
}
