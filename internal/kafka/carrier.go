package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier lets the otel propagator read and write trace context in
// Kafka message headers.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) Get(key string) string {
	if i := c.index(key); i >= 0 {
		return string(c[i].Value)
	}
	return ""
}

// Set overwrites an existing header in place or appends a new one.
func (c *HeaderCarrier) Set(key, value string) {
	if i := c.index(key); i >= 0 {
		(*c)[i].Value = []byte(value)
		return
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c HeaderCarrier) index(key string) int {
	for i, h := range c {
		if h.Key == key {
			return i
		}
	}
	return -1
}

// injectTrace returns headers carrying the span context of ctx.
func injectTrace(ctx context.Context) []segkafka.Header {
	var c HeaderCarrier
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}

// extractTrace returns ctx extended with the span context found in headers.
func extractTrace(ctx context.Context, headers []segkafka.Header) context.Context {
	c := HeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &c)
}
