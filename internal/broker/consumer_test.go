package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIdempotencyKeyUsesReservationID(t *testing.T) {
	env := InboundEnvelope{
		Data:     json.RawMessage(`{"reservationId":"r-1","itemId":"i-1"}`),
		Metadata: envelopeMeta{UserID: "u-1"},
	}
	key := idempotencyKey(RoutingReservationCreated, env)
	assert.Equal(t, "idem:reservation.created:u-1:r-1", key)
}

func TestIdempotencyKeyFallsBackToItemID(t *testing.T) {
	env := InboundEnvelope{
		Data:     json.RawMessage(`{"itemId":"i-1"}`),
		Metadata: envelopeMeta{UserID: "u-2"},
	}
	key := idempotencyKey(RoutingEmailVerification, env)
	assert.Equal(t, "idem:email.verification:u-2:i-1", key)
}

func TestIdempotencyKeyEmptyWhenNoIDPresent(t *testing.T) {
	env := InboundEnvelope{Data: json.RawMessage(`{"foo":"bar"}`)}
	assert.Empty(t, idempotencyKey(RoutingEmailVerification, env))
}

func TestIdempotencyKeyEmptyOnUndecodablePayload(t *testing.T) {
	env := InboundEnvelope{Data: json.RawMessage(`not json`)}
	assert.Empty(t, idempotencyKey(RoutingEmailVerification, env))
}

func TestRetryCountOf(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"absent header", amqp.Table{}, 0},
		{"int64", amqp.Table{"x-retry-count": int64(2)}, 2},
		{"int32", amqp.Table{"x-retry-count": int32(3)}, 3},
		{"int", amqp.Table{"x-retry-count": 1}, 1},
		{"unexpected type", amqp.Table{"x-retry-count": "garbage"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryCountOf(tt.headers))
		})
	}
}

func TestHeaderMapCopiesEveryEntry(t *testing.T) {
	headers := amqp.Table{"x-retry-count": int64(1), "traceparent": "00-abc"}
	out := headerMap(headers)

	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out["x-retry-count"])
	assert.Equal(t, "00-abc", out["traceparent"])
}

type fakeIdempotencyStore struct {
	seen map[string]bool
}

func (f *fakeIdempotencyStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	wasSeen := f.seen[key]
	f.seen[key] = true
	return wasSeen, nil
}

func (f *fakeIdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	return f.seen[key], nil
}

func TestConsumerPoolRegisterStoresHandlerAndPrefetch(t *testing.T) {
	pool := NewConsumerPool(nil, &fakeIdempotencyStore{}, time.Minute, zap.NewNop())

	called := false
	pool.Register(RoutingReservationCreated, 7, func(ctx context.Context, routingKey string, env InboundEnvelope) error {
		called = true
		return nil
	})

	require.Contains(t, pool.handlers, RoutingReservationCreated)
	assert.Equal(t, 7, pool.prefetch[RoutingReservationCreated])

	require.NoError(t, pool.handlers[RoutingReservationCreated](context.Background(), RoutingReservationCreated, InboundEnvelope{}))
	assert.True(t, called)
}
