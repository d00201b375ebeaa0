package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Handler processes one decoded event. A non-nil error causes a retry until
// MaxRetryCount handling attempts have failed, and then a dead-letter via
// the queue's x-dead-letter-exchange argument.
type Handler func(ctx context.Context, routingKey string, env InboundEnvelope) error

// InboundEnvelope mirrors the Publisher's envelope shape for decoding.
type InboundEnvelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Metadata envelopeMeta    `json:"metadata"`
	To       string          `json:"to,omitempty"`
}

// EmailSender is the pluggable collaborator the email.* handlers dispatch
// to. The core ships a structured-logging stub (StubEmailSender) that
// exercises the full ack/idempotency/DLQ machinery without performing an
// actual send, per the notification-template-content Non-goal.
type EmailSender interface {
	Send(ctx context.Context, routingKey, to string, data json.RawMessage) error
}

// StubEmailSender logs the send attempt and always succeeds.
type StubEmailSender struct {
	Log *zap.Logger
}

func (s StubEmailSender) Send(ctx context.Context, routingKey, to string, data json.RawMessage) error {
	s.Log.Info("email send (stub)", zap.String("routing_key", routingKey), zap.String("to", to))
	return nil
}

// IdempotencyStore lets the ConsumerPool skip a handler for a message it has
// already processed successfully, backed by the Cache Adapter.
type IdempotencyStore interface {
	SeenOrMark(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
}

// MetricsSink receives one observation per delivery outcome. Kept as a local
// interface, not an import of internal/metrics, so this package stays free
// of a dependency on the Prometheus wiring.
type MetricsSink interface {
	RecordAcked(routingKey string)
	RecordNacked(routingKey string)
	RecordDeadLettered(routingKey string)
}

// ConsumerPool drains every routing key's durable queue with a configurable
// prefetch, dispatching to a registered Handler per key. Per-message
// handling: decode, check idempotency (has this key already been marked
// done?), dispatch, mark-done and ack on success, retry (via republish with
// an incremented x-retry-count header) or dead-letter on failure. The mark
// happens only after a successful dispatch so a redelivery of a message that
// failed partway through still reprocesses instead of being silently acked.
type ConsumerPool struct {
	conn        *Conn
	log         *zap.Logger
	idempotency IdempotencyStore
	idemTTL     time.Duration
	metrics     MetricsSink

	mu       sync.Mutex
	handlers map[string]Handler
	prefetch map[string]int

	wg sync.WaitGroup
}

func NewConsumerPool(conn *Conn, idempotency IdempotencyStore, idemTTL time.Duration, log *zap.Logger) *ConsumerPool {
	return &ConsumerPool{
		conn:        conn,
		log:         log,
		idempotency: idempotency,
		idemTTL:     idemTTL,
		handlers:    make(map[string]Handler),
		prefetch:    make(map[string]int),
	}
}

// WithMetrics attaches a MetricsSink and returns the pool for chaining.
func (p *ConsumerPool) WithMetrics(m MetricsSink) *ConsumerPool {
	p.metrics = m
	return p
}

// Register binds a Handler to a routing key (queue name) with the given
// prefetch count.
func (p *ConsumerPool) Register(routingKey string, prefetch int, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[routingKey] = h
	p.prefetch[routingKey] = prefetch
}

// Start launches one consume loop per registered routing key. A loop ends
// when ctx is cancelled or its delivery channel closes. It does not reopen
// its channel or re-register its consumer after the connection drops, so
// after Conn.watch redials, the pool consumes nothing until it is started
// again.
func (p *ConsumerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for routingKey, handler := range p.handlers {
		ch, err := p.conn.Channel()
		if err != nil {
			return fmt.Errorf("broker: consumer %s: open channel: %w", routingKey, err)
		}
		prefetch := p.prefetch[routingKey]
		if prefetch <= 0 {
			prefetch = 5
		}
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("broker: consumer %s: qos: %w", routingKey, err)
		}

		deliveries, err := ch.Consume(routingKey, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("broker: consumer %s: consume: %w", routingKey, err)
		}

		p.wg.Add(1)
		go p.consumeLoop(ctx, ch, routingKey, handler, deliveries)
	}
	return nil
}

// Stop waits for all consume loops to drain after ctx is cancelled.
func (p *ConsumerPool) Stop() {
	p.wg.Wait()
}

func (p *ConsumerPool) consumeLoop(ctx context.Context, ch *amqp.Channel, routingKey string, handler Handler, deliveries <-chan amqp.Delivery) {
	defer p.wg.Done()
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.handleDelivery(ctx, ch, routingKey, handler, d)
		}
	}
}

func (p *ConsumerPool) handleDelivery(ctx context.Context, ch *amqp.Channel, routingKey string, handler Handler, d amqp.Delivery) {
	msgCtx := ExtractContext(ctx, headerMap(d.Headers))

	var env InboundEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		p.log.Warn("broker: undecodable message, dead-lettering", zap.String("routing_key", routingKey), zap.Error(err))
		d.Nack(false, false)
		return
	}

	idemKey := idempotencyKey(routingKey, env)
	if p.idempotency != nil && idemKey != "" {
		seen, err := p.idempotency.Exists(msgCtx, idemKey)
		if err != nil {
			p.log.Warn("broker: idempotency check failed, processing anyway", zap.Error(err))
		} else if seen {
			p.log.Debug("broker: duplicate delivery, acking without reprocessing", zap.String("idempotency_key", idemKey))
			d.Ack(false)
			return
		}
	}

	if err := handler(msgCtx, routingKey, env); err != nil {
		p.retryOrDeadLetter(ctx, ch, routingKey, d, err)
		return
	}

	// Marked only now, after the handler has actually succeeded: a redelivery
	// of a message that failed partway through must still find itself
	// unmarked and reprocess, not get silently acked by the idempotency check
	// above.
	if p.idempotency != nil && idemKey != "" {
		if _, err := p.idempotency.SeenOrMark(msgCtx, idemKey, p.idemTTL); err != nil {
			p.log.Warn("broker: idempotency mark failed", zap.String("idempotency_key", idemKey), zap.Error(err))
		}
	}

	d.Ack(false)
	if p.metrics != nil {
		p.metrics.RecordAcked(routingKey)
	}
}

// retryOrDeadLetter increments x-retry-count and republishes to the same
// queue with a linear backoff, or Nacks without requeue once MaxRetryCount
// is reached so the queue's x-dead-letter-exchange argument routes it to
// its DLQ.
func (p *ConsumerPool) retryOrDeadLetter(ctx context.Context, ch *amqp.Channel, routingKey string, d amqp.Delivery, cause error) {
	retryCount := retryCountOf(d.Headers) + 1

	if retryCount >= MaxRetryCount {
		p.log.Warn("broker: max retries exhausted, dead-lettering",
			zap.String("routing_key", routingKey), zap.Int("retry_count", retryCount), zap.Error(cause))
		d.Nack(false, false)
		if p.metrics != nil {
			p.metrics.RecordDeadLettered(routingKey)
		}
		return
	}

	p.log.Warn("broker: handler failed, scheduling retry",
		zap.String("routing_key", routingKey), zap.Int("retry_count", retryCount), zap.Error(cause))
	if p.metrics != nil {
		p.metrics.RecordNacked(routingKey)
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers["x-retry-count"] = int64(retryCount)

	d.Ack(false) // original consumed; the republish below is the retry attempt

	go func() {
		time.Sleep(time.Duration(retryCount) * time.Second)
		err := ch.PublishWithContext(context.Background(), d.Exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         d.Body,
		})
		if err != nil {
			p.log.Warn("broker: retry republish failed", zap.String("routing_key", routingKey), zap.Error(err))
		}
	}()
}

func retryCountOf(headers amqp.Table) int {
	switch v := headers["x-retry-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func headerMap(headers amqp.Table) map[string]interface{} {
	out := make(map[string]interface{}, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// idempotencyKey builds (type, metadata.userId, data.reservationId or
// data.itemId) per §4.5. Events whose payload carries neither field (none
// currently) fall back to an empty key, which disables the idempotency
// check for that message.
func idempotencyKey(routingKey string, env InboundEnvelope) string {
	var fields struct {
		ReservationID string `json:"reservationId"`
		ItemID        string `json:"itemId"`
	}
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		return ""
	}
	id := fields.ReservationID
	if id == "" {
		id = fields.ItemID
	}
	if id == "" {
		return ""
	}
	return fmt.Sprintf("idem:%s:%s:%s", routingKey, env.Metadata.UserID, id)
}
