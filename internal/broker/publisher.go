package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// envelope is the wire shape every published event carries: {type, data,
// metadata:{userId, timestamp, retryCount}, to}. "to" is left empty for
// reservation.* events and populated by whatever collaborator publishes
// email.* events with a destination address.
type envelope struct {
	Type     string         `json:"type"`
	Data     any            `json:"data"`
	Metadata envelopeMeta   `json:"metadata"`
	To       string         `json:"to,omitempty"`
}

type envelopeMeta struct {
	UserID     string `json:"userId"`
	Timestamp  int64  `json:"timestamp"` // Unix epoch milliseconds
	RetryCount int    `json:"retryCount"`
}

// Publisher publishes domain events onto the shared topic exchange with
// persistent delivery. It satisfies reservation.Publisher and any other
// narrow Publish(ctx, routingKey, payload, userID) interface a collaborator
// defines, without this package importing theirs.
type Publisher struct {
	conn     *Conn
	exchange string
	log      *zap.Logger
}

func NewPublisher(conn *Conn, exchange string, log *zap.Logger) *Publisher {
	return &Publisher{conn: conn, exchange: exchange, log: log}
}

// Publish encodes payload into the standard envelope and publishes it with
// DeliveryMode=Persistent under routingKey, propagating the caller's trace
// context via AMQP headers.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any, userID string) error {
	now := time.Now().UTC()
	env := envelope{
		Type: routingKey,
		Data: payload,
		Metadata: envelopeMeta{
			UserID:    userID,
			Timestamp: now.UnixMilli(),
		},
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", routingKey, err)
	}
	defer ch.Close()

	headers := amqp.Table{}
	for k, v := range InjectHeaders(ctx) {
		headers[k] = v
	}

	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", routingKey, err)
	}

	p.log.Debug("event published", zap.String("routing_key", routingKey), zap.String("user_id", userID))
	return nil
}
