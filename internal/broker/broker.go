// Package broker wires the Event Publisher and Consumer Pool onto a durable
// RabbitMQ topic exchange: routing-key constants, dead-letter topology, and
// a reconnect-with-backoff connection that both the Publisher and the
// ConsumerPool share.
package broker

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys the core publishes and consumes (§4.5). Reservation lifecycle
// events are published by the Coordinator; email.* events are published by
// anything that wants the stub EmailSender to fire (the Coordinator does not
// currently publish email.* itself, but the topology exists for a collaborator
// that does).
const (
	RoutingReservationCreated   = "reservation.created"
	RoutingReservationConfirmed = "reservation.confirmed"
	RoutingReservationCancelled = "reservation.cancelled"
	RoutingReservationExpired   = "reservation.expired"

	RoutingEmailVerification    = "email.verification"
	RoutingEmailPasswordReset   = "email.password_reset"
	RoutingEmailPasswordChanged = "email.password_changed"
	RoutingEmailAccountApproval = "email.account_approval"
)

// AllRoutingKeys lists every routing key the exchange topology must carry a
// durable queue and a mirrored DLQ for.
var AllRoutingKeys = []string{
	RoutingReservationCreated,
	RoutingReservationConfirmed,
	RoutingReservationCancelled,
	RoutingReservationExpired,
	RoutingEmailVerification,
	RoutingEmailPasswordReset,
	RoutingEmailPasswordChanged,
	RoutingEmailAccountApproval,
}

// MaxRetryCount is the number of failed handling attempts (the first
// delivery plus its republished retries) after which a message is routed to
// its dead-letter queue; with 3, a message is republished at most twice.
const MaxRetryCount = 3

// DLX is the name of the durable direct exchange dead-lettered messages land on.
const DLX = "dlx"

// Config tunes the connection and topology.
type Config struct {
	URL              string
	Exchange         string
	ReconnectInterval time.Duration
}

// Conn owns the single AMQP connection the process holds for its lifetime
// (§5's "one AMQP connection with per-consumer channels" singleton-collaborator
// policy), reconnecting with fixed backoff on failure.
type Conn struct {
	cfg Config
	log *zap.Logger

	mu   sync.RWMutex
	conn *amqp.Connection

	closed chan struct{}
}

// Connect dials RabbitMQ, declares the exchange/DLX/DLQ topology, and starts
// a background watcher that reconnects with fixed backoff if the connection
// drops. The watcher replaces only the connection: channels opened on the
// old connection, including the ConsumerPool's consumer channels, are not
// reopened.
func Connect(cfg Config, log *zap.Logger) (*Conn, error) {
	c := &Conn{cfg: cfg, log: log, closed: make(chan struct{})}
	if err := c.dial(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *Conn) dial() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open channel for topology declare: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch, c.cfg.Exchange); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("broker connected", zap.String("exchange", c.cfg.Exchange))
	return nil
}

// watch blocks on the current connection's close notification and redials
// with fixed backoff until Close is called.
func (c *Conn) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closed:
			return
		case err := <-notifyClose:
			c.log.Warn("broker connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", c.cfg.ReconnectInterval))
		}

		for {
			select {
			case <-c.closed:
				return
			case <-time.After(c.cfg.ReconnectInterval):
			}
			if err := c.dial(); err != nil {
				c.log.Warn("broker reconnect attempt failed", zap.Error(err))
				continue
			}
			break
		}
	}
}

// Channel opens a fresh AMQP channel on the current connection. The
// Publisher opens one per Publish call; the ConsumerPool opens one per
// routing key at Start and does not call Channel() again after a reconnect.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, fmt.Errorf("broker: not connected")
	}
	return c.conn.Channel()
}

func (c *Conn) Close() error {
	close(c.closed)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// declareTopology declares the live topic exchange, the DLX, and for every
// routing key a durable queue bound to the topic exchange plus a mirrored
// "<routing-key>.dlq" queue bound to the DLX, so a dead-lettered
// reservation.expired message lands in reservation.expired.dlq.
func declareTopology(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", exchange, err)
	}
	if err := ch.ExchangeDeclare(DLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare DLX: %w", err)
	}

	for _, key := range AllRoutingKeys {
		queueArgs := amqp.Table{
			"x-dead-letter-exchange":    DLX,
			"x-dead-letter-routing-key": key,
		}
		if _, err := ch.QueueDeclare(key, true, false, false, false, queueArgs); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", key, err)
		}
		if err := ch.QueueBind(key, key, exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind queue %s to %s: %w", key, exchange, err)
		}

		dlq := key + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare dlq %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, key, DLX, false, nil); err != nil {
			return fmt.Errorf("broker: bind dlq %s to DLX: %w", dlq, err)
		}
	}

	return nil
}
