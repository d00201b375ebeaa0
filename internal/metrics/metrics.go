// Package metrics exposes the Prometheus counters and histograms the core
// emits for HTTP traffic, sweeper ticks, and consumer ack/nack/dead-letter
// outcomes. The Ledger and Coordinator families are registered and exposed
// too, but no component records into them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP contains HTTP-surface metrics.
type HTTP struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// Ledger contains Stock Ledger operation metrics.
type Ledger struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// Coordinator contains Reservation Coordinator operation metrics.
type Coordinator struct {
	OperationsTotal *prometheus.CounterVec
	QuotaRejections prometheus.Counter
}

// Sweeper contains Expiry Sweeper metrics.
type Sweeper struct {
	TicksTotal        prometheus.Counter
	ReservationsExpired prometheus.Counter
	TickDuration      prometheus.Histogram
}

// Broker contains Event Consumer Pool metrics.
type Broker struct {
	MessagesAcked      *prometheus.CounterVec
	MessagesNacked     *prometheus.CounterVec
	MessagesDeadLettered *prometheus.CounterVec
}

// Set bundles every metric family the process registers once at startup.
type Set struct {
	HTTP        *HTTP
	Ledger      *Ledger
	Coordinator *Coordinator
	Sweeper     *Sweeper
	Broker      *Broker
}

// New registers every metric family under the given service name prefix.
// Safe to call once per process; calling it twice against the default
// registry panics on duplicate registration, matching promauto's behavior.
func New(serviceName string) *Set {
	return &Set{
		HTTP: &HTTP{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: serviceName + "_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    serviceName + "_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		},
		Ledger: &Ledger{
			OperationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: serviceName + "_ledger_operations_total",
					Help: "Total number of ledger operations by kind and outcome",
				},
				[]string{"operation", "outcome"},
			),
			OperationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    serviceName + "_ledger_operation_duration_seconds",
					Help:    "Ledger operation duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
		},
		Coordinator: &Coordinator{
			OperationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: serviceName + "_coordinator_operations_total",
					Help: "Total number of coordinator operations by kind and outcome",
				},
				[]string{"operation", "outcome"},
			),
			QuotaRejections: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: serviceName + "_coordinator_quota_rejections_total",
					Help: "Total number of reservation creates rejected for exceeding maxPerUser",
				},
			),
		},
		Sweeper: &Sweeper{
			TicksTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: serviceName + "_sweeper_ticks_total",
					Help: "Total number of sweeper ticks executed",
				},
			),
			ReservationsExpired: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: serviceName + "_sweeper_reservations_expired_total",
					Help: "Total number of reservations transitioned to EXPIRED by the sweeper",
				},
			),
			TickDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    serviceName + "_sweeper_tick_duration_seconds",
					Help:    "Sweeper tick duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
		},
		Broker: &Broker{
			MessagesAcked: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: serviceName + "_broker_messages_acked_total",
					Help: "Total number of consumed messages acked",
				},
				[]string{"routing_key"},
			),
			MessagesNacked: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: serviceName + "_broker_messages_nacked_total",
					Help: "Total number of consumed messages nacked for retry",
				},
				[]string{"routing_key"},
			),
			MessagesDeadLettered: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: serviceName + "_broker_messages_dead_lettered_total",
					Help: "Total number of consumed messages routed to a dead-letter queue",
				},
				[]string{"routing_key"},
			),
		},
	}
}

// RecordHTTPRequest records one HTTP request's outcome and latency.
func (h *HTTP) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	h.RequestsTotal.WithLabelValues(method, path, status).Inc()
	h.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOperation records one ledger operation's outcome and latency.
func (l *Ledger) RecordOperation(operation, outcome string, duration time.Duration) {
	l.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	l.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOperation records one coordinator operation's outcome.
func (c *Coordinator) RecordOperation(operation, outcome string) {
	c.OperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordTick records one sweeper tick's outcome.
func (s *Sweeper) RecordTick(processed int, duration time.Duration) {
	s.TicksTotal.Inc()
	s.ReservationsExpired.Add(float64(processed))
	s.TickDuration.Observe(duration.Seconds())
}

// RecordAcked records one successfully processed delivery.
func (b *Broker) RecordAcked(routingKey string) {
	b.MessagesAcked.WithLabelValues(routingKey).Inc()
}

// RecordNacked records one delivery scheduled for retry.
func (b *Broker) RecordNacked(routingKey string) {
	b.MessagesNacked.WithLabelValues(routingKey).Inc()
}

// RecordDeadLettered records one delivery routed to its dead-letter queue.
func (b *Broker) RecordDeadLettered(routingKey string) {
	b.MessagesDeadLettered.WithLabelValues(routingKey).Inc()
}

// Handler exposes the process registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
