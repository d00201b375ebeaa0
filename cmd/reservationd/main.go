// Command reservationd runs the flash-sale reservation engine core: the
// Stock Ledger, Reservation Coordinator, Expiry Sweeper, Event Publisher and
// Consumer Pool, Cache Adapter, and the thin HTTP surface over all of them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/broker"
	"github.com/flashcore/reservation-engine/internal/cache"
	"github.com/flashcore/reservation-engine/internal/config"
	"github.com/flashcore/reservation-engine/internal/dbx"
	"github.com/flashcore/reservation-engine/internal/httpapi"
	"github.com/flashcore/reservation-engine/internal/ledger"
	"github.com/flashcore/reservation-engine/internal/logging"
	"github.com/flashcore/reservation-engine/internal/metrics"
	"github.com/flashcore/reservation-engine/internal/reservation"
	"github.com/flashcore/reservation-engine/internal/sweeper"
	"github.com/flashcore/reservation-engine/internal/tracing"
)

const serviceName = "reservation_engine"

func main() {
	cfg := config.Load()

	log := logging.New(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			log.Fatal("failed to init tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.Error("tracing shutdown error", zap.Error(err))
			}
		}()
		log.Info("tracing enabled", zap.String("otlp_endpoint", cfg.OTLPEndpoint))
	}

	dbPool, err := dbx.Open(&dbx.Config{
		Host:                cfg.DBHost,
		Port:                cfg.DBPort,
		User:                cfg.DBUser,
		Password:            cfg.DBPassword,
		Database:            cfg.DBName,
		SSLMode:             cfg.DBSSLMode,
		MaxOpenConns:        cfg.DBMaxOpenConns,
		MaxIdleConns:        cfg.DBMaxIdleConns,
		ConnMaxLifetime:     cfg.DBConnMaxLifetime,
		RetryAttempts:       5,
		RetryDelay:          time.Second,
		HealthCheckInterval: 10 * time.Second,
		AutoMigrate:         true,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer dbPool.Close()
	log.Info("connected to postgres", zap.String("database", cfg.DBName))

	cacheClient, err := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer cacheClient.Close()
	log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	conn, err := broker.Connect(broker.Config{
		URL:               cfg.AMQPURL,
		Exchange:          cfg.AMQPExchange,
		ReconnectInterval: cfg.BusReconnectInterval,
	}, log)
	if err != nil {
		log.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer conn.Close()

	metricsSet := metrics.New(serviceName)

	led := ledger.New(dbPool.DB(), log)
	store := reservation.NewStore(dbPool.DB())
	publisher := broker.NewPublisher(conn, cfg.AMQPExchange, log)
	coordinator := reservation.NewCoordinator(dbPool.DB(), led, store, publisher, cfg.HoldDuration, log)

	sw := sweeper.New(sweeper.Config{
		Interval:          cfg.SweeperInterval,
		BatchLimit:        cfg.SweeperBatchLimit,
		HealthyThreshold:  cfg.HealthyThreshold,
		DegradedThreshold: cfg.DegradedThreshold,
	}, store, coordinator.ExpireCandidate, log).WithMetrics(metricsSet.Sweeper)
	sw.Start(ctx)
	defer sw.Stop()

	consumers := broker.NewConsumerPool(conn, cacheClient, cfg.CacheUserTTL, log).WithMetrics(metricsSet.Broker)
	emailSender := broker.StubEmailSender{Log: log}
	registerEmailHandlers(consumers, emailSender, cfg)
	registerReservationHandlers(consumers, emailSender, cfg)
	if err := consumers.Start(ctx); err != nil {
		log.Fatal("failed to start consumer pool", zap.Error(err))
	}
	defer consumers.Stop()

	httpServer := httpapi.NewServer(coordinator, store, led, sw, cacheClient, dbPool, metricsSet.HTTP, log)

	mux := http.NewServeMux()
	mux.Handle("/", httpServer.Router())
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
}

// registerEmailHandlers binds every email.* routing key to the pluggable
// EmailSender, exercising the ack/idempotency/DLQ machinery without
// rendering real notification content (Non-goal).
func registerEmailHandlers(pool *broker.ConsumerPool, sender broker.EmailSender, cfg *config.Config) {
	handler := func(ctx context.Context, routingKey string, env broker.InboundEnvelope) error {
		return sender.Send(ctx, routingKey, env.To, env.Data)
	}

	for _, key := range []string{
		broker.RoutingEmailVerification,
		broker.RoutingEmailPasswordReset,
		broker.RoutingEmailPasswordChanged,
		broker.RoutingEmailAccountApproval,
	} {
		pool.Register(key, cfg.BusPrefetchEmail, handler)
	}
}

// registerReservationHandlers binds the reservation.* routing keys the
// Coordinator publishes on every lifecycle transition (§2's core data flow:
// Publisher(reservation.created) -> Consumer renders + sends email) to the
// same pluggable EmailSender. reservation.created carries userEmail/userName/
// itemName/quantity/totalPrice (§4.3 step 4) for an actual notification;
// confirmed/cancelled/expired still flow through ack/idempotency/DLQ even
// though their payload has no address to render against.
func registerReservationHandlers(pool *broker.ConsumerPool, sender broker.EmailSender, cfg *config.Config) {
	handler := func(ctx context.Context, routingKey string, env broker.InboundEnvelope) error {
		var fields struct {
			UserEmail string `json:"userEmail"`
		}
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return fmt.Errorf("reservation handler: decode %s payload: %w", routingKey, err)
		}
		return sender.Send(ctx, routingKey, fields.UserEmail, env.Data)
	}

	for _, key := range []string{
		broker.RoutingReservationCreated,
		broker.RoutingReservationConfirmed,
		broker.RoutingReservationCancelled,
		broker.RoutingReservationExpired,
	} {
		pool.Register(key, cfg.BusPrefetchReservation, handler)
	}
}
