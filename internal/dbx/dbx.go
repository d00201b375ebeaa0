// Package dbx wraps the reservation engine's *sql.DB pool with health
// monitoring and reconnect-with-backoff, so the Ledger and Reservation Store
// never have to reason about a dropped connection themselves.
package dbx

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Config describes how to reach Postgres and how to size/retry the pool.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	RetryAttempts       int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration

	AutoMigrate bool
}

// DefaultConfig fills in production-sane pool sizing and retry behavior.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     "5432",
		User:     "postgres",
		Password: "postgres",
		Database: "reservations",
		SSLMode:  "disable",

		MaxOpenConns:    50,
		MaxIdleConns:    10,
		ConnMaxLifetime: 30 * time.Minute,

		RetryAttempts:       5,
		RetryDelay:          time.Second,
		HealthCheckInterval: 10 * time.Second,

		AutoMigrate: true,
	}
}

// Pool owns the *sql.DB, reconnecting transparently on connection loss.
type Pool struct {
	db     *sql.DB
	cfg    *Config
	log    *zap.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	connectionAttempts int64
	connectionFailures int64
	lastError          error
	lastConnectTime    time.Time
}

// Open connects to Postgres, optionally bootstraps the schema, and starts a
// background health monitor that reconnects on ping failure.
func Open(cfg *Config, log *zap.Logger) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{cfg: cfg, log: log, ctx: ctx, cancel: cancel}

	if err := p.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("initial connection failed: %w", err)
	}

	if cfg.AutoMigrate {
		if err := p.migrate(); err != nil {
			cancel()
			return nil, fmt.Errorf("schema migration failed: %w", err)
		}
	}

	go p.healthMonitor()
	return p, nil
}

func (p *Pool) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s application_name=reservation_engine connect_timeout=10",
		p.cfg.Host, p.cfg.Port, p.cfg.User, p.cfg.Password, p.cfg.Database, p.cfg.SSLMode,
	)

	p.connectionAttempts++

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		p.connectionFailures++
		p.lastError = err
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		p.connectionFailures++
		p.lastError = err
		return fmt.Errorf("ping database: %w", err)
	}

	if p.db != nil {
		p.db.Close()
	}
	p.db = db
	p.lastError = nil
	p.lastConnectTime = time.Now()

	p.log.Info("connected to postgres",
		zap.String("host", p.cfg.Host), zap.String("database", p.cfg.Database))
	return nil
}

func (p *Pool) reconnect() error {
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		p.log.Warn("attempting to reconnect to postgres",
			zap.Int("attempt", attempt), zap.Int("max_attempts", p.cfg.RetryAttempts))

		if err := p.connect(); err == nil {
			p.log.Info("reconnected to postgres")
			return nil
		}

		if attempt < p.cfg.RetryAttempts {
			select {
			case <-p.ctx.Done():
				return p.ctx.Err()
			case <-time.After(p.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
	}
	return fmt.Errorf("failed to reconnect after %d attempts: %w", p.cfg.RetryAttempts, p.lastError)
}

func (p *Pool) healthMonitor() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				p.log.Warn("postgres health check failed", zap.Error(err))
				if err := p.reconnect(); err != nil {
					p.log.Error("postgres reconnect failed", zap.Error(err))
				}
			}
		}
	}
}

func (p *Pool) ping() error {
	p.mu.RLock()
	db := p.db
	p.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}
	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// DB returns the underlying pool for callers (repositories) that need the
// full database/sql surface, e.g. BeginTx.
func (p *Pool) DB() *sql.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

// IsHealthy pings the database now and reports whether the ping succeeded.
func (p *Pool) IsHealthy() bool { return p.ping() == nil }

// Stats exposes database/sql's own pool statistics for the readiness endpoint.
func (p *Pool) Stats() sql.DBStats {
	db := p.DB()
	if db == nil {
		return sql.DBStats{}
	}
	return db.Stats()
}

// Close stops the health monitor and closes the pool.
func (p *Pool) Close() error {
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// ExecContext executes a statement, transparently reconnecting once on a
// connection-level error before giving up.
func (p *Pool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db := p.DB()
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil && isConnectionError(err) {
		p.log.Warn("connection error detected, reconnecting", zap.Error(err))
		if reErr := p.reconnect(); reErr == nil {
			if db = p.DB(); db != nil {
				return db.ExecContext(ctx, query, args...)
			}
		}
	}
	return result, err
}

// QueryContext queries, transparently reconnecting once on a connection-level error.
func (p *Pool) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db := p.DB()
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil && isConnectionError(err) {
		p.log.Warn("connection error detected, reconnecting", zap.Error(err))
		if reErr := p.reconnect(); reErr == nil {
			if db = p.DB(); db != nil {
				return db.QueryContext(ctx, query, args...)
			}
		}
	}
	return rows, err
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe", "no such host",
		"network is unreachable", "connection timed out", "driver: bad connection", "eof",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{"already exists", "duplicate key", "relation already exists", "index already exists"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

func (p *Pool) migrate() error {
	p.log.Info("running schema migration")
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()

	for i, stmt := range schemaStatements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			if isAlreadyExistsError(err) {
				continue
			}
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	p.log.Info("schema migration complete")
	return nil
}
