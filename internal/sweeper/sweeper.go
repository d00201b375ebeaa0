// Package sweeper implements the Expiry Sweeper: a periodic singleton that
// finds PENDING reservations whose hold has elapsed and releases them. It is
// a control loop over a database scan, not a queue of timer messages,
// because it must survive process restarts without losing a wake-up.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/domainerr"
)

// Candidate is the minimal shape the sweeper needs from a PENDING,
// past-expiry reservation to release its hold and transition it.
type Candidate struct {
	ID       uuid.UUID
	ItemID   uuid.UUID
	Quantity int
}

// Store is the subset of the Reservation Store the sweeper drives.
type Store interface {
	FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]Candidate, error)
}

// Releaser is called once per candidate, inside its own transaction, to
// release the Ledger hold and transition the reservation to EXPIRED. A
// non-nil error means the candidate is recorded as a failure and the
// sweeper continues to the next one.
type Releaser func(ctx context.Context, c Candidate) error

// HealthStatus is the coarse verdict getHealth() computes from the recent
// success rate.
type HealthStatus string

const (
	Healthy   HealthStatus = "HEALTHY"
	Degraded  HealthStatus = "DEGRADED"
	Unhealthy HealthStatus = "UNHEALTHY"
)

const errorRingSize = 100

// Config tunes the sweeper's cadence and thresholds; all fields have spec
// defaults applied by the caller via internal/config.
type Config struct {
	Interval          time.Duration
	BatchLimit        int
	HealthyThreshold  float64
	DegradedThreshold float64
}

// MetricsSink receives one observation per tick. Kept as a local interface,
// not an import of internal/metrics, so this package stays free of a
// dependency on the Prometheus wiring.
type MetricsSink interface {
	RecordTick(processed int, duration time.Duration)
}

// Sweeper is the periodic reconciler. Safe to run on N application
// instances simultaneously: Releaser's conditional UPDATE acts as the
// compare-and-swap that guarantees at most one instance transitions a given
// reservation.
type Sweeper struct {
	cfg      Config
	store    Store
	release  Releaser
	log      *zap.Logger
	metrics  MetricsSink

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	statsMu      sync.Mutex
	totalRuns    int64
	totalSuccess int64
	totalFail    int64
	totalProcessed int64
	lastDuration time.Duration
	errRing      []string
	errRingPos   int
}

func New(cfg Config, store Store, release Releaser, log *zap.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, store: store, release: release, log: log, errRing: make([]string, 0, errorRingSize)}
}

// WithMetrics attaches a metrics sink, returning the Sweeper for chaining at
// construction time.
func (s *Sweeper) WithMetrics(m MetricsSink) *Sweeper {
	s.metrics = m
	return s
}

// Start launches the ticker loop in the background. Call Stop to shut it
// down deterministically alongside the rest of the process.
func (s *Sweeper) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels the loop and waits for the in-flight tick, if any, to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.ctx)
		}
	}
}

// tick runs one pass, skipping entirely if a previous tick is still
// in-flight (the in-process mutex from §4.4 step 1).
func (s *Sweeper) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("sweeper tick skipped, previous tick still running")
		return
	}
	defer s.running.Store(false)

	start := time.Now()
	processed, errs := s.runOnce(ctx)
	duration := time.Since(start)

	s.statsMu.Lock()
	s.totalRuns++
	s.totalProcessed += int64(processed)
	s.lastDuration = duration
	if len(errs) == 0 {
		s.totalSuccess += int64(processed)
	} else {
		s.totalSuccess += int64(processed - len(errs))
		s.totalFail += int64(len(errs))
		for _, e := range errs {
			s.recordErrorLocked(e)
		}
	}
	s.statsMu.Unlock()

	if len(errs) > 0 {
		s.log.Warn("sweeper tick completed with errors",
			zap.Int("processed", processed), zap.Int("errors", len(errs)), zap.Duration("duration", duration))
	} else if processed > 0 {
		s.log.Info("sweeper tick completed",
			zap.Int("processed", processed), zap.Duration("duration", duration))
	}

	if s.metrics != nil {
		s.metrics.RecordTick(processed, duration)
	}
}

func (s *Sweeper) recordErrorLocked(errMsg string) {
	if len(s.errRing) < errorRingSize {
		s.errRing = append(s.errRing, errMsg)
	} else {
		s.errRing[s.errRingPos] = errMsg
	}
	s.errRingPos = (s.errRingPos + 1) % errorRingSize
}

// runOnce performs exactly one sweep pass and returns the number of
// candidates processed and the error strings for any that failed.
func (s *Sweeper) runOnce(ctx context.Context) (int, []string) {
	candidates, err := s.store.FindExpiredCandidates(ctx, time.Now().UTC(), s.cfg.BatchLimit)
	if err != nil {
		return 0, []string{err.Error()}
	}

	var errs []string
	for _, c := range candidates {
		if err := s.release(ctx, c); err != nil {
			// ALREADY_TERMINAL means a concurrent checkout won the race for
			// this reservation; that is an expected skip, not a failure.
			if domainerr.Is(err, domainerr.CodeAlreadyTerminal) {
				continue
			}
			errs = append(errs, err.Error())
		}
	}
	return len(candidates), errs
}

// Trigger runs one pass on demand, bypassing the ticker, and reports what it did.
func (s *Sweeper) Trigger(ctx context.Context) (processed int, duration time.Duration) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, 0
	}
	defer s.running.Store(false)

	start := time.Now()
	n, errs := s.runOnce(ctx)
	duration = time.Since(start)

	s.statsMu.Lock()
	s.totalRuns++
	s.totalProcessed += int64(n)
	s.lastDuration = duration
	s.totalSuccess += int64(n - len(errs))
	s.totalFail += int64(len(errs))
	for _, e := range errs {
		s.recordErrorLocked(e)
	}
	s.statsMu.Unlock()

	return n, duration
}

// Health is the snapshot getHealth() returns for the monitoring endpoint.
type Health struct {
	Status         HealthStatus
	TotalRuns      int64
	TotalSuccess   int64
	TotalFail      int64
	TotalProcessed int64
	SuccessRate    float64
	LastDuration   time.Duration
	RecentErrors   []string
}

func (s *Sweeper) GetHealth() Health {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	total := s.totalSuccess + s.totalFail
	rate := 1.0
	if total > 0 {
		rate = float64(s.totalSuccess) / float64(total)
	}

	status := Unhealthy
	switch {
	case rate >= s.cfg.HealthyThreshold:
		status = Healthy
	case rate >= s.cfg.DegradedThreshold:
		status = Degraded
	}

	errs := make([]string, len(s.errRing))
	copy(errs, s.errRing)

	return Health{
		Status:         status,
		TotalRuns:      s.totalRuns,
		TotalSuccess:   s.totalSuccess,
		TotalFail:      s.totalFail,
		TotalProcessed: s.totalProcessed,
		SuccessRate:    rate,
		LastDuration:   s.lastDuration,
		RecentErrors:   errs,
	}
}
