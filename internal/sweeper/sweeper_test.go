package sweeper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/domainerr"
)

// fakeStore returns a fixed batch of candidates once, then nothing, so a
// single Trigger/tick call processes a known-size batch.
type fakeStore struct {
	mu         sync.Mutex
	batches    [][]Candidate
	calls      int
}

func (f *fakeStore) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.calls]
	f.calls++
	return b, nil
}

func newCandidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{ID: uuid.New(), ItemID: uuid.New(), Quantity: 1}
	}
	return out
}

func TestTriggerProcessesBatch(t *testing.T) {
	store := &fakeStore{batches: [][]Candidate{newCandidates(5)}}
	var released int64
	release := Releaser(func(ctx context.Context, c Candidate) error {
		atomic.AddInt64(&released, 1)
		return nil
	})

	s := New(Config{Interval: time.Hour, BatchLimit: 100, HealthyThreshold: 0.9, DegradedThreshold: 0.5}, store, release, zap.NewNop())

	processed, _ := s.Trigger(context.Background())
	assert.Equal(t, 5, processed)
	assert.EqualValues(t, 5, atomic.LoadInt64(&released))

	health := s.GetHealth()
	assert.Equal(t, int64(1), health.TotalRuns)
	assert.Equal(t, int64(5), health.TotalSuccess)
	assert.Equal(t, int64(0), health.TotalFail)
	assert.Equal(t, Healthy, health.Status)
}

func TestTriggerSkipsAlreadyTerminalAsSuccess(t *testing.T) {
	store := &fakeStore{batches: [][]Candidate{newCandidates(3)}}
	first := true
	release := Releaser(func(ctx context.Context, c Candidate) error {
		if first {
			first = false
			return domainerr.Conflictf(domainerr.CodeAlreadyTerminal, "raced by a concurrent checkout")
		}
		return nil
	})

	s := New(Config{Interval: time.Hour, BatchLimit: 100, HealthyThreshold: 0.9, DegradedThreshold: 0.5}, store, release, zap.NewNop())

	processed, _ := s.Trigger(context.Background())
	assert.Equal(t, 3, processed)

	health := s.GetHealth()
	assert.Equal(t, int64(0), health.TotalFail, "ALREADY_TERMINAL is a benign race, not a failure")
}

func TestTriggerRecordsRealFailures(t *testing.T) {
	store := &fakeStore{batches: [][]Candidate{newCandidates(4)}}
	n := 0
	release := Releaser(func(ctx context.Context, c Candidate) error {
		n++
		if n%2 == 0 {
			return fmt.Errorf("ledger release failed for %s", c.ID)
		}
		return nil
	})

	s := New(Config{Interval: time.Hour, BatchLimit: 100, HealthyThreshold: 0.99, DegradedThreshold: 0.5}, store, release, zap.NewNop())

	processed, _ := s.Trigger(context.Background())
	assert.Equal(t, 4, processed)

	health := s.GetHealth()
	assert.Equal(t, int64(2), health.TotalSuccess)
	assert.Equal(t, int64(2), health.TotalFail)
	assert.Len(t, health.RecentErrors, 2)
	assert.Equal(t, Degraded, health.Status, "50%% success rate sits between the degraded and healthy thresholds")
}

func TestTriggerSkipsWhileAlreadyRunning(t *testing.T) {
	release := Releaser(func(ctx context.Context, c Candidate) error { return nil })
	entered := make(chan struct{})
	block := make(chan struct{})
	store := &blockingStore{entered: entered, release: block}

	s := New(Config{Interval: time.Hour, BatchLimit: 10, HealthyThreshold: 0.9, DegradedThreshold: 0.5}, store, release, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.Trigger(context.Background())
		close(done)
	}()

	// Give the first Trigger time to flip the running flag before the second
	// one arrives and must bounce off it.
	<-entered
	processed, duration := s.Trigger(context.Background())
	assert.Equal(t, 0, processed)
	assert.Zero(t, duration)

	close(block)
	<-done
}

type blockingStore struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]Candidate, error) {
	close(b.entered)
	<-b.release
	return nil, nil
}

func TestHealthStatusThresholds(t *testing.T) {
	tests := []struct {
		name      string
		successes int64
		failures  int64
		want      HealthStatus
	}{
		{"no runs yet defaults healthy", 0, 0, Healthy},
		{"all success", 10, 0, Healthy},
		{"above healthy threshold", 96, 4, Healthy},
		{"between thresholds", 70, 30, Degraded},
		{"below degraded threshold", 10, 90, Unhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{HealthyThreshold: 0.95, DegradedThreshold: 0.5}, nil, nil, zap.NewNop())
			s.totalSuccess = tt.successes
			s.totalFail = tt.failures

			health := s.GetHealth()
			assert.Equal(t, tt.want, health.Status)
		})
	}
}

func TestStartStopIsClean(t *testing.T) {
	store := &fakeStore{}
	release := Releaser(func(ctx context.Context, c Candidate) error { return nil })
	s := New(Config{Interval: 5 * time.Millisecond, BatchLimit: 10, HealthyThreshold: 0.9, DegradedThreshold: 0.5}, store, release, zap.NewNop())

	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	// Stop must be safe to wait on even with ticks already having fired.
	require.NotPanics(t, func() { s.Stop() })
}

type recordingMetrics struct {
	mu    sync.Mutex
	ticks int
}

func (r *recordingMetrics) RecordTick(processed int, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func TestWithMetricsRecordsEachTick(t *testing.T) {
	store := &fakeStore{batches: [][]Candidate{newCandidates(1)}}
	release := Releaser(func(ctx context.Context, c Candidate) error { return nil })
	metrics := &recordingMetrics{}

	s := New(Config{Interval: time.Hour, BatchLimit: 10, HealthyThreshold: 0.9, DegradedThreshold: 0.5}, store, release, zap.NewNop()).
		WithMetrics(metrics)

	s.tick(context.Background())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.ticks)
}
