package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashcore/reservation-engine/internal/metrics"
)

// TestSetRecordsAndExposes exercises every Record helper against one Set and
// confirms the samples show up on the /metrics handler, since promauto's
// default registry panics on a second New() call within the same process.
func TestSetRecordsAndExposes(t *testing.T) {
	set := metrics.New("reservation_engine_test")

	set.HTTP.RecordHTTPRequest("POST", "/api/v1/reservations", "201", 15*time.Millisecond)
	set.Ledger.RecordOperation("reserve", "ok", 2*time.Millisecond)
	set.Coordinator.RecordOperation("create", "ok")
	set.Coordinator.QuotaRejections.Inc()
	set.Sweeper.RecordTick(3, 50*time.Millisecond)
	set.Broker.RecordAcked("reservation.created")
	set.Broker.RecordNacked("email.verification")
	set.Broker.RecordDeadLettered("email.verification")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metrics.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()

	assert.Contains(t, body, "reservation_engine_test_http_requests_total")
	assert.Contains(t, body, "reservation_engine_test_ledger_operations_total")
	assert.Contains(t, body, "reservation_engine_test_coordinator_quota_rejections_total")
	assert.Contains(t, body, "reservation_engine_test_sweeper_reservations_expired_total")
	assert.Contains(t, body, "reservation_engine_test_broker_messages_dead_lettered_total")
	assert.True(t, strings.Contains(body, "reservation.created") || strings.Contains(body, "email.verification"))
}
