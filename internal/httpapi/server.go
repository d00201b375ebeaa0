package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/cache"
	"github.com/flashcore/reservation-engine/internal/ledger"
	"github.com/flashcore/reservation-engine/internal/metrics"
	"github.com/flashcore/reservation-engine/internal/reservation"
	"github.com/flashcore/reservation-engine/internal/sweeper"
)

// Server holds the collaborators every handler needs and builds the routed
// http.Handler.
type Server struct {
	coordinator *reservation.Coordinator
	store       *reservation.Store
	ledger      *ledger.Ledger
	sweeper     *sweeper.Sweeper
	cache       *cache.Client
	db          DBHealth
	metrics     *metrics.HTTP
	log         *zap.Logger
}

func NewServer(coordinator *reservation.Coordinator, store *reservation.Store, led *ledger.Ledger,
	sw *sweeper.Sweeper, c *cache.Client, db DBHealth, m *metrics.HTTP, log *zap.Logger) *Server {
	return &Server{coordinator: coordinator, store: store, ledger: led, sweeper: sw, cache: c, db: db, metrics: m, log: log}
}

// Router builds the full route table (§6), wrapped in logging + recovery
// middleware.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/reservations", s.handleCreateReservation)
	mux.HandleFunc("POST /api/v1/reservations/{id}/checkout", s.handleCheckout)
	mux.HandleFunc("POST /api/v1/reservations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/reservations/me", s.handleListMine)
	mux.HandleFunc("GET /api/v1/reservations/{id}", s.handleGetByID)

	mux.HandleFunc("GET /api/v1/items/{id}", s.handleGetItem)

	mux.HandleFunc("GET /api/v1/monitoring/stock/consistency", s.handleConsistency)
	mux.HandleFunc("POST /api/v1/monitoring/stock/fix-consistency", s.handleFixConsistency)
	mux.HandleFunc("GET /api/v1/monitoring/scheduler", s.handleSchedulerHealth)
	mux.HandleFunc("POST /api/v1/monitoring/scheduler/trigger", s.handleSchedulerTrigger)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	return s.withMiddleware(mux)
}

// statusRecorder captures the status code a handler wrote, for metrics and
// access logging, since http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("panic recovered in handler",
					zap.Any("panic", p), zap.String("path", r.URL.Path))
				writeJSON(rec, http.StatusInternalServerError, Envelope{
					Success: false,
					Message: "internal server error",
					Meta:    Meta{Timestamp: now(), Path: r.URL.Path},
				})
			}

			duration := time.Since(start)
			s.log.Info("request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", duration))
			if s.metrics != nil {
				s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), duration)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}
