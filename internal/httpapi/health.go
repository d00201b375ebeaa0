package httpapi

import (
	"context"
	"net/http"

	"github.com/flashcore/reservation-engine/internal/sweeper"
)

// DBHealth is the subset of internal/dbx.Pool the health endpoints need.
type DBHealth interface {
	IsHealthy() bool
}

// CacheHealth is the subset of internal/cache.Client the health endpoints need.
type CacheHealth interface {
	Exists(ctx context.Context, key string) (bool, error)
}

type healthReport struct {
	Status   string          `json:"status"`
	DB       bool            `json:"db"`
	Cache    bool            `json:"cache"`
	Sweeper  sweeper.Health  `json:"sweeper"`
}

// handleHealthz: GET /healthz reports process liveness unconditionally; a
// process that can answer HTTP at all is live, degraded or not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz: GET /readyz reports whether DB/cache/sweeper are healthy
// enough to serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.IsHealthy()

	cacheOK := true
	if s.cache != nil {
		_, err := s.cache.Exists(r.Context(), "readyz:probe")
		cacheOK = err == nil
	}

	var health sweeper.Health
	if s.sweeper != nil {
		health = s.sweeper.GetHealth()
	}

	status := http.StatusOK
	overall := "ok"
	if !dbOK || !cacheOK || health.Status == sweeper.Unhealthy {
		status = http.StatusServiceUnavailable
		overall = "unavailable"
	} else if health.Status == sweeper.Degraded {
		overall = "degraded"
	}

	writeJSON(w, status, Envelope{
		Success: status == http.StatusOK,
		Data: healthReport{
			Status:  overall,
			DB:      dbOK,
			Cache:   cacheOK,
			Sweeper: health,
		},
		Meta: Meta{Timestamp: now(), Path: r.URL.Path},
	})
}
