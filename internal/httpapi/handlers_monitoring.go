package httpapi

import (
	"net/http"

	"github.com/flashcore/reservation-engine/internal/domainerr"
)

// handleConsistency: GET /api/v1/monitoring/stock/consistency (admin-only).
func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	if !isAdminFromContext(r) {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthZ, "", "admin only"))
		return
	}
	violations, err := s.ledger.CheckConsistency(r.Context())
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	respondOK(w, r, http.StatusOK, violations)
}

// handleFixConsistency: POST /api/v1/monitoring/stock/fix-consistency (admin-only).
func (s *Server) handleFixConsistency(w http.ResponseWriter, r *http.Request) {
	if !isAdminFromContext(r) {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthZ, "", "admin only"))
		return
	}
	fixed, err := s.ledger.FixConsistency(r.Context())
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	respondOK(w, r, http.StatusOK, map[string]int{"fixed": fixed})
}

// handleSchedulerHealth: GET /api/v1/monitoring/scheduler (admin-only).
func (s *Server) handleSchedulerHealth(w http.ResponseWriter, r *http.Request) {
	if !isAdminFromContext(r) {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthZ, "", "admin only"))
		return
	}
	respondOK(w, r, http.StatusOK, s.sweeper.GetHealth())
}

// handleSchedulerTrigger: POST /api/v1/monitoring/scheduler/trigger (admin-only).
func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	if !isAdminFromContext(r) {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthZ, "", "admin only"))
		return
	}
	processed, duration := s.sweeper.Trigger(r.Context())
	respondOK(w, r, http.StatusOK, map[string]any{
		"processed":  processed,
		"durationMs": duration.Milliseconds(),
	})
}
