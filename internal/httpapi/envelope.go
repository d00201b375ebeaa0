// Package httpapi is the thin HTTP adapter over the Coordinator, Ledger, and
// Sweeper: request decoding, the shared response envelope, and route
// dispatch. Authentication, RBAC, and rate-limit enforcement are an external
// collaborator's responsibility; handlers here only read an
// already-authenticated identity out of the request context.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the shape every response shares (§6).
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Errors  any    `json:"errors,omitempty"`
	Meta    Meta   `json:"meta"`
}

type Meta struct {
	Timestamp  time.Time `json:"timestamp"`
	Path       string    `json:"path,omitempty"`
	Page       int       `json:"page,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Total      int       `json:"total,omitempty"`
	TotalPages int       `json:"totalPages,omitempty"`
	StatusCode int       `json:"statusCode"`
}

func now() time.Time { return time.Now().UTC() }

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	env.Meta.StatusCode = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func respondOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    Meta{Timestamp: now(), Path: r.URL.Path},
	})
}

func respondPage(w http.ResponseWriter, r *http.Request, data any, page, limit, total int) {
	totalPages := 0
	if limit > 0 {
		totalPages = (total + limit - 1) / limit
	}
	writeJSON(w, http.StatusOK, Envelope{
		Success: true,
		Data:    data,
		Meta: Meta{
			Timestamp:  now(),
			Path:       r.URL.Path,
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}
