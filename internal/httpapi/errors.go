package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/domainerr"
)

// respondError translates a domainerr.Kind into the matching HTTP status
// and writes the shared envelope, logging infrastructure-kind failures at a
// higher level since those indicate an operational problem rather than a
// client mistake.
func respondError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	status := statusFor(domainerr.KindOf(err))

	if status >= 500 {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}

	writeJSON(w, status, Envelope{
		Success: false,
		Message: err.Error(),
		Meta:    Meta{Timestamp: now(), Path: r.URL.Path},
	})
}

func statusFor(kind domainerr.Kind) int {
	switch kind {
	case domainerr.Validation:
		return http.StatusUnprocessableEntity
	case domainerr.AuthN:
		return http.StatusUnauthorized
	case domainerr.AuthZ:
		return http.StatusForbidden
	case domainerr.NotFound:
		return http.StatusNotFound
	case domainerr.Conflict:
		return http.StatusConflict
	case domainerr.InsufficientStock:
		return http.StatusConflict
	case domainerr.RateLimit:
		return http.StatusTooManyRequests
	case domainerr.InfrastructureFatal:
		return http.StatusInternalServerError
	case domainerr.InfrastructureTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
