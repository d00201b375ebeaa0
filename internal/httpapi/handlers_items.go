package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flashcore/reservation-engine/internal/domainerr"
	"github.com/flashcore/reservation-engine/internal/ledger"
)

const itemCacheTTL = 30 * time.Second

// handleGetItem: GET /api/v1/items/{id}, cache-aside in front of the Ledger
// per §4.6 — a cache hit skips the database entirely; a miss populates the
// cache best-effort and never fails the request if the cache write fails.
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, r, s.log, domainerr.Validationf("invalid item id"))
		return
	}

	key := itemCacheKey(id)
	var item ledger.Item
	if s.cache != nil {
		if err := s.cache.GetJSON(r.Context(), key, &item); err == nil {
			respondOK(w, r, http.StatusOK, item)
			return
		}
	}

	got, err := s.ledger.GetItem(r.Context(), id)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(r.Context(), key, got, itemCacheTTL)
	}

	respondOK(w, r, http.StatusOK, got)
}

func itemCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("item:%s", id)
}
