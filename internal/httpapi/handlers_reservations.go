package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/flashcore/reservation-engine/internal/domainerr"
	"github.com/flashcore/reservation-engine/internal/reservation"
)

type createReservationRequest struct {
	ItemID   uuid.UUID `json:"itemId"`
	Quantity int       `json:"quantity"`
}

// handleCreateReservation: POST /api/v1/reservations
func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthN, "", "missing caller identity"))
		return
	}

	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, s.log, domainerr.Validationf("malformed request body: %v", err))
		return
	}

	// The HTTP layer doesn't have the caller's verified email/name on hand;
	// an identity collaborator would attach them to the request context
	// alongside userID. Left blank here since notification content is a
	// Non-goal and the stub EmailSender never reads them for real delivery.
	res, err := s.coordinator.Create(r.Context(), userID, req.ItemID, req.Quantity, "", "")
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	respondOK(w, r, http.StatusCreated, res)
}

// handleCheckout: POST /api/v1/reservations/{id}/checkout
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthN, "", "missing caller identity"))
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, r, s.log, domainerr.Validationf("invalid reservation id"))
		return
	}

	res, err := s.coordinator.Checkout(r.Context(), id, userID)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	respondOK(w, r, http.StatusOK, res)
}

type cancelReservationRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// handleCancel: POST /api/v1/reservations/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthN, "", "missing caller identity"))
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, r, s.log, domainerr.Validationf("invalid reservation id"))
		return
	}

	var req cancelReservationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, s.log, domainerr.Validationf("malformed request body: %v", err))
			return
		}
	}

	res, err := s.coordinator.Cancel(r.Context(), id, userID, req.Reason, isAdminFromContext(r))
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	respondOK(w, r, http.StatusOK, res)
}

// handleListMine: GET /api/v1/reservations/me
func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthN, "", "missing caller identity"))
		return
	}

	var status *reservation.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := reservation.Status(raw)
		if !st.IsValid() {
			respondError(w, r, s.log, domainerr.Validationf("unknown status %q", raw))
			return
		}
		status = &st
	}
	page, limit := pagingParams(r)

	items, total, err := s.store.FindByUser(r.Context(), userID, status, limit, (page-1)*limit)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	respondPage(w, r, items, page, limit, total)
}

// handleGetByID: GET /api/v1/reservations/{id}
func (s *Server) handleGetByID(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthN, "", "missing caller identity"))
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respondError(w, r, s.log, domainerr.Validationf("invalid reservation id"))
		return
	}

	res, err := s.store.FindByID(r.Context(), id)
	if err != nil {
		respondError(w, r, s.log, err)
		return
	}
	if res.UserID != userID && !isAdminFromContext(r) {
		respondError(w, r, s.log, domainerr.New(domainerr.AuthZ, domainerr.CodeNotOwner, "reservation does not belong to caller"))
		return
	}
	respondOK(w, r, http.StatusOK, res)
}

func pagingParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 20
	}
	return page, limit
}
