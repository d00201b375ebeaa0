package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/domainerr"
)

func TestStatusForEveryKind(t *testing.T) {
	tests := []struct {
		kind domainerr.Kind
		want int
	}{
		{domainerr.Validation, http.StatusUnprocessableEntity},
		{domainerr.AuthN, http.StatusUnauthorized},
		{domainerr.AuthZ, http.StatusForbidden},
		{domainerr.NotFound, http.StatusNotFound},
		{domainerr.Conflict, http.StatusConflict},
		{domainerr.InsufficientStock, http.StatusConflict},
		{domainerr.RateLimit, http.StatusTooManyRequests},
		{domainerr.InfrastructureFatal, http.StatusInternalServerError},
		{domainerr.InfrastructureTransient, http.StatusServiceUnavailable},
		{domainerr.Kind("UNKNOWN"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestPagingParamsDefaults(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reservations/me", nil)
	page, limit := pagingParams(r)
	assert.Equal(t, 1, page)
	assert.Equal(t, 20, limit)
}

func TestPagingParamsHonorsQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reservations/me?page=3&limit=50", nil)
	page, limit := pagingParams(r)
	assert.Equal(t, 3, page)
	assert.Equal(t, 50, limit)
}

func TestPagingParamsRejectsOutOfRangeLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reservations/me?limit=500", nil)
	_, limit := pagingParams(r)
	assert.Equal(t, 20, limit, "a limit outside [1,200] falls back to the default rather than erroring")

	r = httptest.NewRequest(http.MethodGet, "/api/v1/reservations/me?page=-5", nil)
	page, _ := pagingParams(r)
	assert.Equal(t, 1, page)
}

func TestItemCacheKey(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "item:"+id.String(), itemCacheKey(id))
}

func TestWithIdentityRoundTrips(t *testing.T) {
	userID := uuid.New()
	ctx := WithIdentity(context.Background(), userID, true)

	r := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)

	got, ok := userIDFromContext(r)
	assert.True(t, ok)
	assert.Equal(t, userID, got)
	assert.True(t, isAdminFromContext(r))
}

func TestIdentityAbsentFromBareContext(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, ok := userIDFromContext(r)
	assert.False(t, ok)
	assert.False(t, isAdminFromContext(r))
}

func TestRespondPageComputesTotalPages(t *testing.T) {
	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reservations/me", nil)

	respondPage(rr, r, []int{1, 2, 3}, 2, 10, 25)

	assert.Equal(t, http.StatusOK, rr.Code)

	var env Envelope
	assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.Equal(t, 3, env.Meta.TotalPages, "25 items at 10 per page is 3 pages")
}

func TestRespondErrorMapsStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/reservations/"+uuid.NewString(), nil)

	respondError(rr, r, zap.NewNop(), domainerr.NotFoundf("reservation %s not found", "x"))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
