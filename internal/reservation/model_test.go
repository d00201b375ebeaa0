package reservation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flashcore/reservation-engine/internal/reservation"
)

func TestStatusIsValid(t *testing.T) {
	tests := []struct {
		status reservation.Status
		want   bool
	}{
		{reservation.StatusPending, true},
		{reservation.StatusConfirmed, true},
		{reservation.StatusExpired, true},
		{reservation.StatusCancelled, true},
		{reservation.Status("BOGUS"), false},
		{reservation.Status(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsValid())
		})
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status reservation.Status
		want   bool
	}{
		{reservation.StatusPending, false},
		{reservation.StatusConfirmed, true},
		{reservation.StatusExpired, true},
		{reservation.StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			r := &reservation.Reservation{Status: tt.status}
			assert.Equal(t, tt.want, r.IsTerminal())
		})
	}
}
