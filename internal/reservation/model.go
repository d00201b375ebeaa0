// Package reservation implements the Reservation Store (persistence) and
// the Reservation Coordinator (the create/checkout/cancel state machine).
package reservation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a Reservation's lifecycle state. PENDING is the only
// non-terminal value; all others are one-way terminal states (R1).
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// IsValid reports whether s is one of the four defined lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Reservation mirrors the reservations table.
type Reservation struct {
	ID                 uuid.UUID
	ReservationCode    string
	UserID              uuid.UUID
	ItemID              uuid.UUID
	Quantity            int
	UnitPrice           decimal.Decimal
	TotalPrice          decimal.Decimal
	Status              Status
	ExpiresAt           time.Time
	CancellationReason  *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsTerminal reports whether no further transitions are possible.
func (r *Reservation) IsTerminal() bool {
	return r.Status != StatusPending
}
