package reservation

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/domainerr"
	"github.com/flashcore/reservation-engine/internal/ledger"
	"github.com/flashcore/reservation-engine/internal/sweeper"
)

// Publisher is the narrow slice of the Event Publisher the Coordinator
// needs, kept as an interface here so this package never imports the broker
// package; *broker.Publisher satisfies it without either package importing
// the other.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any, userID string) error
}

// Routing keys the Coordinator publishes on create and on each terminal
// transition (§4.5).
const (
	EventReservationCreated   = "reservation.created"
	EventReservationConfirmed = "reservation.confirmed"
	EventReservationCancelled = "reservation.cancelled"
	EventReservationExpired   = "reservation.expired"
)

// Coordinator orchestrates the Ledger, the Store, and event publication for
// the create/checkout/cancel operations, enforcing the PENDING -> terminal
// state machine and the per-user quota (R3).
type Coordinator struct {
	db          DB
	ledger      *ledger.Ledger
	store       *Store
	publisher   Publisher
	holdDuration time.Duration
	log         *zap.Logger
}

func NewCoordinator(db DB, led *ledger.Ledger, store *Store, publisher Publisher, holdDuration time.Duration, log *zap.Logger) *Coordinator {
	return &Coordinator{db: db, ledger: led, store: store, publisher: publisher, holdDuration: holdDuration, log: log}
}

// Create runs the full create(userId, itemId, quantity) flow: quota check,
// Ledger.reserve + Store.insert in one transaction, then a best-effort
// event publish.
func (c *Coordinator) Create(ctx context.Context, userID, itemID uuid.UUID, quantity int, userEmail, userName string) (*Reservation, error) {
	if quantity < 1 {
		return nil, domainerr.Validationf("quantity must be >= 1")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domainerr.Transient("coordinator.create: begin tx", err)
	}
	defer tx.Rollback()

	current, err := c.store.CountActiveByUserAndItem(ctx, tx, userID, itemID)
	if err != nil {
		return nil, err
	}

	// maxPerUser lives on the item row, so the quota check needs the Reserve
	// call's returned row before it can compare; a quota failure here still
	// never leaks stock because the transaction is rolled back by the
	// deferred Rollback instead of committed.
	item, err := c.ledger.Reserve(ctx, tx, itemID, quantity)
	if err != nil {
		return nil, err
	}

	if current+quantity > item.MaxPerUser {
		return nil, domainerr.Conflictf(domainerr.CodeQuotaExceeded,
			"user %s already holds %d of item %s (max %d)", userID, current, itemID, item.MaxPerUser)
	}

	now := time.Now().UTC()
	code, err := generateReservationCode()
	if err != nil {
		return nil, domainerr.Transient("coordinator.create: generate code", err)
	}

	reservationID := uuid.New()
	unitPrice := item.Price
	totalPrice := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))

	r := &Reservation{
		ID:              reservationID,
		ReservationCode: code,
		UserID:          userID,
		ItemID:          itemID,
		Quantity:        quantity,
		UnitPrice:       unitPrice,
		TotalPrice:      totalPrice,
		Status:          StatusPending,
		ExpiresAt:       now.Add(c.holdDuration),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.store.Create(ctx, tx, r); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, domainerr.Transient("coordinator.create: commit", err)
	}

	c.publishBestEffort(ctx, EventReservationCreated, map[string]any{
		"reservationId":   r.ID,
		"reservationCode": r.ReservationCode,
		"userId":          userID,
		"itemId":          itemID,
		"itemName":        item.Name,
		"userEmail":       userEmail,
		"userName":        userName,
		"quantity":        quantity,
		"totalPrice":      totalPrice.String(),
		"expiresAt":       r.ExpiresAt,
	}, userID.String())

	return r, nil
}

// Checkout runs checkout(reservationId, userId): confirms stock and marks
// the reservation CONFIRMED, atomically.
func (c *Coordinator) Checkout(ctx context.Context, reservationID, userID uuid.UUID) (*Reservation, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domainerr.Transient("coordinator.checkout: begin tx", err)
	}
	defer tx.Rollback()

	r, err := c.store.FindByIDForUpdate(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, domainerr.New(domainerr.AuthZ, domainerr.CodeNotOwner,
			fmt.Sprintf("reservation %s does not belong to user %s", reservationID, userID))
	}
	if r.Status != StatusPending {
		return nil, domainerr.Conflictf(domainerr.CodeAlreadyTerminal, "reservation %s is %s", reservationID, r.Status)
	}
	if !r.ExpiresAt.After(time.Now().UTC()) {
		return nil, domainerr.New(domainerr.Conflict, domainerr.CodeExpired,
			fmt.Sprintf("reservation %s expired at %s", reservationID, r.ExpiresAt))
	}

	if _, err := c.ledger.Confirm(ctx, tx, r.ItemID, r.Quantity); err != nil {
		return nil, err
	}
	if err := c.store.TransitionTo(ctx, tx, reservationID, StatusConfirmed, nil); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, domainerr.Transient("coordinator.checkout: commit", err)
	}
	r.Status = StatusConfirmed

	c.publishBestEffort(ctx, EventReservationConfirmed, map[string]any{
		"reservationId":   r.ID,
		"reservationCode": r.ReservationCode,
		"userId":          r.UserID,
		"itemId":          r.ItemID,
		"quantity":        r.Quantity,
		"totalPrice":      r.TotalPrice.String(),
	}, r.UserID.String())

	return r, nil
}

// Cancel runs cancel(reservationId, userId, reason, isAdmin): releases the
// hold and marks the reservation CANCELLED. isAdmin bypasses the ownership
// check (spec §9 open question, resolved explicitly).
func (c *Coordinator) Cancel(ctx context.Context, reservationID, userID uuid.UUID, reason *string, isAdmin bool) (*Reservation, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domainerr.Transient("coordinator.cancel: begin tx", err)
	}
	defer tx.Rollback()

	r, err := c.store.FindByIDForUpdate(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && r.UserID != userID {
		return nil, domainerr.New(domainerr.AuthZ, domainerr.CodeNotOwner,
			fmt.Sprintf("reservation %s does not belong to user %s", reservationID, userID))
	}
	if r.Status != StatusPending {
		return nil, domainerr.Conflictf(domainerr.CodeAlreadyTerminal, "reservation %s is %s", reservationID, r.Status)
	}

	if _, err := c.ledger.Release(ctx, tx, r.ItemID, r.Quantity); err != nil {
		return nil, err
	}
	if err := c.store.TransitionTo(ctx, tx, reservationID, StatusCancelled, reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, domainerr.Transient("coordinator.cancel: commit", err)
	}
	r.Status = StatusCancelled
	r.CancellationReason = reason

	c.publishBestEffort(ctx, EventReservationCancelled, map[string]any{
		"reservationId":   r.ID,
		"reservationCode": r.ReservationCode,
		"userId":          r.UserID,
		"itemId":          r.ItemID,
		"quantity":        r.Quantity,
		"reason":          reason,
	}, r.UserID.String())

	return r, nil
}

// ExpireCandidate is the sweeper.Releaser the Expiry Sweeper drives: it
// re-checks status == PENDING AND expires_at <= now inside its own
// transaction (the row lock from FindByIDForUpdate plus TransitionTo's
// conditional WHERE together form the compare-and-swap from §5), releases
// the Ledger hold, and publishes reservation.expired exactly once per
// successful transition.
func (c *Coordinator) ExpireCandidate(ctx context.Context, cand sweeper.Candidate) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return domainerr.Transient("coordinator.expireCandidate: begin tx", err)
	}
	defer tx.Rollback()

	r, err := c.store.FindByIDForUpdate(ctx, tx, cand.ID)
	if err != nil {
		return err
	}
	if r.Status != StatusPending || r.ExpiresAt.After(time.Now().UTC()) {
		// Already transitioned by a concurrent checkout, or not actually
		// expired yet (clock skew): skip by returning ALREADY_TERMINAL, which
		// the sweeper counts as a skip rather than a failure.
		return domainerr.Conflictf(domainerr.CodeAlreadyTerminal, "reservation %s no longer eligible for expiry", cand.ID)
	}

	if _, err := c.ledger.Release(ctx, tx, r.ItemID, r.Quantity); err != nil {
		return err
	}
	if err := c.store.TransitionTo(ctx, tx, cand.ID, StatusExpired, nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return domainerr.Transient("coordinator.expireCandidate: commit", err)
	}

	c.publishBestEffort(ctx, EventReservationExpired, map[string]any{
		"reservationId":   r.ID,
		"reservationCode": r.ReservationCode,
		"userId":          r.UserID,
		"itemId":          r.ItemID,
		"quantity":        r.Quantity,
	}, r.UserID.String())

	return nil
}

// publishBestEffort logs and swallows publish failures: per §7, a publish
// failure after stock is already committed must not roll back the
// reservation. The sweeper guarantees eventual cleanup if nobody ever hears
// back.
func (c *Coordinator) publishBestEffort(ctx context.Context, routingKey string, payload any, userID string) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, routingKey, payload, userID); err != nil {
		c.log.Warn("event publish failed, continuing without rollback",
			zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func generateReservationCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return fmt.Sprintf("RSV-%s", out), nil
}
