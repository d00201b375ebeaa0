package reservation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flashcore/reservation-engine/internal/domainerr"
	"github.com/flashcore/reservation-engine/internal/sweeper"
)

// querier is satisfied by both *sql.DB and *sql.Tx, mirroring the Ledger's
// pattern so the Coordinator can compose Ledger writes and Store writes in
// one caller-managed transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DB additionally supports BeginTx. The Coordinator uses it to open the
// transactions that compose Ledger and Store writes; the Store itself never
// opens a transaction.
type DB interface {
	querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store is the Reservation Store: persistent catalog of holds and their
// status, with store-layer transition guards that reject non-PENDING ->
// anything even if a Coordinator bug tries it.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Create inserts a new PENDING reservation.
func (s *Store) Create(ctx context.Context, q querier, r *Reservation) error {
	const query = `
		INSERT INTO reservations
			(id, reservation_code, user_id, item_id, quantity, unit_price, total_price,
			 status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := q.ExecContext(ctx, query,
		r.ID, r.ReservationCode, r.UserID, r.ItemID, r.Quantity,
		r.UnitPrice.String(), r.TotalPrice.String(), r.Status, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return domainerr.Transient("store.create: insert failed", err)
	}
	return nil
}

// FindByID loads a single reservation by id.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	const query = `
		SELECT id, reservation_code, user_id, item_id, quantity, unit_price, total_price,
		       status, expires_at, cancellation_reason, created_at, updated_at
		FROM reservations WHERE id = $1`
	r, err := s.scanRow(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domainerr.NotFoundf("reservation %s not found", id)
	}
	if err != nil {
		return nil, domainerr.Transient("store.findByID: query failed", err)
	}
	return r, nil
}

// FindByIDForUpdate loads a reservation via the given transaction with a row
// lock, for use inside Coordinator transactions that will mutate it.
func (s *Store) FindByIDForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Reservation, error) {
	const query = `
		SELECT id, reservation_code, user_id, item_id, quantity, unit_price, total_price,
		       status, expires_at, cancellation_reason, created_at, updated_at
		FROM reservations WHERE id = $1 FOR UPDATE`
	r, err := s.scanRow(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domainerr.NotFoundf("reservation %s not found", id)
	}
	if err != nil {
		return nil, domainerr.Transient("store.findByIDForUpdate: query failed", err)
	}
	return r, nil
}

// FindByUser lists a user's reservations, optionally filtered by status,
// newest first, paginated.
func (s *Store) FindByUser(ctx context.Context, userID uuid.UUID, status *Status, limit, offset int) ([]*Reservation, int, error) {
	args := []any{userID}
	where := "user_id = $1"
	if status != nil {
		args = append(args, *status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	countQuery := "SELECT count(*) FROM reservations WHERE " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, domainerr.Transient("store.findByUser: count failed", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT id, reservation_code, user_id, item_id, quantity, unit_price, total_price,
		       status, expires_at, cancellation_reason, created_at, updated_at
		FROM reservations WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, domainerr.Transient("store.findByUser: query failed", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := s.scanRows(rows)
		if err != nil {
			return nil, 0, domainerr.Transient("store.findByUser: scan failed", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// FindExpired returns up to limit PENDING reservations whose expiresAt has
// passed, ordered oldest-first so a slow sweeper makes progress on the
// longest-overdue holds first.
func (s *Store) FindExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error) {
	const query = `
		SELECT id, reservation_code, user_id, item_id, quantity, unit_price, total_price,
		       status, expires_at, cancellation_reason, created_at, updated_at
		FROM reservations
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, domainerr.Transient("store.findExpired: query failed", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r, err := s.scanRows(rows)
		if err != nil {
			return nil, domainerr.Transient("store.findExpired: scan failed", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindExpiredCandidates adapts FindExpired to the shape the Sweeper needs,
// satisfying sweeper.Store without the sweeper package depending on this one.
func (s *Store) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]sweeper.Candidate, error) {
	reservations, err := s.FindExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]sweeper.Candidate, len(reservations))
	for i, r := range reservations {
		out[i] = sweeper.Candidate{ID: r.ID, ItemID: r.ItemID, Quantity: r.Quantity}
	}
	return out, nil
}

// CountActiveByUserAndItem sums quantity over PENDING+CONFIRMED reservations
// for (userID, itemID), the quantity R3's quota check compares against
// maxPerUser.
func (s *Store) CountActiveByUserAndItem(ctx context.Context, q querier, userID, itemID uuid.UUID) (int, error) {
	const query = `
		SELECT COALESCE(SUM(quantity), 0) FROM reservations
		WHERE user_id = $1 AND item_id = $2 AND status IN ('PENDING', 'CONFIRMED')`
	var sum int
	if err := q.QueryRowContext(ctx, query, userID, itemID).Scan(&sum); err != nil {
		return 0, domainerr.Transient("store.countActiveByUserAndItem: query failed", err)
	}
	return sum, nil
}

// TransitionTo moves a reservation from PENDING to a terminal status. The
// WHERE clause always carries status = 'PENDING' so a concurrent winner
// (checkout vs sweeper, §5) is detected via RowsAffected == 0 rather than by
// a separate read-then-write race.
func (s *Store) TransitionTo(ctx context.Context, q querier, id uuid.UUID, to Status, reason *string) error {
	const query = `
		UPDATE reservations
		SET status = $1, cancellation_reason = $2, updated_at = now()
		WHERE id = $3 AND status = 'PENDING'`

	result, err := q.ExecContext(ctx, query, to, reason, id)
	if err != nil {
		return domainerr.Transient("store.transitionTo: exec failed", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return domainerr.Transient("store.transitionTo: rows affected", err)
	}
	if n == 0 {
		return domainerr.Conflictf(domainerr.CodeAlreadyTerminal,
			"reservation %s is no longer PENDING", id)
	}
	return nil
}

func (s *Store) scanRow(row *sql.Row) (*Reservation, error) {
	var r Reservation
	var unitPrice, totalPrice string
	err := row.Scan(&r.ID, &r.ReservationCode, &r.UserID, &r.ItemID, &r.Quantity,
		&unitPrice, &totalPrice, &r.Status, &r.ExpiresAt, &r.CancellationReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return finishScan(&r, unitPrice, totalPrice)
}

// rowScanner is the subset of *sql.Rows that scanRows needs; satisfied by
// *sql.Rows itself.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRows(rows rowScanner) (*Reservation, error) {
	var r Reservation
	var unitPrice, totalPrice string
	err := rows.Scan(&r.ID, &r.ReservationCode, &r.UserID, &r.ItemID, &r.Quantity,
		&unitPrice, &totalPrice, &r.Status, &r.ExpiresAt, &r.CancellationReason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return finishScan(&r, unitPrice, totalPrice)
}

func finishScan(r *Reservation, unitPrice, totalPrice string) (*Reservation, error) {
	var err error
	r.UnitPrice, err = decimal.NewFromString(unitPrice)
	if err != nil {
		return nil, fmt.Errorf("parse unit_price: %w", err)
	}
	r.TotalPrice, err = decimal.NewFromString(totalPrice)
	if err != nil {
		return nil, fmt.Errorf("parse total_price: %w", err)
	}
	return r, nil
}
