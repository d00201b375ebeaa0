// Package ledger is the sole mutator of an Item's (stock, reservedStock,
// availableStock, version) tuple. Every mutation is a single UPDATE ...
// RETURNING (conditional on its preconditions for Reserve and Confirm), so
// the precondition check and the mutation happen atomically under the
// database's row lock without a separate SELECT ... FOR UPDATE round-trip;
// a conditional UPDATE that returns no row (sql.ErrNoRows) is then
// classified by a follow-up read.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/flashcore/reservation-engine/internal/domainerr"
)

// ItemStatus is the sale-eligibility status of an Item.
type ItemStatus string

const (
	StatusActive      ItemStatus = "ACTIVE"
	StatusInactive    ItemStatus = "INACTIVE"
	StatusSoldOut     ItemStatus = "SOLD_OUT"
	StatusOutOfStock  ItemStatus = "OUT_OF_STOCK"
)

// Item mirrors the items table.
type Item struct {
	ID             uuid.UUID
	SKU            string
	Name           string
	Price          decimal.Decimal
	Stock          int
	ReservedStock  int
	AvailableStock int
	Status         ItemStatus
	SaleStartDate  *time.Time
	SaleEndDate    *time.Time
	MaxPerUser     int
	Version        int64
}

// Violation describes an item whose stored availableStock disagrees with
// stock-reservedStock, as surfaced by CheckConsistency.
type Violation struct {
	ItemID               uuid.UUID
	SKU                  string
	Stock                int
	ReservedStock        int
	StoredAvailable      int
	ComputedAvailable    int
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting every ledger
// operation run either standalone or as part of a caller-managed
// transaction (the Coordinator composes Ledger + Store writes this way).
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// DB is the subset of *sql.DB the Ledger needs for standalone operations
// that manage their own transaction (BulkReserve, consistency check/repair).
type DB interface {
	querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Ledger is the stock accounting subsystem.
type Ledger struct {
	db  DB
	log *zap.Logger
}

func New(db DB, log *zap.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// Reserve increments reservedStock by qty within q (a *sql.DB or an
// in-flight *sql.Tx). It fails with NotFound if the item doesn't exist, with
// Conflict (UNAVAILABLE) if the item isn't ACTIVE or now is outside its sale
// window, and with InsufficientStock if availableStock < qty.
func (l *Ledger) Reserve(ctx context.Context, q querier, itemID uuid.UUID, qty int) (*Item, error) {
	if qty < 1 {
		return nil, domainerr.Validationf("quantity must be >= 1")
	}

	const query = `
		UPDATE items
		SET reserved_stock = reserved_stock + $1,
		    available_stock = stock - (reserved_stock + $1),
		    version = version + 1
		WHERE id = $2
		  AND status = 'ACTIVE'
		  AND (sale_start_date IS NULL OR sale_start_date <= now())
		  AND (sale_end_date IS NULL OR sale_end_date >= now())
		  AND (stock - reserved_stock) >= $1
		RETURNING id, sku, name, price, stock, reserved_stock, available_stock, status,
		          sale_start_date, sale_end_date, max_per_user, version`

	item, err := l.scanRow(q.QueryRowContext(ctx, query, qty, itemID))
	if err == sql.ErrNoRows {
		return nil, l.classifyMissedPrecondition(ctx, q, itemID, qty, "reserve")
	}
	if err != nil {
		return nil, domainerr.Transient("reserve: query failed", err)
	}
	return item, nil
}

// Release decrements reservedStock by min(qty, reservedStock); it never
// fails on "too much" — it clamps, per B2.
func (l *Ledger) Release(ctx context.Context, q querier, itemID uuid.UUID, qty int) (*Item, error) {
	if qty < 0 {
		qty = 0
	}

	const query = `
		UPDATE items
		SET reserved_stock = GREATEST(reserved_stock - $1, 0),
		    available_stock = stock - GREATEST(reserved_stock - $1, 0),
		    version = version + 1
		WHERE id = $2
		RETURNING id, sku, name, price, stock, reserved_stock, available_stock, status,
		          sale_start_date, sale_end_date, max_per_user, version`

	item, err := l.scanRow(q.QueryRowContext(ctx, query, qty, itemID))
	if err == sql.ErrNoRows {
		return nil, domainerr.NotFoundf("item %s not found", itemID)
	}
	if err != nil {
		return nil, domainerr.Transient("release: query failed", err)
	}
	return item, nil
}

// Confirm converts qty of reservedStock into a permanent stock decrement:
// stock -= qty, reservedStock -= qty.
func (l *Ledger) Confirm(ctx context.Context, q querier, itemID uuid.UUID, qty int) (*Item, error) {
	if qty < 1 {
		return nil, domainerr.Validationf("quantity must be >= 1")
	}

	const query = `
		UPDATE items
		SET stock = stock - $1,
		    reserved_stock = reserved_stock - $1,
		    available_stock = (stock - $1) - (reserved_stock - $1),
		    version = version + 1
		WHERE id = $2
		  AND reserved_stock >= $1
		  AND stock >= $1
		RETURNING id, sku, name, price, stock, reserved_stock, available_stock, status,
		          sale_start_date, sale_end_date, max_per_user, version`

	item, err := l.scanRow(q.QueryRowContext(ctx, query, qty, itemID))
	if err == sql.ErrNoRows {
		return nil, l.classifyConfirmMiss(ctx, q, itemID, qty)
	}
	if err != nil {
		return nil, domainerr.Transient("confirm: query failed", err)
	}
	return item, nil
}

// ItemQty is one line of a bulk reservation request.
type ItemQty struct {
	ItemID   uuid.UUID
	Quantity int
}

// BulkReserve atomically reserves multiple items in one transaction, taking
// locks in ascending ItemID order to prevent deadlock against another
// transaction reserving the same set in a different order. Any failure
// rolls back every line.
func (l *Ledger) BulkReserve(ctx context.Context, lines []ItemQty) ([]*Item, error) {
	if len(lines) == 0 {
		return nil, domainerr.Validationf("bulkReserve requires at least one item")
	}
	seen := make(map[uuid.UUID]bool, len(lines))
	ordered := make([]ItemQty, len(lines))
	copy(ordered, lines)
	for _, l := range ordered {
		if seen[l.ItemID] {
			return nil, domainerr.Validationf("duplicate item id %s in bulkReserve", l.ItemID)
		}
		seen[l.ItemID] = true
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ItemID.String() < ordered[j].ItemID.String()
	})

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domainerr.Transient("bulkReserve: begin tx", err)
	}
	defer tx.Rollback()

	items := make([]*Item, 0, len(ordered))
	for _, line := range ordered {
		item, err := l.Reserve(ctx, tx, line.ItemID, line.Quantity)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, domainerr.Transient("bulkReserve: commit", err)
	}

	// Return items in the caller's original order, not lock order.
	byID := make(map[uuid.UUID]*Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	result := make([]*Item, len(lines))
	for i, line := range lines {
		result[i] = byID[line.ItemID]
	}
	return result, nil
}

// GetItem reads a single item by id without taking a lock, for read-path
// callers (the HTTP surface's item endpoint) that don't intend to mutate it.
func (l *Ledger) GetItem(ctx context.Context, itemID uuid.UUID) (*Item, error) {
	item, err := l.find(ctx, l.db, itemID)
	if err == sql.ErrNoRows {
		return nil, domainerr.NotFoundf("item %s not found", itemID)
	}
	if err != nil {
		return nil, domainerr.Transient("getItem: query failed", err)
	}
	return item, nil
}

// CheckConsistency returns every item whose stored availableStock disagrees
// with stock-reservedStock (I1). Denormalization invites drift; this is the
// operator-facing detector for it.
func (l *Ledger) CheckConsistency(ctx context.Context) ([]Violation, error) {
	const query = `
		SELECT id, sku, stock, reserved_stock, available_stock
		FROM items
		WHERE available_stock != (stock - reserved_stock)`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, domainerr.Transient("checkConsistency: query failed", err)
	}
	defer rows.Close()

	var violations []Violation
	for rows.Next() {
		var v Violation
		if err := rows.Scan(&v.ItemID, &v.SKU, &v.Stock, &v.ReservedStock, &v.StoredAvailable); err != nil {
			return nil, domainerr.Transient("checkConsistency: scan failed", err)
		}
		v.ComputedAvailable = v.Stock - v.ReservedStock
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// FixConsistency sets availableStock = stock - reservedStock for every item.
// Operator recovery only; never called from request-path code.
func (l *Ledger) FixConsistency(ctx context.Context) (int, error) {
	const query = `
		UPDATE items
		SET available_stock = stock - reserved_stock,
		    version = version + 1
		WHERE available_stock != (stock - reserved_stock)`

	result, err := l.db.ExecContext(ctx, query)
	if err != nil {
		return 0, domainerr.Transient("fixConsistency: exec failed", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, domainerr.Transient("fixConsistency: rows affected", err)
	}
	l.log.Info("fixed stock consistency violations", zap.Int64("count", n))
	return int(n), nil
}

// classifyMissedPrecondition distinguishes NOT_FOUND from UNAVAILABLE (bad
// status or outside the sale window, I4) from INSUFFICIENT_STOCK after a
// reserve's conditional UPDATE affected zero rows.
func (l *Ledger) classifyMissedPrecondition(ctx context.Context, q querier, itemID uuid.UUID, qty int, op string) error {
	item, err := l.find(ctx, q, itemID)
	if err == sql.ErrNoRows {
		return domainerr.NotFoundf("item %s not found", itemID)
	}
	if err != nil {
		return domainerr.Transient(op+": lookup after miss failed", err)
	}
	if item.Status != StatusActive {
		return domainerr.New(domainerr.Conflict, domainerr.CodeUnavailable,
			fmt.Sprintf("item %s is not ACTIVE (status=%s)", itemID, item.Status))
	}
	now := time.Now().UTC()
	if item.SaleStartDate != nil && item.SaleStartDate.After(now) {
		return domainerr.New(domainerr.Conflict, domainerr.CodeUnavailable,
			fmt.Sprintf("item %s sale has not started (starts %s)", itemID, item.SaleStartDate))
	}
	if item.SaleEndDate != nil && item.SaleEndDate.Before(now) {
		return domainerr.New(domainerr.Conflict, domainerr.CodeUnavailable,
			fmt.Sprintf("item %s sale has ended (ended %s)", itemID, item.SaleEndDate))
	}
	return domainerr.New(domainerr.InsufficientStock, domainerr.CodeInsufficientStock,
		fmt.Sprintf("item %s has %d available, requested %d", itemID, item.AvailableStock, qty))
}

func (l *Ledger) classifyConfirmMiss(ctx context.Context, q querier, itemID uuid.UUID, qty int) error {
	item, err := l.find(ctx, q, itemID)
	if err == sql.ErrNoRows {
		return domainerr.NotFoundf("item %s not found", itemID)
	}
	if err != nil {
		return domainerr.Transient("confirm: lookup after miss failed", err)
	}
	if item.ReservedStock < qty {
		return domainerr.New(domainerr.Conflict, domainerr.CodeNotEnoughReserved,
			fmt.Sprintf("item %s has %d reserved, requested confirm of %d", itemID, item.ReservedStock, qty))
	}
	return domainerr.New(domainerr.Conflict, domainerr.CodeNotEnoughStock,
		fmt.Sprintf("item %s has %d stock, requested confirm of %d", itemID, item.Stock, qty))
}

func (l *Ledger) find(ctx context.Context, q querier, itemID uuid.UUID) (*Item, error) {
	const query = `
		SELECT id, sku, name, price, stock, reserved_stock, available_stock, status,
		       sale_start_date, sale_end_date, max_per_user, version
		FROM items WHERE id = $1`
	return l.scanRow(q.QueryRowContext(ctx, query, itemID))
}

func (l *Ledger) scanRow(row *sql.Row) (*Item, error) {
	var it Item
	var price string
	err := row.Scan(&it.ID, &it.SKU, &it.Name, &price, &it.Stock, &it.ReservedStock,
		&it.AvailableStock, &it.Status, &it.SaleStartDate, &it.SaleEndDate, &it.MaxPerUser, &it.Version)
	if err != nil {
		return nil, err
	}
	it.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &it, nil
}
