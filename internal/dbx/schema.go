package dbx

// schemaStatements bootstraps the two core tables plus the indices the
// Reservation Store and Sweeper rely on for their query shapes.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id UUID PRIMARY KEY,
		sku VARCHAR(128) UNIQUE NOT NULL,
		name VARCHAR(255) NOT NULL,
		price NUMERIC(14,2) NOT NULL,
		stock INTEGER NOT NULL CHECK (stock >= 0),
		reserved_stock INTEGER NOT NULL DEFAULT 0 CHECK (reserved_stock >= 0),
		available_stock INTEGER NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'ACTIVE',
		sale_start_date TIMESTAMPTZ,
		sale_end_date TIMESTAMPTZ,
		max_per_user INTEGER NOT NULL DEFAULT 1 CHECK (max_per_user >= 1),
		version BIGINT NOT NULL DEFAULT 0,
		deleted_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_items_status ON items(status)`,
	`CREATE INDEX IF NOT EXISTS idx_items_sale_window ON items(sale_start_date, sale_end_date)`,

	`CREATE TABLE IF NOT EXISTS reservations (
		id UUID PRIMARY KEY,
		reservation_code VARCHAR(64) UNIQUE NOT NULL,
		user_id UUID NOT NULL,
		item_id UUID NOT NULL REFERENCES items(id),
		quantity INTEGER NOT NULL CHECK (quantity >= 1),
		unit_price NUMERIC(14,2) NOT NULL,
		total_price NUMERIC(14,2) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
		expires_at TIMESTAMPTZ NOT NULL,
		cancellation_reason VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_reservations_status_expires ON reservations(status, expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_reservations_user_status ON reservations(user_id, status)`,
}
