package migrate

import (
	"context"
	"database/sql"
	"fmt"
)

// Default returns the application's migration registry.
func Default() *Registry {
	r, err := NewRegistry(
		Migration{Version: 1, Name: "initial_schema", Apply: initialSchema},
		Migration{Version: 2, Name: "invoice_sync_attempts", Apply: invoiceSyncAttempts},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// initialSchemaSQL creates every application table.
//
// products_fts is a standalone FTS5 table keyed by products.rowid. Updates
// go through ON CONFLICT DO UPDATE in the repository so the update trigger
// fires; REPLACE would delete without firing delete triggers.
const initialSchemaSQL = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT NOT NULL UNIQUE,
	description TEXT,
	category_id TEXT,
	category_name TEXT,
	price TEXT NOT NULL DEFAULT '0.00',
	cost TEXT,
	stock INTEGER NOT NULL DEFAULT 0,
	low_stock_threshold INTEGER NOT NULL DEFAULT 0,
	is_low_stock INTEGER NOT NULL DEFAULT 0,
	barcode TEXT,
	image_url TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_synced_at TEXT
);

CREATE VIRTUAL TABLE IF NOT EXISTS products_fts USING fts5(
	id UNINDEXED,
	name,
	code,
	category_name
);

CREATE TRIGGER IF NOT EXISTS products_ai AFTER INSERT ON products BEGIN
	INSERT INTO products_fts(rowid, id, name, code, category_name)
	VALUES (new.rowid, new.id, new.name, new.code, coalesce(new.category_name, ''));
END;

CREATE TRIGGER IF NOT EXISTS products_au AFTER UPDATE ON products BEGIN
	DELETE FROM products_fts WHERE rowid = old.rowid;
	INSERT INTO products_fts(rowid, id, name, code, category_name)
	VALUES (new.rowid, new.id, new.name, new.code, coalesce(new.category_name, ''));
END;

CREATE TRIGGER IF NOT EXISTS products_ad AFTER DELETE ON products BEGIN
	DELETE FROM products_fts WHERE rowid = old.rowid;
END;

CREATE TABLE IF NOT EXISTS cart_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id TEXT NOT NULL UNIQUE,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	added_at TEXT NOT NULL,
	FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	invoice_number TEXT NOT NULL UNIQUE,
	salesperson TEXT NOT NULL,
	salesperson_name TEXT NOT NULL,
	store_name TEXT,
	subtotal TEXT NOT NULL,
	tax TEXT NOT NULL DEFAULT '0.00',
	discount TEXT NOT NULL DEFAULT '0.00',
	total TEXT NOT NULL,
	customer_name TEXT,
	customer_phone TEXT,
	customer_email TEXT,
	notes TEXT,
	sync_status TEXT NOT NULL DEFAULT 'PENDING'
		CHECK (sync_status IN ('PENDING', 'SYNCED', 'FAILED')),
	created_at TEXT NOT NULL,
	synced_at TEXT,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS invoice_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	invoice_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	product_name TEXT NOT NULL,
	product_code TEXT,
	quantity INTEGER NOT NULL CHECK (quantity > 0),
	price TEXT NOT NULL,
	subtotal TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY (invoice_id) REFERENCES invoices(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_metadata (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	last_sync_time TEXT NOT NULL,
	sync_status TEXT NOT NULL,
	records_synced INTEGER NOT NULL DEFAULT 0,
	error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id);
CREATE INDEX IF NOT EXISTS idx_products_active ON products(is_active);
CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(sync_status);
CREATE INDEX IF NOT EXISTS idx_invoices_salesperson ON invoices(salesperson);
CREATE INDEX IF NOT EXISTS idx_invoices_created ON invoices(created_at);
CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice ON invoice_items(invoice_id);
CREATE INDEX IF NOT EXISTS idx_sync_metadata_entity ON sync_metadata(entity_type, last_sync_time);
`

func initialSchema(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, initialSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func invoiceSyncAttempts(ctx context.Context, tx *sql.Tx) error {
	if err := addColumnIfMissing(ctx, tx, "invoices", "sync_attempts", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	return addColumnIfMissing(ctx, tx, "invoices", "last_sync_error", "TEXT")
}

// addColumnIfMissing makes ALTER TABLE ADD COLUMN idempotent.
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return rows.Err()
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}
