// Package repo provides the product, cart and invoice data-access services.
//
// Every repository is built on a *db.Engine. Read paths degrade to empty
// results (logged) so list screens show "nothing" rather than an error;
// write paths always return their error.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrProductNotFound is returned by write paths that target a missing product.
	ErrProductNotFound = errors.New("product not found")

	// ErrInvoiceNotFound is returned when an invoice id or number is unknown.
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrDuplicateInvoice is returned when an invoice id or number is taken.
	ErrDuplicateInvoice = errors.New("invoice already exists")

	// ErrSyncedImmutable is returned when a status change would move an
	// invoice out of SYNCED.
	ErrSyncedImmutable = errors.New("invoice already synced")

	// ErrInvalidQuantity is returned for non-positive cart additions.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrEmptyCart is returned by Checkout when there is nothing to sell.
	ErrEmptyCart = errors.New("cart is empty")
)

// timeLayout is used for every timestamp column. It sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func isForeignKeyError(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_FOREIGNKEY)
}

func isUniqueError(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}
