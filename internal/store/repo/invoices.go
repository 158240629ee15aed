package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/schema"
)

const invoiceColumns = `id, invoice_number, salesperson, salesperson_name, store_name,
	subtotal, tax, discount, total, customer_name, customer_phone, customer_email,
	notes, sync_status, sync_attempts, last_sync_error, created_at, synced_at, updated_at`

// Invoices is the invoice repository. An invoice and its items are always
// written in one transaction.
type Invoices struct {
	engine *db.Engine
	logger *log.Logger
	now    func() time.Time
}

// NewInvoices creates an invoice repository.
func NewInvoices(engine *db.Engine) *Invoices {
	return &Invoices{engine: engine, logger: engine.Logger(), now: time.Now}
}

// CreateInvoice persists inv and its items atomically and returns the id.
//
// A missing id or invoice number is generated. Status starts PENDING. If any
// row fails to insert, nothing of the invoice remains.
func (r *Invoices) CreateInvoice(ctx context.Context, inv schema.Invoice) (string, error) {
	if len(inv.Items) == 0 {
		return "", fmt.Errorf("failed to create invoice: %w", &schema.ValidationError{
			Invoice: inv.InvoiceNumber, Field: "items", Reason: "invoice has no items",
		})
	}
	if inv.ID == "" {
		inv.ID = schema.NewLocalInvoiceID()
	}
	if inv.InvoiceNumber == "" {
		inv.InvoiceNumber = schema.NewInvoiceNumber()
	}
	inv.SyncStatus = schema.StatusPending
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = r.now()
	}

	err := r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		return insertInvoice(ctx, tx, &inv)
	})
	if err != nil {
		return "", err
	}
	return inv.ID, nil
}

func insertInvoice(ctx context.Context, tx *sql.Tx, inv *schema.Invoice) error {
	if inv.Discount == "" {
		inv.Discount = "0.00"
	}
	if inv.Tax == "" {
		inv.Tax = "0.00"
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, invoice_number, salesperson, salesperson_name, store_name,
			subtotal, tax, discount, total, customer_name, customer_phone,
			customer_email, notes, sync_status, sync_attempts, last_sync_error,
			created_at, synced_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.ID, inv.InvoiceNumber, inv.Salesperson, inv.SalespersonName,
		nullString(inv.StoreName), inv.Subtotal, inv.Tax, inv.Discount, inv.Total,
		nullString(inv.CustomerName), nullString(inv.CustomerPhone),
		nullString(inv.CustomerEmail), nullString(inv.Notes), string(inv.SyncStatus),
		inv.SyncAttempts, nullString(inv.LastSyncError), formatTime(inv.CreatedAt),
		timeToNullString(inv.SyncedAt), timeToNullString(inv.UpdatedAt),
	)
	if err != nil {
		if isUniqueError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, inv.InvoiceNumber)
		}
		return fmt.Errorf("failed to insert invoice %s: %w", inv.InvoiceNumber, err)
	}

	for i := range inv.Items {
		item := &inv.Items[i]
		item.InvoiceID = inv.ID
		if item.CreatedAt.IsZero() {
			item.CreatedAt = inv.CreatedAt
		}
		if item.Subtotal == "" {
			item.Subtotal = schema.LineSubtotal(item.Price, item.Quantity)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_items (
				invoice_id, product_id, product_name, product_code, quantity,
				price, subtotal, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			item.InvoiceID, item.ProductID, item.ProductName, nullString(item.ProductCode),
			item.Quantity, item.Price, item.Subtotal, formatTime(item.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert item %d of invoice %s: %w", i, inv.InvoiceNumber, err)
		}
		item.ID, _ = res.LastInsertId()
	}
	return nil
}

// GetBySalesperson returns a salesperson's invoices, newest first.
func (r *Invoices) GetBySalesperson(ctx context.Context, salesperson string) []schema.Invoice {
	return r.list(ctx, "get by salesperson",
		`WHERE salesperson = ? ORDER BY created_at DESC`, salesperson)
}

// GetAll returns invoices newest first, capped at limit.
func (r *Invoices) GetAll(ctx context.Context, limit int) []schema.Invoice {
	return r.list(ctx, "get all", `ORDER BY created_at DESC LIMIT ?`, sqlLimit(limit))
}

// GetPending returns PENDING invoices, oldest first.
func (r *Invoices) GetPending(ctx context.Context) []schema.Invoice {
	return r.GetByStatus(ctx, schema.StatusPending)
}

// GetByStatus returns invoices in status, oldest first.
func (r *Invoices) GetByStatus(ctx context.Context, status schema.SyncStatus) []schema.Invoice {
	return r.list(ctx, "get by status",
		`WHERE sync_status = ? ORDER BY created_at ASC`, string(status))
}

// GetSince returns invoices created at or after t, newest first.
func (r *Invoices) GetSince(ctx context.Context, t time.Time) []schema.Invoice {
	return r.list(ctx, "get since",
		`WHERE created_at >= ? ORDER BY created_at DESC`, formatTime(t))
}

// GetByID returns the invoice with id, or nil.
func (r *Invoices) GetByID(ctx context.Context, id string) *schema.Invoice {
	return first(r.list(ctx, "get by id", `WHERE id = ?`, id))
}

// GetByNumber returns the invoice with number, or nil.
func (r *Invoices) GetByNumber(ctx context.Context, number string) *schema.Invoice {
	return first(r.list(ctx, "get by number", `WHERE invoice_number = ?`, number))
}

func first(invoices []schema.Invoice) *schema.Invoice {
	if len(invoices) == 0 {
		return nil
	}
	return &invoices[0]
}

// UpdateSyncStatus sets the status of one invoice. A SYNCED invoice can
// not be moved to another status. syncedAt defaults to now when status is
// SYNCED.
func (r *Invoices) UpdateSyncStatus(ctx context.Context, id string, status schema.SyncStatus, syncedAt *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid sync status %q", status)
	}
	now := r.now()
	if status == schema.StatusSynced && syncedAt == nil {
		syncedAt = &now
	}

	return r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT sync_status FROM invoices WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrInvoiceNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read invoice %s: %w", id, err)
		}
		if schema.SyncStatus(current) == schema.StatusSynced && status != schema.StatusSynced {
			return fmt.Errorf("%w: %s", ErrSyncedImmutable, id)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE invoices SET sync_status = ?, synced_at = COALESCE(?, synced_at), updated_at = ?
			WHERE id = ?
		`, string(status), timeToNullString(syncedAt), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to update sync status of %s: %w", id, err)
		}
		return nil
	})
}

// BulkUpdateSyncStatus marks every listed invoice number SYNCED with one
// shared timestamp. Running it twice leaves the invoices SYNCED.
func (r *Invoices) BulkUpdateSyncStatus(ctx context.Context, invoiceNumbers []string) error {
	if len(invoiceNumbers) == 0 {
		return nil
	}
	ts := formatTime(r.now())
	return r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE invoices SET sync_status = 'SYNCED', synced_at = ?, updated_at = ?
			WHERE invoice_number = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare status update: %w", err)
		}
		defer stmt.Close()

		for _, number := range invoiceNumbers {
			if _, err := stmt.ExecContext(ctx, ts, ts, number); err != nil {
				return fmt.Errorf("failed to mark %s synced: %w", number, err)
			}
		}
		return nil
	})
}

// RecordSyncFailure counts a rejected push attempt. The invoice becomes
// FAILED only when the rejection is permanent; otherwise it stays PENDING.
func (r *Invoices) RecordSyncFailure(ctx context.Context, invoiceNumber, message string, permanent bool) error {
	conn, err := r.engine.Handle()
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		UPDATE invoices SET
			sync_attempts = sync_attempts + 1,
			last_sync_error = ?,
			sync_status = CASE WHEN ? THEN 'FAILED' ELSE sync_status END,
			updated_at = ?
		WHERE invoice_number = ? AND sync_status <> 'SYNCED'
	`, nullString(message), permanent, formatTime(r.now()), invoiceNumber)
	if err != nil {
		return fmt.Errorf("failed to record sync failure for %s: %w", invoiceNumber, err)
	}
	return nil
}

// ResetSyncAttempts returns an invoice to PENDING with a fresh retry budget.
func (r *Invoices) ResetSyncAttempts(ctx context.Context, id string) error {
	return r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT sync_status FROM invoices WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrInvoiceNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read invoice %s: %w", id, err)
		}
		if schema.SyncStatus(current) == schema.StatusSynced {
			return fmt.Errorf("%w: %s", ErrSyncedImmutable, id)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE invoices SET sync_status = 'PENDING', sync_attempts = 0,
				last_sync_error = NULL, updated_at = ?
			WHERE id = ?
		`, formatTime(r.now()), id)
		if err != nil {
			return fmt.Errorf("failed to reset invoice %s: %w", id, err)
		}
		return nil
	})
}

// PendingCount returns the number of PENDING invoices, or 0 on failure.
func (r *Invoices) PendingCount(ctx context.Context) int {
	conn, err := r.engine.Handle()
	if err != nil {
		r.logger.Printf("WARNING: pending count: %v", err)
		return 0
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE sync_status = 'PENDING'`).Scan(&n); err != nil {
		r.logger.Printf("WARNING: pending count: %v", err)
		return 0
	}
	return n
}

// DeleteInvoice removes an invoice; its items cascade. Deleting an unknown
// id is a no-op.
func (r *Invoices) DeleteInvoice(ctx context.Context, id string) error {
	conn, err := r.engine.Handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete invoice %s: %w", id, err)
	}
	return nil
}

// InvalidInvoice is a pending invoice that can never sync as stored.
type InvalidInvoice struct {
	ID            string `json:"id"`
	InvoiceNumber string `json:"invoiceNumber"`
	Reason        string `json:"reason"`
}

// PurgeInvalid validates every PENDING invoice and deletes the ones that
// fail. With dryRun set nothing is deleted. The invalid invoices are
// returned either way.
func (r *Invoices) PurgeInvalid(ctx context.Context, dryRun bool) ([]InvalidInvoice, error) {
	var invalid []InvalidInvoice
	for _, inv := range r.GetPending(ctx) {
		if err := inv.Validate(); err != nil {
			invalid = append(invalid, InvalidInvoice{ID: inv.ID, InvoiceNumber: inv.InvoiceNumber, Reason: err.Error()})
		}
	}
	if dryRun {
		return invalid, nil
	}
	for _, bad := range invalid {
		if err := r.DeleteInvoice(ctx, bad.ID); err != nil {
			return invalid, err
		}
		r.logger.Printf("Deleted invalid invoice %s: %s", bad.InvoiceNumber, bad.Reason)
	}
	return invalid, nil
}

// ClearAll deletes all items, then all invoices.
func (r *Invoices) ClearAll(ctx context.Context) error {
	return r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_items`); err != nil {
			return fmt.Errorf("failed to clear invoice items: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM invoices`); err != nil {
			return fmt.Errorf("failed to clear invoices: %w", err)
		}
		return nil
	})
}

// MergeResult summarizes a server invoice merge.
type MergeResult struct {
	Added       int `json:"added"`
	Confirmed   int `json:"confirmed"`
	KeptPending int `json:"kept_pending"`
	Skipped     int `json:"skipped"`
}

// MergeFromServer reconciles the server's invoice list with local rows,
// keyed by invoice number.
//
// Server invoices unknown locally are inserted as SYNCED. Local invoices the
// server knows are marked SYNCED. Local PENDING invoices missing from the
// server list are left untouched. A malformed server invoice is logged and
// skipped; it never blocks the rest of the list.
func (r *Invoices) MergeFromServer(ctx context.Context, server []schema.Invoice) (MergeResult, error) {
	var result MergeResult
	now := r.now()

	err := r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range server {
			inv := server[i]
			if inv.InvoiceNumber == "" {
				r.logger.Printf("WARNING: skipping server invoice %s without a number", inv.ID)
				continue
			}

			var id, status string
			err := tx.QueryRowContext(ctx,
				`SELECT id, sync_status FROM invoices WHERE invoice_number = ?`,
				inv.InvoiceNumber).Scan(&id, &status)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				if err := checkServerInvoice(&inv); err != nil {
					r.logger.Printf("WARNING: skipping server invoice %s: %v", inv.InvoiceNumber, err)
					result.Skipped++
					continue
				}
				if err := insertIsolated(ctx, tx, func() error {
					return insertServerInvoice(ctx, tx, &inv, now)
				}); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					r.logger.Printf("WARNING: skipping server invoice %s: %v", inv.InvoiceNumber, err)
					result.Skipped++
					continue
				}
				result.Added++
			case err != nil:
				return fmt.Errorf("failed to look up invoice %s: %w", inv.InvoiceNumber, err)
			case schema.SyncStatus(status) != schema.StatusSynced:
				synced := now
				if inv.SyncedAt != nil {
					synced = *inv.SyncedAt
				}
				_, err := tx.ExecContext(ctx, `
					UPDATE invoices SET sync_status = 'SYNCED', synced_at = ?, updated_at = ?
					WHERE id = ?
				`, formatTime(synced), formatTime(now), id)
				if err != nil {
					return fmt.Errorf("failed to confirm invoice %s: %w", inv.InvoiceNumber, err)
				}
				result.Confirmed++
			}
		}

		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM invoices WHERE sync_status = 'PENDING'`).Scan(&result.KeptPending)
	})
	if err != nil {
		return MergeResult{}, err
	}
	return result, nil
}

// checkServerInvoice rejects server rows the local schema cannot hold: no
// items, a non-positive quantity or an amount that is not a decimal.
func checkServerInvoice(inv *schema.Invoice) error {
	if len(inv.Items) == 0 {
		return &schema.ValidationError{Invoice: inv.InvoiceNumber, Field: "items", Reason: "invoice has no items"}
	}
	for field, v := range map[string]string{
		"subtotal": inv.Subtotal, "tax": inv.Tax, "discount": inv.Discount, "total": inv.Total,
	} {
		if _, err := schema.ParseMoney(v); err != nil {
			return &schema.ValidationError{Invoice: inv.InvoiceNumber, Field: field, Value: v, Reason: "not a decimal amount"}
		}
	}
	for i, item := range inv.Items {
		if item.Quantity <= 0 {
			return &schema.ValidationError{Invoice: inv.InvoiceNumber, Field: fmt.Sprintf("items[%d].quantity", i), Value: fmt.Sprint(item.Quantity), Reason: "must be positive"}
		}
		if _, err := schema.ParseMoney(item.Price); err != nil {
			return &schema.ValidationError{Invoice: inv.InvoiceNumber, Field: fmt.Sprintf("items[%d].price", i), Value: item.Price, Reason: "not a decimal amount"}
		}
	}
	return nil
}

// insertIsolated runs fn inside a savepoint so a failed insert is undone
// without aborting the enclosing transaction.
func insertIsolated(ctx context.Context, tx *sql.Tx, fn func() error) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT merge_invoice`); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO merge_invoice`); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back savepoint: %w", rbErr))
		}
		_, _ = tx.ExecContext(ctx, `RELEASE merge_invoice`)
		return err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE merge_invoice`); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func insertServerInvoice(ctx context.Context, tx *sql.Tx, inv *schema.Invoice, now time.Time) error {
	if inv.ID == "" {
		inv.ID = schema.NewLocalInvoiceID()
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE id = ?`, inv.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check invoice id %s: %w", inv.ID, err)
	}
	if exists > 0 {
		inv.ID = schema.NewLocalInvoiceID()
	}
	inv.SyncStatus = schema.StatusSynced
	if inv.SyncedAt == nil {
		inv.SyncedAt = &now
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	return insertInvoice(ctx, tx, inv)
}

// list loads invoice rows matching clause and attaches their items.
func (r *Invoices) list(ctx context.Context, op, clause string, args ...interface{}) []schema.Invoice {
	conn, err := r.engine.Handle()
	if err != nil {
		r.logger.Printf("WARNING: invoices %s: %v", op, err)
		return []schema.Invoice{}
	}
	invoices, err := loadInvoices(ctx, conn, clause, args...)
	if err != nil {
		r.logger.Printf("WARNING: invoices %s: %v", op, err)
		return []schema.Invoice{}
	}
	return invoices
}

func loadInvoices(ctx context.Context, q querier, clause string, args ...interface{}) ([]schema.Invoice, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices `+clause, args...)
	if err != nil {
		return nil, err
	}

	invoices := []schema.Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}
	rows.Close()

	for i := range invoices {
		items, err := loadItems(ctx, q, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		invoices[i].Items = items
	}
	return invoices, nil
}

func loadItems(ctx context.Context, q querier, invoiceID string) ([]schema.InvoiceItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, invoice_id, product_id, product_name, product_code, quantity,
			price, subtotal, created_at
		FROM invoice_items
		WHERE invoice_id = ?
		ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of %s: %w", invoiceID, err)
	}
	defer rows.Close()

	items := []schema.InvoiceItem{}
	for rows.Next() {
		var (
			item        schema.InvoiceItem
			productCode sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.ProductID, &item.ProductName,
			&productCode, &item.Quantity, &item.Price, &item.Subtotal, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice item: %w", err)
		}
		item.ProductCode = productCode.String
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanInvoice(s rowScanner) (*schema.Invoice, error) {
	var (
		inv                                                   schema.Invoice
		storeName, customerName, customerPhone, customerEmail sql.NullString
		notes, lastSyncError, syncedAt, updatedAt             sql.NullString
		status, createdAt                                     string
	)
	err := s.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.Salesperson, &inv.SalespersonName, &storeName,
		&inv.Subtotal, &inv.Tax, &inv.Discount, &inv.Total, &customerName, &customerPhone,
		&customerEmail, &notes, &status, &inv.SyncAttempts, &lastSyncError, &createdAt,
		&syncedAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	inv.StoreName = storeName.String
	inv.CustomerName = customerName.String
	inv.CustomerPhone = customerPhone.String
	inv.CustomerEmail = customerEmail.String
	inv.Notes = notes.String
	inv.LastSyncError = lastSyncError.String
	inv.SyncStatus = schema.SyncStatus(status)
	inv.CreatedAt = parseTime(createdAt)
	inv.SyncedAt = nullStringToTime(syncedAt)
	inv.UpdatedAt = nullStringToTime(updatedAt)
	return &inv, nil
}
