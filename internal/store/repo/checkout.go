package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/surelaces/posync/internal/store/schema"
)

// CheckoutRequest carries the sale details that do not come from the cart.
type CheckoutRequest struct {
	Salesperson     string
	SalespersonName string
	StoreName       string
	TaxRate         decimal.Decimal
	Discount        string
	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	Notes           string
}

// Checkout turns the cart into a PENDING invoice and empties the cart in
// one transaction. Product name, code and price are copied onto the items
// so later catalog pulls do not rewrite past sales.
func (r *Invoices) Checkout(ctx context.Context, req CheckoutRequest) (*schema.Invoice, error) {
	if strings.TrimSpace(req.Salesperson) == "" {
		return nil, fmt.Errorf("checkout: salesperson is required")
	}

	var inv schema.Invoice
	err := r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		items, err := cartToItems(ctx, tx)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrEmptyCart
		}

		totals, err := schema.ComputeTotals(items, req.TaxRate, req.Discount)
		if err != nil {
			return fmt.Errorf("checkout: %w", err)
		}

		inv = schema.Invoice{
			ID:              schema.NewLocalInvoiceID(),
			InvoiceNumber:   schema.NewInvoiceNumber(),
			Salesperson:     req.Salesperson,
			SalespersonName: req.SalespersonName,
			StoreName:       req.StoreName,
			Subtotal:        totals.Subtotal,
			Tax:             totals.Tax,
			Discount:        totals.Discount,
			Total:           totals.Total,
			CustomerName:    req.CustomerName,
			CustomerPhone:   req.CustomerPhone,
			CustomerEmail:   req.CustomerEmail,
			Notes:           req.Notes,
			SyncStatus:      schema.StatusPending,
			CreatedAt:       r.now(),
			Items:           items,
		}
		if err := insertInvoice(ctx, tx, &inv); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items`); err != nil {
			return fmt.Errorf("failed to clear cart: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Printf("Checked out %s: %d items, total %s", inv.InvoiceNumber, len(inv.Items), inv.Total)
	return &inv, nil
}

// cartToItems reads the cart inside tx, oldest line first.
func cartToItems(ctx context.Context, tx *sql.Tx) ([]schema.InvoiceItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT p.id, p.name, p.code, p.price, c.quantity
		FROM cart_items c
		JOIN products p ON p.id = c.product_id
		ORDER BY c.added_at, c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	defer rows.Close()

	var items []schema.InvoiceItem
	for rows.Next() {
		var item schema.InvoiceItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.ProductCode, &item.Price, &item.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan cart line: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
