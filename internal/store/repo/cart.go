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

// Cart is the local cart ledger: at most one line per product, never a
// zero-quantity line.
type Cart struct {
	engine *db.Engine
	logger *log.Logger
	now    func() time.Time
}

// NewCart creates a cart repository.
func NewCart(engine *db.Engine) *Cart {
	return &Cart{engine: engine, logger: engine.Logger(), now: time.Now}
}

// AddItem adds qty of a product, incrementing an existing line.
func (c *Cart) AddItem(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	conn, err := c.engine.Handle()
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO cart_items (product_id, quantity, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET quantity = quantity + excluded.quantity
	`, productID, qty, formatTime(c.now()))
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return fmt.Errorf("failed to add %s to cart: %w", productID, err)
	}
	return nil
}

// UpdateQuantity sets a line to exactly qty. qty <= 0 removes the line.
func (c *Cart) UpdateQuantity(ctx context.Context, productID string, qty int) error {
	if qty <= 0 {
		return c.RemoveItem(ctx, productID)
	}
	conn, err := c.engine.Handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `UPDATE cart_items SET quantity = ? WHERE product_id = ?`, qty, productID); err != nil {
		return fmt.Errorf("failed to update quantity for %s: %w", productID, err)
	}
	return nil
}

// RemoveItem deletes the line for productID. Removing an absent line is a
// no-op.
func (c *Cart) RemoveItem(ctx context.Context, productID string) error {
	conn, err := c.engine.Handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM cart_items WHERE product_id = ?`, productID); err != nil {
		return fmt.Errorf("failed to remove %s from cart: %w", productID, err)
	}
	return nil
}

const cartSelect = `
	SELECT c.id, c.product_id, c.quantity, c.added_at, ` + productColumns + `
	FROM cart_items c
	JOIN products p ON p.id = c.product_id
`

// GetCartItems returns every line joined to its product, newest first.
func (c *Cart) GetCartItems(ctx context.Context) []schema.CartLine {
	lines, err := c.query(ctx, cartSelect+` ORDER BY c.added_at DESC, c.id DESC`)
	if err != nil {
		c.logger.Printf("WARNING: get cart items: %v", err)
		return []schema.CartLine{}
	}
	return lines
}

// GetCartItem returns the line for productID, or nil.
func (c *Cart) GetCartItem(ctx context.Context, productID string) *schema.CartLine {
	lines, err := c.query(ctx, cartSelect+` WHERE c.product_id = ?`, productID)
	if err != nil {
		c.logger.Printf("WARNING: get cart item %s: %v", productID, err)
		return nil
	}
	if len(lines) == 0 {
		return nil
	}
	return &lines[0]
}

func (c *Cart) query(ctx context.Context, query string, args ...interface{}) ([]schema.CartLine, error) {
	conn, err := c.engine.Handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []schema.CartLine{}
	for rows.Next() {
		var (
			line    schema.CartLine
			addedAt string
		)
		p, err := scanProduct(prefixScanner{
			rows:   rows,
			prefix: []interface{}{&line.ID, &line.ProductID, &line.Quantity, &addedAt},
		})
		if err != nil {
			return nil, err
		}
		line.AddedAt = parseTime(addedAt)
		line.Product = p
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// prefixScanner lets scanProduct read rows that carry extra leading columns.
type prefixScanner struct {
	rows   *sql.Rows
	prefix []interface{}
}

func (s prefixScanner) Scan(dest ...interface{}) error {
	return s.rows.Scan(append(s.prefix, dest...)...)
}

// ClearCart removes every line.
func (c *Cart) ClearCart(ctx context.Context) error {
	conn, err := c.engine.Handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM cart_items`); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// ItemCount returns the sum of quantities, or 0 on failure.
func (c *Cart) ItemCount(ctx context.Context) int {
	return c.scalar(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM cart_items`)
}

// UniqueItemCount returns the number of lines, or 0 on failure.
func (c *Cart) UniqueItemCount(ctx context.Context) int {
	return c.scalar(ctx, `SELECT COUNT(*) FROM cart_items`)
}

// HasProduct reports whether productID has a line.
func (c *Cart) HasProduct(ctx context.Context, productID string) bool {
	return c.scalar(ctx, `SELECT COUNT(*) FROM cart_items WHERE product_id = ?`, productID) > 0
}

func (c *Cart) scalar(ctx context.Context, query string, args ...interface{}) int {
	conn, err := c.engine.Handle()
	if err != nil {
		c.logger.Printf("WARNING: cart query: %v", err)
		return 0
	}
	var n int
	if err := conn.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Printf("WARNING: cart query: %v", err)
		}
		return 0
	}
	return n
}
