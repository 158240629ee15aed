package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/schema"
)

const productColumns = `p.id, p.name, p.code, p.description, p.category_id, p.category_name,
	p.price, p.cost, p.stock, p.low_stock_threshold, p.is_low_stock, p.barcode,
	p.image_url, p.is_active, p.created_at, p.updated_at, p.last_synced_at`

// Products is the product catalog repository.
//
// Products are owned by the server. A pull replaces the local catalog
// ("server always wins"): local edits that were not pushed first are lost on
// the next pull. Owner edits go through EditProduct in the sync package,
// which pushes before re-upserting.
type Products struct {
	engine *db.Engine
	logger *log.Logger
	now    func() time.Time
}

// NewProducts creates a product repository.
func NewProducts(engine *db.Engine) *Products {
	return &Products{engine: engine, logger: engine.Logger(), now: time.Now}
}

// BulkUpsert inserts or replaces every product in one transaction. Search
// index rows follow through triggers. Empty input is a no-op.
func (r *Products) BulkUpsert(ctx context.Context, products []schema.Product) error {
	if len(products) == 0 {
		return nil
	}
	syncedAt := r.now()
	return r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range products {
			if err := upsertProduct(ctx, tx, &products[i], syncedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert inserts or replaces a single product.
func (r *Products) Upsert(ctx context.Context, p schema.Product) error {
	return r.BulkUpsert(ctx, []schema.Product{p})
}

// ReplaceAll makes the local catalog equal to products in one transaction.
//
// Rows present in products are upserted and every other row is deleted.
// Deleting only the stale rows, instead of clearing first, keeps cart lines
// for products that survive the pull.
func (r *Products) ReplaceAll(ctx context.Context, products []schema.Product) (int, error) {
	syncedAt := r.now()
	var removed int64
	err := r.engine.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS product_keep (id TEXT PRIMARY KEY)`); err != nil {
			return fmt.Errorf("failed to create keep set: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM product_keep`); err != nil {
			return fmt.Errorf("failed to reset keep set: %w", err)
		}

		for i := range products {
			if err := upsertProduct(ctx, tx, &products[i], syncedAt); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO product_keep (id) VALUES (?)`, products[i].ID); err != nil {
				return fmt.Errorf("failed to track product %s: %w", products[i].ID, err)
			}
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id NOT IN (SELECT id FROM product_keep)`)
		if err != nil {
			return fmt.Errorf("failed to remove stale products: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Printf("Removed %d products no longer on the server", removed)
	}
	return len(products), nil
}

func upsertProduct(ctx context.Context, tx *sql.Tx, p *schema.Product, syncedAt time.Time) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	now := syncedAt.UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	p.LastSyncedAt = &now

	// code is unique: a different id holding this code is replaced.
	if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE code = ? AND id <> ?`, p.Code, p.ID); err != nil {
		return fmt.Errorf("failed to release code %s: %w", p.Code, err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO products (
			id, name, code, description, category_id, category_name, price, cost,
			stock, low_stock_threshold, is_low_stock, barcode, image_url, is_active,
			created_at, updated_at, last_synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			code = excluded.code,
			description = excluded.description,
			category_id = excluded.category_id,
			category_name = excluded.category_name,
			price = excluded.price,
			cost = excluded.cost,
			stock = excluded.stock,
			low_stock_threshold = excluded.low_stock_threshold,
			is_low_stock = excluded.is_low_stock,
			barcode = excluded.barcode,
			image_url = excluded.image_url,
			is_active = excluded.is_active,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_synced_at = excluded.last_synced_at
	`,
		p.ID, p.Name, p.Code, nullString(p.Description), nullString(p.CategoryID),
		nullString(p.CategoryName), p.Price, nullString(p.Cost), p.Stock,
		p.LowStockThreshold, boolToInt(p.IsLowStock), nullString(p.Barcode),
		nullString(p.ImageURL), boolToInt(p.IsActive), formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", p.ID, err)
	}
	return nil
}

// Search returns active products matching query, best match first.
//
// A blank query is GetAll. Each whitespace-separated term is matched as a
// prefix against name, code and category name through the FTS5 index. If the
// index query fails, or finds nothing, a case-insensitive substring scan is
// used instead.
func (r *Products) Search(ctx context.Context, query string, limit int) []schema.Product {
	query = strings.TrimSpace(query)
	if query == "" {
		return r.GetAll(ctx, limit)
	}

	products, err := r.searchFTS(ctx, query, limit)
	if err != nil {
		r.logger.Printf("WARNING: full-text search for %q failed, using substring match: %v", query, err)
	}
	if err != nil || len(products) == 0 {
		return r.searchLike(ctx, query, limit)
	}
	return products
}

// ftsQuery quotes every term and makes it a prefix match.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"*`
	}
	return strings.Join(terms, " ")
}

func (r *Products) searchFTS(ctx context.Context, query string, limit int) ([]schema.Product, error) {
	conn, err := r.engine.Handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products p
		JOIN (SELECT rowid, rank FROM products_fts WHERE products_fts MATCH ?) AS f
			ON p.rowid = f.rowid
		WHERE p.is_active = 1
		ORDER BY f.rank, p.name
		LIMIT ?
	`, ftsQuery(query), sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanProducts(rows)
}

func (r *Products) searchLike(ctx context.Context, query string, limit int) []schema.Product {
	pattern := "%" + escapeLike(query) + "%"
	return r.list(ctx, "search", `
		SELECT `+productColumns+`
		FROM products p
		WHERE p.is_active = 1
		  AND (p.name LIKE ? ESCAPE '\' OR p.code LIKE ? ESCAPE '\' OR p.category_name LIKE ? ESCAPE '\')
		ORDER BY p.name
		LIMIT ?
	`, pattern, pattern, pattern, sqlLimit(limit))
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// GetAll returns active products ordered by name.
func (r *Products) GetAll(ctx context.Context, limit int) []schema.Product {
	return r.list(ctx, "get all", `
		SELECT `+productColumns+` FROM products p
		WHERE p.is_active = 1
		ORDER BY p.name
		LIMIT ?
	`, sqlLimit(limit))
}

// GetByID returns the product with id, or nil if it does not exist.
func (r *Products) GetByID(ctx context.Context, id string) *schema.Product {
	products := r.list(ctx, "get by id", `SELECT `+productColumns+` FROM products p WHERE p.id = ?`, id)
	if len(products) == 0 {
		return nil
	}
	return &products[0]
}

// GetByCategory returns active products in a category ordered by name.
func (r *Products) GetByCategory(ctx context.Context, categoryID string, limit int) []schema.Product {
	return r.list(ctx, "get by category", `
		SELECT `+productColumns+` FROM products p
		WHERE p.category_id = ? AND p.is_active = 1
		ORDER BY p.name
		LIMIT ?
	`, categoryID, sqlLimit(limit))
}

// GetLowStock returns active low-stock products, emptiest first.
func (r *Products) GetLowStock(ctx context.Context, limit int) []schema.Product {
	return r.list(ctx, "get low stock", `
		SELECT `+productColumns+` FROM products p
		WHERE p.is_low_stock = 1 AND p.is_active = 1
		ORDER BY p.stock, p.name
		LIMIT ?
	`, sqlLimit(limit))
}

// Count returns the number of stored products, or 0 on failure.
func (r *Products) Count(ctx context.Context) int {
	conn, err := r.engine.Handle()
	if err != nil {
		r.logger.Printf("WARNING: count products: %v", err)
		return 0
	}
	var n int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		r.logger.Printf("WARNING: count products: %v", err)
		return 0
	}
	return n
}

// ClearAll deletes every product. Cart lines cascade.
func (r *Products) ClearAll(ctx context.Context) error {
	conn, err := r.engine.Handle()
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, `DELETE FROM products`); err != nil {
		return fmt.Errorf("failed to clear products: %w", err)
	}
	return nil
}

// list runs a product query and degrades to an empty slice on failure.
func (r *Products) list(ctx context.Context, op, query string, args ...interface{}) []schema.Product {
	conn, err := r.engine.Handle()
	if err != nil {
		r.logger.Printf("WARNING: products %s: %v", op, err)
		return []schema.Product{}
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Printf("WARNING: products %s: %v", op, err)
		return []schema.Product{}
	}
	products, err := scanProducts(rows)
	if err != nil {
		r.logger.Printf("WARNING: products %s: %v", op, err)
		return []schema.Product{}
	}
	return products
}

func scanProducts(rows *sql.Rows) ([]schema.Product, error) {
	defer rows.Close()

	products := []schema.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating products: %w", err)
	}
	return products, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(s rowScanner) (*schema.Product, error) {
	var (
		p                                           schema.Product
		description, categoryID, categoryName, cost sql.NullString
		barcode, imageURL, lastSyncedAt             sql.NullString
		createdAt, updatedAt                        string
		isLowStock, isActive                        int
	)
	err := s.Scan(
		&p.ID, &p.Name, &p.Code, &description, &categoryID, &categoryName,
		&p.Price, &cost, &p.Stock, &p.LowStockThreshold, &isLowStock, &barcode,
		&imageURL, &isActive, &createdAt, &updatedAt, &lastSyncedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	p.Description = description.String
	p.CategoryID = categoryID.String
	p.CategoryName = categoryName.String
	p.Cost = cost.String
	p.Barcode = barcode.String
	p.ImageURL = imageURL.String
	p.IsLowStock = isLowStock != 0
	p.IsActive = isActive != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.LastSyncedAt = nullStringToTime(lastSyncedAt)
	return &p, nil
}

// sqlLimit maps non-positive limits to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
