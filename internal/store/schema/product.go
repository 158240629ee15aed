package schema

import (
	"fmt"
	"strings"
	"time"
)

// Product is a catalog entry pulled from the server.
//
// Products are overwritten wholesale on every pull. LastSyncedAt is local
// bookkeeping and is never sent back to the server.
type Product struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Code              string     `json:"code"`
	Description       string     `json:"description,omitempty"`
	CategoryID        string     `json:"category,omitempty"`
	CategoryName      string     `json:"category_name,omitempty"`
	Price             string     `json:"price"`
	Cost              string     `json:"cost,omitempty"`
	Stock             int        `json:"stock"`
	LowStockThreshold int        `json:"low_stock_threshold"`
	IsLowStock        bool       `json:"is_low_stock"`
	Barcode           string     `json:"barcode,omitempty"`
	ImageURL          string     `json:"image_url,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastSyncedAt      *time.Time `json:"-"`
}

// Normalize fills defaults that the server may omit.
func (p *Product) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Code = strings.TrimSpace(p.Code)
	if p.Price == "" {
		p.Price = "0.00"
	}
	if p.Stock < 0 {
		p.Stock = 0
	}
	if !p.IsLowStock && p.LowStockThreshold > 0 && p.Stock <= p.LowStockThreshold {
		p.IsLowStock = true
	}
}

// Validate checks the fields the store requires.
func (p *Product) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("product %s: name is required", p.ID)
	}
	if p.Code == "" {
		return fmt.Errorf("product %s: code is required", p.ID)
	}
	if _, err := ParseMoney(p.Price); err != nil {
		return fmt.Errorf("product %s: invalid price %q: %w", p.ID, p.Price, err)
	}
	if p.Cost != "" {
		if _, err := ParseMoney(p.Cost); err != nil {
			return fmt.Errorf("product %s: invalid cost %q: %w", p.ID, p.Cost, err)
		}
	}
	return nil
}

// CartLine is a local-only cart ledger entry, one per product.
type CartLine struct {
	ID        int64     `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"added_at"`

	// Product is populated by joined reads.
	Product *Product `json:"product,omitempty"`
}

// LineTotal returns price * quantity for a joined line.
func (c *CartLine) LineTotal() string {
	if c.Product == nil {
		return "0.00"
	}
	return LineSubtotal(c.Product.Price, c.Quantity)
}
