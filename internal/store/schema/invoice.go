package schema

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// SyncStatus is the replication state of a locally created invoice.
type SyncStatus string

const (
	// StatusPending means the invoice has not been confirmed by the server.
	StatusPending SyncStatus = "PENDING"
	// StatusSynced means the server accepted the invoice. Terminal.
	StatusSynced SyncStatus = "SYNCED"
	// StatusFailed means the server rejected the invoice permanently.
	StatusFailed SyncStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Invoice is a sale recorded on this device.
type Invoice struct {
	ID              string        `json:"id"`
	InvoiceNumber   string        `json:"invoice_number"`
	Salesperson     string        `json:"salesperson"`
	SalespersonName string        `json:"salesperson_name"`
	StoreName       string        `json:"store_name,omitempty"`
	Subtotal        string        `json:"subtotal"`
	Tax             string        `json:"tax"`
	Discount        string        `json:"discount"`
	Total           string        `json:"total"`
	CustomerName    string        `json:"customer_name,omitempty"`
	CustomerPhone   string        `json:"customer_phone,omitempty"`
	CustomerEmail   string        `json:"customer_email,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	SyncStatus      SyncStatus    `json:"sync_status"`
	SyncAttempts    int           `json:"sync_attempts"`
	LastSyncError   string        `json:"last_sync_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	SyncedAt        *time.Time    `json:"synced_at,omitempty"`
	UpdatedAt       *time.Time    `json:"updated_at,omitempty"`
	Items           []InvoiceItem `json:"items"`
}

// InvoiceItem is one line of an invoice.
type InvoiceItem struct {
	ID          int64     `json:"id"`
	InvoiceID   string    `json:"invoice_id"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name"`
	ProductCode string    `json:"product_code"`
	Quantity    int       `json:"quantity"`
	Price       string    `json:"price"`
	Subtotal    string    `json:"subtotal"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks that an invoice is eligible for sync: a UUID salesperson,
// at least one item, and a UUID product reference on every item.
func (inv *Invoice) Validate() error {
	if !IsValidUUID(inv.Salesperson) {
		return &ValidationError{Invoice: inv.InvoiceNumber, Field: "salesperson", Value: inv.Salesperson, Reason: "not a valid UUID"}
	}
	if len(inv.Items) == 0 {
		return &ValidationError{Invoice: inv.InvoiceNumber, Field: "items", Reason: "invoice has no items"}
	}
	for i, item := range inv.Items {
		field := fmt.Sprintf("items[%d].product", i)
		if !IsValidUUID(item.ProductID) {
			return &ValidationError{Invoice: inv.InvoiceNumber, Field: field, Value: item.ProductID, Reason: "not a valid UUID"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Invoice: inv.InvoiceNumber, Field: fmt.Sprintf("items[%d].quantity", i), Value: fmt.Sprint(item.Quantity), Reason: "must be positive"}
		}
		if _, err := ParseMoney(item.Price); err != nil {
			return &ValidationError{Invoice: inv.InvoiceNumber, Field: fmt.Sprintf("items[%d].price", i), Value: item.Price, Reason: "not a decimal amount"}
		}
	}
	return nil
}

// NewLocalInvoiceID returns a time+random composite id for a new invoice.
func NewLocalInvoiceID() string {
	return fmt.Sprintf("local_%d_%s", time.Now().UnixMilli(), randomHex(5))
}

// NewInvoiceNumber returns a human-readable, time-based invoice number.
func NewInvoiceNumber() string {
	return fmt.Sprintf("INV-%d-%s", time.Now().UnixMilli(), randomHex(2))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

// SyncMetadata is one diagnostic record of a sync step.
type SyncMetadata struct {
	ID            int64     `json:"id"`
	EntityType    string    `json:"entity_type"`
	LastSyncTime  time.Time `json:"last_sync_time"`
	SyncStatus    string    `json:"sync_status"`
	RecordsSynced int       `json:"records_synced"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}
