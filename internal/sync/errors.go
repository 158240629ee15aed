package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoValidInvoices is returned when invoices are pending but none
	// of them is eligible for a push.
	ErrNoValidInvoices = errors.New("no valid invoices to sync")

	// ErrNotOwner is returned when a non-owner tries to edit the catalog.
	ErrNotOwner = errors.New("only store owners can edit products")
)

// InvoiceFailure is one invoice the server rejected.
type InvoiceFailure struct {
	InvoiceNumber string
	Errors        interface{}
	Permanent     bool
}

// Message renders the server's error payload as text.
func (f InvoiceFailure) Message() string {
	switch v := f.Errors.(type) {
	case nil:
		return "rejected by server"
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}

// PartialSyncError reports server-side rejections of a bulk push. The
// invoices that were accepted have already been marked SYNCED.
type PartialSyncError struct {
	Synced   int
	Failures []InvoiceFailure
}

func (e *PartialSyncError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.InvoiceNumber, f.Message()))
	}
	return fmt.Sprintf("%d invoice(s) failed to sync (%d synced): %s",
		len(e.Failures), e.Synced, strings.Join(parts, "; "))
}

// InvoiceNumbers lists the rejected invoice numbers.
func (e *PartialSyncError) InvoiceNumbers() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.InvoiceNumber)
	}
	return out
}
