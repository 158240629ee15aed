package schema

import (
	"errors"
	"fmt"
)

// ErrInvalid is matched by every ValidationError via errors.Is.
var ErrInvalid = errors.New("validation failed")

// ValidationError describes the first field that makes an invoice
// ineligible for sync.
type ValidationError struct {
	Invoice string
	Field   string
	Value   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invoice %s: %s %q: %s", e.Invoice, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invoice %s: %s: %s", e.Invoice, e.Field, e.Reason)
}

// Is reports ErrInvalid.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}
