package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places stored for amounts.
const MoneyPlaces = 2

// ParseMoney parses a decimal amount string. Empty strings are zero.
func ParseMoney(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// FormatMoney renders d rounded to two places ("35.00").
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}

// LineSubtotal returns price * qty as a money string. Unparseable prices
// count as zero.
func LineSubtotal(price string, qty int) string {
	p, err := ParseMoney(price)
	if err != nil {
		return FormatMoney(decimal.Zero)
	}
	return FormatMoney(p.Mul(decimal.NewFromInt(int64(qty))))
}

// Totals holds the computed money fields of an invoice.
type Totals struct {
	Subtotal string
	Tax      string
	Discount string
	Total    string
}

// ComputeTotals sums item subtotals, applies taxRate to the subtotal and
// subtracts discount. Item Subtotal fields are filled in place.
func ComputeTotals(items []InvoiceItem, taxRate decimal.Decimal, discount string) (Totals, error) {
	subtotal := decimal.Zero
	for i := range items {
		price, err := ParseMoney(items[i].Price)
		if err != nil {
			return Totals{}, fmt.Errorf("item %d: invalid price %q: %w", i, items[i].Price, err)
		}
		line := price.Mul(decimal.NewFromInt(int64(items[i].Quantity))).Round(MoneyPlaces)
		items[i].Subtotal = FormatMoney(line)
		subtotal = subtotal.Add(line)
	}

	disc, err := ParseMoney(discount)
	if err != nil {
		return Totals{}, fmt.Errorf("invalid discount %q: %w", discount, err)
	}

	tax := subtotal.Mul(taxRate).Round(MoneyPlaces)
	total := subtotal.Add(tax).Sub(disc)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Totals{
		Subtotal: FormatMoney(subtotal),
		Tax:      FormatMoney(tax),
		Discount: FormatMoney(disc),
		Total:    FormatMoney(total),
	}, nil
}

var canonicalUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValidUUID reports whether s is a UUID in canonical 8-4-4-4-12 form.
// uuid.Parse alone also accepts urn: and braced forms, which the server
// rejects.
func IsValidUUID(s string) bool {
	if !canonicalUUID.MatchString(s) {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
