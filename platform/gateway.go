// Package platform describes the commerce platform's changeset procedures as consumed
// by the post-purchase negotiation.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"upsellflow/offer"
)

const (
	OpCalculate = "calculate changeset"
	OpApply     = "apply changeset"
)

// Gateway is the platform's remote changeset API. Calls are treated as at-most-once;
// callers never retry ApplyChangeset on their own.
type Gateway interface {
	CalculateChangeset(ctx context.Context, changes []offer.Change) (CalculatedPurchase, error)
	ApplyChangeset(ctx context.Context, token string) error
}

// PricedLine is one line item of the recalculated order.
type PricedLine struct {
	VariantID int64           `json:"variantId"`
	Title     string          `json:"title,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"totalPrice"`
}

// CalculatedPurchase is the platform's projection of the order if the changes were
// applied. It is display data and never authorizes anything.
type CalculatedPurchase struct {
	Currency string          `json:"currency,omitempty"`
	Lines    []PricedLine    `json:"updatedLineItems"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Shipping decimal.Decimal `json:"shipping"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"totalOutstanding"`
}

// MoneyLine is a labelled, formatted amount shown next to the offer.
type MoneyLine struct {
	Label  string
	Amount string
}

// MoneyLines renders the summary shown to the customer: the discounted and original
// price of the first updated line followed by shipping, taxes and the amount due.
func (c CalculatedPurchase) MoneyLines() []MoneyLine {
	var subtotal, original decimal.Decimal
	if len(c.Lines) > 0 {
		subtotal = c.Lines[0].Total
		original = c.Lines[0].Price
	}
	return []MoneyLine{
		{Label: "Subtotal", Amount: FormatCurrency(subtotal)},
		{Label: "Original price", Amount: FormatCurrency(original)},
		{Label: "Shipping", Amount: FormatCurrency(c.Shipping)},
		{Label: "Taxes", Amount: FormatCurrency(c.Tax)},
		{Label: "Total", Amount: FormatCurrency(c.Total)},
	}
}

// FormatCurrency renders zero as "Free" and everything else as a dollar amount.
func FormatCurrency(amount decimal.Decimal) string {
	if amount.IsZero() {
		return "Free"
	}
	return "$" + amount.StringFixed(2)
}

// Error is a failure reported by, or while reaching, the platform.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err as a platform failure of op. Nil stays nil and an existing *Error is
// returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsError reports whether err came from the platform boundary.
func IsError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}
