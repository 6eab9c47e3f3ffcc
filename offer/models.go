package offer

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ChangeType tags the order mutation described by a Change.
type ChangeType string

const (
	ChangeAddVariant      ChangeType = "add_variant"
	ChangeAddSubscription ChangeType = "add_subscription"
)

// DiscountValueType describes how Discount.Value is interpreted.
type DiscountValueType string

const (
	DiscountPercentage  DiscountValueType = "percentage"
	DiscountFixedAmount DiscountValueType = "fixed_amount"
)

// ErrInvalidChange signals a change that cannot be signed.
var ErrInvalidChange = errors.New("offer: invalid change")

// Discount is applied by the platform to the line item a Change adds.
type Discount struct {
	Value     float64           `json:"value"`
	ValueType DiscountValueType `json:"valueType"`
	Title     string            `json:"title,omitempty"`
}

// Change is a single mutation the platform may apply to the placed order.
// The JSON shape is the platform's changeset wire format.
type Change struct {
	Type          ChangeType `json:"type"`
	VariantID     int64      `json:"variantID,omitempty"`
	SellingPlanID int64      `json:"sellingPlanId,omitempty"`
	Quantity      int        `json:"quantity"`
	Discount      *Discount  `json:"discount,omitempty"`
}

// Validate checks that the change is complete enough to be authorized.
func (c Change) Validate() error {
	switch c.Type {
	case ChangeAddVariant:
	case ChangeAddSubscription:
		if c.SellingPlanID <= 0 {
			return fmt.Errorf("%w: %s requires a selling plan", ErrInvalidChange, c.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidChange, c.Type)
	}
	if c.VariantID <= 0 {
		return fmt.Errorf("%w: variant id must be positive", ErrInvalidChange)
	}
	if c.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidChange)
	}
	if d := c.Discount; d != nil {
		if d.Value <= 0 {
			return fmt.Errorf("%w: discount value must be positive", ErrInvalidChange)
		}
		switch d.ValueType {
		case DiscountPercentage:
			if d.Value > 100 {
				return fmt.Errorf("%w: percentage discount above 100", ErrInvalidChange)
			}
		case DiscountFixedAmount:
		default:
			return fmt.Errorf("%w: unknown discount value type %q", ErrInvalidChange, d.ValueType)
		}
	}
	return nil
}

// Offer is a server-defined post-purchase upsell. Everything the platform will apply
// lives in Changes and is resolved from the catalog, never from client input.
type Offer struct {
	ID                 int64           `json:"id"`
	Title              string          `json:"title"`
	ProductTitle       string          `json:"productTitle"`
	ProductImageURL    string          `json:"productImageURL"`
	ProductDescription []string        `json:"productDescription"`
	OriginalPrice      decimal.Decimal `json:"originalPrice"`
	DiscountedPrice    decimal.Decimal `json:"discountedPrice"`
	Changes            []Change        `json:"changes"`

	// Eligibility is an optional CEL expression evaluated by CELSelector.
	Eligibility string `json:"-"`
}

// Validate checks identity and every change of the offer.
func (o Offer) Validate() error {
	if o.ID <= 0 {
		return fmt.Errorf("offer: id must be positive, got %d", o.ID)
	}
	if len(o.Changes) == 0 {
		return fmt.Errorf("offer: %d has no changes", o.ID)
	}
	for i, c := range o.Changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("offer: %d change %d: %w", o.ID, i, err)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate catalog state.
func (o Offer) Clone() Offer {
	out := o
	if o.ProductDescription != nil {
		out.ProductDescription = append([]string(nil), o.ProductDescription...)
	}
	out.Changes = CloneChanges(o.Changes)
	return out
}

// CloneChanges deep-copies a change sequence.
func CloneChanges(changes []Change) []Change {
	if changes == nil {
		return nil
	}
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = c
		if c.Discount != nil {
			d := *c.Discount
			out[i].Discount = &d
		}
	}
	return out
}

func cloneAll(offers []Offer) []Offer {
	out := make([]Offer, len(offers))
	for i, o := range offers {
		out[i] = o.Clone()
	}
	return out
}
