package offer

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fileCatalog is the on-disk YAML layout of an offer catalog.
type fileCatalog struct {
	Offers []fileOffer `yaml:"offers"`
}

type fileOffer struct {
	ID                 int64        `yaml:"id"`
	Title              string       `yaml:"title"`
	ProductTitle       string       `yaml:"product_title"`
	ProductImageURL    string       `yaml:"product_image_url"`
	ProductDescription []string     `yaml:"product_description"`
	OriginalPrice      string       `yaml:"original_price"`
	DiscountedPrice    string       `yaml:"discounted_price"`
	Eligibility        string       `yaml:"eligibility"`
	Changes            []fileChange `yaml:"changes"`
}

type fileChange struct {
	Type          string        `yaml:"type"`
	VariantID     int64         `yaml:"variant_id"`
	SellingPlanID int64         `yaml:"selling_plan_id"`
	Quantity      int           `yaml:"quantity"`
	Discount      *fileDiscount `yaml:"discount"`
}

type fileDiscount struct {
	Value     float64 `yaml:"value"`
	ValueType string  `yaml:"value_type"`
	Title     string  `yaml:"title"`
}

// LoadFile reads a YAML offer catalog.
func LoadFile(path string) ([]Offer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("offer: read catalog %q: %w", path, err)
	}
	offers, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("offer: catalog %q: %w", path, err)
	}
	return offers, nil
}

// ParseYAML decodes and validates a YAML offer catalog.
func ParseYAML(data []byte) ([]Offer, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	offers := make([]Offer, 0, len(fc.Offers))
	for _, fo := range fc.Offers {
		o, err := fo.toOffer()
		if err != nil {
			return nil, err
		}
		if err := o.Validate(); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, nil
}

func (fo fileOffer) toOffer() (Offer, error) {
	original, err := parsePrice(fo.OriginalPrice)
	if err != nil {
		return Offer{}, fmt.Errorf("offer %d original_price: %w", fo.ID, err)
	}
	discounted, err := parsePrice(fo.DiscountedPrice)
	if err != nil {
		return Offer{}, fmt.Errorf("offer %d discounted_price: %w", fo.ID, err)
	}

	o := Offer{
		ID:                 fo.ID,
		Title:              fo.Title,
		ProductTitle:       fo.ProductTitle,
		ProductImageURL:    fo.ProductImageURL,
		ProductDescription: fo.ProductDescription,
		OriginalPrice:      original,
		DiscountedPrice:    discounted,
		Eligibility:        fo.Eligibility,
		Changes:            make([]Change, 0, len(fo.Changes)),
	}
	for _, fc := range fo.Changes {
		c := Change{
			Type:          ChangeType(fc.Type),
			VariantID:     fc.VariantID,
			SellingPlanID: fc.SellingPlanID,
			Quantity:      fc.Quantity,
		}
		if fc.Discount != nil {
			c.Discount = &Discount{
				Value:     fc.Discount.Value,
				ValueType: DiscountValueType(fc.Discount.ValueType),
				Title:     fc.Discount.Title,
			}
		}
		o.Changes = append(o.Changes, c)
	}
	return o, nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// DemoOffers is the built-in single-offer catalog used when nothing else is configured.
func DemoOffers() []Offer {
	return []Offer{
		{
			ID:                 1,
			Title:              "One time offer",
			ProductTitle:       "The S-Series Snowboard",
			ProductImageURL:    "https://cdn.shopify.com/s/files/1/0",
			ProductDescription: []string{"This PREMIUM snowboard is so SUPER DUPER awesome!"},
			OriginalPrice:      decimal.RequireFromString("699.95"),
			DiscountedPrice:    decimal.RequireFromString("699.95"),
			Changes: []Change{
				{
					Type:      ChangeAddVariant,
					VariantID: 123456789,
					Quantity:  1,
					Discount: &Discount{
						Value:     15,
						ValueType: DiscountPercentage,
						Title:     "15% off",
					},
				},
			},
		},
	}
}
