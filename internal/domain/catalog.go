package domain

import "time"

// CatalogProduct is a sellable material with priced variants. A cart line's
// VariantIndex indexes Variants.
type CatalogProduct struct {
	ID        string
	Name      string
	ImageURL  string
	Active    bool
	Variants  []ProductVariant
	UpdatedAt time.Time
}

// ProductVariant is one pack size or grade of a product (minor units).
type ProductVariant struct {
	Name            string
	Price           int64
	DiscountedPrice *int64
}

// CatalogService is a bookable service with priced or quote-only variants.
type CatalogService struct {
	ID        string
	Name      string
	Active    bool
	Variants  []ServiceVariant
	UpdatedAt time.Time
}

// ServiceVariant is one offering of a service. A nil Price means the variant
// is sold only against a quoted price request.
type ServiceVariant struct {
	Name     string
	Price    *int64
	Duration string
}

// QuoteOnly reports whether the variant has no list price.
func (v ServiceVariant) QuoteOnly() bool {
	return v.Price == nil
}
