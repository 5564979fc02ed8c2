package domain

import (
	"sort"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// DefaultCurrency is the only currency the storefront settles in.
const DefaultCurrency = "INR"

// Address represents a shipping or billing location from the user's address book.
type Address struct {
	ID                 string
	Name               string
	Phone              string
	AddressLine1       string
	AddressLine2       string
	City               string
	State              string
	Pincode            string
	Latitude           *float64
	Longitude          *float64
	DistanceFromCenter *float64
	IsDefault          bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TransportMode identifies a delivery vehicle class.
type TransportMode string

const (
	TransportBike         TransportMode = "bike"
	TransportThreeWheeler TransportMode = "three_wheeler"
	TransportTempo        TransportMode = "tempo"
	TransportPickup       TransportMode = "pickup"
)

// TransportModes lists every supported mode in display order.
var TransportModes = []TransportMode{
	TransportBike,
	TransportThreeWheeler,
	TransportTempo,
	TransportPickup,
}

// Valid reports whether the mode is one of the supported vehicle classes.
func (m TransportMode) Valid() bool {
	for _, mode := range TransportModes {
		if mode == m {
			return true
		}
	}
	return false
}

// TransportCharges maps each transport mode to its price in minor units.
type TransportCharges map[TransportMode]int64

// Clone returns an independent copy of the charges.
func (c TransportCharges) Clone() TransportCharges {
	if c == nil {
		return nil
	}
	out := make(TransportCharges, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ItemKey is the identity of a product line: one entry per product variant.
type ItemKey struct {
	ProductID    string
	VariantIndex int
}

// CartItem is a product line in the cart. Prices are minor units per unit.
type CartItem struct {
	ProductID       string
	VariantIndex    int
	Name            string
	VariantName     string
	ImageURL        string
	Quantity        int
	Price           int64
	DiscountedPrice *int64
	IncludeLabor    bool
	LaborFloors     int
	LaborPerFloor   int64
	Applicability   int
	AddedAt         time.Time
}

// Key returns the identity key of the line.
func (i CartItem) Key() ItemKey {
	return ItemKey{ProductID: i.ProductID, VariantIndex: i.VariantIndex}
}

// UnitPrice returns the discounted price when present, otherwise the list price.
func (i CartItem) UnitPrice() int64 {
	if i.DiscountedPrice != nil {
		return *i.DiscountedPrice
	}
	return i.Price
}

// ServiceItem is a service line in the cart, identified by its exact name.
type ServiceItem struct {
	Name           string
	ServiceID      string
	VariantIndex   int
	PriceRequestID string
	Price          int64
	Quantity       *int
	Duration       string
	AddedAt        time.Time
}

// EffectiveQuantity treats an unset quantity as one unit.
func (s ServiceItem) EffectiveQuantity() int {
	if s.Quantity == nil {
		return 1
	}
	return *s.Quantity
}

// CouponType selects how a coupon's discount value is interpreted.
type CouponType string

const (
	CouponPercentage CouponType = "percentage"
	CouponFixed      CouponType = "fixed"
)

// Coupon is a discount code. Discount is a percentage for percentage coupons
// and minor units for fixed coupons.
type Coupon struct {
	Code          string
	Discount      int64
	Type          CouponType
	MinOrder      *int64
	ValidUntil    *time.Time
	Active        bool
	AssignedUsers []string
	Description   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CartTab is the storefront tab whose lines are being checked out.
type CartTab string

const (
	TabProducts CartTab = "products"
	TabServices CartTab = "services"
)

// Valid reports whether the tab is known.
func (t CartTab) Valid() bool {
	return t == TabProducts || t == TabServices
}

// CheckoutStep is a state of the checkout flow.
type CheckoutStep string

const (
	StepCart     CheckoutStep = "cart"
	StepCheckout CheckoutStep = "checkout"
	StepPayment  CheckoutStep = "payment"
)

// Valid reports whether the step is known.
func (s CheckoutStep) Valid() bool {
	switch s {
	case StepCart, StepCheckout, StepPayment:
		return true
	}
	return false
}

// GSTBilling is a business billing record verified against its GSTIN.
type GSTBilling struct {
	GSTIN        string
	BusinessName string
	Address      string
	Verified     bool
}

// ServiceSchedule holds the booking slot requested for services.
type ServiceSchedule struct {
	Date string
	Time string
}

// CheckoutSession is the cart aggregate for one user: lines, selections and
// the derived transport charges.
type CheckoutSession struct {
	UserID            string
	SessionID         string
	Items             map[ItemKey]CartItem
	Services          map[string]ServiceItem
	Tab               CartTab
	Step              CheckoutStep
	TransportMode     TransportMode
	Coupon            *Coupon
	SelectedAddress   *Address
	BillingAddress    *Address
	SameAsShipping    bool
	GSTBilling        *GSTBilling
	TransportCharges  TransportCharges
	Schedule          ServiceSchedule
	AdvancePercentage *int
	PCashToggle       int64
	LastUpdated       time.Time
	CreatedAt         time.Time
}

// IsEmpty reports whether the session holds no lines on the given tab.
func (s CheckoutSession) IsEmpty(tab CartTab) bool {
	if tab == TabServices {
		return len(s.Services) == 0
	}
	return len(s.Items) == 0
}

// SortedItems returns product lines ordered by insertion time then identity.
func (s CheckoutSession) SortedItems() []CartItem {
	out := make([]CartItem, 0, len(s.Items))
	for _, item := range s.Items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].VariantIndex < out[j].VariantIndex
	})
	return out
}

// SortedServices returns service lines ordered by insertion time then name.
func (s CheckoutSession) SortedServices() []ServiceItem {
	out := make([]ServiceItem, 0, len(s.Services))
	for _, svc := range s.Services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Clone returns a deep copy so reducers never alias the caller's state.
func (s CheckoutSession) Clone() CheckoutSession {
	out := s
	out.Items = make(map[ItemKey]CartItem, len(s.Items))
	for k, v := range s.Items {
		if v.DiscountedPrice != nil {
			price := *v.DiscountedPrice
			v.DiscountedPrice = &price
		}
		out.Items[k] = v
	}
	out.Services = make(map[string]ServiceItem, len(s.Services))
	for k, v := range s.Services {
		if v.Quantity != nil {
			qty := *v.Quantity
			v.Quantity = &qty
		}
		out.Services[k] = v
	}
	if s.Coupon != nil {
		coupon := *s.Coupon
		out.Coupon = &coupon
	}
	out.SelectedAddress = cloneAddress(s.SelectedAddress)
	out.BillingAddress = cloneAddress(s.BillingAddress)
	if s.GSTBilling != nil {
		gst := *s.GSTBilling
		out.GSTBilling = &gst
	}
	if s.AdvancePercentage != nil {
		pct := *s.AdvancePercentage
		out.AdvancePercentage = &pct
	}
	out.TransportCharges = s.TransportCharges.Clone()
	return out
}

func cloneAddress(addr *Address) *Address {
	if addr == nil {
		return nil
	}
	out := *addr
	if addr.Latitude != nil {
		v := *addr.Latitude
		out.Latitude = &v
	}
	if addr.Longitude != nil {
		v := *addr.Longitude
		out.Longitude = &v
	}
	if addr.DistanceFromCenter != nil {
		v := *addr.DistanceFromCenter
		out.DistanceFromCenter = &v
	}
	return &out
}
