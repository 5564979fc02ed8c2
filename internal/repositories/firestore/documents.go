package firestore

import (
	"time"

	domain "github.com/buildkart/api/internal/domain"
)

type addressDocument struct {
	ID                 string    `firestore:"id,omitempty"`
	Name               string    `firestore:"name"`
	Phone              string    `firestore:"phone"`
	AddressLine1       string    `firestore:"addressLine1"`
	AddressLine2       string    `firestore:"addressLine2,omitempty"`
	City               string    `firestore:"city"`
	State              string    `firestore:"state"`
	Pincode            string    `firestore:"pincode"`
	Latitude           *float64  `firestore:"latitude,omitempty"`
	Longitude          *float64  `firestore:"longitude,omitempty"`
	DistanceFromCenter *float64  `firestore:"distanceFromCenter,omitempty"`
	IsDefault          bool      `firestore:"isDefault"`
	CreatedAt          time.Time `firestore:"createdAt"`
	UpdatedAt          time.Time `firestore:"updatedAt"`
}

func addressToDocument(addr domain.Address) addressDocument {
	return addressDocument{
		Name:               addr.Name,
		Phone:              addr.Phone,
		AddressLine1:       addr.AddressLine1,
		AddressLine2:       addr.AddressLine2,
		City:               addr.City,
		State:              addr.State,
		Pincode:            addr.Pincode,
		Latitude:           addr.Latitude,
		Longitude:          addr.Longitude,
		DistanceFromCenter: addr.DistanceFromCenter,
		IsDefault:          addr.IsDefault,
		CreatedAt:          addr.CreatedAt.UTC(),
		UpdatedAt:          addr.UpdatedAt.UTC(),
	}
}

func (d addressDocument) toDomain(id string) domain.Address {
	return domain.Address{
		ID:                 id,
		Name:               d.Name,
		Phone:              d.Phone,
		AddressLine1:       d.AddressLine1,
		AddressLine2:       d.AddressLine2,
		City:               d.City,
		State:              d.State,
		Pincode:            d.Pincode,
		Latitude:           d.Latitude,
		Longitude:          d.Longitude,
		DistanceFromCenter: d.DistanceFromCenter,
		IsDefault:          d.IsDefault,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
}

// embedAddress copies an address into another document, keeping its id.
func embedAddress(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	doc := addressToDocument(*addr)
	doc.ID = addr.ID
	return &doc
}

func embeddedAddress(doc *addressDocument) *domain.Address {
	if doc == nil {
		return nil
	}
	addr := doc.toDomain(doc.ID)
	return &addr
}

type cartItemDocument struct {
	ProductID       string    `firestore:"productId"`
	VariantIndex    int       `firestore:"variantIndex"`
	Name            string    `firestore:"name"`
	VariantName     string    `firestore:"variantName,omitempty"`
	ImageURL        string    `firestore:"imageUrl,omitempty"`
	Quantity        int       `firestore:"quantity"`
	Price           int64     `firestore:"price"`
	DiscountedPrice *int64    `firestore:"discountedPrice,omitempty"`
	IncludeLabor    bool      `firestore:"includeLabor"`
	LaborFloors     int       `firestore:"laborFloors"`
	LaborPerFloor   int64     `firestore:"laborPerFloor"`
	Applicability   int       `firestore:"applicability"`
	AddedAt         time.Time `firestore:"addedAt"`
}

func itemsToDocuments(items []domain.CartItem) []cartItemDocument {
	out := make([]cartItemDocument, 0, len(items))
	for _, item := range items {
		out = append(out, cartItemDocument{
			ProductID:       item.ProductID,
			VariantIndex:    item.VariantIndex,
			Name:            item.Name,
			VariantName:     item.VariantName,
			ImageURL:        item.ImageURL,
			Quantity:        item.Quantity,
			Price:           item.Price,
			DiscountedPrice: item.DiscountedPrice,
			IncludeLabor:    item.IncludeLabor,
			LaborFloors:     item.LaborFloors,
			LaborPerFloor:   item.LaborPerFloor,
			Applicability:   item.Applicability,
			AddedAt:         item.AddedAt.UTC(),
		})
	}
	return out
}

func itemsFromDocuments(docs []cartItemDocument) []domain.CartItem {
	out := make([]domain.CartItem, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.CartItem{
			ProductID:       d.ProductID,
			VariantIndex:    d.VariantIndex,
			Name:            d.Name,
			VariantName:     d.VariantName,
			ImageURL:        d.ImageURL,
			Quantity:        d.Quantity,
			Price:           d.Price,
			DiscountedPrice: d.DiscountedPrice,
			IncludeLabor:    d.IncludeLabor,
			LaborFloors:     d.LaborFloors,
			LaborPerFloor:   d.LaborPerFloor,
			Applicability:   d.Applicability,
			AddedAt:         d.AddedAt.UTC(),
		})
	}
	return out
}

type serviceItemDocument struct {
	Name           string    `firestore:"name"`
	ServiceID      string    `firestore:"serviceId,omitempty"`
	VariantIndex   int       `firestore:"variantIndex"`
	PriceRequestID string    `firestore:"priceRequestId,omitempty"`
	Price          int64     `firestore:"price"`
	Quantity       *int      `firestore:"quantity,omitempty"`
	Duration       string    `firestore:"duration,omitempty"`
	AddedAt        time.Time `firestore:"addedAt"`
}

func servicesToDocuments(services []domain.ServiceItem) []serviceItemDocument {
	out := make([]serviceItemDocument, 0, len(services))
	for _, svc := range services {
		out = append(out, serviceItemDocument{
			Name:           svc.Name,
			ServiceID:      svc.ServiceID,
			VariantIndex:   svc.VariantIndex,
			PriceRequestID: svc.PriceRequestID,
			Price:          svc.Price,
			Quantity:       svc.Quantity,
			Duration:       svc.Duration,
			AddedAt:        svc.AddedAt.UTC(),
		})
	}
	return out
}

func servicesFromDocuments(docs []serviceItemDocument) []domain.ServiceItem {
	out := make([]domain.ServiceItem, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.ServiceItem{
			Name:           d.Name,
			ServiceID:      d.ServiceID,
			VariantIndex:   d.VariantIndex,
			PriceRequestID: d.PriceRequestID,
			Price:          d.Price,
			Quantity:       d.Quantity,
			Duration:       d.Duration,
			AddedAt:        d.AddedAt.UTC(),
		})
	}
	return out
}

type couponDocument struct {
	Code          string     `firestore:"code"`
	Discount      int64      `firestore:"discount"`
	Type          string     `firestore:"type"`
	MinOrder      *int64     `firestore:"minOrder,omitempty"`
	ValidUntil    *time.Time `firestore:"validUntil,omitempty"`
	Active        bool       `firestore:"active"`
	AssignedUsers []string   `firestore:"assignedUsers,omitempty"`
	Description   string     `firestore:"description,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

func couponToDocument(c domain.Coupon) couponDocument {
	return couponDocument{
		Code:          c.Code,
		Discount:      c.Discount,
		Type:          string(c.Type),
		MinOrder:      c.MinOrder,
		ValidUntil:    c.ValidUntil,
		Active:        c.Active,
		AssignedUsers: append([]string(nil), c.AssignedUsers...),
		Description:   c.Description,
		CreatedAt:     c.CreatedAt.UTC(),
		UpdatedAt:     c.UpdatedAt.UTC(),
	}
}

func (d couponDocument) toDomain() domain.Coupon {
	return domain.Coupon{
		Code:          d.Code,
		Discount:      d.Discount,
		Type:          domain.CouponType(d.Type),
		MinOrder:      d.MinOrder,
		ValidUntil:    d.ValidUntil,
		Active:        d.Active,
		AssignedUsers: append([]string(nil), d.AssignedUsers...),
		Description:   d.Description,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
}

func couponPointer(c *domain.Coupon) *couponDocument {
	if c == nil {
		return nil
	}
	doc := couponToDocument(*c)
	return &doc
}

type gstBillingDocument struct {
	GSTIN        string `firestore:"gstin"`
	BusinessName string `firestore:"businessName"`
	Address      string `firestore:"address,omitempty"`
	Verified     bool   `firestore:"verified"`
}

func gstToDocument(g *domain.GSTBilling) *gstBillingDocument {
	if g == nil {
		return nil
	}
	return &gstBillingDocument{GSTIN: g.GSTIN, BusinessName: g.BusinessName, Address: g.Address, Verified: g.Verified}
}

func (d *gstBillingDocument) toDomain() *domain.GSTBilling {
	if d == nil {
		return nil
	}
	return &domain.GSTBilling{GSTIN: d.GSTIN, BusinessName: d.BusinessName, Address: d.Address, Verified: d.Verified}
}

type scheduleDocument struct {
	Date string `firestore:"date,omitempty"`
	Time string `firestore:"time,omitempty"`
}

func cloneIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func sortedItems(items map[domain.ItemKey]domain.CartItem) []domain.CartItem {
	return domain.CheckoutSession{Items: items}.SortedItems()
}

func sortedServices(services map[string]domain.ServiceItem) []domain.ServiceItem {
	return domain.CheckoutSession{Services: services}.SortedServices()
}
