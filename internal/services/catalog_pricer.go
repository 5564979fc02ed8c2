package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/repositories"
)

var (
	// ErrCatalogItemNotFound indicates the product, service or variant is unknown or inactive.
	ErrCatalogItemNotFound = errors.New("catalog: item not found")
	// ErrCatalogQuoteRequired indicates a quote-only service was added without a usable quote.
	ErrCatalogQuoteRequired = errors.New("catalog: quote required")
	// ErrCatalogUnavailable indicates the catalog could not be read.
	ErrCatalogUnavailable = errors.New("catalog: unavailable")
)

// CatalogPricer resolves cart line prices from the catalog. Client supplied
// prices are never trusted.
type CatalogPricer struct {
	catalog repositories.CatalogRepository
	quotes  repositories.PriceRequestRepository
}

// NewCatalogPricer requires the catalog; quotes may be nil when quote-only
// services are not sold.
func NewCatalogPricer(catalog repositories.CatalogRepository, quotes repositories.PriceRequestRepository) (*CatalogPricer, error) {
	if catalog == nil {
		return nil, errors.New("catalog pricer: catalog repository is required")
	}
	return &CatalogPricer{catalog: catalog, quotes: quotes}, nil
}

// PriceItem fills the display and price fields of a product line from its
// catalog variant.
func (p *CatalogPricer) PriceItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error) {
	productID := strings.TrimSpace(item.ProductID)
	if productID == "" {
		return domain.CartItem{}, fmt.Errorf("%w: productId is required", ErrCartInvalidInput)
	}
	product, err := p.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.CartItem{}, catalogError(err, "product "+productID)
	}
	if !product.Active || item.VariantIndex < 0 || item.VariantIndex >= len(product.Variants) {
		return domain.CartItem{}, fmt.Errorf("%w: product %s variant %d", ErrCatalogItemNotFound, productID, item.VariantIndex)
	}
	variant := product.Variants[item.VariantIndex]

	item.ProductID = productID
	item.Name = product.Name
	item.VariantName = variant.Name
	item.ImageURL = product.ImageURL
	item.Price = variant.Price
	item.DiscountedPrice = nil
	if variant.DiscountedPrice != nil {
		discounted := *variant.DiscountedPrice
		item.DiscountedPrice = &discounted
	}
	return item, nil
}

// PriceService resolves a service line. Quote-only variants take the final
// price of a quoted request owned by userID for the same service and variant.
func (p *CatalogPricer) PriceService(ctx context.Context, userID string, svc domain.ServiceItem) (domain.ServiceItem, error) {
	serviceID := strings.TrimSpace(svc.ServiceID)
	if serviceID == "" {
		return domain.ServiceItem{}, fmt.Errorf("%w: serviceId is required", ErrCartInvalidInput)
	}
	entry, err := p.catalog.GetService(ctx, serviceID)
	if err != nil {
		return domain.ServiceItem{}, catalogError(err, "service "+serviceID)
	}
	if !entry.Active || svc.VariantIndex < 0 || svc.VariantIndex >= len(entry.Variants) {
		return domain.ServiceItem{}, fmt.Errorf("%w: service %s variant %d", ErrCatalogItemNotFound, serviceID, svc.VariantIndex)
	}
	variant := entry.Variants[svc.VariantIndex]

	svc.ServiceID = serviceID
	svc.Name = serviceLineName(entry.Name, variant.Name)
	svc.Duration = variant.Duration
	if !variant.QuoteOnly() {
		svc.PriceRequestID = ""
		svc.Price = *variant.Price
		return svc, nil
	}

	price, err := p.quotedPrice(ctx, userID, svc.PriceRequestID, entry, variant)
	if err != nil {
		return domain.ServiceItem{}, err
	}
	svc.PriceRequestID = strings.TrimSpace(svc.PriceRequestID)
	svc.Price = price
	return svc, nil
}

func (p *CatalogPricer) quotedPrice(ctx context.Context, userID, requestID string, entry domain.CatalogService, variant domain.ServiceVariant) (int64, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return 0, fmt.Errorf("%w: %s is priced on request", ErrCatalogQuoteRequired, entry.Name)
	}
	if p.quotes == nil {
		return 0, ErrCatalogUnavailable
	}
	req, err := p.quotes.FindByID(ctx, requestID)
	if err != nil {
		if isRepoNotFound(err) {
			return 0, fmt.Errorf("%w: price request %s not found", ErrCatalogQuoteRequired, requestID)
		}
		return 0, catalogError(err, "price request "+requestID)
	}
	switch {
	case req.UserID != strings.TrimSpace(userID):
		return 0, fmt.Errorf("%w: price request %s not found", ErrCatalogQuoteRequired, requestID)
	case req.Status != domain.PriceRequestQuoted || req.FinalPrice == nil:
		return 0, fmt.Errorf("%w: price request %s is not quoted", ErrCatalogQuoteRequired, requestID)
	case req.ServiceID != entry.ID:
		return 0, fmt.Errorf("%w: price request %s is for another service", ErrCatalogQuoteRequired, requestID)
	case req.VariantName != "" && req.VariantName != variant.Name:
		return 0, fmt.Errorf("%w: price request %s is for another variant", ErrCatalogQuoteRequired, requestID)
	case *req.FinalPrice < 0:
		return 0, fmt.Errorf("%w: price request %s has a negative price", ErrCatalogQuoteRequired, requestID)
	}
	return *req.FinalPrice, nil
}

func serviceLineName(service, variant string) string {
	variant = strings.TrimSpace(variant)
	if variant == "" {
		return strings.TrimSpace(service)
	}
	return strings.TrimSpace(service) + " - " + variant
}

func catalogError(err error, what string) error {
	switch {
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %s", ErrCatalogItemNotFound, what)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	default:
		return err
	}
}
