package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/buildkart/api/internal/domain"
	pfirestore "github.com/buildkart/api/internal/platform/firestore"
	"github.com/buildkart/api/internal/repositories"
)

const (
	productCollection = "products"
	serviceCollection = "services"
)

type productVariantDocument struct {
	Name            string `firestore:"name"`
	Price           int64  `firestore:"price"`
	DiscountedPrice *int64 `firestore:"discountedPrice,omitempty"`
}

type productDocument struct {
	Name      string                   `firestore:"name"`
	ImageURL  string                   `firestore:"imageUrl,omitempty"`
	Active    bool                     `firestore:"active"`
	Variants  []productVariantDocument `firestore:"variants"`
	UpdatedAt time.Time                `firestore:"updatedAt"`
}

type serviceVariantDocument struct {
	Name     string `firestore:"name"`
	Price    *int64 `firestore:"price,omitempty"`
	Duration string `firestore:"duration,omitempty"`
}

type serviceDocument struct {
	Name      string                   `firestore:"name"`
	Active    bool                     `firestore:"active"`
	Variants  []serviceVariantDocument `firestore:"variants"`
	UpdatedAt time.Time                `firestore:"updatedAt"`
}

// CatalogRepository reads products and services maintained by the catalog admin.
type CatalogRepository struct {
	products *pfirestore.BaseRepository[productDocument]
	services *pfirestore.BaseRepository[serviceDocument]
}

func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		products: pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil),
		services: pfirestore.NewBaseRepository[serviceDocument](provider, serviceCollection, nil, nil),
	}, nil
}

func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.CatalogProduct{}, errors.New("catalog repository: product id is required")
	}
	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.CatalogProduct{}, err
	}
	product := domain.CatalogProduct{
		ID:        doc.ID,
		Name:      doc.Data.Name,
		ImageURL:  doc.Data.ImageURL,
		Active:    doc.Data.Active,
		Variants:  make([]domain.ProductVariant, 0, len(doc.Data.Variants)),
		UpdatedAt: doc.Data.UpdatedAt.UTC(),
	}
	for _, v := range doc.Data.Variants {
		product.Variants = append(product.Variants, domain.ProductVariant{
			Name:            v.Name,
			Price:           v.Price,
			DiscountedPrice: v.DiscountedPrice,
		})
	}
	return product, nil
}

func (r *CatalogRepository) GetService(ctx context.Context, serviceID string) (domain.CatalogService, error) {
	id := strings.TrimSpace(serviceID)
	if id == "" {
		return domain.CatalogService{}, errors.New("catalog repository: service id is required")
	}
	doc, err := r.services.Get(ctx, id)
	if err != nil {
		return domain.CatalogService{}, err
	}
	svc := domain.CatalogService{
		ID:        doc.ID,
		Name:      doc.Data.Name,
		Active:    doc.Data.Active,
		Variants:  make([]domain.ServiceVariant, 0, len(doc.Data.Variants)),
		UpdatedAt: doc.Data.UpdatedAt.UTC(),
	}
	for _, v := range doc.Data.Variants {
		svc.Variants = append(svc.Variants, domain.ServiceVariant{
			Name:     v.Name,
			Price:    v.Price,
			Duration: v.Duration,
		})
	}
	return svc, nil
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)
