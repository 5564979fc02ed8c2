package repositories

import (
	"context"
	"time"

	domain "github.com/buildkart/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CheckoutSessionRepository persists the whitelisted cart session per user.
// Save fails with a conflict when expectedUpdatedAt no longer matches.
type CheckoutSessionRepository interface {
	Get(ctx context.Context, userID string) (domain.CheckoutSession, error)
	Save(ctx context.Context, session domain.CheckoutSession, expectedUpdatedAt *time.Time) (domain.CheckoutSession, error)
	Delete(ctx context.Context, userID string) error
}

// AddressRepository stores the address book per user.
type AddressRepository interface {
	List(ctx context.Context, userID string) ([]domain.Address, error)
	Get(ctx context.Context, userID string, addressID string) (domain.Address, error)
	Upsert(ctx context.Context, userID string, addr domain.Address) (domain.Address, error)
	Delete(ctx context.Context, userID string, addressID string) error
	SetDefault(ctx context.Context, userID string, addressID string) (domain.Address, error)
}

// CouponRepository reads coupon definitions.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	ListAssigned(ctx context.Context, userID string) ([]domain.Coupon, error)
	Upsert(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error)
}

// PCashLedgerRepository stores P-Cash ledgers. Update runs fn inside a
// transaction and persists its result.
type PCashLedgerRepository interface {
	Get(ctx context.Context, userID string) (domain.PCashLedger, error)
	Update(ctx context.Context, userID string, fn func(domain.PCashLedger) (domain.PCashLedger, error)) (domain.PCashLedger, error)
	ListWithExpiringCredits(ctx context.Context, before time.Time, pager domain.Pagination) (domain.CursorPage[domain.PCashLedger], error)
}

// OrderRepository stores orders created at checkout. Update runs fn inside a
// transaction and persists its result.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Update(ctx context.Context, orderID string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error)
}

// CatalogRepository reads the product and service catalog used for pricing.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.CatalogProduct, error)
	GetService(ctx context.Context, serviceID string) (domain.CatalogService, error)
}

// PriceRequestRepository stores quote-on-request records.
type PriceRequestRepository interface {
	Insert(ctx context.Context, req domain.PriceRequest) (domain.PriceRequest, error)
	FindByID(ctx context.Context, requestID string) (domain.PriceRequest, error)
	Update(ctx context.Context, req domain.PriceRequest) (domain.PriceRequest, error)
	List(ctx context.Context, filter PriceRequestListFilter) (domain.CursorPage[domain.PriceRequest], error)
}

// PriceRequestListFilter narrows price request listings.
type PriceRequestListFilter struct {
	UserID     string
	Status     []domain.PriceRequestStatus
	Pagination domain.Pagination
}

// ReturnRequestRepository stores return requests raised against paid orders.
type ReturnRequestRepository interface {
	Insert(ctx context.Context, ret domain.ReturnRequest) (domain.ReturnRequest, error)
	FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error)
	Update(ctx context.Context, ret domain.ReturnRequest) (domain.ReturnRequest, error)
	List(ctx context.Context, filter ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error)
}

// ReturnListFilter narrows return listings.
type ReturnListFilter struct {
	UserID     string
	Status     []domain.ReturnStatus
	Pagination domain.Pagination
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
