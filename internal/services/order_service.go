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
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located for the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// OrderServiceDeps wires the order repository.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	repo   repositories.OrderRepository
	logger eventLogger
}

// NewOrderService constructs a read-only OrderService for the storefront.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	return &orderService{repo: deps.Orders, logger: loggerOrNoop(deps.Logger)}, nil
}

// ListOrders returns the user's orders, newest first.
func (s *orderService) ListOrders(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.repo.ListByUser(ctx, uid, pager)
	if err != nil {
		return domain.CursorPage[Order]{}, s.translateRepoError(err)
	}
	return page, nil
}

// GetOrder returns one order. Orders of other users are reported as missing.
func (s *orderService) GetOrder(ctx context.Context, userID, orderID string) (Order, error) {
	uid := strings.TrimSpace(userID)
	id := strings.TrimSpace(orderID)
	if uid == "" || id == "" {
		return Order{}, fmt.Errorf("%w: user id and order id are required", ErrOrderInvalidInput)
	}
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if order.UserID != uid {
		s.logger(ctx, "order.access.denied", map[string]any{"orderId": id, "userId": uid})
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) translateRepoError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrOrderNotFound
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	default:
		return err
	}
}
