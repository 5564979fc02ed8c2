package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/payments"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/repositories"
)

const (
	defaultPaymentSessionTTL = 30 * time.Minute
	// pcashHoldGrace keeps the hold alive for callbacks that land after the provider session expires.
	pcashHoldGrace = 15 * time.Minute

	reconciliationPCashShortfall = "pcash_consume_failed"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutNotReady indicates the cart fails the pay guard.
	ErrCheckoutNotReady = errors.New("checkout: cart not ready")
	// ErrCheckoutInFlight indicates a payment request for the user is already running.
	ErrCheckoutInFlight = errors.New("checkout: payment already in flight")
	// ErrCheckoutPaymentUnavailable indicates the payment provider could not create or report a session.
	ErrCheckoutPaymentUnavailable = errors.New("checkout: payment provider unavailable")
	// ErrCheckoutOrderNotFound indicates the order does not exist or belongs to another user.
	ErrCheckoutOrderNotFound = errors.New("checkout: order not found")
	// ErrCheckoutAmountMismatch indicates the provider reported a different amount than was due.
	ErrCheckoutAmountMismatch = errors.New("checkout: payment amount mismatch")
	// ErrCheckoutOrderClosed indicates the order can no longer be paid.
	ErrCheckoutOrderClosed = errors.New("checkout: order closed")
	// ErrCheckoutEventIgnored indicates a provider callback that carries no payment outcome.
	ErrCheckoutEventIgnored = errors.New("checkout: event ignored")
	// ErrCheckoutPricesChanged indicates catalog prices moved since the cart was priced; the cart was updated.
	ErrCheckoutPricesChanged = errors.New("checkout: prices changed")
	// ErrCheckoutPCashChanged indicates the P-Cash applied on the cart is no longer spendable.
	ErrCheckoutPCashChanged = errors.New("checkout: pcash balance changed")
	// ErrCheckoutWebhookSignature reports a callback whose provider signature did not verify.
	ErrCheckoutWebhookSignature = errors.New("checkout: webhook signature invalid")

	errOrderAlreadySettled = errors.New("checkout: order already settled")
)

// CheckoutNotReadyError lists the guards that blocked the pay action.
type CheckoutNotReadyError struct {
	Reasons []ValidationReason
}

func (e *CheckoutNotReadyError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for _, reason := range e.Reasons {
		parts = append(parts, string(reason))
	}
	return fmt.Sprintf("checkout: cart not ready (%s)", strings.Join(parts, ", "))
}

func (e *CheckoutNotReadyError) Unwrap() error { return ErrCheckoutNotReady }

type checkoutCart interface {
	RefreshPrices(ctx context.Context, userID string) (CartView, bool, error)
	ClearSession(ctx context.Context, userID, sessionID string) (bool, error)
}

type pcashConsumer interface {
	Consume(ctx context.Context, cmd ConsumePCashCommand) (PCashLedger, error)
	Hold(ctx context.Context, cmd HoldPCashCommand) (PCashLedger, error)
	Release(ctx context.Context, cmd ReleasePCashCommand) (bool, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Cart       checkoutCart
	Orders     repositories.OrderRepository
	Payments   PaymentGateway
	PCash      pcashConsumer
	Events     EventPublisher
	Locks      *PaymentLocks
	SessionTTL time.Duration
	ReturnURL  string
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	NewOrderID func() string
}

type checkoutService struct {
	cart       checkoutCart
	orders     repositories.OrderRepository
	payments   PaymentGateway
	pcash      pcashConsumer
	events     EventPublisher
	locks      *PaymentLocks
	sessionTTL time.Duration
	returnURL  string
	now        func() time.Time
	logger     eventLogger
	newOrderID func() string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Cart == nil {
		return nil, errors.New("checkout service: cart service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultPaymentSessionTTL
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewPaymentLocks(0, clock)
	}
	newID := deps.NewOrderID
	if newID == nil {
		newID = func() string { return "ord_" + ulid.Make().String() }
	}

	return &checkoutService{
		cart:       deps.Cart,
		orders:     deps.Orders,
		payments:   deps.Payments,
		pcash:      deps.PCash,
		events:     deps.Events,
		locks:      locks,
		sessionTTL: ttl,
		returnURL:  strings.TrimSpace(deps.ReturnURL),
		now: func() time.Time {
			return clock().UTC()
		},
		logger:     loggerOrNoop(deps.Logger),
		newOrderID: newID,
	}, nil
}

// CreatePaymentSession re-prices the stored cart, re-checks the pay guard,
// records a pending order and opens a provider checkout session for it.
func (s *checkoutService) CreatePaymentSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSessionResult, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PaymentSessionResult{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	if !s.locks.TryAcquire(userID) {
		return PaymentSessionResult{}, ErrCheckoutInFlight
	}
	defer s.locks.Release(userID)

	view, changed, err := s.cart.RefreshPrices(ctx, userID)
	if err != nil {
		return PaymentSessionResult{}, err
	}
	if changed {
		return PaymentSessionResult{}, ErrCheckoutPricesChanged
	}
	if guard := CanPay(view.Session, view.Totals, false); !guard.Allowed {
		return PaymentSessionResult{}, &CheckoutNotReadyError{Reasons: guard.Reasons}
	}

	order, err := s.buildOrder(view)
	if err != nil {
		return PaymentSessionResult{}, err
	}
	order, err = s.orders.Insert(ctx, order)
	if err != nil {
		return PaymentSessionResult{}, s.translateRepoError(err)
	}

	returnURL := firstNonEmpty(strings.TrimSpace(cmd.ReturnURL), s.returnURL)
	expiresAt := s.now().Add(s.sessionTTL)
	if err := s.holdPCash(ctx, order, expiresAt.Add(pcashHoldGrace)); err != nil {
		s.cancelOrder(ctx, order)
		return PaymentSessionResult{}, err
	}
	session, err := s.payments.CreateCheckoutSession(ctx,
		payments.PaymentContext{PreferredProvider: strings.TrimSpace(cmd.PreferredProvider), Currency: order.Currency},
		payments.CheckoutSessionRequest{
			OrderID:     order.ID,
			Amount:      order.AmountDue,
			Currency:    order.Currency,
			Description: orderDescription(order),
			Customer:    orderCustomer(order, cmd.Email),
			ReturnURL:   strings.ReplaceAll(returnURL, "{order_id}", order.ID),
			ExpiresAt:   expiresAt,
			Metadata: map[string]string{
				"orderId":   order.ID,
				"userId":    userID,
				"sessionId": order.SessionID,
				"kind":      string(order.Kind),
			},
			IdempotencyKey: firstNonEmpty(strings.TrimSpace(cmd.IdempotencyKey), order.ID),
		})
	if err != nil {
		s.logger(ctx, "checkout.payment_session.failed", map[string]any{
			"userId":   userID,
			"orderId":  order.ID,
			"provider": cmd.PreferredProvider,
			"error":    err.Error(),
		})
		s.cancelOrder(ctx, order)
		if errors.Is(err, payments.ErrUnsupportedProvider) || errors.Is(err, payments.ErrInvalidRequest) {
			return PaymentSessionResult{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return PaymentSessionResult{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentUnavailable, err)
	}

	payment := domain.PaymentSession{
		Provider:    session.Provider,
		SessionID:   session.ID,
		OrderRef:    firstNonEmpty(session.OrderRef, order.ID),
		RedirectURL: session.RedirectURL,
		Amount:      order.AmountDue,
		Currency:    order.Currency,
		ExpiresAt:   session.ExpiresAt.UTC(),
	}
	if payment.ExpiresAt.IsZero() {
		payment.ExpiresAt = expiresAt
	}
	order, err = s.orders.Update(ctx, order.ID, func(current Order) (Order, error) {
		current.Payment = &payment
		current.UpdatedAt = s.now()
		return current, nil
	})
	if err != nil {
		return PaymentSessionResult{}, s.translateRepoError(err)
	}

	s.logger(ctx, "checkout.payment_session.created", map[string]any{
		"userId":   userID,
		"orderId":  order.ID,
		"provider": payment.Provider,
		"kind":     string(order.Kind),
		"amount":   order.AmountDue,
	})
	return PaymentSessionResult{Order: order, Session: payment}, nil
}

// ConfirmPayment asks the provider for the payment outcome of the caller's order.
func (s *checkoutService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if userID == "" || orderID == "" {
		return Order{}, fmt.Errorf("%w: user id and order id are required", ErrCheckoutInvalidInput)
	}
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.UserID != userID {
		return Order{}, ErrCheckoutOrderNotFound
	}
	if order.Status != domain.OrderStatusPendingPayment || order.Payment == nil {
		return order, nil
	}

	details, err := s.payments.LookupPayment(ctx, order.Payment.Provider, payments.LookupRequest{
		SessionID: order.Payment.SessionID,
		OrderRef:  order.Payment.OrderRef,
	})
	if err != nil {
		s.logger(ctx, "checkout.payment.lookup_failed", map[string]any{
			"orderId":  order.ID,
			"provider": order.Payment.Provider,
			"error":    err.Error(),
		})
		return Order{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentUnavailable, err)
	}
	return s.settle(ctx, order, details)
}

// HandlePaymentWebhook verifies a provider callback and settles the order it names.
func (s *checkoutService) HandlePaymentWebhook(ctx context.Context, cmd PaymentWebhookCommand) (Order, error) {
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	details, err := s.payments.ParseWebhook(provider, payments.WebhookRequest{Payload: cmd.Payload, Headers: cmd.Headers})
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrWebhookSignature):
			s.logger(ctx, "checkout.webhook.signature_rejected", map[string]any{
				"provider": provider,
				"error":    err.Error(),
			})
			return Order{}, ErrCheckoutWebhookSignature
		case errors.Is(err, payments.ErrUnhandledEvent):
			return Order{}, ErrCheckoutEventIgnored
		case errors.Is(err, payments.ErrUnsupportedProvider), errors.Is(err, payments.ErrInvalidRequest):
			return Order{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		default:
			return Order{}, err
		}
	}

	order, err := s.findOrder(ctx, details.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.Payment != nil && order.Payment.Provider != "" && order.Payment.Provider != provider {
		return Order{}, fmt.Errorf("%w: order %s was not paid through %s", ErrCheckoutInvalidInput, order.ID, provider)
	}
	return s.settle(ctx, order, details)
}

func (s *checkoutService) settle(ctx context.Context, order Order, details payments.PaymentDetails) (Order, error) {
	switch details.Status {
	case payments.StatusSucceeded:
		return s.markPaid(ctx, order, details)
	case payments.StatusFailed:
		return s.markFailed(ctx, order, details)
	default:
		return order, nil
	}
}

// markPaid flips the order to paid once, then consumes P-Cash, clears the cart
// session the order was placed from and publishes the placement event. A
// repeated success callback finds the order already paid and does nothing.
func (s *checkoutService) markPaid(ctx context.Context, order Order, details payments.PaymentDetails) (Order, error) {
	if details.Amount > 0 && details.Amount != order.AmountDue {
		s.logger(ctx, "checkout.payment.amount_mismatch", map[string]any{
			"orderId":  order.ID,
			"expected": order.AmountDue,
			"reported": details.Amount,
		})
		return Order{}, ErrCheckoutAmountMismatch
	}
	if details.Currency != "" && !strings.EqualFold(details.Currency, order.Currency) {
		return Order{}, ErrCheckoutAmountMismatch
	}

	paidAt := s.now()
	if details.PaidAt != nil && !details.PaidAt.IsZero() {
		paidAt = details.PaidAt.UTC()
	}

	updated, err := s.orders.Update(ctx, order.ID, func(current Order) (Order, error) {
		switch current.Status {
		case domain.OrderStatusPaid:
			return current, errOrderAlreadySettled
		case domain.OrderStatusCanceled:
			return current, ErrCheckoutOrderClosed
		}
		current.Status = domain.OrderStatusPaid
		current.PaidAt = &paidAt
		current.UpdatedAt = s.now()
		return current, nil
	})
	if err != nil {
		if errors.Is(err, errOrderAlreadySettled) {
			return s.findOrder(ctx, order.ID)
		}
		if errors.Is(err, ErrCheckoutOrderClosed) {
			return Order{}, ErrCheckoutOrderClosed
		}
		return Order{}, s.translateRepoError(err)
	}

	var pcashConsumed, pcashShortfall int64
	if applied := updated.Totals.PCashAppliedAmount; applied > 0 {
		var err error
		if s.pcash == nil {
			err = errors.New("pcash service not configured")
		} else {
			_, err = s.pcash.Consume(ctx, ConsumePCashCommand{
				UserID:  updated.UserID,
				Amount:  applied,
				OrderID: updated.ID,
			})
		}
		if err != nil {
			pcashShortfall = applied
			s.logger(ctx, "checkout.pcash.consume_failed", map[string]any{
				"orderId": updated.ID,
				"userId":  updated.UserID,
				"amount":  applied,
				"error":   err.Error(),
			})
			updated = s.flagReconciliation(ctx, updated, applied)
		} else {
			pcashConsumed = applied
		}
	}

	if _, err := s.cart.ClearSession(ctx, updated.UserID, updated.SessionID); err != nil {
		s.logger(ctx, "checkout.cart.clear_failed", map[string]any{
			"orderId":   updated.ID,
			"userId":    updated.UserID,
			"sessionId": updated.SessionID,
			"error":     err.Error(),
		})
	}

	if s.events != nil {
		event := OrderPlacedEvent{
			OrderID:        updated.ID,
			UserID:         updated.UserID,
			SessionID:      updated.SessionID,
			Kind:           string(updated.Kind),
			Provider:       firstNonEmpty(details.Provider, paymentProvider(updated)),
			Amount:         updated.AmountDue,
			AmountDisplay:  textutil.FormatINR(updated.AmountDue),
			Currency:       updated.Currency,
			PCashConsumed:  pcashConsumed,
			PCashShortfall: pcashShortfall,
			PlacedAt:       paidAt,
		}
		if _, err := s.events.PublishOrderPlaced(ctx, event); err != nil {
			s.logger(ctx, "checkout.order_placed.publish_failed", map[string]any{
				"orderId": updated.ID,
				"error":   err.Error(),
			})
		}
	}

	s.logger(ctx, "checkout.order.paid", map[string]any{
		"orderId":   updated.ID,
		"userId":    updated.UserID,
		"provider":  details.Provider,
		"paymentId": details.PaymentID,
		"amount":    updated.AmountDue,
	})
	return updated, nil
}

// markFailed records a failed attempt. The cart is left as it was so the user
// can retry.
func (s *checkoutService) markFailed(ctx context.Context, order Order, details payments.PaymentDetails) (Order, error) {
	updated, err := s.orders.Update(ctx, order.ID, func(current Order) (Order, error) {
		if current.Status != domain.OrderStatusPendingPayment {
			return current, errOrderAlreadySettled
		}
		current.Status = domain.OrderStatusPaymentFailed
		current.UpdatedAt = s.now()
		return current, nil
	})
	if err != nil {
		if errors.Is(err, errOrderAlreadySettled) {
			return s.findOrder(ctx, order.ID)
		}
		return Order{}, s.translateRepoError(err)
	}
	s.releasePCash(ctx, updated)
	s.logger(ctx, "checkout.payment.failed", map[string]any{
		"orderId":   updated.ID,
		"userId":    updated.UserID,
		"provider":  details.Provider,
		"paymentId": details.PaymentID,
	})
	return updated, nil
}

func (s *checkoutService) cancelOrder(ctx context.Context, order Order) {
	_, err := s.orders.Update(ctx, order.ID, func(current Order) (Order, error) {
		if current.Status != domain.OrderStatusPendingPayment {
			return current, errOrderAlreadySettled
		}
		current.Status = domain.OrderStatusCanceled
		current.UpdatedAt = s.now()
		return current, nil
	})
	if err != nil && !errors.Is(err, errOrderAlreadySettled) {
		s.logger(ctx, "checkout.order.cancel_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	s.releasePCash(ctx, order)
}

// holdPCash reserves the P-Cash applied on the order so a second session
// cannot redeem the same balance while this one awaits payment.
func (s *checkoutService) holdPCash(ctx context.Context, order Order, until time.Time) error {
	amount := order.Totals.PCashAppliedAmount
	if amount <= 0 {
		return nil
	}
	if s.pcash == nil {
		return fmt.Errorf("%w: pcash service not configured", ErrCheckoutUnavailable)
	}
	_, err := s.pcash.Hold(ctx, HoldPCashCommand{
		UserID:    order.UserID,
		OrderID:   order.ID,
		Amount:    amount,
		ExpiresAt: until,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPCashInsufficientBalance):
		s.logger(ctx, "checkout.pcash.hold_rejected", map[string]any{
			"orderId": order.ID,
			"userId":  order.UserID,
			"amount":  amount,
		})
		return ErrCheckoutPCashChanged
	default:
		return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}
}

func (s *checkoutService) releasePCash(ctx context.Context, order Order) {
	if order.Totals.PCashAppliedAmount <= 0 || s.pcash == nil {
		return
	}
	if _, err := s.pcash.Release(ctx, ReleasePCashCommand{UserID: order.UserID, OrderID: order.ID}); err != nil {
		s.logger(ctx, "checkout.pcash.release_failed", map[string]any{
			"orderId": order.ID,
			"userId":  order.UserID,
			"error":   err.Error(),
		})
	}
}

// flagReconciliation records that the order was discounted by P-Cash the
// ledger could not cover. The order stays paid.
func (s *checkoutService) flagReconciliation(ctx context.Context, order Order, shortfall int64) Order {
	flagged, err := s.orders.Update(ctx, order.ID, func(current Order) (Order, error) {
		if current.Reconciliation == nil {
			current.Reconciliation = &domain.OrderReconciliation{
				Reason:         reconciliationPCashShortfall,
				PCashShortfall: shortfall,
				FlaggedAt:      s.now(),
			}
			current.UpdatedAt = s.now()
		}
		return current, nil
	})
	if err != nil {
		s.logger(ctx, "checkout.reconciliation.flag_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}
	s.logger(ctx, "checkout.reconciliation.flagged", map[string]any{
		"orderId":   flagged.ID,
		"userId":    flagged.UserID,
		"shortfall": shortfall,
	})
	return flagged
}

func (s *checkoutService) buildOrder(view CartView) (Order, error) {
	session := view.Session
	now := s.now()
	order := Order{
		ID:              s.newOrderID(),
		UserID:          session.UserID,
		SessionID:       session.SessionID,
		Status:          domain.OrderStatusPendingPayment,
		Currency:        firstNonEmpty(view.Totals.Currency, domain.DefaultCurrency),
		Totals:          view.Totals,
		TransportMode:   session.TransportMode,
		ShippingAddress: session.SelectedAddress,
		BillingAddress:  session.BillingAddress,
		GSTBilling:      session.GSTBilling,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if order.BillingAddress == nil && session.SameAsShipping {
		order.BillingAddress = session.SelectedAddress
	}
	if session.Coupon != nil {
		order.CouponCode = session.Coupon.Code
	}

	switch session.Tab {
	case domain.TabServices:
		if session.AdvancePercentage == nil {
			return Order{}, &CheckoutNotReadyError{Reasons: []ValidationReason{ReasonAdvanceMissing}}
		}
		pct := *session.AdvancePercentage
		amount, err := percentOf(view.Totals.Total, int64(pct), 100)
		if err != nil {
			return Order{}, err
		}
		order.Kind = domain.PaymentKindService
		order.AdvancePercentage = &pct
		order.AmountDue = amount
		order.Services = session.SortedServices()
		order.Schedule = session.Schedule
	default:
		order.Kind = domain.PaymentKindProduct
		order.AmountDue = view.Totals.Total
		order.Items = session.SortedItems()
	}
	if order.AmountDue <= 0 {
		return Order{}, &CheckoutNotReadyError{Reasons: []ValidationReason{ReasonTotalNotPositive}}
	}
	return order, nil
}

func (s *checkoutService) findOrder(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, ErrCheckoutOrderNotFound
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	return order, nil
}

func (s *checkoutService) translateRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case isRepoNotFound(err):
		return ErrCheckoutOrderNotFound
	case isRepoUnavailable(err), isRepoConflict(err):
		return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	default:
		return err
	}
}

func orderDescription(order Order) string {
	switch order.Kind {
	case domain.PaymentKindService:
		return fmt.Sprintf("Service booking advance %s (%d%%)", textutil.FormatINR(order.AmountDue), *order.AdvancePercentage)
	default:
		return fmt.Sprintf("Order %s for %s", order.ID, textutil.FormatINR(order.AmountDue))
	}
}

func orderCustomer(order Order, email string) payments.Customer {
	customer := payments.Customer{ID: order.UserID, Email: strings.TrimSpace(email)}
	for _, addr := range []*domain.Address{order.ShippingAddress, order.BillingAddress} {
		if addr == nil {
			continue
		}
		customer.Name = firstNonEmpty(customer.Name, addr.Name)
		customer.Phone = firstNonEmpty(customer.Phone, addr.Phone)
	}
	return customer
}

func paymentProvider(order Order) string {
	if order.Payment == nil {
		return ""
	}
	return order.Payment.Provider
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
