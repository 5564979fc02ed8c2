package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/idempotency"
	"github.com/buildkart/api/internal/services"
)

type stubCheckoutService struct {
	createFunc  func(ctx context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSessionResult, error)
	confirmFunc func(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error)
	webhookFunc func(ctx context.Context, cmd services.PaymentWebhookCommand) (services.Order, error)
}

func (s *stubCheckoutService) CreatePaymentSession(ctx context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSessionResult, error) {
	if s.createFunc != nil {
		return s.createFunc(ctx, cmd)
	}
	return services.PaymentSessionResult{}, nil
}

func (s *stubCheckoutService) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
	if s.confirmFunc != nil {
		return s.confirmFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

func (s *stubCheckoutService) HandlePaymentWebhook(ctx context.Context, cmd services.PaymentWebhookCommand) (services.Order, error) {
	if s.webhookFunc != nil {
		return s.webhookFunc(ctx, cmd)
	}
	return services.Order{}, nil
}

var _ services.CheckoutService = (*stubCheckoutService)(nil)

func pendingOrder(now time.Time) services.Order {
	return services.Order{
		ID:        "ord_01J",
		UserID:    "user-1",
		SessionID: "sess-1",
		Kind:      domain.PaymentKindProduct,
		Status:    domain.OrderStatusPendingPayment,
		Currency:  "INR",
		Totals:    domain.Totals{Currency: "INR", Subtotal: 100000, GST: 18000, Total: 118000, TotalBeforePCash: 118000},
		AmountDue: 118000,
		Items: []domain.CartItem{
			{ProductID: "cement-53", Name: "OPC 53 Cement", Quantity: 1, Price: 100000},
		},
		TransportMode: domain.TransportBike,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newCheckoutRouter(handler *CheckoutHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/checkout", handler.Routes)
	return router
}

func TestCheckoutHandlersCreatePaymentSession(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var captured services.CreatePaymentSessionCommand
	svc := &stubCheckoutService{
		createFunc: func(_ context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSessionResult, error) {
			captured = cmd
			order := pendingOrder(now)
			session := domain.PaymentSession{
				Provider:    "cashfree",
				SessionID:   "session_abc",
				OrderRef:    order.ID,
				RedirectURL: "https://payments.example/session_abc",
				Amount:      order.AmountDue,
				Currency:    "INR",
				ExpiresAt:   now.Add(30 * time.Minute),
			}
			order.Payment = &session
			return services.PaymentSessionResult{Order: order, Session: session}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/checkout/payment-session", strings.NewReader(`{"provider":"cashfree","returnUrl":"https://shop.example/return"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1", Email: "asha@example.com"}))
	req.Header.Set("Idempotency-Key", "key-1")
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, svc)).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.Email != "asha@example.com" {
		t.Fatalf("unexpected identity forwarded: %+v", captured)
	}
	if captured.PreferredProvider != "cashfree" || captured.ReturnURL != "https://shop.example/return" || captured.IdempotencyKey != "key-1" {
		t.Fatalf("unexpected command: %+v", captured)
	}

	var body paymentSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Session.SessionID != "session_abc" || body.Session.Amount != 118000 {
		t.Fatalf("unexpected session payload: %+v", body.Session)
	}
	if body.Session.ExpiresAt != "2025-03-01T12:30:00Z" {
		t.Fatalf("unexpected expiry %s", body.Session.ExpiresAt)
	}
	if body.Order.ID != "ord_01J" || body.Order.Status != "pending_payment" || body.Order.AmountDue != 118000 {
		t.Fatalf("unexpected order payload: %+v", body.Order)
	}
	if body.Order.Payment == nil || body.Order.Payment.Provider != "cashfree" {
		t.Fatalf("expected payment attached to order, got %+v", body.Order.Payment)
	}
}

func TestCheckoutHandlersCreatePaymentSessionWithoutBody(t *testing.T) {
	called := false
	svc := &stubCheckoutService{
		createFunc: func(_ context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSessionResult, error) {
			called = true
			if cmd.PreferredProvider != "" {
				t.Fatalf("expected default provider, got %q", cmd.PreferredProvider)
			}
			return services.PaymentSessionResult{}, nil
		},
	}
	req := withUser(httptest.NewRequest(http.MethodPost, "/checkout/payment-session", nil), "user-1")
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, svc)).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated || !called {
		t.Fatalf("expected 201 and service call, got %d (called=%v)", rr.Code, called)
	}
}

func TestCheckoutHandlersCreatePaymentSessionUnauthenticated(t *testing.T) {
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, &stubCheckoutService{})).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/checkout/payment-session", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCheckoutHandlersCreatePaymentSessionMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"in flight", services.ErrCheckoutInFlight, http.StatusConflict, "payment_in_flight"},
		{"invalid", fmt.Errorf("%w: unknown provider", services.ErrCheckoutInvalidInput), http.StatusBadRequest, "invalid_request"},
		{"provider down", services.ErrCheckoutPaymentUnavailable, http.StatusBadGateway, "payment_provider_unavailable"},
		{"unavailable", services.ErrCheckoutUnavailable, http.StatusServiceUnavailable, "checkout_unavailable"},
		{"cart conflict", services.ErrCartConflict, http.StatusConflict, "cart_conflict"},
		{"prices changed", services.ErrCheckoutPricesChanged, http.StatusConflict, "cart_prices_changed"},
		{"pcash changed", services.ErrCheckoutPCashChanged, http.StatusConflict, "pcash_balance_changed"},
		{"catalog down", services.ErrCatalogUnavailable, http.StatusServiceUnavailable, "cart_service_unavailable"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "checkout_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				createFunc: func(context.Context, services.CreatePaymentSessionCommand) (services.PaymentSessionResult, error) {
					return services.PaymentSessionResult{}, tc.err
				},
			}
			rr := httptest.NewRecorder()
			newCheckoutRouter(NewCheckoutHandlers(nil, svc)).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/checkout/payment-session", nil), "user-1"))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestCheckoutHandlersCreatePaymentSessionNotReadyListsReasons(t *testing.T) {
	svc := &stubCheckoutService{
		createFunc: func(context.Context, services.CreatePaymentSessionCommand) (services.PaymentSessionResult, error) {
			return services.PaymentSessionResult{}, &services.CheckoutNotReadyError{
				Reasons: []services.ValidationReason{services.ReasonAddressMissing, services.ReasonTotalNotPositive},
			}
		},
	}
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, svc)).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/checkout/payment-session", nil), "user-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body struct {
		Error   string   `json:"error"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "checkout_not_ready" || len(body.Reasons) != 2 || body.Reasons[1] != "total_not_positive" {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestCheckoutHandlersIdempotentPaymentSessionReplays(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	svc := &stubCheckoutService{
		createFunc: func(context.Context, services.CreatePaymentSessionCommand) (services.PaymentSessionResult, error) {
			calls++
			order := pendingOrder(now)
			order.ID = fmt.Sprintf("ord_%d", calls)
			return services.PaymentSessionResult{Order: order, Session: domain.PaymentSession{Provider: "cashfree", SessionID: "s"}}, nil
		},
	}
	mw := idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.WithClock(func() time.Time { return now }))
	router := newCheckoutRouter(NewCheckoutHandlers(nil, svc, WithCheckoutIdempotency(mw, "")))

	send := func(key string) *httptest.ResponseRecorder {
		req := withUser(httptest.NewRequest(http.MethodPost, "/checkout/payment-session", strings.NewReader(`{"provider":"cashfree"}`)), "user-1")
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	first := send("key-1")
	second := send("key-1")
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("expected 201 twice, got %d and %d", first.Code, second.Code)
	}
	if calls != 1 {
		t.Fatalf("expected a single service call, got %d", calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("expected replayed body, got %s vs %s", first.Body.String(), second.Body.String())
	}

	if missing := send(""); missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", missing.Code)
	}
}

func TestCheckoutHandlersConfirm(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubCheckoutService{
		confirmFunc: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
			if cmd.UserID != "user-1" || cmd.OrderID != "ord_01J" {
				t.Fatalf("unexpected command %+v", cmd)
			}
			order := pendingOrder(now)
			order.Status = domain.OrderStatusPaid
			paidAt := now.Add(time.Minute)
			order.PaidAt = &paidAt
			return order, nil
		},
	}
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, svc)).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/checkout/confirm", strings.NewReader(`{"orderId":"ord_01J"}`)), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Order.Status != "paid" || body.Order.PaidAt != "2025-03-01T12:01:00Z" {
		t.Fatalf("unexpected order %+v", body.Order)
	}
}

func TestCheckoutHandlersConfirmValidation(t *testing.T) {
	svc := &stubCheckoutService{
		confirmFunc: func(context.Context, services.ConfirmPaymentCommand) (services.Order, error) {
			t.Fatalf("service should not be called")
			return services.Order{}, nil
		},
	}
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, svc)).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/checkout/confirm", strings.NewReader(`{"orderId":"  "}`)), "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlersConfirmMapsErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrCheckoutOrderNotFound, http.StatusNotFound},
		{services.ErrCheckoutAmountMismatch, http.StatusUnprocessableEntity},
		{services.ErrCheckoutOrderClosed, http.StatusConflict},
	}
	for _, tc := range cases {
		svc := &stubCheckoutService{
			confirmFunc: func(context.Context, services.ConfirmPaymentCommand) (services.Order, error) {
				return services.Order{}, tc.err
			},
		}
		rr := httptest.NewRecorder()
		newCheckoutRouter(NewCheckoutHandlers(nil, svc)).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/checkout/confirm", strings.NewReader(`{"orderId":"ord_1"}`)), "user-1"))
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}
}

func newWebhookRouter(svc services.CheckoutService) chi.Router {
	router := chi.NewRouter()
	router.Route("/webhooks", NewPaymentWebhookHandlers(svc).Routes)
	return router
}

func TestPaymentWebhookHandlersForwardsRawDelivery(t *testing.T) {
	var captured services.PaymentWebhookCommand
	svc := &stubCheckoutService{
		webhookFunc: func(_ context.Context, cmd services.PaymentWebhookCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: "ord_01J", Status: domain.OrderStatusPaid}, nil
		},
	}
	body := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"ord_01J"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/Cashfree", bytes.NewReader(body))
	req.Header.Set("x-webhook-signature", "c2lnbmF0dXJl")
	req.Header.Set("x-webhook-timestamp", "1740823200000")
	rr := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Provider != "cashfree" || !bytes.Equal(captured.Payload, body) {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Headers.Get("x-webhook-signature") != "c2lnbmF0dXJl" || captured.Headers.Get("x-webhook-timestamp") != "1740823200000" {
		t.Fatalf("expected signature headers forwarded, got %v", captured.Headers)
	}
	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "processed" || resp.OrderID != "ord_01J" || resp.OrderStatus != "paid" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestPaymentWebhookHandlersRejectsBadSignature(t *testing.T) {
	svc := &stubCheckoutService{
		webhookFunc: func(context.Context, services.PaymentWebhookCommand) (services.Order, error) {
			return services.Order{}, services.ErrCheckoutWebhookSignature
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "signature_invalid") {
		t.Fatalf("expected signature_invalid, got %s", rr.Body.String())
	}
}

func TestPaymentWebhookHandlersRejectsOversizedBody(t *testing.T) {
	svc := &stubCheckoutService{
		webhookFunc: func(context.Context, services.PaymentWebhookCommand) (services.Order, error) {
			t.Fatalf("service should not be called")
			return services.Order{}, nil
		},
	}
	body := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)
	rr := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewReader(body)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
}

func TestPaymentWebhookHandlersIgnoredEvent(t *testing.T) {
	svc := &stubCheckoutService{
		webhookFunc: func(context.Context, services.PaymentWebhookCommand) (services.Order, error) {
			return services.Order{}, services.ErrCheckoutEventIgnored
		},
	}
	router := newWebhookRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(`{"type":"customer.created"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ignored"`) {
		t.Fatalf("expected ignored status, got %s", rr.Body.String())
	}
}

func TestPaymentWebhookHandlersAmountMismatch(t *testing.T) {
	svc := &stubCheckoutService{
		webhookFunc: func(context.Context, services.PaymentWebhookCommand) (services.Order, error) {
			return services.Order{}, services.ErrCheckoutAmountMismatch
		},
	}
	router := newWebhookRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/cashfree", strings.NewReader(`{}`)))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}
