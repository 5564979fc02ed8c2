package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes endpoints that start and confirm payment for the current cart.
type CheckoutHandlers struct {
	authn          *auth.Authenticator
	checkout       services.CheckoutService
	idempotency    func(http.Handler) http.Handler
	idempotencyHdr string
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency guards payment session creation with the given
// middleware; header is the request header carrying the client key.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler, header string) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
		if strings.TrimSpace(header) != "" {
			h.idempotencyHdr = header
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers backed by the checkout service.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:          authn,
		checkout:       checkout,
		idempotencyHdr: "Idempotency-Key",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints against the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/payment-session", h.createPaymentSession)
	} else {
		r.Post("/payment-session", h.createPaymentSession)
	}
	r.Post("/confirm", h.confirm)
}

type paymentSessionRequest struct {
	Provider  string `json:"provider"`
	ReturnURL string `json:"returnUrl"`
}

type paymentSessionResponse struct {
	Order   orderPayload          `json:"order"`
	Session paymentSessionPayload `json:"session"`
}

type confirmRequest struct {
	OrderID string `json:"orderId"`
}

func (h *CheckoutHandlers) createPaymentSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeCheckoutUnavailable(ctx, w)
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req paymentSessionRequest
	if r.ContentLength != 0 {
		if !decodeBody(ctx, w, r, maxCheckoutRequestBody, &req) {
			return
		}
	}

	result, err := h.checkout.CreatePaymentSession(ctx, services.CreatePaymentSessionCommand{
		UserID:            identity.UID,
		Email:             identity.Email,
		PreferredProvider: req.Provider,
		ReturnURL:         req.ReturnURL,
		IdempotencyKey:    strings.TrimSpace(r.Header.Get(h.idempotencyHdr)),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, paymentSessionResponse{
		Order:   buildOrderPayload(result.Order),
		Session: buildPaymentSessionPayload(result.Session),
	})
}

func (h *CheckoutHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeCheckoutUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req confirmRequest
	if !decodeBody(ctx, w, r, maxCheckoutRequestBody, &req) {
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	order, err := h.checkout.ConfirmPayment(ctx, services.ConfirmPaymentCommand{UserID: uid, OrderID: req.OrderID})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func writeCheckoutUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var notReady *services.CheckoutNotReadyError
	switch {
	case errors.As(err, &notReady):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_ready", "cart is not ready for payment", http.StatusConflict).
			WithDetails(map[string]any{"reasons": reasonStrings(notReady.Reasons)}))
	case errors.Is(err, services.ErrCheckoutNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_ready", "cart is not ready for payment", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("payment_in_flight", "a payment is already being created for this cart", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("payment_amount_mismatch", "paid amount does not match the order", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutOrderClosed):
		httpx.WriteError(ctx, w, httpx.NewError("order_closed", "order can no longer be paid", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_unavailable", "payment provider is unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrCheckoutPricesChanged):
		httpx.WriteError(ctx, w, httpx.NewError("cart_prices_changed", "cart prices changed; review the cart and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPCashChanged):
		httpx.WriteError(ctx, w, httpx.NewError("pcash_balance_changed", "P-Cash balance changed; review the cart and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutWebhookSignature):
		httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "webhook signature could not be verified", http.StatusUnauthorized))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		writeCheckoutUnavailable(ctx, w)
	case errors.Is(err, services.ErrCartUnavailable), errors.Is(err, services.ErrCartConflict), errors.Is(err, services.ErrCartInvalidInput),
		errors.Is(err, services.ErrCatalogUnavailable):
		writeCartError(ctx, w, err)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout", http.StatusInternalServerError))
	}
}
