package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// PaymentWebhookHandlers receives provider payment callbacks. The raw body
// and headers go to the provider adapter, which checks its own signature.
type PaymentWebhookHandlers struct {
	checkout services.CheckoutService
}

// NewPaymentWebhookHandlers constructs webhook handlers.
func NewPaymentWebhookHandlers(checkout services.CheckoutService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{checkout: checkout}
}

// Routes registers /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handlePayment)
}

type webhookResponse struct {
	Status      string `json:"status"`
	OrderID     string `json:"orderId,omitempty"`
	OrderStatus string `json:"orderStatus,omitempty"`
}

func (h *PaymentWebhookHandlers) handlePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeCheckoutUnavailable(ctx, w)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if provider == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "provider is required", http.StatusBadRequest))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	order, err := h.checkout.HandlePaymentWebhook(ctx, services.PaymentWebhookCommand{
		Provider: provider,
		Payload:  payload,
		Headers:  r.Header.Clone(),
	})
	if err != nil {
		if errors.Is(err, services.ErrCheckoutEventIgnored) {
			writeJSONResponse(w, http.StatusOK, webhookResponse{Status: "ignored"})
			return
		}
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, webhookResponse{
		Status:      "processed",
		OrderID:     order.ID,
		OrderStatus: string(order.Status),
	})
}
