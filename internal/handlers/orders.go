package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/platform/pagination"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/services"
)

// OrderHandlers exposes the current user's placed orders.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs order handlers requiring Firebase authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeOrderUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.Parse(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, uid, services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	payload := orderListResponse{
		Items:         make([]orderSummaryPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, order := range page.Items {
		payload.Items = append(payload.Items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeOrderUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, uid, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Total         int64  `json:"total"`
	AmountDue     int64  `json:"amountDue"`
	AmountDisplay string `json:"amountDisplay"`
	CreatedAt     string `json:"createdAt,omitempty"`
	PaidAt        string `json:"paidAt,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string                 `json:"id"`
	SessionID         string                 `json:"sessionId"`
	Kind              string                 `json:"kind"`
	Status            string                 `json:"status"`
	Currency          string                 `json:"currency"`
	Totals            totalsPayload          `json:"totals"`
	AmountDue         int64                  `json:"amountDue"`
	AdvancePercentage *int                   `json:"advancePercentage,omitempty"`
	Items             []cartItemPayload      `json:"items"`
	Services          []cartServicePayload   `json:"services"`
	TransportMode     string                 `json:"transportMode,omitempty"`
	CouponCode        string                 `json:"couponCode,omitempty"`
	ShippingAddress   *addressPayload        `json:"shippingAddress,omitempty"`
	BillingAddress    *addressPayload        `json:"billingAddress,omitempty"`
	GSTBilling        *gstBillingPayload     `json:"gstBilling,omitempty"`
	Schedule          *scheduleRequest       `json:"schedule,omitempty"`
	Payment           *paymentSessionPayload `json:"payment,omitempty"`
	CreatedAt         string                 `json:"createdAt,omitempty"`
	UpdatedAt         string                 `json:"updatedAt,omitempty"`
	PaidAt            string                 `json:"paidAt,omitempty"`
}

type paymentSessionPayload struct {
	Provider    string `json:"provider"`
	SessionID   string `json:"sessionId"`
	OrderRef    string `json:"orderRef,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:            order.ID,
		Kind:          string(order.Kind),
		Status:        string(order.Status),
		Total:         order.Totals.Total,
		AmountDue:     order.AmountDue,
		AmountDisplay: textutil.FormatINR(order.AmountDue),
		CreatedAt:     formatTime(order.CreatedAt),
		PaidAt:        formatTime(pointerTime(order.PaidAt)),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		SessionID:         order.SessionID,
		Kind:              string(order.Kind),
		Status:            string(order.Status),
		Currency:          order.Currency,
		Totals:            buildTotalsPayload(order.Totals),
		AmountDue:         order.AmountDue,
		AdvancePercentage: order.AdvancePercentage,
		Items:             make([]cartItemPayload, 0, len(order.Items)),
		Services:          make([]cartServicePayload, 0, len(order.Services)),
		TransportMode:     string(order.TransportMode),
		CouponCode:        order.CouponCode,
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
		PaidAt:            formatTime(pointerTime(order.PaidAt)),
	}
	for _, item := range order.Items {
		payload.Items = append(payload.Items, cartItemPayload{
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
		})
	}
	for _, svc := range order.Services {
		payload.Services = append(payload.Services, cartServicePayload{
			Name:     svc.Name,
			Price:    svc.Price,
			Quantity: svc.Quantity,
			Duration: svc.Duration,
		})
	}
	if order.ShippingAddress != nil {
		addr := buildAddressPayload(*order.ShippingAddress)
		payload.ShippingAddress = &addr
	}
	if order.BillingAddress != nil {
		addr := buildAddressPayload(*order.BillingAddress)
		payload.BillingAddress = &addr
	}
	if order.GSTBilling != nil {
		payload.GSTBilling = &gstBillingPayload{
			GSTIN:        order.GSTBilling.GSTIN,
			BusinessName: order.GSTBilling.BusinessName,
			Address:      order.GSTBilling.Address,
			Verified:     order.GSTBilling.Verified,
		}
	}
	if order.Schedule.Date != "" || order.Schedule.Time != "" {
		payload.Schedule = &scheduleRequest{Date: order.Schedule.Date, Time: order.Schedule.Time}
	}
	if order.Payment != nil {
		session := buildPaymentSessionPayload(*order.Payment)
		payload.Payment = &session
	}
	return payload
}

func buildPaymentSessionPayload(session domain.PaymentSession) paymentSessionPayload {
	return paymentSessionPayload{
		Provider:    session.Provider,
		SessionID:   session.SessionID,
		OrderRef:    session.OrderRef,
		RedirectURL: session.RedirectURL,
		Amount:      session.Amount,
		Currency:    session.Currency,
		ExpiresAt:   formatTime(session.ExpiresAt),
	}
}

func writeOrderUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderUnavailable):
		writeOrderUnavailable(ctx, w)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to load orders", http.StatusInternalServerError))
	}
}
