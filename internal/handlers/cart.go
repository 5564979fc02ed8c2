package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/services"
)

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

const maxCartBodySize = 16 * 1024

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/commands", h.applyCommand)
	r.Put("/coupon", h.applyCoupon)
	r.Delete("/coupon", h.removeCoupon)
	r.Put("/address", h.selectAddress)
	r.Put("/billing-address", h.selectBillingAddress)
	r.Post("/step", h.changeStep)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	view, err := h.carts.GetCart(ctx, uid)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCartView(w, http.StatusOK, view)
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	view, err := h.carts.ClearCart(ctx, uid)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCartView(w, http.StatusOK, view)
}

func (h *CartHandlers) applyCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req cartCommandRequest
	if !decodeBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}
	command, err := req.toCommand()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_command", err.Error(), http.StatusBadRequest))
		return
	}
	expected, ok := expectedUpdatedAt(ctx, w, r, req.UpdatedAt)
	if !ok {
		return
	}

	view, err := h.carts.Mutate(ctx, services.MutateCartCommand{
		UserID:            uid,
		Command:           command,
		ExpectedUpdatedAt: expected,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCartView(w, http.StatusOK, view)
}

type couponRequest struct {
	Code      string  `json:"code"`
	UpdatedAt *string `json:"updatedAt"`
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req couponRequest
	if !decodeBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}
	expected, ok := expectedUpdatedAt(ctx, w, r, req.UpdatedAt)
	if !ok {
		return
	}

	view, err := h.carts.ApplyCouponCode(ctx, services.ApplyCouponCodeCommand{
		UserID:            uid,
		Code:              req.Code,
		ExpectedUpdatedAt: expected,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCartView(w, http.StatusOK, view)
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	view, err := h.carts.Mutate(ctx, services.MutateCartCommand{UserID: uid, Command: services.RemoveCoupon{}})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCartView(w, http.StatusOK, view)
}

type selectAddressRequest struct {
	AddressID string  `json:"addressId"`
	UpdatedAt *string `json:"updatedAt"`
}

func (h *CartHandlers) selectAddress(w http.ResponseWriter, r *http.Request) {
	h.handleAddressSelection(w, r, false)
}

func (h *CartHandlers) selectBillingAddress(w http.ResponseWriter, r *http.Request) {
	h.handleAddressSelection(w, r, true)
}

func (h *CartHandlers) handleAddressSelection(w http.ResponseWriter, r *http.Request, billing bool) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req selectAddressRequest
	if !decodeBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}
	expected, ok := expectedUpdatedAt(ctx, w, r, req.UpdatedAt)
	if !ok {
		return
	}

	view, err := h.carts.SelectAddress(ctx, services.SelectAddressCommand{
		UserID:            uid,
		AddressID:         req.AddressID,
		Billing:           billing,
		ExpectedUpdatedAt: expected,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeCartView(w, http.StatusOK, view)
}

type changeStepRequest struct {
	Step string `json:"step"`
}

type stepResponse struct {
	Allowed bool        `json:"allowed"`
	Reasons []string    `json:"reasons"`
	Cart    cartPayload `json:"cart"`
}

func (h *CartHandlers) changeStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		writeCartUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req changeStepRequest
	if !decodeBody(ctx, w, r, maxCartBodySize, &req) {
		return
	}

	result, err := h.carts.ChangeStep(ctx, services.ChangeStepCommand{
		UserID: uid,
		Target: domain.CheckoutStep(strings.ToLower(strings.TrimSpace(req.Step))),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, result.Cart.Session)
	writeJSONResponse(w, http.StatusOK, stepResponse{
		Allowed: result.Validation.Allowed,
		Reasons: reasonStrings(result.Validation.Reasons),
		Cart:    buildCartPayload(result.Cart),
	})
}

// expectedUpdatedAt resolves the optimistic concurrency token from the body
// or, failing that, the If-Unmodified-Since header.
func expectedUpdatedAt(ctx context.Context, w http.ResponseWriter, r *http.Request, body *string) (*time.Time, bool) {
	if body != nil {
		parsed, err := parseRFC3339(*body)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "updatedAt must be an RFC3339 timestamp", http.StatusBadRequest))
			return nil, false
		}
		return &parsed, true
	}
	if header := strings.TrimSpace(r.Header.Get("If-Unmodified-Since")); header != "" {
		parsed, err := time.Parse(http.TimeFormat, header)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "If-Unmodified-Since must be a valid HTTP-date", http.StatusBadRequest))
			return nil, false
		}
		return &parsed, true
	}
	return nil, true
}

func writeCartView(w http.ResponseWriter, status int, view services.CartView) {
	setCartResponseHeaders(w, view.Session)
	writeJSONResponse(w, status, cartResponse{Cart: buildCartPayload(view)})
}

func setCartResponseHeaders(w http.ResponseWriter, session services.CheckoutSession) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	if !session.LastUpdated.IsZero() {
		w.Header().Set("Last-Modified", session.LastUpdated.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(session); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(session services.CheckoutSession) string {
	if strings.TrimSpace(session.SessionID) == "" || session.LastUpdated.IsZero() {
		return ""
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", session.SessionID, session.LastUpdated.UTC().UnixNano())))
	return `W/"` + hex.EncodeToString(sum[:8]) + `"`
}

func writeCartUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var minErr *services.CouponMinOrderError
	switch {
	case errors.As(err, &minErr),
		errors.Is(err, services.ErrCouponNotFound),
		errors.Is(err, services.ErrCouponNotAssigned),
		errors.Is(err, services.ErrCouponExpired),
		errors.Is(err, services.ErrCouponInactive),
		errors.Is(err, services.ErrCouponInvalidInput),
		errors.Is(err, services.ErrCouponUnavailable):
		writeCouponError(ctx, w, err)
	case errors.Is(err, services.ErrCartInvalidInput), errors.Is(err, services.ErrTotalsInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_item_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogQuoteRequired):
		httpx.WriteError(ctx, w, httpx.NewError("quote_required", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCartAddressNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("address_not_found", "address not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrTotalsOverflow):
		httpx.WriteError(ctx, w, httpx.NewError("cart_total_overflow", "cart total is too large", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCartUnavailable), errors.Is(err, services.ErrAddressUnavailable), errors.Is(err, services.ErrCatalogUnavailable):
		writeCartUnavailable(ctx, w)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to process cart", http.StatusInternalServerError))
	}
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	SessionID         string                `json:"sessionId"`
	UserID            string                `json:"userId"`
	Tab               string                `json:"tab"`
	Step              string                `json:"step"`
	TransportMode     string                `json:"transportMode"`
	Items             []cartItemPayload     `json:"items"`
	Services          []cartServicePayload  `json:"services"`
	Coupon            *couponPayload        `json:"coupon,omitempty"`
	SelectedAddress   *addressPayload       `json:"selectedAddress,omitempty"`
	BillingAddress    *addressPayload       `json:"billingAddress,omitempty"`
	SameAsShipping    bool                  `json:"sameAsShipping"`
	GSTBilling        *gstBillingPayload    `json:"gstBilling,omitempty"`
	TransportCharges  map[string]int64      `json:"transportCharges"`
	Schedule          scheduleRequest       `json:"schedule"`
	AdvancePercentage *int                  `json:"advancePercentage,omitempty"`
	PCashToggle       int64                 `json:"pcashToggle"`
	Totals            totalsPayload         `json:"totals"`
	Steps             stepValidationPayload `json:"steps"`
	PCash             pcashBalancePayload   `json:"pcash"`
	LastUpdated       string                `json:"lastUpdated,omitempty"`
	CreatedAt         string                `json:"createdAt,omitempty"`
}

type cartItemPayload struct {
	ProductID       string `json:"productId"`
	VariantIndex    int    `json:"variantIndex"`
	Name            string `json:"name"`
	VariantName     string `json:"variantName,omitempty"`
	ImageURL        string `json:"imageUrl,omitempty"`
	Quantity        int    `json:"quantity"`
	Price           int64  `json:"price"`
	DiscountedPrice *int64 `json:"discountedPrice,omitempty"`
	IncludeLabor    bool   `json:"includeLabor"`
	LaborFloors     int    `json:"laborFloors"`
	LaborPerFloor   int64  `json:"laborPerFloor"`
	Applicability   int    `json:"applicability"`
	AddedAt         string `json:"addedAt,omitempty"`
}

type cartServicePayload struct {
	Name           string `json:"name"`
	ServiceID      string `json:"serviceId,omitempty"`
	VariantIndex   int    `json:"variantIndex"`
	PriceRequestID string `json:"priceRequestId,omitempty"`
	Price          int64  `json:"price"`
	Quantity       *int   `json:"quantity,omitempty"`
	Duration       string `json:"duration,omitempty"`
	AddedAt        string `json:"addedAt,omitempty"`
}

type gstBillingPayload struct {
	GSTIN        string `json:"gstin"`
	BusinessName string `json:"businessName"`
	Address      string `json:"address"`
	Verified     bool   `json:"verified"`
}

type totalsPayload struct {
	Currency           string `json:"currency"`
	Subtotal           int64  `json:"subtotal"`
	LaborCharges       int64  `json:"laborCharges"`
	TransportCharge    int64  `json:"transportCharge"`
	GST                int64  `json:"gst"`
	Discount           int64  `json:"discount"`
	PCashAppliedAmount int64  `json:"pcashAppliedAmount"`
	TotalBeforePCash   int64  `json:"totalBeforePcash"`
	Total              int64  `json:"total"`
	TotalDisplay       string `json:"totalDisplay"`
}

type validationPayload struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

type stepValidationPayload struct {
	EnterCheckout     validationPayload `json:"enterCheckout"`
	ContinueToPayment validationPayload `json:"continueToPayment"`
	Pay               validationPayload `json:"pay"`
}

type pcashBalancePayload struct {
	CurrentBalance int64 `json:"currentBalance"`
	MaxApplicable  int64 `json:"maxApplicable"`
}

func buildCartPayload(view services.CartView) cartPayload {
	session := view.Session
	payload := cartPayload{
		SessionID:         session.SessionID,
		UserID:            session.UserID,
		Tab:               string(session.Tab),
		Step:              string(session.Step),
		TransportMode:     string(session.TransportMode),
		Items:             make([]cartItemPayload, 0, len(session.Items)),
		Services:          make([]cartServicePayload, 0, len(session.Services)),
		SameAsShipping:    session.SameAsShipping,
		TransportCharges:  make(map[string]int64, len(session.TransportCharges)),
		Schedule:          scheduleRequest{Date: session.Schedule.Date, Time: session.Schedule.Time},
		AdvancePercentage: session.AdvancePercentage,
		PCashToggle:       session.PCashToggle,
		Totals:            buildTotalsPayload(view.Totals),
		Steps: stepValidationPayload{
			EnterCheckout:     buildValidationPayload(view.Steps.EnterCheckout),
			ContinueToPayment: buildValidationPayload(view.Steps.ContinueToPayment),
			Pay:               buildValidationPayload(view.Steps.Pay),
		},
		PCash: pcashBalancePayload{
			CurrentBalance: view.PCash.CurrentBalance,
			MaxApplicable:  view.PCash.MaxApplicable,
		},
		LastUpdated: formatTime(session.LastUpdated),
		CreatedAt:   formatTime(session.CreatedAt),
	}

	for _, item := range session.SortedItems() {
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
			AddedAt:         formatTime(item.AddedAt),
		})
	}
	for _, svc := range session.SortedServices() {
		payload.Services = append(payload.Services, cartServicePayload{
			Name:           svc.Name,
			ServiceID:      svc.ServiceID,
			VariantIndex:   svc.VariantIndex,
			PriceRequestID: svc.PriceRequestID,
			Price:          svc.Price,
			Quantity:       svc.Quantity,
			Duration:       svc.Duration,
			AddedAt:        formatTime(svc.AddedAt),
		})
	}
	for mode, charge := range session.TransportCharges {
		payload.TransportCharges[string(mode)] = charge
	}
	if session.Coupon != nil {
		coupon := buildCouponPayload(*session.Coupon)
		payload.Coupon = &coupon
	}
	if session.SelectedAddress != nil {
		addr := buildAddressPayload(*session.SelectedAddress)
		payload.SelectedAddress = &addr
	}
	if session.BillingAddress != nil {
		addr := buildAddressPayload(*session.BillingAddress)
		payload.BillingAddress = &addr
	}
	if session.GSTBilling != nil {
		payload.GSTBilling = &gstBillingPayload{
			GSTIN:        session.GSTBilling.GSTIN,
			BusinessName: session.GSTBilling.BusinessName,
			Address:      session.GSTBilling.Address,
			Verified:     session.GSTBilling.Verified,
		}
	}
	return payload
}

func buildTotalsPayload(totals services.Totals) totalsPayload {
	currency := totals.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	return totalsPayload{
		Currency:           currency,
		Subtotal:           totals.Subtotal,
		LaborCharges:       totals.LaborCharges,
		TransportCharge:    totals.TransportCharge,
		GST:                totals.GST,
		Discount:           totals.Discount,
		PCashAppliedAmount: totals.PCashAppliedAmount,
		TotalBeforePCash:   totals.TotalBeforePCash,
		Total:              totals.Total,
		TotalDisplay:       textutil.FormatINR(totals.Total),
	}
}

func buildValidationPayload(v services.Validation) validationPayload {
	return validationPayload{Allowed: v.Allowed, Reasons: reasonStrings(v.Reasons)}
}

func reasonStrings(reasons []services.ValidationReason) []string {
	out := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		out = append(out, string(reason))
	}
	return out
}
