package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/services"
)

const maxCouponBodySize = 2 * 1024

// CouponHandlers lets a signed-in user preview a coupon against a subtotal
// without touching the cart.
type CouponHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
}

// NewCouponHandlers constructs the coupon preview handlers.
func NewCouponHandlers(authn *auth.Authenticator, coupons services.CouponService) *CouponHandlers {
	return &CouponHandlers{authn: authn, coupons: coupons}
}

// Routes wires the /coupons endpoints onto the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/validate", h.validate)
}

type validateCouponRequest struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

type validateCouponResponse struct {
	couponPayload
	DiscountAmount int64 `json:"discountAmount"`
}

func (h *CouponHandlers) validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req validateCouponRequest
	if !decodeBody(ctx, w, r, maxCouponBodySize, &req) {
		return
	}
	if req.Subtotal < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "subtotal must be non-negative", http.StatusBadRequest))
		return
	}

	validation, err := h.coupons.ValidateCoupon(ctx, services.ValidateCouponCommand{
		UserID:   uid,
		Code:     req.Code,
		Subtotal: req.Subtotal,
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, validateCouponResponse{
		couponPayload:  buildCouponPayload(validation.Coupon),
		DiscountAmount: validation.Discount,
	})
}
