package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/services"
)

const maxProfileBodySize = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// MeHandlers exposes authenticated endpoints scoped to the current user:
// the address book, assigned coupons and the P-Cash wallet.
type MeHandlers struct {
	authn     *auth.Authenticator
	addresses services.AddressService
	coupons   services.CouponService
	pcash     services.PCashService
}

// NewMeHandlers constructs handlers enforcing Firebase authentication before invoking the user scoped services.
func NewMeHandlers(authn *auth.Authenticator, addresses services.AddressService, coupons services.CouponService, pcash services.PCashService) *MeHandlers {
	return &MeHandlers{
		authn:     authn,
		addresses: addresses,
		coupons:   coupons,
		pcash:     pcash,
	}
}

// Routes wires the /me endpoints onto the provided router.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Route("/addresses", h.addressRoutes)
	r.Get("/coupons", h.listCoupons)
	r.Get("/pcash", h.getPCash)
	r.Get("/pcash/ledger", h.getPCashLedger)
}

func (h *MeHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	coupons, err := h.coupons.ListUserCoupons(ctx, uid)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	payload := make([]couponPayload, 0, len(coupons))
	for _, coupon := range coupons {
		payload = append(payload, buildCouponPayload(coupon))
	}
	writeJSONResponse(w, http.StatusOK, couponListResponse{Coupons: payload})
}

func (h *MeHandlers) getPCash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pcash == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pcash_service_unavailable", "pcash service is unavailable", http.StatusServiceUnavailable))
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var orderTotal int64
	if raw := strings.TrimSpace(r.URL.Query().Get("orderTotal")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderTotal must be a non-negative integer", http.StatusBadRequest))
			return
		}
		orderTotal = parsed
	}

	summary, err := h.pcash.Summary(ctx, uid, orderTotal)
	if err != nil {
		writePCashError(ctx, w, err)
		return
	}

	expiring := make([]pcashCreditPayload, 0, len(summary.ExpiringSoon))
	for _, credit := range summary.ExpiringSoon {
		expiring = append(expiring, buildPCashCreditPayload(credit))
	}
	writeJSONResponse(w, http.StatusOK, pcashSummaryPayload{
		CurrentBalance:   summary.CurrentBalance,
		SpendableBalance: summary.SpendableBalance,
		BalanceDisplay:   textutil.FormatINR(summary.CurrentBalance),
		MaxApplicable:    summary.MaxApplicable,
		ExpiringSoon:     expiring,
	})
}

func (h *MeHandlers) getPCashLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pcash == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pcash_service_unavailable", "pcash service is unavailable", http.StatusServiceUnavailable))
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	view, err := h.pcash.Ledger(ctx, uid)
	if err != nil {
		writePCashError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPCashLedgerPayload(view))
}

type couponListResponse struct {
	Coupons []couponPayload `json:"coupons"`
}

type couponPayload struct {
	Code        string `json:"code"`
	Discount    int64  `json:"discount"`
	Type        string `json:"type"`
	MinOrder    *int64 `json:"minOrder,omitempty"`
	ValidUntil  string `json:"validUntil,omitempty"`
	Description string `json:"description,omitempty"`
}

func buildCouponPayload(coupon services.Coupon) couponPayload {
	return couponPayload{
		Code:        coupon.Code,
		Discount:    coupon.Discount,
		Type:        string(coupon.Type),
		MinOrder:    coupon.MinOrder,
		ValidUntil:  formatTime(pointerTime(coupon.ValidUntil)),
		Description: coupon.Description,
	}
}

type pcashSummaryPayload struct {
	CurrentBalance   int64                `json:"currentBalance"`
	SpendableBalance int64                `json:"spendableBalance"`
	BalanceDisplay   string               `json:"balanceDisplay"`
	MaxApplicable    int64                `json:"maxApplicable"`
	ExpiringSoon     []pcashCreditPayload `json:"expiringSoon"`
}

type pcashCreditPayload struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Source    string `json:"source,omitempty"`
	Note      string `json:"note,omitempty"`
	Status    string `json:"status"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type pcashConsumptionPayload struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	OrderID   string `json:"orderId,omitempty"`
	ProductID string `json:"productId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type pcashLedgerPayload struct {
	UserID           string                    `json:"userId"`
	CurrentBalance   int64                     `json:"currentBalance"`
	SpendableBalance int64                     `json:"spendableBalance"`
	Credited         int64                     `json:"credited"`
	Consumed         int64                     `json:"consumed"`
	Credits          []pcashCreditPayload      `json:"credits"`
	Consumptions     []pcashConsumptionPayload `json:"consumptions"`
	UpdatedAt        string                    `json:"updatedAt,omitempty"`
}

func buildPCashCreditPayload(credit domain.PCashCredit) pcashCreditPayload {
	return pcashCreditPayload{
		ID:        credit.ID,
		Amount:    credit.Amount,
		Reason:    string(credit.Reason),
		Source:    credit.Source,
		Note:      credit.Note,
		Status:    string(credit.Status),
		ExpiresAt: formatTime(pointerTime(credit.ExpiresAt)),
		CreatedAt: formatTime(credit.CreatedAt),
	}
}

func buildPCashLedgerPayload(view services.PCashLedgerView) pcashLedgerPayload {
	payload := pcashLedgerPayload{
		UserID:           view.Ledger.UserID,
		CurrentBalance:   view.CurrentBalance,
		SpendableBalance: view.SpendableBalance,
		Credited:         view.Credited,
		Consumed:         view.Consumed,
		Credits:          make([]pcashCreditPayload, 0, len(view.Ledger.Credits)),
		Consumptions:     make([]pcashConsumptionPayload, 0, len(view.Ledger.Consumptions)),
		UpdatedAt:        formatTime(view.Ledger.UpdatedAt),
	}
	for _, credit := range view.Ledger.Credits {
		payload.Credits = append(payload.Credits, buildPCashCreditPayload(credit))
	}
	for _, consumption := range view.Ledger.Consumptions {
		payload.Consumptions = append(payload.Consumptions, pcashConsumptionPayload{
			ID:        consumption.ID,
			Amount:    consumption.Amount,
			OrderID:   consumption.OrderID,
			ProductID: consumption.ProductID,
			CreatedAt: formatTime(consumption.CreatedAt),
		})
	}
	return payload
}

// requireUser extracts the authenticated uid or writes a 401.
func requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return strings.TrimSpace(identity.UID), true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxProfileBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeBody reads a bounded body into dst, writing the error response itself.
func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_request"
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
			code = "payload_too_large"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), status))
		return false
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body: "+err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

func parseRFC3339(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	var minErr *services.CouponMinOrderError
	switch {
	case errors.As(err, &minErr):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_min_order_not_met", "order subtotal is below the coupon minimum", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"minOrder": minErr.MinOrder, "subtotal": minErr.Subtotal}))
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_coupon", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponNotAssigned):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_assigned", "coupon is not available for this user", http.StatusForbidden))
	case errors.Is(err, services.ErrCouponExpired):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_expired", "coupon has expired", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponInactive):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_inactive", "coupon is not active", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "failed to process coupon", http.StatusInternalServerError))
	}
}

func writePCashError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPCashInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPCashInsufficientBalance):
		httpx.WriteError(ctx, w, httpx.NewError("pcash_insufficient_balance", "insufficient pcash balance", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPCashUnavailable), errors.Is(err, services.ErrPCashPublisherMissing):
		httpx.WriteError(ctx, w, httpx.NewError("pcash_service_unavailable", "pcash service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("pcash_error", "failed to process pcash request", http.StatusInternalServerError))
	}
}
