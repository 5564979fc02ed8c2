package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/platform/pagination"
	"github.com/buildkart/api/internal/services"
)

const maxAdminBodySize = 32 * 1024

// AdminHandlers exposes operator endpoints for the P-Cash ledger, price
// requests, returns and coupons. Every route requires the admin role.
type AdminHandlers struct {
	authn         *auth.Authenticator
	pcash         services.PCashService
	priceRequests services.PriceRequestService
	returns       services.ReturnService
	coupons       services.CouponService
}

// NewAdminHandlers constructs admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, pcash services.PCashService, priceRequests services.PriceRequestService, returns services.ReturnService, coupons services.CouponService) *AdminHandlers {
	return &AdminHandlers{
		authn:         authn,
		pcash:         pcash,
		priceRequests: priceRequests,
		returns:       returns,
		coupons:       coupons,
	}
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Get("/pcash/{userID}", h.getLedger)
	r.Post("/pcash/{userID}/credits", h.creditPCash)
	r.Get("/price-requests", h.listPriceRequests)
	r.Post("/price-requests/{requestID}/resolve", h.resolvePriceRequest)
	r.Get("/returns", h.listReturns)
	r.Post("/returns/{returnID}/approve", h.approveReturn)
	r.Post("/returns/{returnID}/reject", h.rejectReturn)
	r.Put("/coupons/{code}", h.upsertCoupon)
}

// requireAdmin repeats the role check so handlers stay safe when mounted
// without the Firebase middleware.
func requireAdmin(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	if !identity.HasRole(auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "admin role required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

func (h *AdminHandlers) getLedger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pcash == nil {
		writePCashError(ctx, w, services.ErrPCashUnavailable)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	view, err := h.pcash.Ledger(ctx, chi.URLParam(r, "userID"))
	if err != nil {
		writePCashError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPCashLedgerPayload(view))
}

type creditPCashRequest struct {
	Amount    int64   `json:"amount"`
	Reason    string  `json:"reason"`
	Source    string  `json:"source"`
	Note      string  `json:"note"`
	ExpiresAt *string `json:"expiresAt"`
}

func (h *AdminHandlers) creditPCash(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pcash == nil {
		writePCashError(ctx, w, services.ErrPCashUnavailable)
		return
	}
	identity, ok := requireAdmin(w, r)
	if !ok {
		return
	}

	var req creditPCashRequest
	if !decodeBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}
	cmd := services.CreditPCashCommand{
		UserID: chi.URLParam(r, "userID"),
		Amount: req.Amount,
		Reason: domain.CreditReason(strings.TrimSpace(req.Reason)),
		Source: strings.TrimSpace(req.Source),
		Note:   req.Note,
	}
	if cmd.Source == "" {
		cmd.Source = "admin:" + identity.UID
	}
	if req.ExpiresAt != nil {
		expires, err := parseRFC3339(*req.ExpiresAt)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expiresAt must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpiresAt = &expires
	}

	ledger, err := h.pcash.Credit(ctx, cmd)
	if err != nil {
		writePCashError(ctx, w, err)
		return
	}
	credits := make([]pcashCreditPayload, 0, len(ledger.Credits))
	for _, credit := range ledger.Credits {
		credits = append(credits, buildPCashCreditPayload(credit))
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"userId":  ledger.UserID,
		"credits": credits,
	})
}

func (h *AdminHandlers) listPriceRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.priceRequests == nil {
		writePriceRequestUnavailable(ctx, w)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter := services.PriceRequestFilter{
		UserID:     strings.TrimSpace(query.Get("userId")),
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if status := strings.TrimSpace(part); status != "" {
				filter.Status = append(filter.Status, domain.PriceRequestStatus(status))
			}
		}
	}

	page, err := h.priceRequests.ListAll(ctx, filter)
	if err != nil {
		writePriceRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPriceRequestList(page))
}

type resolvePriceRequestRequest struct {
	Status     string `json:"status"`
	FinalPrice *int64 `json:"finalPrice"`
	AdminNote  string `json:"adminNote"`
}

func (h *AdminHandlers) resolvePriceRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.priceRequests == nil {
		writePriceRequestUnavailable(ctx, w)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	var req resolvePriceRequestRequest
	if !decodeBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}
	resolved, err := h.priceRequests.Resolve(ctx, services.ResolvePriceRequestCommand{
		RequestID:  chi.URLParam(r, "requestID"),
		Status:     domain.PriceRequestStatus(strings.TrimSpace(req.Status)),
		FinalPrice: req.FinalPrice,
		AdminNote:  req.AdminNote,
	})
	if err != nil {
		writePriceRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPriceRequestPayload(resolved))
}

func (h *AdminHandlers) listReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		writeReturnUnavailable(ctx, w)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter := services.ReturnFilter{
		UserID:     strings.TrimSpace(query.Get("userId")),
		Pagination: services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken},
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if status := strings.TrimSpace(part); status != "" {
				filter.Status = append(filter.Status, domain.ReturnStatus(status))
			}
		}
	}

	page, err := h.returns.ListAll(ctx, filter)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildReturnList(page))
}

type resolveReturnRequest struct {
	Amount    *int64 `json:"amount"`
	AdminNote string `json:"adminNote"`
}

// approveReturn refunds the return to P-Cash. The amount defaults to what
// the user requested.
func (h *AdminHandlers) approveReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		writeReturnUnavailable(ctx, w)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	var req resolveReturnRequest
	if !decodeBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}
	approved, err := h.returns.Approve(ctx, services.ApproveReturnCommand{
		ReturnID:  chi.URLParam(r, "returnID"),
		Amount:    req.Amount,
		AdminNote: req.AdminNote,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildReturnPayload(approved))
}

func (h *AdminHandlers) rejectReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		writeReturnUnavailable(ctx, w)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	var req resolveReturnRequest
	if !decodeBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}
	rejected, err := h.returns.Reject(ctx, services.RejectReturnCommand{
		ReturnID:  chi.URLParam(r, "returnID"),
		AdminNote: req.AdminNote,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildReturnPayload(rejected))
}

type upsertCouponRequest struct {
	Discount      int64    `json:"discount"`
	Type          string   `json:"type"`
	MinOrder      *int64   `json:"minOrder"`
	ValidUntil    *string  `json:"validUntil"`
	Active        bool     `json:"active"`
	AssignedUsers []string `json:"assignedUsers"`
	Description   string   `json:"description"`
}

func (h *AdminHandlers) upsertCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		writeCouponError(ctx, w, services.ErrCouponUnavailable)
		return
	}
	if _, ok := requireAdmin(w, r); !ok {
		return
	}

	var req upsertCouponRequest
	if !decodeBody(ctx, w, r, maxAdminBodySize, &req) {
		return
	}
	coupon := services.Coupon{
		Code:          chi.URLParam(r, "code"),
		Discount:      req.Discount,
		Type:          domain.CouponType(strings.TrimSpace(req.Type)),
		MinOrder:      req.MinOrder,
		Active:        req.Active,
		AssignedUsers: req.AssignedUsers,
		Description:   req.Description,
	}
	if req.ValidUntil != nil {
		until, err := parseRFC3339(*req.ValidUntil)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "validUntil must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		coupon.ValidUntil = &until
	}

	saved, err := h.coupons.UpsertCoupon(ctx, coupon)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}
	payload := buildCouponPayload(saved)
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"coupon":        payload,
		"active":        saved.Active,
		"assignedUsers": saved.AssignedUsers,
	})
}
