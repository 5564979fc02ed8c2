package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/platform/pagination"
	"github.com/buildkart/api/internal/services"
)

const maxReturnBodySize = 16 * 1024

// ReturnHandlers lets signed-in users raise and track returns on paid orders.
type ReturnHandlers struct {
	authn   *auth.Authenticator
	returns services.ReturnService
}

func NewReturnHandlers(authn *auth.Authenticator, returns services.ReturnService) *ReturnHandlers {
	return &ReturnHandlers{authn: authn, returns: returns}
}

// Routes registers the /returns endpoints.
func (h *ReturnHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listMine)
	r.Post("/", h.create)
	r.Get("/{returnID}", h.get)
}

type createReturnRequest struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
	Amount  int64  `json:"amount"`
}

func (h *ReturnHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		writeReturnUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req createReturnRequest
	if !decodeBody(ctx, w, r, maxReturnBodySize, &req) {
		return
	}
	created, err := h.returns.Create(ctx, services.CreateReturnCommand{
		UserID:  uid,
		OrderID: req.OrderID,
		Reason:  req.Reason,
		Amount:  req.Amount,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+created.ID)
	writeJSONResponse(w, http.StatusCreated, buildReturnPayload(created))
}

func (h *ReturnHandlers) listMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		writeReturnUnavailable(ctx, w)
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
	page, err := h.returns.ListMine(ctx, uid, services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildReturnList(page))
}

func (h *ReturnHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		writeReturnUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	ret, err := h.returns.Get(ctx, uid, chi.URLParam(r, "returnID"))
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildReturnPayload(ret))
}

type returnListResponse struct {
	Items         []returnPayload `json:"items"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

type returnPayload struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	OrderID         string `json:"orderId"`
	Reason          string `json:"reason"`
	RequestedAmount int64  `json:"requestedAmount"`
	RefundAmount    *int64 `json:"refundAmount,omitempty"`
	Status          string `json:"status"`
	AdminNote       string `json:"adminNote,omitempty"`
	CreditID        string `json:"creditId,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
	ResolvedAt      string `json:"resolvedAt,omitempty"`
}

func buildReturnPayload(ret services.ReturnRequest) returnPayload {
	return returnPayload{
		ID:              ret.ID,
		UserID:          ret.UserID,
		OrderID:         ret.OrderID,
		Reason:          ret.Reason,
		RequestedAmount: ret.RequestedAmount,
		RefundAmount:    ret.RefundAmount,
		Status:          string(ret.Status),
		AdminNote:       ret.AdminNote,
		CreditID:        ret.CreditID,
		CreatedAt:       formatTime(ret.CreatedAt),
		UpdatedAt:       formatTime(ret.UpdatedAt),
		ResolvedAt:      formatTime(pointerTime(ret.ResolvedAt)),
	}
}

func buildReturnList(page domain.CursorPage[services.ReturnRequest]) returnListResponse {
	payload := returnListResponse{
		Items:         make([]returnPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, item := range page.Items {
		payload.Items = append(payload.Items, buildReturnPayload(item))
	}
	return payload
}

func writeReturnUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("return_service_unavailable", "return service is unavailable", http.StatusServiceUnavailable))
}

func writeReturnError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReturnInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReturnNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_found", "return or order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReturnExists):
		httpx.WriteError(ctx, w, httpx.NewError("return_exists", "a return has already been requested for this order", http.StatusConflict))
	case errors.Is(err, services.ErrReturnResolved):
		httpx.WriteError(ctx, w, httpx.NewError("return_resolved", "return has already been resolved", http.StatusConflict))
	case errors.Is(err, services.ErrReturnNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_eligible", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrReturnUnavailable):
		writeReturnUnavailable(ctx, w)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("return_error", "failed to process return", http.StatusInternalServerError))
	}
}
