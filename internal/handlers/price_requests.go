package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/platform/pagination"
	"github.com/buildkart/api/internal/platform/storage"
	"github.com/buildkart/api/internal/services"
)

const (
	maxPriceRequestBodySize = 16 * 1024

	defaultPriceRequestLimit  = 10
	defaultPriceRequestWindow = time.Hour
)

// PriceRequestHandlers exposes quote-on-request endpoints for signed-in users.
type PriceRequestHandlers struct {
	authn    *auth.Authenticator
	requests services.PriceRequestService
	limiter  submissionLimiter
}

// PriceRequestOption customises price request handlers.
type PriceRequestOption func(*PriceRequestHandlers)

// WithPriceRequestRateLimit caps submissions per user within window. A
// non-positive limit disables the cap.
func WithPriceRequestRateLimit(limit int, window time.Duration, clock func() time.Time) PriceRequestOption {
	return func(h *PriceRequestHandlers) {
		h.limiter = newFixedWindowLimiter(limit, window, clock)
	}
}

// NewPriceRequestHandlers constructs price request handlers requiring Firebase authentication.
func NewPriceRequestHandlers(authn *auth.Authenticator, requests services.PriceRequestService, opts ...PriceRequestOption) *PriceRequestHandlers {
	h := &PriceRequestHandlers{
		authn:    authn,
		requests: requests,
		limiter:  newFixedWindowLimiter(defaultPriceRequestLimit, defaultPriceRequestWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /price-requests endpoints.
func (h *PriceRequestHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listMine)
	r.Post("/", h.create)
	r.Get("/{requestID}", h.get)
	r.Post("/{requestID}/attachment-url", h.attachmentURL)
}

type createPriceRequestRequest struct {
	ServiceID     string `json:"serviceId"`
	ServiceName   string `json:"serviceName"`
	VariantName   string `json:"variantName"`
	Message       string `json:"message"`
	AttachmentKey string `json:"attachmentKey"`
}

func (h *PriceRequestHandlers) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writePriceRequestUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req createPriceRequestRequest
	if !decodeBody(ctx, w, r, maxPriceRequestBodySize, &req) {
		return
	}

	if h.limiter != nil {
		if allowed, retryAfter := h.limiter.Allow(uid); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many price requests; try again later", http.StatusTooManyRequests))
			return
		}
	}

	created, err := h.requests.Create(ctx, services.CreatePriceRequestCommand{
		UserID:        uid,
		ServiceID:     req.ServiceID,
		ServiceName:   req.ServiceName,
		VariantName:   req.VariantName,
		Message:       req.Message,
		AttachmentKey: req.AttachmentKey,
	})
	if err != nil {
		writePriceRequestError(ctx, w, err)
		return
	}
	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+created.ID)
	writeJSONResponse(w, http.StatusCreated, buildPriceRequestPayload(created))
}

func (h *PriceRequestHandlers) listMine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writePriceRequestUnavailable(ctx, w)
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
	page, err := h.requests.ListMine(ctx, uid, services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken})
	if err != nil {
		writePriceRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPriceRequestList(page))
}

func (h *PriceRequestHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writePriceRequestUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	request, err := h.requests.Get(ctx, uid, chi.URLParam(r, "requestID"))
	if err != nil {
		writePriceRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildPriceRequestPayload(request))
}

type attachmentURLRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type signedURLPayload struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	ExpiresAt string            `json:"expiresAt"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func (h *PriceRequestHandlers) attachmentURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		writePriceRequestUnavailable(ctx, w)
		return
	}
	uid, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req attachmentURLRequest
	if !decodeBody(ctx, w, r, maxPriceRequestBodySize, &req) {
		return
	}

	signed, err := h.requests.AttachmentUploadURL(ctx, services.AttachmentUploadCommand{
		UserID:      uid,
		RequestID:   chi.URLParam(r, "requestID"),
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Size:        req.Size,
	})
	if err != nil {
		writePriceRequestError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildSignedURLPayload(signed))
}

type priceRequestListResponse struct {
	Items         []priceRequestPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type priceRequestPayload struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	ServiceID     string `json:"serviceId"`
	ServiceName   string `json:"serviceName"`
	VariantName   string `json:"variantName,omitempty"`
	Message       string `json:"message,omitempty"`
	AttachmentKey string `json:"attachmentKey,omitempty"`
	Status        string `json:"status"`
	FinalPrice    *int64 `json:"finalPrice,omitempty"`
	AdminNote     string `json:"adminNote,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
	ResolvedAt    string `json:"resolvedAt,omitempty"`
}

func buildPriceRequestPayload(req services.PriceRequest) priceRequestPayload {
	return priceRequestPayload{
		ID:            req.ID,
		UserID:        req.UserID,
		ServiceID:     req.ServiceID,
		ServiceName:   req.ServiceName,
		VariantName:   req.VariantName,
		Message:       req.Message,
		AttachmentKey: req.AttachmentKey,
		Status:        string(req.Status),
		FinalPrice:    req.FinalPrice,
		AdminNote:     req.AdminNote,
		CreatedAt:     formatTime(req.CreatedAt),
		UpdatedAt:     formatTime(req.UpdatedAt),
		ResolvedAt:    formatTime(pointerTime(req.ResolvedAt)),
	}
}

func buildPriceRequestList(page domain.CursorPage[services.PriceRequest]) priceRequestListResponse {
	payload := priceRequestListResponse{
		Items:         make([]priceRequestPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, item := range page.Items {
		payload.Items = append(payload.Items, buildPriceRequestPayload(item))
	}
	return payload
}

func buildSignedURLPayload(signed storage.SignedURL) signedURLPayload {
	return signedURLPayload{
		URL:       signed.URL,
		Method:    signed.Method,
		ExpiresAt: formatTime(signed.ExpiresAt),
		Headers:   signed.Headers,
	}
}

func writePriceRequestUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("price_request_service_unavailable", "price request service is unavailable", http.StatusServiceUnavailable))
}

func writePriceRequestError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPriceRequestInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPriceRequestNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("price_request_not_found", "price request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPriceRequestResolved):
		httpx.WriteError(ctx, w, httpx.NewError("price_request_resolved", "price request has already been resolved", http.StatusConflict))
	case errors.Is(err, services.ErrPriceRequestUnavailable):
		writePriceRequestUnavailable(ctx, w)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("price_request_error", "failed to process price request", http.StatusInternalServerError))
	}
}
