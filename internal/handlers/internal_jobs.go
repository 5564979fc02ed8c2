package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buildkart/api/internal/platform/httpx"
	"github.com/buildkart/api/internal/services"
)

const maxJobBodySize = 4 * 1024

// idempotencyJanitor removes idempotency records past their TTL.
type idempotencyJanitor interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// InternalJobHandlers serves scheduler-triggered jobs. Authentication is
// applied by the /internal group middleware.
type InternalJobHandlers struct {
	pcash        services.PCashService
	idempotency  idempotencyJanitor
	cleanupBatch int
	clock        func() time.Time
}

// InternalJobOption customises internal job handlers.
type InternalJobOption func(*InternalJobHandlers)

// WithIdempotencyCleanup enables the idempotency cleanup job.
func WithIdempotencyCleanup(janitor idempotencyJanitor, batch int) InternalJobOption {
	return func(h *InternalJobHandlers) {
		h.idempotency = janitor
		if batch > 0 {
			h.cleanupBatch = batch
		}
	}
}

// WithJobClock overrides the clock used by jobs.
func WithJobClock(clock func() time.Time) InternalJobOption {
	return func(h *InternalJobHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewInternalJobHandlers constructs job handlers.
func NewInternalJobHandlers(pcash services.PCashService, opts ...InternalJobOption) *InternalJobHandlers {
	h := &InternalJobHandlers{
		pcash:        pcash,
		cleanupBatch: 200,
		clock:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /internal endpoints.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/pcash-expiry", h.pcashExpiry)
	r.Post("/jobs/idempotency-cleanup", h.idempotencyCleanup)
}

type pcashExpiryJobRequest struct {
	PageSize int `json:"pageSize"`
	MaxPages int `json:"maxPages"`
}

type pcashExpiryJobResponse struct {
	LedgersScanned  int `json:"ledgersScanned"`
	EventsPublished int `json:"eventsPublished"`
	Failures        int `json:"failures"`
}

func (h *InternalJobHandlers) pcashExpiry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pcash == nil {
		writePCashError(ctx, w, services.ErrPCashUnavailable)
		return
	}

	var req pcashExpiryJobRequest
	if r.ContentLength != 0 && !decodeBody(ctx, w, r, maxJobBodySize, &req) {
		return
	}
	if req.PageSize < 0 || req.MaxPages < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "pageSize and maxPages must be non-negative", http.StatusBadRequest))
		return
	}

	result, err := h.pcash.ScanExpiringCredits(ctx, services.ScanExpiringCreditsCommand{
		PageSize: req.PageSize,
		MaxPages: req.MaxPages,
	})
	if err != nil {
		writePCashError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, pcashExpiryJobResponse{
		LedgersScanned:  result.LedgersScanned,
		EventsPublished: result.EventsPublished,
		Failures:        result.Failures,
	})
}

type idempotencyCleanupJobRequest struct {
	Limit int `json:"limit"`
}

func (h *InternalJobHandlers) idempotencyCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.idempotency == nil {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_unavailable", "idempotency store is not configured", http.StatusServiceUnavailable))
		return
	}

	req := idempotencyCleanupJobRequest{Limit: h.cleanupBatch}
	if r.ContentLength != 0 && !decodeBody(ctx, w, r, maxJobBodySize, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = h.cleanupBatch
	}

	removed, err := h.idempotency.CleanupExpired(ctx, h.clock().UTC(), req.Limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_cleanup_failed", "failed to remove expired idempotency records", http.StatusServiceUnavailable))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]int{"removed": removed})
}
