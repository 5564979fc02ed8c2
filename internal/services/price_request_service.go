package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/storage"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/repositories"
)

const (
	priceRequestIDPrefix       = "prq_"
	maxPriceRequestMessage     = 2000
	maxPriceRequestAdminNote   = 1000
	maxPriceRequestServiceName = 120
)

var (
	// ErrPriceRequestInvalidInput indicates missing or malformed request fields.
	ErrPriceRequestInvalidInput = errors.New("price request: invalid input")
	// ErrPriceRequestNotFound indicates the request does not exist for the caller.
	ErrPriceRequestNotFound = errors.New("price request: not found")
	// ErrPriceRequestResolved indicates the request already carries a decision.
	ErrPriceRequestResolved = errors.New("price request: already resolved")
	// ErrPriceRequestUnavailable indicates storage or signing could not be reached.
	ErrPriceRequestUnavailable = errors.New("price request: unavailable")
)

// PriceRequestServiceDeps wires the price request collaborators.
type PriceRequestServiceDeps struct {
	Requests repositories.PriceRequestRepository
	Signer   AttachmentSigner
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type priceRequestService struct {
	repo   repositories.PriceRequestRepository
	signer AttachmentSigner
	now    func() time.Time
	logger eventLogger
}

// NewPriceRequestService constructs a PriceRequestService. Without a signer,
// attachment uploads are reported as unavailable.
func NewPriceRequestService(deps PriceRequestServiceDeps) (PriceRequestService, error) {
	if deps.Requests == nil {
		return nil, errors.New("price request service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &priceRequestService{
		repo:   deps.Requests,
		signer: deps.Signer,
		now:    func() time.Time { return clock().UTC() },
		logger: loggerOrNoop(deps.Logger),
	}, nil
}

func (s *priceRequestService) Create(ctx context.Context, cmd CreatePriceRequestCommand) (PriceRequest, error) {
	uid := strings.TrimSpace(cmd.UserID)
	serviceID := strings.TrimSpace(cmd.ServiceID)
	serviceName := textutil.CleanText(cmd.ServiceName, maxPriceRequestServiceName)
	if uid == "" || serviceID == "" || serviceName == "" {
		return PriceRequest{}, fmt.Errorf("%w: user, service id and service name are required", ErrPriceRequestInvalidInput)
	}
	message := textutil.CleanMultiline(cmd.Message, maxPriceRequestMessage)
	if message == "" {
		return PriceRequest{}, fmt.Errorf("%w: message is required", ErrPriceRequestInvalidInput)
	}

	now := s.now()
	req := PriceRequest{
		ID:          priceRequestIDPrefix + ulid.Make().String(),
		UserID:      uid,
		ServiceID:   serviceID,
		ServiceName: serviceName,
		VariantName: textutil.CleanText(cmd.VariantName, maxPriceRequestServiceName),
		Message:     message,
		Status:      domain.PriceRequestPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if key := strings.TrimSpace(cmd.AttachmentKey); key != "" {
		if !strings.HasPrefix(key, "price-requests/"+uid+"/") {
			return PriceRequest{}, fmt.Errorf("%w: attachment does not belong to user", ErrPriceRequestInvalidInput)
		}
		req.AttachmentKey = key
	}

	saved, err := s.repo.Insert(ctx, req)
	if err != nil {
		return PriceRequest{}, s.translateRepoError(err)
	}
	s.logger(ctx, "price_request.created", map[string]any{
		"requestId": saved.ID,
		"userId":    uid,
		"serviceId": serviceID,
	})
	return saved, nil
}

func (s *priceRequestService) Get(ctx context.Context, userID, requestID string) (PriceRequest, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return PriceRequest{}, fmt.Errorf("%w: user id is required", ErrPriceRequestInvalidInput)
	}
	req, err := s.find(ctx, requestID)
	if err != nil {
		return PriceRequest{}, err
	}
	if req.UserID != uid {
		return PriceRequest{}, ErrPriceRequestNotFound
	}
	return req, nil
}

func (s *priceRequestService) ListMine(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[PriceRequest], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[PriceRequest]{}, fmt.Errorf("%w: user id is required", ErrPriceRequestInvalidInput)
	}
	return s.ListAll(ctx, PriceRequestFilter{UserID: uid, Pagination: pager})
}

func (s *priceRequestService) ListAll(ctx context.Context, filter PriceRequestFilter) (domain.CursorPage[PriceRequest], error) {
	for _, status := range filter.Status {
		if !validPriceRequestStatus(status) {
			return domain.CursorPage[PriceRequest]{}, fmt.Errorf("%w: unknown status %q", ErrPriceRequestInvalidInput, status)
		}
	}
	page, err := s.repo.List(ctx, repositories.PriceRequestListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[PriceRequest]{}, s.translateRepoError(err)
	}
	return page, nil
}

// Resolve records the admin decision. Quoting requires a positive final
// price; a request is resolved at most once.
func (s *priceRequestService) Resolve(ctx context.Context, cmd ResolvePriceRequestCommand) (PriceRequest, error) {
	switch cmd.Status {
	case domain.PriceRequestQuoted:
		if cmd.FinalPrice == nil || *cmd.FinalPrice <= 0 {
			return PriceRequest{}, fmt.Errorf("%w: final price is required when quoting", ErrPriceRequestInvalidInput)
		}
	case domain.PriceRequestRejected:
	default:
		return PriceRequest{}, fmt.Errorf("%w: status must be quoted or rejected", ErrPriceRequestInvalidInput)
	}

	req, err := s.find(ctx, cmd.RequestID)
	if err != nil {
		return PriceRequest{}, err
	}
	if req.Status != domain.PriceRequestPending {
		return PriceRequest{}, ErrPriceRequestResolved
	}

	now := s.now()
	req.Status = cmd.Status
	req.FinalPrice = nil
	if cmd.Status == domain.PriceRequestQuoted {
		price := *cmd.FinalPrice
		req.FinalPrice = &price
	}
	req.AdminNote = textutil.CleanMultiline(cmd.AdminNote, maxPriceRequestAdminNote)
	req.ResolvedAt = &now
	req.UpdatedAt = now

	saved, err := s.repo.Update(ctx, req)
	if err != nil {
		return PriceRequest{}, s.translateRepoError(err)
	}
	s.logger(ctx, "price_request.resolved", map[string]any{
		"requestId": saved.ID,
		"status":    string(saved.Status),
	})
	return saved, nil
}

// AttachmentUploadURL signs an upload for a drawing on the caller's pending
// request and records the object key on the request.
func (s *priceRequestService) AttachmentUploadURL(ctx context.Context, cmd AttachmentUploadCommand) (storage.SignedURL, error) {
	if s.signer == nil {
		return storage.SignedURL{}, ErrPriceRequestUnavailable
	}
	if cmd.Size <= 0 {
		return storage.SignedURL{}, fmt.Errorf("%w: size must be positive", ErrPriceRequestInvalidInput)
	}
	req, err := s.Get(ctx, cmd.UserID, cmd.RequestID)
	if err != nil {
		return storage.SignedURL{}, err
	}
	if req.Status != domain.PriceRequestPending {
		return storage.SignedURL{}, ErrPriceRequestResolved
	}

	object, err := storage.DrawingObjectPath(req.UserID, req.ID, cmd.FileName)
	if err != nil {
		return storage.SignedURL{}, fmt.Errorf("%w: %v", ErrPriceRequestInvalidInput, err)
	}
	signed, err := s.signer.UploadURL(ctx, object, cmd.ContentType, cmd.Size)
	if err != nil {
		if errors.Is(err, storage.ErrContentTypeDenied) || errors.Is(err, storage.ErrUploadTooLarge) || errors.Is(err, storage.ErrInvalidObjectName) {
			return storage.SignedURL{}, fmt.Errorf("%w: %v", ErrPriceRequestInvalidInput, err)
		}
		s.logger(ctx, "price_request.sign_failed", map[string]any{"requestId": req.ID, "error": err.Error()})
		return storage.SignedURL{}, fmt.Errorf("%w: %v", ErrPriceRequestUnavailable, err)
	}

	req.AttachmentKey = object
	req.UpdatedAt = s.now()
	if _, err := s.repo.Update(ctx, req); err != nil {
		return storage.SignedURL{}, s.translateRepoError(err)
	}
	return signed, nil
}

func (s *priceRequestService) find(ctx context.Context, requestID string) (PriceRequest, error) {
	id := strings.TrimSpace(requestID)
	if id == "" {
		return PriceRequest{}, fmt.Errorf("%w: request id is required", ErrPriceRequestInvalidInput)
	}
	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return PriceRequest{}, s.translateRepoError(err)
	}
	return req, nil
}

func (s *priceRequestService) translateRepoError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrPriceRequestNotFound
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrPriceRequestUnavailable, err)
	default:
		return err
	}
}

func validPriceRequestStatus(status domain.PriceRequestStatus) bool {
	switch status {
	case domain.PriceRequestPending, domain.PriceRequestQuoted, domain.PriceRequestRejected:
		return true
	}
	return false
}
