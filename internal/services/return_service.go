package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/repositories"
)

const (
	returnIDPrefix       = "ret_"
	returnCreditIDPrefix = "return_"
	defaultReturnWindow  = 30 * 24 * time.Hour
	maxReturnReason      = 2000
	maxReturnAdminNote   = 1000
)

var (
	// ErrReturnInvalidInput indicates missing or malformed return fields.
	ErrReturnInvalidInput = errors.New("return: invalid input")
	// ErrReturnNotFound indicates the return or its order does not exist for the caller.
	ErrReturnNotFound = errors.New("return: not found")
	// ErrReturnExists indicates the order already has a return.
	ErrReturnExists = errors.New("return: already requested")
	// ErrReturnResolved indicates the return already carries a decision.
	ErrReturnResolved = errors.New("return: already resolved")
	// ErrReturnNotEligible indicates the order is unpaid or outside the return window.
	ErrReturnNotEligible = errors.New("return: order not eligible")
	// ErrReturnUnavailable indicates storage or the ledger could not be reached.
	ErrReturnUnavailable = errors.New("return: unavailable")
)

type pcashCreditor interface {
	Credit(ctx context.Context, cmd CreditPCashCommand) (PCashLedger, error)
}

// ReturnServiceDeps wires the return collaborators. Window bounds how long
// after payment a return may be raised; CreditTTL, when set, expires refund
// credits that long after approval.
type ReturnServiceDeps struct {
	Returns   repositories.ReturnRequestRepository
	Orders    repositories.OrderRepository
	PCash     pcashCreditor
	Window    time.Duration
	CreditTTL time.Duration
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type returnService struct {
	repo      repositories.ReturnRequestRepository
	orders    repositories.OrderRepository
	pcash     pcashCreditor
	window    time.Duration
	creditTTL time.Duration
	now       func() time.Time
	logger    eventLogger
}

func NewReturnService(deps ReturnServiceDeps) (ReturnService, error) {
	if deps.Returns == nil {
		return nil, errors.New("return service: repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("return service: order repository is required")
	}
	if deps.PCash == nil {
		return nil, errors.New("return service: pcash ledger is required")
	}
	window := deps.Window
	if window <= 0 {
		window = defaultReturnWindow
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &returnService{
		repo:      deps.Returns,
		orders:    deps.Orders,
		pcash:     deps.PCash,
		window:    window,
		creditTTL: deps.CreditTTL,
		now:       func() time.Time { return clock().UTC() },
		logger:    loggerOrNoop(deps.Logger),
	}, nil
}

// Create raises the single return allowed per order.
func (s *returnService) Create(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error) {
	uid := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if uid == "" || orderID == "" {
		return ReturnRequest{}, fmt.Errorf("%w: user and order id are required", ErrReturnInvalidInput)
	}
	reason := textutil.CleanMultiline(cmd.Reason, maxReturnReason)
	if reason == "" {
		return ReturnRequest{}, fmt.Errorf("%w: reason is required", ErrReturnInvalidInput)
	}
	if cmd.Amount < 0 {
		return ReturnRequest{}, fmt.Errorf("%w: amount must not be negative", ErrReturnInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReturnRequest{}, s.translateRepoError(err)
	}
	if order.UserID != uid {
		return ReturnRequest{}, ErrReturnNotFound
	}
	now := s.now()
	if order.Status != domain.OrderStatusPaid || order.PaidAt == nil {
		return ReturnRequest{}, fmt.Errorf("%w: order is not paid", ErrReturnNotEligible)
	}
	if now.Sub(*order.PaidAt) > s.window {
		return ReturnRequest{}, fmt.Errorf("%w: return window closed", ErrReturnNotEligible)
	}

	refundable := RefundableAmount(order)
	amount := cmd.Amount
	if amount == 0 {
		amount = refundable
	}
	if amount <= 0 || amount > refundable {
		return ReturnRequest{}, fmt.Errorf("%w: amount must be between 1 and %d", ErrReturnInvalidInput, refundable)
	}

	ret := ReturnRequest{
		ID:              returnIDPrefix + order.ID,
		UserID:          uid,
		OrderID:         order.ID,
		Reason:          reason,
		RequestedAmount: amount,
		Status:          domain.ReturnPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	saved, err := s.repo.Insert(ctx, ret)
	if err != nil {
		if isRepoConflict(err) {
			return ReturnRequest{}, ErrReturnExists
		}
		return ReturnRequest{}, s.translateRepoError(err)
	}
	s.logger(ctx, "return.created", map[string]any{
		"returnId": saved.ID,
		"orderId":  saved.OrderID,
		"userId":   uid,
		"amount":   amount,
	})
	return saved, nil
}

func (s *returnService) Get(ctx context.Context, userID, returnID string) (ReturnRequest, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return ReturnRequest{}, fmt.Errorf("%w: user id is required", ErrReturnInvalidInput)
	}
	ret, err := s.find(ctx, returnID)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.UserID != uid {
		return ReturnRequest{}, ErrReturnNotFound
	}
	return ret, nil
}

func (s *returnService) ListMine(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[ReturnRequest], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[ReturnRequest]{}, fmt.Errorf("%w: user id is required", ErrReturnInvalidInput)
	}
	return s.ListAll(ctx, ReturnFilter{UserID: uid, Pagination: pager})
}

func (s *returnService) ListAll(ctx context.Context, filter ReturnFilter) (domain.CursorPage[ReturnRequest], error) {
	for _, status := range filter.Status {
		switch status {
		case domain.ReturnPending, domain.ReturnApproved, domain.ReturnRejected:
		default:
			return domain.CursorPage[ReturnRequest]{}, fmt.Errorf("%w: unknown status %q", ErrReturnInvalidInput, status)
		}
	}
	page, err := s.repo.List(ctx, repositories.ReturnListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[ReturnRequest]{}, s.translateRepoError(err)
	}
	return page, nil
}

// Approve credits the refund to the user's ledger and then records the
// decision. The credit is keyed by return id, so retrying after a failed
// update does not refund twice.
func (s *returnService) Approve(ctx context.Context, cmd ApproveReturnCommand) (ReturnRequest, error) {
	ret, err := s.find(ctx, cmd.ReturnID)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnPending {
		return ReturnRequest{}, ErrReturnResolved
	}

	amount := ret.RequestedAmount
	if cmd.Amount != nil {
		amount = *cmd.Amount
		order, err := s.orders.FindByID(ctx, ret.OrderID)
		if err != nil {
			return ReturnRequest{}, s.translateRepoError(err)
		}
		if refundable := RefundableAmount(order); amount <= 0 || amount > refundable {
			return ReturnRequest{}, fmt.Errorf("%w: refund must be between 1 and %d", ErrReturnInvalidInput, refundable)
		}
	}

	now := s.now()
	credit := CreditPCashCommand{
		ID:     returnCreditIDPrefix + ret.ID,
		UserID: ret.UserID,
		Amount: amount,
		Reason: domain.CreditReturnRefund,
		Source: ret.OrderID,
		Note:   "return " + ret.ID,
	}
	if s.creditTTL > 0 {
		exp := now.Add(s.creditTTL)
		credit.ExpiresAt = &exp
	}
	if _, err := s.pcash.Credit(ctx, credit); err != nil {
		s.logger(ctx, "return.credit_failed", map[string]any{"returnId": ret.ID, "error": err.Error()})
		if errors.Is(err, ErrPCashInvalidInput) {
			return ReturnRequest{}, fmt.Errorf("%w: %v", ErrReturnInvalidInput, err)
		}
		return ReturnRequest{}, fmt.Errorf("%w: %v", ErrReturnUnavailable, err)
	}

	ret.Status = domain.ReturnApproved
	ret.RefundAmount = &amount
	ret.CreditID = credit.ID
	ret.AdminNote = textutil.CleanMultiline(cmd.AdminNote, maxReturnAdminNote)
	ret.ResolvedAt = &now
	ret.UpdatedAt = now
	saved, err := s.repo.Update(ctx, ret)
	if err != nil {
		return ReturnRequest{}, s.translateRepoError(err)
	}
	s.logger(ctx, "return.approved", map[string]any{
		"returnId": saved.ID,
		"userId":   saved.UserID,
		"amount":   amount,
	})
	return saved, nil
}

func (s *returnService) Reject(ctx context.Context, cmd RejectReturnCommand) (ReturnRequest, error) {
	ret, err := s.find(ctx, cmd.ReturnID)
	if err != nil {
		return ReturnRequest{}, err
	}
	if ret.Status != domain.ReturnPending {
		return ReturnRequest{}, ErrReturnResolved
	}
	now := s.now()
	ret.Status = domain.ReturnRejected
	ret.AdminNote = textutil.CleanMultiline(cmd.AdminNote, maxReturnAdminNote)
	ret.ResolvedAt = &now
	ret.UpdatedAt = now
	saved, err := s.repo.Update(ctx, ret)
	if err != nil {
		return ReturnRequest{}, s.translateRepoError(err)
	}
	s.logger(ctx, "return.rejected", map[string]any{"returnId": saved.ID})
	return saved, nil
}

// RefundableAmount is what the user actually paid for the order: the gateway
// charge plus the P-Cash that was debited for it.
func RefundableAmount(order Order) int64 {
	pcash := order.Totals.PCashAppliedAmount
	if order.Reconciliation != nil {
		pcash -= order.Reconciliation.PCashShortfall
	}
	total, err := addMoney(order.AmountDue, maxInt64(pcash, 0))
	if err != nil {
		return order.AmountDue
	}
	return total
}

func (s *returnService) find(ctx context.Context, returnID string) (ReturnRequest, error) {
	id := strings.TrimSpace(returnID)
	if id == "" {
		return ReturnRequest{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	ret, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return ReturnRequest{}, s.translateRepoError(err)
	}
	return ret, nil
}

func (s *returnService) translateRepoError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrReturnNotFound
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrReturnUnavailable, err)
	default:
		return err
	}
}
