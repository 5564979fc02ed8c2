package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/repositories"
)

const (
	defaultExpiryScanPageSize = 100
	defaultExpiryScanMaxPages = 50
	maxCreditNoteLength       = 200
	maxCreditSourceLength     = 80
)

var (
	// ErrPCashRepositoryMissing indicates the ledger repository was not configured.
	ErrPCashRepositoryMissing = errors.New("pcash service: repository missing")
	// ErrPCashUnavailable indicates the ledger store could not be reached.
	ErrPCashUnavailable = errors.New("pcash service: unavailable")
	// ErrPCashPublisherMissing indicates an expiry scan was requested without a publisher.
	ErrPCashPublisherMissing = errors.New("pcash service: event publisher missing")
)

// PCashPolicy bounds how much of the balance one order may redeem.
// A zero cap or percent disables that bound.
type PCashPolicy struct {
	MaxApplicableCap     int64
	MaxApplicablePercent int
}

// PCashServiceDeps bundles the ledger repository and policy.
type PCashServiceDeps struct {
	Ledgers   repositories.PCashLedgerRepository
	Policy    PCashPolicy
	Publisher EventPublisher
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

type pcashService struct {
	repo      repositories.PCashLedgerRepository
	policy    PCashPolicy
	publisher EventPublisher
	clock     func() time.Time
	logger    eventLogger
}

// NewPCashService constructs a PCashService.
func NewPCashService(deps PCashServiceDeps) (PCashService, error) {
	if deps.Ledgers == nil {
		return nil, ErrPCashRepositoryMissing
	}
	if deps.Policy.MaxApplicableCap < 0 || deps.Policy.MaxApplicablePercent < 0 || deps.Policy.MaxApplicablePercent > 100 {
		return nil, fmt.Errorf("pcash service: invalid policy %+v", deps.Policy)
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &pcashService{
		repo:      deps.Ledgers,
		policy:    deps.Policy,
		publisher: deps.Publisher,
		clock:     func() time.Time { return clock().UTC() },
		logger:    loggerOrNoop(deps.Logger),
	}, nil
}

// MaxApplicable is the smaller of the absolute cap and the percentage of
// orderTotal. The balance bound is applied separately by the totals engine.
func (p PCashPolicy) MaxApplicable(orderTotal int64) int64 {
	if orderTotal <= 0 {
		return 0
	}
	limit := orderTotal
	if p.MaxApplicableCap > 0 && p.MaxApplicableCap < limit {
		limit = p.MaxApplicableCap
	}
	if p.MaxApplicablePercent > 0 {
		share, err := percentOf(orderTotal, int64(p.MaxApplicablePercent), 100)
		if err == nil && share < limit {
			limit = share
		}
	}
	return limit
}

func (s *pcashService) Balance(ctx context.Context, userID string, orderTotal int64) (domain.PCashBalance, error) {
	ledger, err := s.load(ctx, userID)
	if err != nil {
		return domain.PCashBalance{}, err
	}
	return s.balanceOf(ledger, orderTotal), nil
}

func (s *pcashService) Summary(ctx context.Context, userID string, orderTotal int64) (PCashSummary, error) {
	ledger, err := s.load(ctx, userID)
	if err != nil {
		return PCashSummary{}, err
	}
	balance := s.balanceOf(ledger, orderTotal)
	expiring := ExpiringSoon(ledger, s.clock())
	sort.SliceStable(expiring, func(i, j int) bool {
		return expiring[i].ExpiresAt.Before(*expiring[j].ExpiresAt)
	})
	return PCashSummary{
		CurrentBalance:   maxInt64(0, LedgerBalance(ledger)),
		SpendableBalance: balance.CurrentBalance,
		MaxApplicable:    balance.MaxApplicable,
		ExpiringSoon:     expiring,
	}, nil
}

// Ledger returns the full history, newest first, with each credit's status
// resolved against the current time.
func (s *pcashService) Ledger(ctx context.Context, userID string) (PCashLedgerView, error) {
	ledger, err := s.load(ctx, userID)
	if err != nil {
		return PCashLedgerView{}, err
	}
	now := s.clock()
	view := cloneLedger(ledger)
	for i := range view.Credits {
		view.Credits[i].Status = CreditStatusAt(view.Credits[i], now)
	}
	sort.SliceStable(view.Credits, func(i, j int) bool {
		return view.Credits[i].CreatedAt.After(view.Credits[j].CreatedAt)
	})
	sort.SliceStable(view.Consumptions, func(i, j int) bool {
		return view.Consumptions[i].CreatedAt.After(view.Consumptions[j].CreatedAt)
	})
	credited, consumed := LedgerTotals(ledger)
	view.Holds = ActiveHolds(ledger, now)
	return PCashLedgerView{
		Ledger:           view,
		CurrentBalance:   LedgerBalance(ledger),
		SpendableBalance: SpendableBalance(ledger, now),
		Credited:         credited,
		Consumed:         consumed,
	}, nil
}

func (s *pcashService) Credit(ctx context.Context, cmd CreditPCashCommand) (PCashLedger, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return PCashLedger{}, fmt.Errorf("%w: user id is required", ErrPCashInvalidInput)
	}
	now := s.clock()
	credit := domain.PCashCredit{
		ID:        strings.TrimSpace(cmd.ID),
		Amount:    cmd.Amount,
		Reason:    cmd.Reason,
		Source:    textutil.CleanText(cmd.Source, maxCreditSourceLength),
		Note:      textutil.CleanText(cmd.Note, maxCreditNoteLength),
		ExpiresAt: cmd.ExpiresAt,
	}
	if credit.ExpiresAt != nil {
		exp := credit.ExpiresAt.UTC()
		credit.ExpiresAt = &exp
	}

	ledger, err := s.repo.Update(ctx, uid, func(current PCashLedger) (PCashLedger, error) {
		if credit.ID != "" {
			for _, existing := range current.Credits {
				if existing.ID == credit.ID {
					return current, nil
				}
			}
		}
		return AppendCredit(current, credit, now)
	})
	if err != nil {
		return PCashLedger{}, s.translateRepoError(err)
	}
	s.logger(ctx, "pcash.credited", map[string]any{
		"userId": uid,
		"amount": cmd.Amount,
		"reason": string(cmd.Reason),
	})
	return ledger, nil
}

func (s *pcashService) Consume(ctx context.Context, cmd ConsumePCashCommand) (PCashLedger, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return PCashLedger{}, fmt.Errorf("%w: user id is required", ErrPCashInvalidInput)
	}
	now := s.clock()
	consumption := domain.PCashConsumption{
		Amount:    cmd.Amount,
		OrderID:   strings.TrimSpace(cmd.OrderID),
		ProductID: strings.TrimSpace(cmd.ProductID),
	}
	if consumption.OrderID != "" {
		// One consumption per order keeps replayed payment callbacks harmless.
		consumption.ID = "order_" + consumption.OrderID
	}

	ledger, err := s.repo.Update(ctx, uid, func(current PCashLedger) (PCashLedger, error) {
		if consumption.ID != "" {
			for _, existing := range current.Consumptions {
				if existing.ID == consumption.ID {
					return current, nil
				}
			}
		}
		return AppendConsumption(current, consumption, now)
	})
	if err != nil {
		return PCashLedger{}, s.translateRepoError(err)
	}
	s.logger(ctx, "pcash.consumed", map[string]any{
		"userId":  uid,
		"amount":  cmd.Amount,
		"orderId": consumption.OrderID,
	})
	return ledger, nil
}

// Hold reserves P-Cash for an order until cmd.ExpiresAt. Repeating the call
// for the same order replaces the earlier hold.
func (s *pcashService) Hold(ctx context.Context, cmd HoldPCashCommand) (PCashLedger, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return PCashLedger{}, fmt.Errorf("%w: user id is required", ErrPCashInvalidInput)
	}
	now := s.clock()
	hold := domain.PCashHold{
		OrderID:   strings.TrimSpace(cmd.OrderID),
		Amount:    cmd.Amount,
		ExpiresAt: cmd.ExpiresAt.UTC(),
	}
	ledger, err := s.repo.Update(ctx, uid, func(current PCashLedger) (PCashLedger, error) {
		return PlaceHold(current, hold, now)
	})
	if err != nil {
		return PCashLedger{}, s.translateRepoError(err)
	}
	s.logger(ctx, "pcash.held", map[string]any{
		"userId":    uid,
		"orderId":   hold.OrderID,
		"amount":    hold.Amount,
		"expiresAt": hold.ExpiresAt,
	})
	return ledger, nil
}

func (s *pcashService) Release(ctx context.Context, cmd ReleasePCashCommand) (bool, error) {
	uid := strings.TrimSpace(cmd.UserID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if uid == "" || orderID == "" {
		return false, fmt.Errorf("%w: user id and order id are required", ErrPCashInvalidInput)
	}
	now := s.clock()
	released := false
	_, err := s.repo.Update(ctx, uid, func(current PCashLedger) (PCashLedger, error) {
		var next PCashLedger
		next, released = ReleaseHold(current, orderID, now)
		return next, nil
	})
	if err != nil {
		return false, s.translateRepoError(err)
	}
	if released {
		s.logger(ctx, "pcash.released", map[string]any{
			"userId":  uid,
			"orderId": orderID,
		})
	}
	return released, nil
}

// ScanExpiringCredits pages through ledgers indexed as expiring within the
// warning window and publishes one event per ledger that still has credits
// expiring soon. Publish failures are counted and the scan continues.
func (s *pcashService) ScanExpiringCredits(ctx context.Context, cmd ScanExpiringCreditsCommand) (ExpiryScanResult, error) {
	if s.publisher == nil {
		return ExpiryScanResult{}, ErrPCashPublisherMissing
	}
	pageSize := cmd.PageSize
	if pageSize <= 0 {
		pageSize = defaultExpiryScanPageSize
	}
	maxPages := cmd.MaxPages
	if maxPages <= 0 {
		maxPages = defaultExpiryScanMaxPages
	}

	now := s.clock()
	horizon := now.Add(ExpiringSoonWindow)
	var result ExpiryScanResult
	token := ""
	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch, err := s.repo.ListWithExpiringCredits(ctx, horizon, Pagination{PageSize: pageSize, PageToken: token})
		if err != nil {
			return result, s.translateRepoError(err)
		}
		for _, ledger := range batch.Items {
			result.LedgersScanned++
			event, ok := expiringEvent(ledger, now)
			if !ok {
				continue
			}
			if _, err := s.publisher.PublishPCashExpiring(ctx, event); err != nil {
				result.Failures++
				s.logger(ctx, "pcash.expiry.publish_failed", map[string]any{
					"userId": ledger.UserID,
					"error":  err.Error(),
				})
				continue
			}
			result.EventsPublished++
		}
		if batch.NextPageToken == "" {
			break
		}
		token = batch.NextPageToken
	}

	s.logger(ctx, "pcash.expiry.scanned", map[string]any{
		"ledgers":   result.LedgersScanned,
		"published": result.EventsPublished,
		"failures":  result.Failures,
	})
	return result, nil
}

func expiringEvent(ledger PCashLedger, now time.Time) (PCashExpiringEvent, bool) {
	credits := ExpiringSoon(ledger, now)
	if len(credits) == 0 {
		return PCashExpiringEvent{}, false
	}
	event := PCashExpiringEvent{
		UserID:     ledger.UserID,
		CreditIDs:  make([]string, 0, len(credits)),
		DetectedAt: now,
	}
	for _, credit := range credits {
		event.CreditIDs = append(event.CreditIDs, credit.ID)
		event.Amount += credit.Amount
		if event.EarliestExpiry.IsZero() || credit.ExpiresAt.Before(event.EarliestExpiry) {
			event.EarliestExpiry = *credit.ExpiresAt
		}
	}
	event.AmountDisplay = textutil.FormatINR(event.Amount)
	return event, true
}

func (s *pcashService) load(ctx context.Context, userID string) (PCashLedger, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return PCashLedger{}, fmt.Errorf("%w: user id is required", ErrPCashInvalidInput)
	}
	ledger, err := s.repo.Get(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return PCashLedger{UserID: uid}, nil
		}
		return PCashLedger{}, s.translateRepoError(err)
	}
	return ledger, nil
}

func (s *pcashService) balanceOf(ledger PCashLedger, orderTotal int64) domain.PCashBalance {
	balance := SpendableBalance(ledger, s.clock())
	return domain.PCashBalance{
		CurrentBalance: balance,
		MaxApplicable:  s.policy.MaxApplicable(orderTotal),
	}
}

func (s *pcashService) translateRepoError(err error) error {
	switch {
	case errors.Is(err, ErrPCashInvalidInput), errors.Is(err, ErrPCashInsufficientBalance):
		return err
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrPCashUnavailable, err)
	default:
		return err
	}
}
