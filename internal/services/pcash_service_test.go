package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/buildkart/api/internal/domain"
)

func newPCashTestService(t *testing.T, now time.Time, policy PCashPolicy, publisher EventPublisher) (PCashService, *memoryLedgerRepository, *eventRecorder) {
	t.Helper()
	repo := newMemoryLedgerRepository()
	events := &eventRecorder{}
	svc, err := NewPCashService(PCashServiceDeps{
		Ledgers:   repo,
		Policy:    policy,
		Publisher: publisher,
		Clock:     fixedClock(now),
		Logger:    events.log,
	})
	if err != nil {
		t.Fatalf("NewPCashService: %v", err)
	}
	return svc, repo, events
}

func TestPCashPolicyMaxApplicable(t *testing.T) {
	cases := []struct {
		name   string
		policy PCashPolicy
		total  int64
		want   int64
	}{
		{"unbounded policy allows the total", PCashPolicy{}, 50000, 50000},
		{"cap binds", PCashPolicy{MaxApplicableCap: 20000}, 50000, 20000},
		{"percent binds", PCashPolicy{MaxApplicableCap: 20000, MaxApplicablePercent: 10}, 50000, 5000},
		{"cap above total", PCashPolicy{MaxApplicableCap: 90000}, 50000, 50000},
		{"percent rounds half up", PCashPolicy{MaxApplicablePercent: 10}, 15, 2},
		{"empty order", PCashPolicy{MaxApplicableCap: 20000}, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.MaxApplicable(tc.total); got != tc.want {
				t.Fatalf("MaxApplicable(%d) = %d, want %d", tc.total, got, tc.want)
			}
		})
	}
}

func TestNewPCashServiceRejectsInvalidPolicy(t *testing.T) {
	if _, err := NewPCashService(PCashServiceDeps{Ledgers: newMemoryLedgerRepository(), Policy: PCashPolicy{MaxApplicablePercent: 101}}); err == nil {
		t.Fatalf("expected policy validation error")
	}
	if _, err := NewPCashService(PCashServiceDeps{}); !errors.Is(err, ErrPCashRepositoryMissing) {
		t.Fatalf("expected missing repository error, got %v", err)
	}
}

func TestPCashCreditAndBalance(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, events := newPCashTestService(t, now, PCashPolicy{MaxApplicableCap: 20000}, nil)

	soon := now.Add(10 * 24 * time.Hour)
	if _, err := svc.Credit(ctx, CreditPCashCommand{UserID: "user-1", Amount: 15000, Reason: domain.CreditReferral, Source: "<b>ref</b> friend", ExpiresAt: &soon}); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if _, err := svc.Credit(ctx, CreditPCashCommand{UserID: "user-1", Amount: 10000, Reason: domain.CreditPromotion}); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if repo.ledgers["user-1"].Credits[0].Source != "ref friend" {
		t.Fatalf("expected sanitised source, got %q", repo.ledgers["user-1"].Credits[0].Source)
	}
	if !events.has("pcash.credited") {
		t.Fatalf("expected credit event")
	}

	balance, err := svc.Balance(ctx, "user-1", 100000)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.CurrentBalance != 25000 || balance.MaxApplicable != 20000 {
		t.Fatalf("unexpected balance %#v", balance)
	}

	summary, err := svc.Summary(ctx, "user-1", 100000)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(summary.ExpiringSoon) != 1 || summary.ExpiringSoon[0].Amount != 15000 {
		t.Fatalf("expected one expiring credit, got %#v", summary.ExpiringSoon)
	}

	if _, err := svc.Credit(ctx, CreditPCashCommand{UserID: "user-1", Amount: 0, Reason: domain.CreditOther}); !errors.Is(err, ErrPCashInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPCashBalanceOfUnknownUserIsZero(t *testing.T) {
	svc, repo, _ := newPCashTestService(t, time.Now(), PCashPolicy{}, nil)

	balance, err := svc.Balance(context.Background(), "nobody", 5000)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.CurrentBalance != 0 {
		t.Fatalf("expected zero balance, got %d", balance.CurrentBalance)
	}

	repo.getErr = errTestUnavailable
	if _, err := svc.Balance(context.Background(), "nobody", 5000); !errors.Is(err, ErrPCashUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestPCashNegativeStoredBalanceClampsToZero(t *testing.T) {
	svc, repo, _ := newPCashTestService(t, time.Now(), PCashPolicy{}, nil)
	repo.ledgers["user-1"] = domain.PCashLedger{UserID: "user-1", StoredBalance: int64Ptr(-500)}

	balance, err := svc.Balance(context.Background(), "user-1", 5000)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.CurrentBalance != 0 {
		t.Fatalf("expected clamped balance, got %d", balance.CurrentBalance)
	}
}

func TestPCashConsumeIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newPCashTestService(t, now, PCashPolicy{}, nil)
	repo.ledgers["user-1"] = domain.PCashLedger{
		UserID:  "user-1",
		Credits: []domain.PCashCredit{{ID: "c1", Amount: 30000, Reason: domain.CreditPromotion, CreatedAt: now}},
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Consume(ctx, ConsumePCashCommand{UserID: "user-1", Amount: 10000, OrderID: "ord_1"}); err != nil {
			t.Fatalf("Consume #%d: %v", i, err)
		}
	}
	ledger := repo.ledgers["user-1"]
	if len(ledger.Consumptions) != 1 || ledger.Consumptions[0].ID != "order_ord_1" {
		t.Fatalf("expected a single consumption, got %#v", ledger.Consumptions)
	}
	if LedgerBalance(ledger) != 20000 {
		t.Fatalf("expected balance 20000, got %d", LedgerBalance(ledger))
	}

	if _, err := svc.Consume(ctx, ConsumePCashCommand{UserID: "user-1", Amount: 50000, OrderID: "ord_2"}); !errors.Is(err, ErrPCashInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestPCashCreditWithIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newPCashTestService(t, now, PCashPolicy{}, nil)

	for i := 0; i < 2; i++ {
		if _, err := svc.Credit(ctx, CreditPCashCommand{ID: "return_ret_ord_1", UserID: "user-1", Amount: 4000, Reason: domain.CreditReturnRefund}); err != nil {
			t.Fatalf("Credit #%d: %v", i, err)
		}
	}
	ledger := repo.ledgers["user-1"]
	if len(ledger.Credits) != 1 || ledger.Credits[0].ID != "return_ret_ord_1" {
		t.Fatalf("expected a single keyed credit, got %#v", ledger.Credits)
	}
	if LedgerBalance(ledger) != 4000 {
		t.Fatalf("expected balance 4000, got %d", LedgerBalance(ledger))
	}
}

func TestPCashLedgerViewResolvesStatuses(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newPCashTestService(t, now, PCashPolicy{}, nil)
	expired := now.Add(-time.Hour)
	repo.ledgers["user-1"] = domain.PCashLedger{
		UserID: "user-1",
		Credits: []domain.PCashCredit{
			{ID: "old", Amount: 1000, Reason: domain.CreditOther, ExpiresAt: &expired, Status: domain.CreditStatusActive, CreatedAt: now.Add(-48 * time.Hour)},
			{ID: "new", Amount: 2000, Reason: domain.CreditOther, CreatedAt: now.Add(-time.Hour)},
		},
		Consumptions: []domain.PCashConsumption{{ID: "x", Amount: 500, CreatedAt: now}},
	}

	view, err := svc.Ledger(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if view.Ledger.Credits[0].ID != "new" || view.Ledger.Credits[1].Status != domain.CreditStatusExpired {
		t.Fatalf("expected newest first with resolved status, got %#v", view.Ledger.Credits)
	}
	if view.Credited != 3000 || view.Consumed != 500 || view.CurrentBalance != 2500 {
		t.Fatalf("unexpected totals %#v", view)
	}
	if view.SpendableBalance != 1500 {
		t.Fatalf("expected the expired credit excluded from spendable, got %d", view.SpendableBalance)
	}
}

func TestPCashExpiredCreditIsNotSpendable(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newPCashTestService(t, now, PCashPolicy{}, nil)
	yesterday := now.Add(-24 * time.Hour)
	repo.ledgers["user-1"] = domain.PCashLedger{
		UserID:        "user-1",
		StoredBalance: int64Ptr(50000),
		Credits: []domain.PCashCredit{
			{ID: "welcome", Amount: 50000, Reason: domain.CreditOther, ExpiresAt: &yesterday, CreatedAt: now.Add(-30 * 24 * time.Hour)},
		},
	}

	balance, err := svc.Balance(ctx, "user-1", 200000)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.CurrentBalance != 0 || balance.MaxApplicable != 0 {
		t.Fatalf("expected nothing spendable, got %#v", balance)
	}
	summary, err := svc.Summary(ctx, "user-1", 200000)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.CurrentBalance != 50000 || summary.SpendableBalance != 0 {
		t.Fatalf("expected display 50000 and spendable 0, got %#v", summary)
	}
	if _, err := svc.Consume(ctx, ConsumePCashCommand{UserID: "user-1", Amount: 50000, OrderID: "ord_1"}); !errors.Is(err, ErrPCashInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if len(repo.ledgers["user-1"].Consumptions) != 0 {
		t.Fatalf("rejected consumption must not be stored")
	}
}

func TestPCashHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, events := newPCashTestService(t, now, PCashPolicy{}, nil)
	repo.ledgers["user-1"] = domain.PCashLedger{
		UserID:  "user-1",
		Credits: []domain.PCashCredit{{ID: "c1", Amount: 10000, Reason: domain.CreditPromotion, CreatedAt: now}},
	}

	if _, err := svc.Hold(ctx, HoldPCashCommand{UserID: "user-1", OrderID: "ord_1", Amount: 10000, ExpiresAt: now.Add(45 * time.Minute)}); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if !events.has("pcash.held") {
		t.Fatalf("expected hold event")
	}
	balance, err := svc.Balance(ctx, "user-1", 50000)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance.CurrentBalance != 0 {
		t.Fatalf("held P-Cash must not be offered again, got %d", balance.CurrentBalance)
	}
	if _, err := svc.Hold(ctx, HoldPCashCommand{UserID: "user-1", OrderID: "ord_2", Amount: 1, ExpiresAt: now.Add(time.Hour)}); !errors.Is(err, ErrPCashInsufficientBalance) {
		t.Fatalf("expected second hold rejected, got %v", err)
	}

	released, err := svc.Release(ctx, ReleasePCashCommand{UserID: "user-1", OrderID: "ord_1"})
	if err != nil || !released {
		t.Fatalf("expected release, got %v %v", released, err)
	}
	if !events.has("pcash.released") {
		t.Fatalf("expected release event")
	}
	if released, _ := svc.Release(ctx, ReleasePCashCommand{UserID: "user-1", OrderID: "ord_1"}); released {
		t.Fatalf("second release must report nothing released")
	}
	if _, err := svc.Release(ctx, ReleasePCashCommand{UserID: "user-1"}); !errors.Is(err, ErrPCashInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestScanExpiringCreditsPagesAndCountsFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	publisher := &stubPublisher{err: errors.New("pubsub down")}
	svc, repo, events := newPCashTestService(t, now, PCashPolicy{}, publisher)

	soon := now.Add(5 * 24 * time.Hour)
	sooner := now.Add(2 * 24 * time.Hour)
	past := now.Add(-time.Hour)
	repo.pages = []domain.CursorPage[domain.PCashLedger]{
		{
			Items: []domain.PCashLedger{
				{UserID: "user-1", Credits: []domain.PCashCredit{
					{ID: "a", Amount: 1000, ExpiresAt: &soon},
					{ID: "b", Amount: 2500, ExpiresAt: &sooner},
				}},
				{UserID: "user-stale", Credits: []domain.PCashCredit{{ID: "c", Amount: 100, ExpiresAt: &past}}},
			},
			NextPageToken: pageToken(1),
		},
		{
			Items: []domain.PCashLedger{
				{UserID: "fail-user", Credits: []domain.PCashCredit{{ID: "d", Amount: 700, ExpiresAt: &soon}}},
			},
		},
	}

	result, err := svc.ScanExpiringCredits(ctx, ScanExpiringCreditsCommand{PageSize: 2})
	if err != nil {
		t.Fatalf("ScanExpiringCredits: %v", err)
	}
	if result != (ExpiryScanResult{LedgersScanned: 3, EventsPublished: 1, Failures: 1}) {
		t.Fatalf("unexpected result %#v", result)
	}
	if len(repo.listArgs) != 2 || !repo.listArgs[0].Equal(now.Add(ExpiringSoonWindow)) {
		t.Fatalf("unexpected list calls %v", repo.listArgs)
	}

	event := publisher.expiring[0]
	if event.UserID != "user-1" || event.Amount != 3500 || !event.EarliestExpiry.Equal(sooner) {
		t.Fatalf("unexpected event %#v", event)
	}
	if event.AmountDisplay != "₹35.00" || len(event.CreditIDs) != 2 {
		t.Fatalf("unexpected event payload %#v", event)
	}
	if !events.has("pcash.expiry.publish_failed") || !events.has("pcash.expiry.scanned") {
		t.Fatalf("expected scan events logged")
	}
}

func TestScanExpiringCreditsStopsAtMaxPages(t *testing.T) {
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	svc, repo, _ := newPCashTestService(t, now, PCashPolicy{}, &stubPublisher{})
	repo.pages = []domain.CursorPage[domain.PCashLedger]{
		{NextPageToken: pageToken(1)},
		{NextPageToken: pageToken(2)},
		{},
	}

	if _, err := svc.ScanExpiringCredits(context.Background(), ScanExpiringCreditsCommand{MaxPages: 2}); err != nil {
		t.Fatalf("ScanExpiringCredits: %v", err)
	}
	if len(repo.listArgs) != 2 {
		t.Fatalf("expected two pages read, got %d", len(repo.listArgs))
	}

	noPublisher, _, _ := newPCashTestService(t, now, PCashPolicy{}, nil)
	if _, err := noPublisher.ScanExpiringCredits(context.Background(), ScanExpiringCreditsCommand{}); !errors.Is(err, ErrPCashPublisherMissing) {
		t.Fatalf("expected publisher missing, got %v", err)
	}
}
