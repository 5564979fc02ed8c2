package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/buildkart/api/internal/domain"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrPCashInvalidInput indicates a malformed ledger entry.
	ErrPCashInvalidInput = errors.New("pcash: invalid input")
	// ErrPCashInsufficientBalance indicates a consumption larger than the balance.
	ErrPCashInsufficientBalance = errors.New("pcash: insufficient balance")
)

// ExpiringSoonWindow is how far ahead a credit's expiry counts as imminent.
const ExpiringSoonWindow = 30 * 24 * time.Hour

// LedgerTotals sums credited and consumed amounts.
func LedgerTotals(l domain.PCashLedger) (credited, consumed int64) {
	for _, c := range l.Credits {
		credited += c.Amount
	}
	for _, c := range l.Consumptions {
		consumed += c.Amount
	}
	return credited, consumed
}

// LedgerBalance is the display balance: the stored balance when present,
// otherwise credited minus consumed. It ignores expiry and holds; use
// SpendableBalance for anything that redeems P-Cash.
func LedgerBalance(l domain.PCashLedger) int64 {
	if l.StoredBalance != nil {
		return *l.StoredBalance
	}
	credited, consumed := LedgerTotals(l)
	return credited - consumed
}

// SpendableBalance is what can be redeemed at now. Each consumption draws on
// the credits that were live when it happened, earliest expiry first; what is
// left on unexpired credits, capped by the stored balance and less the active
// holds, is spendable.
func SpendableBalance(l domain.PCashLedger, now time.Time) int64 {
	return spendableExcluding(l, now, "")
}

func spendableExcluding(l domain.PCashLedger, now time.Time, orderID string) int64 {
	remaining := unspentCredits(l)
	var available int64
	for i, c := range l.Credits {
		if CreditStatusAt(c, now) == domain.CreditStatusActive {
			available += remaining[i]
		}
	}
	if l.StoredBalance != nil && *l.StoredBalance < available {
		available = *l.StoredBalance
	}
	for _, h := range l.Holds {
		if h.OrderID != orderID && h.Active(now) {
			available -= h.Amount
		}
	}
	return maxInt64(0, available)
}

// unspentCredits returns the undrawn amount of each credit, by index.
func unspentCredits(l domain.PCashLedger) []int64 {
	remaining := make([]int64, len(l.Credits))
	byExpiry := make([]int, len(l.Credits))
	for i, c := range l.Credits {
		remaining[i] = c.Amount
		byExpiry[i] = i
	}
	sort.SliceStable(byExpiry, func(a, b int) bool {
		return expiresBefore(l.Credits[byExpiry[a]], l.Credits[byExpiry[b]])
	})
	consumptions := append([]domain.PCashConsumption(nil), l.Consumptions...)
	sort.SliceStable(consumptions, func(a, b int) bool {
		return consumptions[a].CreatedAt.Before(consumptions[b].CreatedAt)
	})

	draw := func(due int64, eligible func(domain.PCashCredit) bool) int64 {
		for _, idx := range byExpiry {
			if due == 0 {
				break
			}
			if remaining[idx] <= 0 || !eligible(l.Credits[idx]) {
				continue
			}
			take := min(due, remaining[idx])
			remaining[idx] -= take
			due -= take
		}
		return due
	}
	for _, c := range consumptions {
		at := c.CreatedAt
		due := draw(maxInt64(0, c.Amount), func(credit domain.PCashCredit) bool { return creditLiveAt(credit, at) })
		// Entries written before expiry tracking may predate every credit.
		draw(due, func(domain.PCashCredit) bool { return true })
	}
	return remaining
}

func creditLiveAt(c domain.PCashCredit, at time.Time) bool {
	if at.IsZero() {
		return true
	}
	if !c.CreatedAt.IsZero() && c.CreatedAt.After(at) {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(at)
}

func expiresBefore(a, b domain.PCashCredit) bool {
	switch {
	case a.ExpiresAt == nil:
		return false
	case b.ExpiresAt == nil:
		return true
	default:
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
}

// AppendCredit returns a ledger with the credit appended. A stored balance is
// advanced by the same amount so both balance paths keep agreeing.
func AppendCredit(l domain.PCashLedger, credit domain.PCashCredit, now time.Time) (domain.PCashLedger, error) {
	if credit.Amount <= 0 {
		return l, fmt.Errorf("%w: credit amount must be positive", ErrPCashInvalidInput)
	}
	if !credit.Reason.Valid() {
		return l, fmt.Errorf("%w: unsupported credit reason %q", ErrPCashInvalidInput, credit.Reason)
	}
	if credit.ExpiresAt != nil && !credit.ExpiresAt.After(now) {
		return l, fmt.Errorf("%w: expiry must be in the future", ErrPCashInvalidInput)
	}
	if strings.TrimSpace(credit.ID) == "" {
		credit.ID = ulid.Make().String()
	}
	if credit.CreatedAt.IsZero() {
		credit.CreatedAt = now
	}
	if credit.Status == "" {
		credit.Status = domain.CreditStatusActive
	}

	out := cloneLedger(l)
	out.Credits = append(out.Credits, credit)
	if out.StoredBalance != nil {
		balance := *out.StoredBalance + credit.Amount
		out.StoredBalance = &balance
	}
	out.UpdatedAt = now
	return out, nil
}

// AppendConsumption returns a ledger with the consumption appended. Consuming
// more than the spendable balance is rejected; a hold placed for the same
// order counts towards it and is released by the consumption.
func AppendConsumption(l domain.PCashLedger, consumption domain.PCashConsumption, now time.Time) (domain.PCashLedger, error) {
	if consumption.Amount <= 0 {
		return l, fmt.Errorf("%w: consumption amount must be positive", ErrPCashInvalidInput)
	}
	if consumption.Amount > spendableExcluding(l, now, consumption.OrderID) {
		return l, ErrPCashInsufficientBalance
	}
	if strings.TrimSpace(consumption.ID) == "" {
		consumption.ID = ulid.Make().String()
	}
	if consumption.CreatedAt.IsZero() {
		consumption.CreatedAt = now
	}

	out := cloneLedger(l)
	out.Consumptions = append(out.Consumptions, consumption)
	out.Holds = pruneHolds(out.Holds, now, consumption.OrderID)
	if out.StoredBalance != nil {
		balance := *out.StoredBalance - consumption.Amount
		out.StoredBalance = &balance
	}
	out.UpdatedAt = now
	return out, nil
}

// PlaceHold reserves amount for an order until hold.ExpiresAt. A previous hold
// for the same order is replaced.
func PlaceHold(l domain.PCashLedger, hold domain.PCashHold, now time.Time) (domain.PCashLedger, error) {
	hold.OrderID = strings.TrimSpace(hold.OrderID)
	if hold.OrderID == "" {
		return l, fmt.Errorf("%w: hold requires an order id", ErrPCashInvalidInput)
	}
	if hold.Amount <= 0 {
		return l, fmt.Errorf("%w: hold amount must be positive", ErrPCashInvalidInput)
	}
	if !hold.ExpiresAt.After(now) {
		return l, fmt.Errorf("%w: hold expiry must be in the future", ErrPCashInvalidInput)
	}
	if hold.Amount > spendableExcluding(l, now, hold.OrderID) {
		return l, ErrPCashInsufficientBalance
	}
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = now
	}

	out := cloneLedger(l)
	out.Holds = append(pruneHolds(out.Holds, now, hold.OrderID), hold)
	out.UpdatedAt = now
	return out, nil
}

// ReleaseHold drops the hold for orderID. The second result reports whether
// an active hold was released.
func ReleaseHold(l domain.PCashLedger, orderID string, now time.Time) (domain.PCashLedger, bool) {
	id := strings.TrimSpace(orderID)
	released := false
	for _, h := range l.Holds {
		if h.OrderID == id && h.Active(now) {
			released = true
		}
	}
	out := cloneLedger(l)
	out.Holds = pruneHolds(out.Holds, now, id)
	if released {
		out.UpdatedAt = now
	}
	return out, released
}

// ActiveHolds lists the holds still reserving balance at now.
func ActiveHolds(l domain.PCashLedger, now time.Time) []domain.PCashHold {
	return pruneHolds(l.Holds, now, "")
}

func pruneHolds(holds []domain.PCashHold, now time.Time, orderID string) []domain.PCashHold {
	out := make([]domain.PCashHold, 0, len(holds))
	for _, h := range holds {
		if h.Active(now) && (orderID == "" || h.OrderID != orderID) {
			out = append(out, h)
		}
	}
	return out
}

// ExpiringSoon lists credits whose expiry falls within the next 30 days.
// Credits already past expiry are excluded; they stay in the ledger.
func ExpiringSoon(l domain.PCashLedger, now time.Time) []domain.PCashCredit {
	horizon := now.Add(ExpiringSoonWindow)
	out := make([]domain.PCashCredit, 0)
	for _, c := range l.Credits {
		if c.ExpiresAt == nil {
			continue
		}
		if c.ExpiresAt.After(now) && !c.ExpiresAt.After(horizon) {
			out = append(out, c)
		}
	}
	return out
}

// CreditStatusAt derives the display status of a credit at the given time.
func CreditStatusAt(c domain.PCashCredit, now time.Time) domain.CreditStatus {
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return domain.CreditStatusExpired
	}
	return domain.CreditStatusActive
}

func cloneLedger(l domain.PCashLedger) domain.PCashLedger {
	out := l
	out.Credits = append([]domain.PCashCredit(nil), l.Credits...)
	out.Consumptions = append([]domain.PCashConsumption(nil), l.Consumptions...)
	out.Holds = append([]domain.PCashHold(nil), l.Holds...)
	if l.StoredBalance != nil {
		balance := *l.StoredBalance
		out.StoredBalance = &balance
	}
	return out
}
