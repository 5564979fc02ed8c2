package domain

import "time"

// CreditReason classifies why P-Cash was credited.
type CreditReason string

const (
	CreditReturnRefund CreditReason = "return_refund"
	CreditReferral     CreditReason = "referral"
	CreditPromotion    CreditReason = "promotion"
	CreditOther        CreditReason = "other"
)

// Valid reports whether the reason is known.
func (r CreditReason) Valid() bool {
	switch r {
	case CreditReturnRefund, CreditReferral, CreditPromotion, CreditOther:
		return true
	}
	return false
}

// CreditStatus is the display status of a credit entry.
type CreditStatus string

const (
	CreditStatusActive  CreditStatus = "active"
	CreditStatusExpired CreditStatus = "expired"
)

// PCashCredit is an append-only credit entry.
type PCashCredit struct {
	ID        string
	Amount    int64
	Reason    CreditReason
	Source    string
	Note      string
	ExpiresAt *time.Time
	Status    CreditStatus
	CreatedAt time.Time
}

// PCashConsumption is an append-only consumption entry.
type PCashConsumption struct {
	ID        string
	Amount    int64
	OrderID   string
	ProductID string
	CreatedAt time.Time
}

// PCashHold reserves part of the spendable balance for an order awaiting
// payment. It lapses at ExpiresAt or when the order settles.
type PCashHold struct {
	OrderID   string
	Amount    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Active reports whether the hold still reserves balance at now.
func (h PCashHold) Active(now time.Time) bool {
	return h.ExpiresAt.After(now)
}

// PCashLedger is the per-user loyalty credit ledger. StoredBalance, when set,
// is the display balance and caps the derived spendable value.
type PCashLedger struct {
	UserID        string
	Credits       []PCashCredit
	Consumptions  []PCashConsumption
	Holds         []PCashHold
	StoredBalance *int64
	UpdatedAt     time.Time
}
