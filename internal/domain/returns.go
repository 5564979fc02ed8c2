package domain

import "time"

// ReturnStatus is the lifecycle of a return on a paid order.
type ReturnStatus string

const (
	ReturnPending  ReturnStatus = "pending"
	ReturnApproved ReturnStatus = "approved"
	ReturnRejected ReturnStatus = "rejected"
)

// ReturnRequest asks for materials on a paid order to be taken back. An
// approved return is refunded into the user's PCash ledger.
type ReturnRequest struct {
	ID              string
	UserID          string
	OrderID         string
	Reason          string
	RequestedAmount int64
	RefundAmount    *int64
	Status          ReturnStatus
	AdminNote       string
	CreditID        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}
