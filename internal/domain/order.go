package domain

import "time"

// PaymentKind distinguishes product purchases from service bookings.
type PaymentKind string

const (
	// PaymentKindProduct charges the full order total.
	PaymentKindProduct PaymentKind = "product"
	// PaymentKindService charges the advance percentage of a service booking.
	PaymentKindService PaymentKind = "service"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order awaits payment completion.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaid indicates payment succeeded and the order is placed.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusPaymentFailed indicates the gateway reported a failed payment.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	// OrderStatusCanceled indicates the order has been canceled.
	OrderStatusCanceled OrderStatus = "canceled"
)

// Order captures an order created from a checkout session.
type Order struct {
	ID                string
	UserID            string
	SessionID         string
	Kind              PaymentKind
	Status            OrderStatus
	Currency          string
	Totals            Totals
	AmountDue         int64
	AdvancePercentage *int
	Items             []CartItem
	Services          []ServiceItem
	TransportMode     TransportMode
	CouponCode        string
	ShippingAddress   *Address
	BillingAddress    *Address
	GSTBilling        *GSTBilling
	Schedule          ServiceSchedule
	Payment           *PaymentSession
	Reconciliation    *OrderReconciliation
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
}

// OrderReconciliation marks a paid order whose P-Cash discount could not be
// debited from the ledger. Operations settle the shortfall by hand.
type OrderReconciliation struct {
	Reason         string
	PCashShortfall int64
	FlaggedAt      time.Time
}

// PaymentSession is the gateway session handed to the client checkout widget.
type PaymentSession struct {
	Provider    string
	SessionID   string
	OrderRef    string
	RedirectURL string
	Amount      int64
	Currency    string
	ExpiresAt   time.Time
}

// PriceRequestStatus is the lifecycle of a quote request.
type PriceRequestStatus string

const (
	PriceRequestPending  PriceRequestStatus = "pending"
	PriceRequestQuoted   PriceRequestStatus = "quoted"
	PriceRequestRejected PriceRequestStatus = "rejected"
)

// PriceRequest is a quote-on-request for a service variant without a fixed price.
type PriceRequest struct {
	ID            string
	UserID        string
	ServiceID     string
	ServiceName   string
	VariantName   string
	Message       string
	AttachmentKey string
	Status        PriceRequestStatus
	FinalPrice    *int64
	AdminNote     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}
