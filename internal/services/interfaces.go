package services

import (
	"context"
	"net/http"
	"time"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/payments"
	"github.com/buildkart/api/internal/platform/storage"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination      = domain.Pagination
	CheckoutSession = domain.CheckoutSession
	Totals          = domain.Totals
	Order           = domain.Order
	Address         = domain.Address
	Coupon          = domain.Coupon
	PCashLedger     = domain.PCashLedger
	PriceRequest    = domain.PriceRequest
	ReturnRequest   = domain.ReturnRequest
	HealthReport    = domain.HealthReport
)

// CartService loads and mutates the per-user checkout session and prices it.
type CartService interface {
	GetCart(ctx context.Context, userID string) (CartView, error)
	Mutate(ctx context.Context, cmd MutateCartCommand) (CartView, error)
	ApplyCouponCode(ctx context.Context, cmd ApplyCouponCodeCommand) (CartView, error)
	SelectAddress(ctx context.Context, cmd SelectAddressCommand) (CartView, error)
	ChangeStep(ctx context.Context, cmd ChangeStepCommand) (StepResult, error)
	ClearCart(ctx context.Context, userID string) (CartView, error)
	ClearSession(ctx context.Context, userID, sessionID string) (bool, error)
	RefreshPrices(ctx context.Context, userID string) (CartView, bool, error)
}

// CheckoutService turns a ready cart into a payment session and settles the
// resulting order when the payment provider reports an outcome.
type CheckoutService interface {
	CreatePaymentSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSessionResult, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	HandlePaymentWebhook(ctx context.Context, cmd PaymentWebhookCommand) (Order, error)
}

// OrderService exposes a user's placed orders.
type OrderService interface {
	ListOrders(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error)
	GetOrder(ctx context.Context, userID, orderID string) (Order, error)
}

// AddressService manages the user's address book.
type AddressService interface {
	ListAddresses(ctx context.Context, userID string) ([]Address, error)
	GetAddress(ctx context.Context, userID, addressID string) (Address, error)
	UpsertAddress(ctx context.Context, cmd UpsertAddressCommand) (Address, error)
	DeleteAddress(ctx context.Context, userID, addressID string) error
	SetDefaultAddress(ctx context.Context, userID, addressID string) (Address, error)
}

// CouponService validates discount codes for a user and order.
type CouponService interface {
	ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
	ListUserCoupons(ctx context.Context, userID string) ([]Coupon, error)
	UpsertCoupon(ctx context.Context, coupon Coupon) (Coupon, error)
}

// PCashService exposes the loyalty ledger.
type PCashService interface {
	Summary(ctx context.Context, userID string, orderTotal int64) (PCashSummary, error)
	Balance(ctx context.Context, userID string, orderTotal int64) (domain.PCashBalance, error)
	Ledger(ctx context.Context, userID string) (PCashLedgerView, error)
	Credit(ctx context.Context, cmd CreditPCashCommand) (PCashLedger, error)
	Consume(ctx context.Context, cmd ConsumePCashCommand) (PCashLedger, error)
	Hold(ctx context.Context, cmd HoldPCashCommand) (PCashLedger, error)
	Release(ctx context.Context, cmd ReleasePCashCommand) (bool, error)
	ScanExpiringCredits(ctx context.Context, cmd ScanExpiringCreditsCommand) (ExpiryScanResult, error)
}

// PriceRequestService manages quote-on-request submissions.
type PriceRequestService interface {
	Create(ctx context.Context, cmd CreatePriceRequestCommand) (PriceRequest, error)
	Get(ctx context.Context, userID, requestID string) (PriceRequest, error)
	ListMine(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[PriceRequest], error)
	ListAll(ctx context.Context, filter PriceRequestFilter) (domain.CursorPage[PriceRequest], error)
	Resolve(ctx context.Context, cmd ResolvePriceRequestCommand) (PriceRequest, error)
	AttachmentUploadURL(ctx context.Context, cmd AttachmentUploadCommand) (storage.SignedURL, error)
}

// ReturnService handles returns on paid orders and refunds approved ones to P-Cash.
type ReturnService interface {
	Create(ctx context.Context, cmd CreateReturnCommand) (ReturnRequest, error)
	Get(ctx context.Context, userID, returnID string) (ReturnRequest, error)
	ListMine(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[ReturnRequest], error)
	ListAll(ctx context.Context, filter ReturnFilter) (domain.CursorPage[ReturnRequest], error)
	Approve(ctx context.Context, cmd ApproveReturnCommand) (ReturnRequest, error)
	Reject(ctx context.Context, cmd RejectReturnCommand) (ReturnRequest, error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (HealthReport, error)
}

// PaymentGateway is the payment manager surface the checkout service relies on.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	LookupPayment(ctx context.Context, provider string, req payments.LookupRequest) (payments.PaymentDetails, error)
	ParseWebhook(provider string, req payments.WebhookRequest) (payments.PaymentDetails, error)
}

// AttachmentSigner issues signed URLs for price request drawings.
type AttachmentSigner interface {
	UploadURL(ctx context.Context, object, contentType string, size int64) (storage.SignedURL, error)
	DownloadURL(ctx context.Context, object string, ttl time.Duration) (storage.SignedURL, error)
}

// EventPublisher emits domain events to downstream consumers.
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event OrderPlacedEvent) (string, error)
	PublishPCashExpiring(ctx context.Context, event PCashExpiringEvent) (string, error)
}

// OrderPlacedEvent is published once an order's payment succeeds.
type OrderPlacedEvent struct {
	OrderID        string    `json:"orderId"`
	UserID         string    `json:"userId"`
	SessionID      string    `json:"sessionId"`
	Kind           string    `json:"kind"`
	Provider       string    `json:"provider"`
	Amount         int64     `json:"amount"`
	AmountDisplay  string    `json:"amountDisplay"`
	Currency       string    `json:"currency"`
	PCashConsumed  int64     `json:"pcashConsumed"`
	PCashShortfall int64     `json:"pcashShortfall,omitempty"`
	PlacedAt       time.Time `json:"placedAt"`
}

// PCashExpiringEvent notifies that a user's credits expire within the warning window.
type PCashExpiringEvent struct {
	UserID         string    `json:"userId"`
	CreditIDs      []string  `json:"creditIds"`
	Amount         int64     `json:"amount"`
	AmountDisplay  string    `json:"amountDisplay"`
	EarliestExpiry time.Time `json:"earliestExpiry"`
	DetectedAt     time.Time `json:"detectedAt"`
}

// CartView is the priced cart returned to clients.
type CartView struct {
	Session CheckoutSession
	Totals  Totals
	Steps   StepValidations
	PCash   domain.PCashBalance
}

// MutateCartCommand applies one reducer command. ExpectedUpdatedAt, when
// set, must match the stored session's lastUpdated.
type MutateCartCommand struct {
	UserID            string
	Command           CartCommand
	ExpectedUpdatedAt *time.Time
}

// ApplyCouponCodeCommand validates a code against the cart and applies it.
type ApplyCouponCodeCommand struct {
	UserID            string
	Code              string
	ExpectedUpdatedAt *time.Time
}

// SelectAddressCommand selects an address book entry as shipping or billing.
// An empty AddressID clears the selection.
type SelectAddressCommand struct {
	UserID            string
	AddressID         string
	Billing           bool
	ExpectedUpdatedAt *time.Time
}

// ChangeStepCommand requests a checkout step transition.
type ChangeStepCommand struct {
	UserID string
	Target domain.CheckoutStep
}

// StepResult carries the outcome of a step transition.
type StepResult struct {
	Cart       CartView
	Validation Validation
}

// CreatePaymentSessionCommand starts payment for the current cart.
type CreatePaymentSessionCommand struct {
	UserID            string
	Email             string
	PreferredProvider string
	ReturnURL         string
	IdempotencyKey    string
}

// PaymentSessionResult is the created order with its provider session.
type PaymentSessionResult struct {
	Order   Order
	Session domain.PaymentSession
}

// ConfirmPaymentCommand asks the provider for the outcome of an order's payment.
type ConfirmPaymentCommand struct {
	UserID  string
	OrderID string
}

// PaymentWebhookCommand carries a raw provider callback. Headers hold the
// provider signature, which is verified before the payload is trusted.
type PaymentWebhookCommand struct {
	Provider string
	Payload  []byte
	Headers  http.Header
}

// UpsertAddressCommand creates or updates an address book entry.
type UpsertAddressCommand struct {
	UserID  string
	Address Address
}

// ValidateCouponCommand checks a code for a user against an order subtotal.
type ValidateCouponCommand struct {
	UserID   string
	Code     string
	Subtotal int64
}

// CouponValidation is a usable coupon and the discount it grants on the subtotal.
type CouponValidation struct {
	Coupon   Coupon
	Discount int64
}

// PCashSummary is the balance view shown at checkout. CurrentBalance is the
// ledger's display balance; SpendableBalance excludes expired credit and holds.
type PCashSummary struct {
	CurrentBalance   int64
	SpendableBalance int64
	MaxApplicable    int64
	ExpiringSoon     []domain.PCashCredit
}

// PCashLedgerView is the ledger with display statuses resolved.
type PCashLedgerView struct {
	Ledger           PCashLedger
	CurrentBalance   int64
	SpendableBalance int64
	Credited         int64
	Consumed         int64
}

// CreditPCashCommand appends a credit to a user's ledger. A non-empty ID
// makes the credit idempotent: replaying it leaves the ledger unchanged.
type CreditPCashCommand struct {
	ID        string
	UserID    string
	Amount    int64
	Reason    domain.CreditReason
	Source    string
	Note      string
	ExpiresAt *time.Time
}

// ConsumePCashCommand appends a consumption to a user's ledger.
type ConsumePCashCommand struct {
	UserID    string
	Amount    int64
	OrderID   string
	ProductID string
}

// HoldPCashCommand reserves P-Cash for an order awaiting payment.
type HoldPCashCommand struct {
	UserID    string
	OrderID   string
	Amount    int64
	ExpiresAt time.Time
}

// ReleasePCashCommand drops the hold placed for an order.
type ReleasePCashCommand struct {
	UserID  string
	OrderID string
}

// ScanExpiringCreditsCommand bounds one expiry scan.
type ScanExpiringCreditsCommand struct {
	PageSize int
	MaxPages int
}

// ExpiryScanResult summarises an expiry scan.
type ExpiryScanResult struct {
	LedgersScanned  int
	EventsPublished int
	Failures        int
}

// CreatePriceRequestCommand submits a quote request.
type CreatePriceRequestCommand struct {
	UserID        string
	ServiceID     string
	ServiceName   string
	VariantName   string
	Message       string
	AttachmentKey string
}

// PriceRequestFilter narrows the admin listing.
type PriceRequestFilter struct {
	UserID     string
	Status     []domain.PriceRequestStatus
	Pagination Pagination
}

// ResolvePriceRequestCommand records the admin decision on a request.
type ResolvePriceRequestCommand struct {
	RequestID  string
	Status     domain.PriceRequestStatus
	FinalPrice *int64
	AdminNote  string
}

// AttachmentUploadCommand asks for a signed drawing upload URL.
type AttachmentUploadCommand struct {
	UserID      string
	RequestID   string
	FileName    string
	ContentType string
	Size        int64
}

// CreateReturnCommand raises a return against one of the caller's paid orders.
// A zero amount asks for the full refundable amount.
type CreateReturnCommand struct {
	UserID  string
	OrderID string
	Reason  string
	Amount  int64
}

// ReturnFilter narrows the admin listing.
type ReturnFilter struct {
	UserID     string
	Status     []domain.ReturnStatus
	Pagination Pagination
}

// ApproveReturnCommand approves a pending return. A nil amount refunds what
// the user asked for.
type ApproveReturnCommand struct {
	ReturnID  string
	Amount    *int64
	AdminNote string
}

type RejectReturnCommand struct {
	ReturnID  string
	AdminNote string
}
