package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Stripe refuses checkout sessions expiring sooner than this.
const stripeMinSessionTTL = 30 * time.Minute

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        Logger
	Clock         func() time.Time
	Sessions      stripeSessionAPI
}

// StripeProvider implements Provider with Stripe Checkout sessions.
type StripeProvider struct {
	sessions      stripeSessionAPI
	account       string
	webhookSecret string
	clock         func() time.Time
	logger        Logger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	sessions := cfg.Sessions
	if sessions == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(apiKey, cfg.Backends).CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		sessions:      sessions,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a single-line Stripe Checkout session for the order amount.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		CancelURL:         stripe.String(defaultString(req.CancelURL, req.ReturnURL)),
		ClientReferenceID: stripe.String(req.OrderID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Customer.Email != "" {
		params.CustomerEmail = stripe.String(req.Customer.Email)
	}
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.Sub(p.clock()) >= stripeMinSessionTTL {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}

	metadata := map[string]string{"orderId": req.OrderID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}

	params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(req.Currency)),
			UnitAmount: stripe.Int64(req.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(defaultString(req.Description, "Order "+req.OrderID)),
			},
		},
	}}

	session, err := p.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
		"currency":  session.Currency,
	})

	expiresAt := req.ExpiresAt
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		Provider:    ProviderStripe,
		OrderRef:    req.OrderID,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// LookupPayment retrieves the Checkout session and maps its payment status.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return PaymentDetails{}, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.AddExpand("payment_intent")
	session, err := p.sessions.Get(req.SessionID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup checkout session: %w", err)
	}
	return p.sessionDetails(session), nil
}

// ParseWebhook checks the Stripe-Signature header against the endpoint secret
// and decodes checkout.session.* events.
func (p *StripeProvider) ParseWebhook(req WebhookRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return PaymentDetails{}, fmt.Errorf("%w: stripe webhook secret not configured", ErrWebhookSignature)
	}
	event, err := webhook.ConstructEvent(req.Payload, req.Headers.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return PaymentDetails{}, fmt.Errorf("%w: %v", ErrWebhookSignature, err)
		}
		return PaymentDetails{}, fmt.Errorf("stripe: decode event: %w", err)
	}
	if event.Data == nil || !strings.HasPrefix(string(event.Type), "checkout.session.") {
		return PaymentDetails{}, fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Type)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	details := p.sessionDetails(&session)
	switch string(event.Type) {
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		details.Status = StatusFailed
	}
	return details, nil
}

func (p *StripeProvider) sessionDetails(session *stripe.CheckoutSession) PaymentDetails {
	if session == nil {
		return PaymentDetails{}
	}
	details := PaymentDetails{
		Provider:  ProviderStripe,
		OrderID:   session.ClientReferenceID,
		PaymentID: session.ID,
		Status:    StatusPending,
		Amount:    session.AmountTotal,
		Currency:  strings.ToUpper(string(session.Currency)),
	}
	if details.OrderID == "" {
		details.OrderID = session.Metadata["orderId"]
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		details.PaymentID = session.PaymentIntent.ID
	}
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		details.Status = StatusSucceeded
		paidAt := p.clock()
		details.PaidAt = &paidAt
	case session.Status == stripe.CheckoutSessionStatusExpired:
		details.Status = StatusFailed
	}
	return details
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

var _ Provider = (*StripeProvider)(nil)
