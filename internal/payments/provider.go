package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidRequest is returned for requests a provider cannot serve.
	ErrInvalidRequest = errors.New("payments: invalid request")
	// ErrUnhandledEvent marks webhook payloads that carry no payment outcome.
	ErrUnhandledEvent = errors.New("payments: unhandled webhook event")
	// ErrWebhookSignature marks webhook deliveries whose provider signature is missing or invalid.
	ErrWebhookSignature = errors.New("payments: webhook signature invalid")
)

// Logger receives structured provider events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Customer identifies the payer to the PSP.
type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// CheckoutSessionRequest captures the payload required to create a checkout session.
// Amount is in minor units.
type CheckoutSessionRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	Description    string
	Customer       Customer
	ReturnURL      string
	CancelURL      string
	ExpiresAt      time.Time
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession represents the PSP session returned to the client.
type CheckoutSession struct {
	ID          string
	Provider    string
	OrderRef    string
	RedirectURL string
	ExpiresAt   time.Time
}

// LookupRequest identifies a payment by the references returned at session creation.
type LookupRequest struct {
	SessionID string
	OrderRef  string
}

// PaymentDetails normalises PSP specific fields for storage.
type PaymentDetails struct {
	Provider  string
	OrderID   string
	PaymentID string
	Status    Status
	Amount    int64
	Currency  string
	PaidAt    *time.Time
}

// WebhookRequest is a raw webhook delivery. Headers carry the provider signature.
type WebhookRequest struct {
	Payload []byte
	Headers http.Header
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
	// ParseWebhook verifies the provider signature and decodes the body.
	ParseWebhook(req WebhookRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers. Cashfree is
// the default when registered, since it settles INR natively.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normaliseKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	switch {
	case copyMap[ProviderCashfree] != nil:
		m.defaultProvider = ProviderCashfree
	case copyMap[ProviderStripe] != nil:
		m.defaultProvider = ProviderStripe
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Provider returns the adapter registered under name.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if p, ok := m.providers[normaliseKey(name)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if provider := normaliseKey(ctx.PreferredProvider); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := normaliseKey(providerKey)
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := normaliseKey(m.defaultProvider); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession delegates to the resolved provider.
func (m *Manager) CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CheckoutSession{}, err
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// LookupPayment asks the named provider for the current payment state.
func (m *Manager) LookupPayment(ctx context.Context, providerName string, req LookupRequest) (PaymentDetails, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

// ParseWebhook verifies and decodes a delivery with the named provider.
func (m *Manager) ParseWebhook(providerName string, req WebhookRequest) (PaymentDetails, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.ParseWebhook(req)
}

func normaliseKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Provider registration keys.
const (
	ProviderCashfree = "cashfree"
	ProviderStripe   = "stripe"
)
