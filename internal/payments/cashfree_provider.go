package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultCashfreeAPIVersion = "2023-08-01"
	cashfreeResponseLimit     = 1 << 20
	cashfreeWebhookTolerance  = 5 * time.Minute

	cashfreeSignatureHeader = "x-webhook-signature"
	cashfreeTimestampHeader = "x-webhook-timestamp"
)

// cashfreeOrdersAPI is the slice of the Cashfree PG orders API the provider uses.
type cashfreeOrdersAPI interface {
	CreateOrder(ctx context.Context, idempotencyKey string, req cashfreeOrderRequest) (cashfreeOrder, error)
	FetchOrder(ctx context.Context, orderID string) (cashfreeOrder, error)
}

// CashfreeProviderConfig configures the CashfreeProvider. WebhookSecret
// defaults to SecretKey, which is what Cashfree signs webhooks with.
type CashfreeProviderConfig struct {
	AppID         string
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	APIVersion    string
	HTTPClient    *http.Client
	Logger        Logger
	Clock         func() time.Time
	Orders        cashfreeOrdersAPI
}

// CashfreeProvider implements Provider against the Cashfree PG orders API.
type CashfreeProvider struct {
	orders        cashfreeOrdersAPI
	webhookSecret string
	logger        Logger
	clock         func() time.Time
}

type cashfreeHTTPOrders struct {
	appID      string
	secretKey  string
	baseURL    string
	apiVersion string
	client     *http.Client
}

// CashfreeError is a non-2xx response from the Cashfree API.
type CashfreeError struct {
	StatusCode int
	Code       string
	Type       string
	Message    string
}

func (e *CashfreeError) Error() string {
	return fmt.Sprintf("cashfree: status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
}

// NewCashfreeProvider validates credentials and returns the provider.
func NewCashfreeProvider(cfg CashfreeProviderConfig) (*CashfreeProvider, error) {
	appID := strings.TrimSpace(cfg.AppID)
	secret := strings.TrimSpace(cfg.SecretKey)
	if appID == "" || secret == "" {
		return nil, errors.New("cashfree: app id and secret key are required")
	}
	orders := cfg.Orders
	if orders == nil {
		httpOrders, err := newCashfreeHTTPOrders(appID, secret, cfg.BaseURL, cfg.APIVersion, cfg.HTTPClient)
		if err != nil {
			return nil, err
		}
		orders = httpOrders
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CashfreeProvider{
		orders:        orders,
		webhookSecret: defaultString(strings.TrimSpace(cfg.WebhookSecret), secret),
		logger:        logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// newCashfreeHTTPOrders talks to the orders API over HTTP. Outbound calls are
// traced through otelhttp unless the caller supplies its own client.
func newCashfreeHTTPOrders(appID, secret, baseURL, apiVersion string, client *http.Client) (*cashfreeHTTPOrders, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("cashfree: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("cashfree: invalid base url: %w", err)
	}
	if client == nil {
		client = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &cashfreeHTTPOrders{
		appID:      appID,
		secretKey:  secret,
		baseURL:    base,
		apiVersion: defaultString(apiVersion, defaultCashfreeAPIVersion),
		client:     client,
	}, nil
}

func (c *cashfreeHTTPOrders) CreateOrder(ctx context.Context, idempotencyKey string, req cashfreeOrderRequest) (cashfreeOrder, error) {
	var order cashfreeOrder
	err := c.do(ctx, http.MethodPost, "/orders", idempotencyKey, req, &order)
	return order, err
}

func (c *cashfreeHTTPOrders) FetchOrder(ctx context.Context, orderID string) (cashfreeOrder, error) {
	var order cashfreeOrder
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), "", nil, &order)
	return order, err
}

type cashfreeCustomer struct {
	CustomerID    string `json:"customer_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	CustomerPhone string `json:"customer_phone"`
}

type cashfreeOrderMeta struct {
	ReturnURL string `json:"return_url,omitempty"`
}

type cashfreeOrderRequest struct {
	OrderID         string            `json:"order_id"`
	OrderAmount     float64           `json:"order_amount"`
	OrderCurrency   string            `json:"order_currency"`
	OrderNote       string            `json:"order_note,omitempty"`
	OrderExpiryTime string            `json:"order_expiry_time,omitempty"`
	OrderTags       map[string]string `json:"order_tags,omitempty"`
	CustomerDetails cashfreeCustomer  `json:"customer_details"`
	OrderMeta       cashfreeOrderMeta `json:"order_meta"`
}

type cashfreeOrder struct {
	CFOrderID        json.Number `json:"cf_order_id"`
	OrderID          string      `json:"order_id"`
	OrderAmount      float64     `json:"order_amount"`
	OrderCurrency    string      `json:"order_currency"`
	OrderStatus      string      `json:"order_status"`
	OrderExpiryTime  string      `json:"order_expiry_time"`
	PaymentSessionID string      `json:"payment_session_id"`
}

type cashfreeWebhook struct {
	Type string `json:"type"`
	Data struct {
		Order struct {
			OrderID       string  `json:"order_id"`
			OrderAmount   float64 `json:"order_amount"`
			OrderCurrency string  `json:"order_currency"`
		} `json:"order"`
		Payment struct {
			CFPaymentID   json.Number `json:"cf_payment_id"`
			PaymentStatus string      `json:"payment_status"`
			PaymentAmount float64     `json:"payment_amount"`
			PaymentTime   string      `json:"payment_time"`
		} `json:"payment"`
	} `json:"data"`
}

// CreateCheckoutSession creates a Cashfree order whose payment_session_id the
// client hands to the Cashfree checkout widget.
func (p *CashfreeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("cashfree: provider is nil")
	}
	if strings.TrimSpace(req.OrderID) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Customer.Phone) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: customer phone is required", ErrInvalidRequest)
	}

	body := cashfreeOrderRequest{
		OrderID:       req.OrderID,
		OrderAmount:   toMajorUnits(req.Amount),
		OrderCurrency: strings.ToUpper(defaultString(req.Currency, "INR")),
		OrderNote:     req.Description,
		OrderTags:     req.Metadata,
		CustomerDetails: cashfreeCustomer{
			CustomerID:    req.Customer.ID,
			CustomerName:  req.Customer.Name,
			CustomerEmail: req.Customer.Email,
			CustomerPhone: req.Customer.Phone,
		},
		OrderMeta: cashfreeOrderMeta{ReturnURL: req.ReturnURL},
	}
	if !req.ExpiresAt.IsZero() {
		body.OrderExpiryTime = req.ExpiresAt.UTC().Format(time.RFC3339)
	}

	order, err := p.orders.CreateOrder(ctx, req.IdempotencyKey, body)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("cashfree: create order: %w", err)
	}

	p.logger(ctx, "payments.cashfree.order.created", map[string]any{
		"orderId":   order.OrderID,
		"cfOrderId": order.CFOrderID.String(),
		"status":    order.OrderStatus,
	})

	expiresAt := req.ExpiresAt
	if parsed, err := time.Parse(time.RFC3339, order.OrderExpiryTime); err == nil {
		expiresAt = parsed.UTC()
	}
	return CheckoutSession{
		ID:        order.PaymentSessionID,
		Provider:  ProviderCashfree,
		OrderRef:  defaultString(order.OrderID, req.OrderID),
		ExpiresAt: expiresAt,
	}, nil
}

// LookupPayment fetches the order and maps its status.
func (p *CashfreeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("cashfree: provider is nil")
	}
	ref := strings.TrimSpace(req.OrderRef)
	if ref == "" {
		return PaymentDetails{}, fmt.Errorf("%w: order reference is required", ErrInvalidRequest)
	}
	order, err := p.orders.FetchOrder(ctx, ref)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("cashfree: get order: %w", err)
	}
	details := PaymentDetails{
		Provider:  ProviderCashfree,
		OrderID:   order.OrderID,
		PaymentID: order.CFOrderID.String(),
		Status:    cashfreeOrderStatus(order.OrderStatus),
		Amount:    toMinorUnits(order.OrderAmount),
		Currency:  strings.ToUpper(order.OrderCurrency),
	}
	if details.Status == StatusSucceeded {
		paidAt := p.clock()
		details.PaidAt = &paidAt
	}
	return details, nil
}

// ParseWebhook verifies the x-webhook-signature header and decodes PAYMENT_*
// webhook payloads.
func (p *CashfreeProvider) ParseWebhook(req WebhookRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("cashfree: provider is nil")
	}
	if err := p.verifyWebhook(req); err != nil {
		return PaymentDetails{}, err
	}
	var hook cashfreeWebhook
	if err := json.Unmarshal(req.Payload, &hook); err != nil {
		return PaymentDetails{}, fmt.Errorf("cashfree: decode webhook: %w", err)
	}
	if !strings.HasPrefix(hook.Type, "PAYMENT_") || hook.Data.Order.OrderID == "" {
		return PaymentDetails{}, fmt.Errorf("%w: %s", ErrUnhandledEvent, hook.Type)
	}
	details := PaymentDetails{
		Provider:  ProviderCashfree,
		OrderID:   hook.Data.Order.OrderID,
		PaymentID: hook.Data.Payment.CFPaymentID.String(),
		Amount:    toMinorUnits(hook.Data.Payment.PaymentAmount),
		Currency:  strings.ToUpper(hook.Data.Order.OrderCurrency),
	}
	switch strings.ToUpper(hook.Data.Payment.PaymentStatus) {
	case "SUCCESS":
		details.Status = StatusSucceeded
		paidAt := p.clock()
		if parsed, err := time.Parse(time.RFC3339, hook.Data.Payment.PaymentTime); err == nil {
			paidAt = parsed.UTC()
		}
		details.PaidAt = &paidAt
	case "FAILED", "USER_DROPPED", "CANCELLED":
		details.Status = StatusFailed
	default:
		details.Status = StatusPending
	}
	return details, nil
}

// verifyWebhook checks base64(HMAC-SHA256(timestamp + body)) and rejects
// deliveries whose timestamp falls outside the tolerance window.
func (p *CashfreeProvider) verifyWebhook(req WebhookRequest) error {
	signature := strings.TrimSpace(req.Headers.Get(cashfreeSignatureHeader))
	timestamp := strings.TrimSpace(req.Headers.Get(cashfreeTimestampHeader))
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: cashfree signature headers missing", ErrWebhookSignature)
	}
	sentAt, err := parseCashfreeTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}
	if skew := p.clock().Sub(sentAt); skew > cashfreeWebhookTolerance || skew < -cashfreeWebhookTolerance {
		return fmt.Errorf("%w: cashfree timestamp outside tolerance", ErrWebhookSignature)
	}
	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: cashfree signature not base64", ErrWebhookSignature)
	}
	if !hmac.Equal(provided, cashfreeSignature(p.webhookSecret, timestamp, req.Payload)) {
		return fmt.Errorf("%w: cashfree signature mismatch", ErrWebhookSignature)
	}
	return nil
}

func cashfreeSignature(secret, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Cashfree sends epoch milliseconds; plain seconds are accepted too.
func parseCashfreeTimestamp(value string) (time.Time, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, fmt.Errorf("invalid cashfree timestamp %q", value)
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

func (c *cashfreeHTTPOrders) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-client-id", c.appID)
	req.Header.Set("x-client-secret", c.secretKey)
	req.Header.Set("x-api-version", c.apiVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		req.Header.Set("x-idempotency-key", key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cashfreeResponseLimit))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &CashfreeError{StatusCode: resp.StatusCode}
		var envelope struct {
			Message string `json:"message"`
			Code    string `json:"code"`
			Type    string `json:"type"`
		}
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Message = envelope.Message
			apiErr.Code = envelope.Code
			apiErr.Type = envelope.Type
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func cashfreeOrderStatus(status string) Status {
	switch strings.ToUpper(status) {
	case "PAID":
		return StatusSucceeded
	case "EXPIRED", "TERMINATED", "TERMINATION_REQUESTED":
		return StatusFailed
	default:
		return StatusPending
	}
}

func toMajorUnits(minor int64) float64 {
	return float64(minor) / 100
}

func toMinorUnits(major float64) int64 {
	return int64(math.Round(major * 100))
}

var (
	_ Provider          = (*CashfreeProvider)(nil)
	_ cashfreeOrdersAPI = (*cashfreeHTTPOrders)(nil)
)
