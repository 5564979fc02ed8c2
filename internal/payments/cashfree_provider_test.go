package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func newTestCashfree(t *testing.T, handler http.HandlerFunc) *CashfreeProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	provider, err := NewCashfreeProvider(CashfreeProviderConfig{
		AppID:      "app",
		SecretKey:  "secret",
		BaseURL:    server.URL + "/pg/",
		HTTPClient: server.Client(),
		Clock:      func() time.Time { return cashfreeTestNow },
	})
	if err != nil {
		t.Fatalf("NewCashfreeProvider: %v", err)
	}
	return provider
}

func TestCashfreeCreateCheckoutSession(t *testing.T) {
	var got cashfreeOrderRequest
	provider := newTestCashfree(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/pg/orders" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-client-id") != "app" || r.Header.Get("x-client-secret") != "secret" {
			t.Fatalf("missing credentials headers")
		}
		if r.Header.Get("x-api-version") != defaultCashfreeAPIVersion {
			t.Fatalf("unexpected api version %q", r.Header.Get("x-api-version"))
		}
		if r.Header.Get("x-idempotency-key") != "idem-1" {
			t.Fatalf("expected idempotency key to be forwarded")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"cf_order_id":        2149460581,
			"order_id":           "ord_1",
			"order_amount":       143.31,
			"order_currency":     "INR",
			"order_status":       "ACTIVE",
			"order_expiry_time":  "2025-03-01T16:00:00+05:30",
			"payment_session_id": "session_abc",
		})
	})

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		OrderID:        "ord_1",
		Amount:         14331,
		Currency:       "inr",
		Customer:       Customer{ID: "u1", Phone: "9999999999"},
		ReturnURL:      "https://shop.example.com/return",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if got.OrderAmount != 143.31 || got.OrderCurrency != "INR" || got.CustomerDetails.CustomerPhone != "9999999999" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if session.ID != "session_abc" || session.OrderRef != "ord_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if want := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC); !session.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, session.ExpiresAt)
	}
}

func TestCashfreeCreateRequiresPhone(t *testing.T) {
	provider := newTestCashfree(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected call")
	})
	_, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{OrderID: "o", Amount: 100})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCashfreeLookupMapsStatus(t *testing.T) {
	provider := newTestCashfree(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pg/orders/ord_1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"cf_order_id":"77","order_id":"ord_1","order_amount":143.31,"order_currency":"INR","order_status":"PAID"}`))
	})
	details, err := provider.LookupPayment(context.Background(), LookupRequest{OrderRef: "ord_1"})
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if details.Status != StatusSucceeded || details.Amount != 14331 || details.PaidAt == nil {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestCashfreeSurfacesAPIErrors(t *testing.T) {
	provider := newTestCashfree(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"authentication Failed","code":"request_failed","type":"authentication_error"}`))
	})
	_, err := provider.LookupPayment(context.Background(), LookupRequest{OrderRef: "ord_1"})
	var apiErr *CashfreeError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected CashfreeError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Type != "authentication_error" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

var cashfreeTestNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func signedCashfreeWebhook(payload []byte, secret string, at time.Time) WebhookRequest {
	stamp := strconv.FormatInt(at.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(stamp))
	mac.Write(payload)
	headers := http.Header{}
	headers.Set("x-webhook-signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	headers.Set("x-webhook-timestamp", stamp)
	return WebhookRequest{Payload: payload, Headers: headers}
}

func TestCashfreeParseWebhook(t *testing.T) {
	provider := newTestCashfree(t, func(w http.ResponseWriter, r *http.Request) {})
	payload := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"ord_1","order_amount":143.31,"order_currency":"INR"},"payment":{"cf_payment_id":5114910,"payment_status":"SUCCESS","payment_amount":143.31,"payment_time":"2025-03-01T15:42:44+05:30"}}}`)
	details, err := provider.ParseWebhook(signedCashfreeWebhook(payload, "secret", cashfreeTestNow))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if details.OrderID != "ord_1" || details.PaymentID != "5114910" || details.Status != StatusSucceeded {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.PaidAt == nil || !details.PaidAt.Equal(time.Date(2025, 3, 1, 10, 12, 44, 0, time.UTC)) {
		t.Fatalf("unexpected paidAt %v", details.PaidAt)
	}

	failed := []byte(`{"type":"PAYMENT_FAILED_WEBHOOK","data":{"order":{"order_id":"ord_1"},"payment":{"payment_status":"FAILED"}}}`)
	details, err = provider.ParseWebhook(signedCashfreeWebhook(failed, "secret", cashfreeTestNow.Add(-time.Minute)))
	if err != nil || details.Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v (%v)", details, err)
	}

	refund := []byte(`{"type":"REFUND_STATUS_WEBHOOK","data":{}}`)
	if _, err := provider.ParseWebhook(signedCashfreeWebhook(refund, "secret", cashfreeTestNow)); !errors.Is(err, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", err)
	}
}

func TestCashfreeParseWebhookRejectsBadSignatures(t *testing.T) {
	provider := newTestCashfree(t, func(w http.ResponseWriter, r *http.Request) {})
	payload := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"ord_1"},"payment":{"payment_status":"SUCCESS"}}}`)

	tampered := signedCashfreeWebhook(payload, "secret", cashfreeTestNow)
	tampered.Payload = bytes.Replace(payload, []byte("ord_1"), []byte("ord_2"), 1)

	garbled := signedCashfreeWebhook(payload, "secret", cashfreeTestNow)
	garbled.Headers.Set("x-webhook-signature", "not base64!")

	badStamp := signedCashfreeWebhook(payload, "secret", cashfreeTestNow)
	badStamp.Headers.Set("x-webhook-timestamp", "yesterday")

	cases := map[string]WebhookRequest{
		"unsigned":      {Payload: payload, Headers: http.Header{}},
		"wrong secret":  signedCashfreeWebhook(payload, "other", cashfreeTestNow),
		"stale":         signedCashfreeWebhook(payload, "secret", cashfreeTestNow.Add(-10*time.Minute)),
		"future":        signedCashfreeWebhook(payload, "secret", cashfreeTestNow.Add(10*time.Minute)),
		"tampered":      tampered,
		"garbled":       garbled,
		"bad timestamp": badStamp,
	}
	for name, req := range cases {
		if _, err := provider.ParseWebhook(req); !errors.Is(err, ErrWebhookSignature) {
			t.Fatalf("%s: expected ErrWebhookSignature, got %v", name, err)
		}
	}
}

func TestCashfreeWebhookSecretOverride(t *testing.T) {
	provider, err := NewCashfreeProvider(CashfreeProviderConfig{
		AppID:         "app",
		SecretKey:     "secret",
		WebhookSecret: "hook-secret",
		Orders:        &fakeCashfreeOrders{},
		Clock:         func() time.Time { return cashfreeTestNow },
	})
	if err != nil {
		t.Fatalf("NewCashfreeProvider: %v", err)
	}
	payload := []byte(`{"type":"PAYMENT_SUCCESS_WEBHOOK","data":{"order":{"order_id":"ord_1"},"payment":{"payment_status":"SUCCESS"}}}`)
	if _, err := provider.ParseWebhook(signedCashfreeWebhook(payload, "hook-secret", cashfreeTestNow)); err != nil {
		t.Fatalf("expected override secret to verify, got %v", err)
	}
	if _, err := provider.ParseWebhook(signedCashfreeWebhook(payload, "secret", cashfreeTestNow)); !errors.Is(err, ErrWebhookSignature) {
		t.Fatalf("expected api secret to be rejected, got %v", err)
	}
}

type fakeCashfreeOrders struct {
	created        cashfreeOrderRequest
	idempotencyKey string
	fetched        string
	order          cashfreeOrder
	err            error
}

func (f *fakeCashfreeOrders) CreateOrder(_ context.Context, idempotencyKey string, req cashfreeOrderRequest) (cashfreeOrder, error) {
	f.created = req
	f.idempotencyKey = idempotencyKey
	return f.order, f.err
}

func (f *fakeCashfreeOrders) FetchOrder(_ context.Context, orderID string) (cashfreeOrder, error) {
	f.fetched = orderID
	return f.order, f.err
}

func TestCashfreeUsesInjectedOrdersAPI(t *testing.T) {
	orders := &fakeCashfreeOrders{order: cashfreeOrder{OrderID: "ord_1", OrderStatus: "EXPIRED", OrderAmount: 10, OrderCurrency: "inr"}}
	provider, err := NewCashfreeProvider(CashfreeProviderConfig{AppID: "app", SecretKey: "secret", Orders: orders})
	if err != nil {
		t.Fatalf("NewCashfreeProvider: %v", err)
	}
	if _, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		OrderID:        "ord_1",
		Amount:         1000,
		Customer:       Customer{Phone: "9999999999"},
		IdempotencyKey: "idem-9",
	}); err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if orders.created.OrderAmount != 10 || orders.created.OrderCurrency != "INR" || orders.idempotencyKey != "idem-9" {
		t.Fatalf("unexpected create call %+v %q", orders.created, orders.idempotencyKey)
	}
	details, err := provider.LookupPayment(context.Background(), LookupRequest{OrderRef: "ord_1"})
	if err != nil {
		t.Fatalf("LookupPayment: %v", err)
	}
	if orders.fetched != "ord_1" || details.Status != StatusFailed || details.Amount != 1000 || details.Currency != "INR" {
		t.Fatalf("unexpected lookup %q %+v", orders.fetched, details)
	}

	orders.err = errors.New("boom")
	if _, err := provider.LookupPayment(context.Background(), LookupRequest{OrderRef: "ord_1"}); err == nil {
		t.Fatalf("expected orders api error to surface")
	}
}

func TestCashfreeDefaultClientIsTraced(t *testing.T) {
	orders, err := newCashfreeHTTPOrders("app", "secret", "https://sandbox.cashfree.com/pg", "", nil)
	if err != nil {
		t.Fatalf("newCashfreeHTTPOrders: %v", err)
	}
	if _, ok := orders.client.Transport.(*otelhttp.Transport); !ok {
		t.Fatalf("expected otelhttp transport, got %T", orders.client.Transport)
	}
	if orders.apiVersion != defaultCashfreeAPIVersion {
		t.Fatalf("unexpected api version %q", orders.apiVersion)
	}
	if _, err := newCashfreeHTTPOrders("app", "secret", " ", "", nil); err == nil {
		t.Fatalf("expected error without base url")
	}
}
