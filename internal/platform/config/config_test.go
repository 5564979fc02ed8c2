package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func load(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	base := []Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}
	return Load(context.Background(), append(base, opts...)...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := load(t, map[string]string{"API_FIREBASE_PROJECT_ID": "bk-dev"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "bk-dev" || cfg.PubSub.ProjectID != "bk-dev" {
		t.Errorf("expected project ids to default to firebase project, got %s / %s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Pricing.GSTBasisPoints != 1800 {
		t.Errorf("expected default gst 1800 bps, got %d", cfg.Pricing.GSTBasisPoints)
	}
	if cfg.Pricing.LaborPerFloor != 5000 {
		t.Errorf("expected default labor per floor 5000, got %d", cfg.Pricing.LaborPerFloor)
	}
	if len(cfg.Pricing.TransportBasePrices) != 0 {
		t.Errorf("expected no transport overrides, got %v", cfg.Pricing.TransportBasePrices)
	}
	if cfg.PSP.DefaultProvider != "cashfree" {
		t.Errorf("expected cashfree default provider, got %s", cfg.PSP.DefaultProvider)
	}
	if cfg.Dispatch.Configured {
		t.Errorf("expected dispatch centre to be unset")
	}
	if len(cfg.Security.OIDC.Issuers) != 1 || cfg.Security.OIDC.Issuers[0] != defaultOIDCIssuer {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected idempotency defaults: %+v", cfg.Idempotency)
	}
	if cfg.PubSub.OrderPlacedTopic != "order-placed" {
		t.Errorf("unexpected order topic %s", cfg.PubSub.OrderPlacedTopic)
	}
	if cfg.Loyalty.ReturnWindow != 30*24*time.Hour || cfg.Loyalty.RefundCreditTTL != 0 {
		t.Errorf("unexpected return defaults %+v", cfg.Loyalty)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9090",
		"API_SERVER_READ_TIMEOUT":            "20s",
		"API_FIREBASE_PROJECT_ID":            "bk-prod",
		"API_FIRESTORE_PROJECT_ID":           "bk-fire",
		"API_STORAGE_UPLOADS_BUCKET":         "bk-uploads",
		"API_PSP_DEFAULT_PROVIDER":           "Stripe",
		"API_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"API_PSP_CASHFREE_APP_ID":            "cf-app",
		"API_PSP_CASHFREE_SECRET_KEY":        "sm://cashfree/key",
		"API_PRICING_GST_BPS":                "500",
		"API_PRICING_TRANSPORT_BASE_PRICES":  "bike=60, tempo=500",
		"API_LOYALTY_MAX_APPLICABLE_CAP":     "20000",
		"API_LOYALTY_MAX_APPLICABLE_PERCENT": "5",
		"API_LOYALTY_RETURN_WINDOW":          "168h",
		"API_LOYALTY_REFUND_CREDIT_TTL":      "2160h",
		"API_DISPATCH_LATITUDE":              "12.9716",
		"API_DISPATCH_LONGITUDE":             "77.5946",
		"API_SECURITY_ENVIRONMENT":           "PROD",
		"API_SECURITY_OIDC_AUDIENCE":         "https://api.example.com",
		"API_SECURITY_HMAC_SECRETS":          "Internal-Jobs=secret://hmac/jobs,backfill=plain",
		"API_IDEMPOTENCY_TTL":                "48h",
	}
	secrets := map[string]string{
		"secret://stripe/api":   "sk_live",
		"secret://cashfree/key": "cf-secret",
		"secret://hmac/jobs":    "jobs-hmac",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown")
	})

	cfg, err := load(t, env, WithSecretResolver(resolver), WithRequiredSecrets("PSP.CashfreeSecretKey"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "bk-fire" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PSP.DefaultProvider != "stripe" {
		t.Errorf("expected provider to be lower-cased, got %s", cfg.PSP.DefaultProvider)
	}
	if cfg.PSP.StripeAPIKey != "sk_live" || cfg.PSP.CashfreeSecretKey != "cf-secret" {
		t.Errorf("expected resolved psp secrets, got %+v", cfg.PSP)
	}
	if cfg.Pricing.GSTBasisPoints != 500 {
		t.Errorf("expected gst override, got %d", cfg.Pricing.GSTBasisPoints)
	}
	if cfg.Pricing.TransportBasePrices["bike"] != 60 || cfg.Pricing.TransportBasePrices["tempo"] != 500 {
		t.Errorf("unexpected transport overrides %v", cfg.Pricing.TransportBasePrices)
	}
	if cfg.Loyalty.MaxApplicableCap != 20000 || cfg.Loyalty.MaxApplicablePercent != 5 || cfg.Loyalty.ReturnWindow != 7*24*time.Hour || cfg.Loyalty.RefundCreditTTL != 90*24*time.Hour {
		t.Errorf("unexpected loyalty config %+v", cfg.Loyalty)
	}
	if !cfg.Dispatch.Configured || cfg.Dispatch.Latitude != 12.9716 || cfg.Dispatch.Longitude != 77.5946 {
		t.Errorf("unexpected dispatch config %+v", cfg.Dispatch)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Security.HMAC.Secrets["internal-jobs"] != "jobs-hmac" || cfg.Security.HMAC.Secrets["backfill"] != "plain" {
		t.Errorf("unexpected hmac secrets %v", cfg.Security.HMAC.Secrets)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_PRICING_GST_BPS":               "12000",
		"API_PSP_DEFAULT_PROVIDER":          "paypal",
		"API_PRICING_TRANSPORT_BASE_PRICES": "bike=abc",
		"API_DISPATCH_LATITUDE":             "12.5",
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := strings.Join(vErr.Fields(), ",")
	for _, want := range []string{"Firebase.ProjectID", "Pricing.GSTBasisPoints", "PSP.DefaultProvider", "Pricing.TransportBasePrices[bike]", "Dispatch.Coordinates"} {
		if !strings.Contains(fields, want) {
			t.Errorf("expected %s in %s", want, fields)
		}
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	_, err := load(t, map[string]string{
		"API_FIREBASE_PROJECT_ID":     "bk-dev",
		"API_PSP_CASHFREE_SECRET_KEY": "secret://cashfree/key",
	})
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected resolver not configured, got %v", err)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := load(t, map[string]string{"API_FIREBASE_PROJECT_ID": "bk-dev"},
		WithRequiredSecrets("PSP.CashfreeSecretKey", "Security.HMAC.Secrets[internal-jobs]"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	if len(missing.Names()) != 2 {
		t.Fatalf("expected two missing secrets, got %v", missing.Names())
	}
	if strings.Contains(missing.Error(), "Cashfree") {
		t.Fatalf("expected redacted names in message, got %s", missing.Error())
	}
}

func TestLoadReadsDotEnvWithLowestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local\nexport API_FIREBASE_PROJECT_ID=\"from-file\"\nAPI_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "from-file" {
		t.Errorf("expected project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected explicit map to win, got %s", cfg.Server.Port)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["API_SERVER_PORT"] != "7070" {
		t.Errorf("expected dotenv value, got %q", values["API_SERVER_PORT"])
	}
}
