package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultEnvironment         = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultGSTBasisPoints      = 1800
	defaultLaborPerFloor       = 5000
	defaultPCashCap            = 50000
	defaultPCashPercent        = 10
	defaultReturnWindow        = 30 * 24 * time.Hour
	defaultPaymentProvider     = "cashfree"
	defaultSessionTTL          = 30 * time.Minute
	defaultUploadURLTTL        = 15 * time.Minute
	defaultOrderPlacedTopic    = "order-placed"
	defaultPCashExpiringTopic  = "pcash-expiring"
	defaultCashfreeBaseURL     = "https://sandbox.cashfree.com/pg"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Pricing     PricingConfig
	Loyalty     LoyaltyConfig
	Dispatch    DispatchConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig controls price request attachment uploads.
type StorageConfig struct {
	UploadsBucket  string
	SignerEmail    string
	UploadURLTTL   time.Duration
	MaxUploadBytes int64
}

// PubSubConfig names the topics domain events are published to.
type PubSubConfig struct {
	ProjectID          string
	OrderPlacedTopic   string
	PCashExpiringTopic string
}

// PSPConfig collects payment provider settings.
type PSPConfig struct {
	DefaultProvider       string
	SessionTTL            time.Duration
	ReturnURL             string
	StripeAPIKey          string
	StripeWebhookSecret   string
	CashfreeAppID         string
	CashfreeSecretKey     string
	CashfreeBaseURL       string
	CashfreeWebhookSecret string
}

// PricingConfig holds the tax and surcharge knobs of the totals calculator.
type PricingConfig struct {
	GSTBasisPoints      int
	LaborPerFloor       int64
	TransportBasePrices map[string]int64
}

// LoyaltyConfig bounds how much P-Cash a single order may redeem and how
// returns are refunded into it. A zero RefundCreditTTL never expires refunds.
type LoyaltyConfig struct {
	MaxApplicableCap     int64
	MaxApplicablePercent int
	ReturnWindow         time.Duration
	RefundCreditTTL      time.Duration
}

// DispatchConfig locates the dispatch centre used for delivery distances.
// Configured is false when no coordinates were supplied.
type DispatchConfig struct {
	Configured bool
	Latitude   float64
	Longitude  float64
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal jobs.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig configures shared-secret request signing for internal job callers.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing or invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to empty values.
// Names are hashed in the message so logs never reveal which key is absent.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects explicit values that take precedence over the OS environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret fields (e.g. "PSP.CashfreeSecretKey" or
// "Security.HMAC.Secrets[internal-jobs]") as mandatory.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

func newOptions(opts []Option) loaderOptions {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit
// map) so callers can build dependencies such as the secret fetcher before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for k, v := range dotEnv {
		values[k] = v
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for k, v := range options.envMap {
		values[k] = v
	}
	return values, nil
}

// Load assembles the configuration from defaults, .env overrides, environment
// variables and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	src := source{options: options, dotEnv: dotEnv}

	cfg := Config{
		Server: ServerConfig{
			Port:         src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			UploadsBucket:  src.str("API_STORAGE_UPLOADS_BUCKET", ""),
			SignerEmail:    src.str("API_STORAGE_SIGNER_EMAIL", ""),
			UploadURLTTL:   src.duration("API_STORAGE_UPLOAD_URL_TTL", defaultUploadURLTTL),
			MaxUploadBytes: int64(src.integer("API_STORAGE_MAX_UPLOAD_BYTES", 10<<20)),
		},
		PubSub: PubSubConfig{
			ProjectID:          src.str("API_PUBSUB_PROJECT_ID", ""),
			OrderPlacedTopic:   src.str("API_PUBSUB_ORDER_PLACED_TOPIC", defaultOrderPlacedTopic),
			PCashExpiringTopic: src.str("API_PUBSUB_PCASH_EXPIRING_TOPIC", defaultPCashExpiringTopic),
		},
		PSP: PSPConfig{
			DefaultProvider:       strings.ToLower(src.str("API_PSP_DEFAULT_PROVIDER", defaultPaymentProvider)),
			SessionTTL:            src.duration("API_PSP_SESSION_TTL", defaultSessionTTL),
			ReturnURL:             src.str("API_PSP_RETURN_URL", ""),
			StripeAPIKey:          src.str("API_PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret:   src.str("API_PSP_STRIPE_WEBHOOK_SECRET", ""),
			CashfreeAppID:         src.str("API_PSP_CASHFREE_APP_ID", ""),
			CashfreeSecretKey:     src.str("API_PSP_CASHFREE_SECRET_KEY", ""),
			CashfreeBaseURL:       src.str("API_PSP_CASHFREE_BASE_URL", defaultCashfreeBaseURL),
			CashfreeWebhookSecret: src.str("API_PSP_CASHFREE_WEBHOOK_SECRET", ""),
		},
		Pricing: PricingConfig{
			GSTBasisPoints:      src.integer("API_PRICING_GST_BPS", defaultGSTBasisPoints),
			LaborPerFloor:       int64(src.integer("API_PRICING_LABOR_PER_FLOOR", defaultLaborPerFloor)),
			TransportBasePrices: src.int64Map("API_PRICING_TRANSPORT_BASE_PRICES"),
		},
		Loyalty: LoyaltyConfig{
			MaxApplicableCap:     int64(src.integer("API_LOYALTY_MAX_APPLICABLE_CAP", defaultPCashCap)),
			MaxApplicablePercent: src.integer("API_LOYALTY_MAX_APPLICABLE_PERCENT", defaultPCashPercent),
			ReturnWindow:         src.duration("API_LOYALTY_RETURN_WINDOW", defaultReturnWindow),
			RefundCreditTTL:      src.duration("API_LOYALTY_REFUND_CREDIT_TTL", 0),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(src.str("API_SECURITY_ENVIRONMENT", defaultEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  src.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: src.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  src.csv("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         src.stringMap("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: src.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: src.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     src.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       src.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        src.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	var invalid []string
	lat, latOK, latErr := src.float("API_DISPATCH_LATITUDE")
	lng, lngOK, lngErr := src.float("API_DISPATCH_LONGITUDE")
	switch {
	case latErr != nil || lngErr != nil || latOK != lngOK:
		invalid = append(invalid, "Dispatch.Coordinates")
	case latOK:
		cfg.Dispatch = DispatchConfig{Configured: true, Latitude: lat, Longitude: lng}
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"PSP.StripeWebhookSecret", &cfg.PSP.StripeWebhookSecret},
		{"PSP.CashfreeSecretKey", &cfg.PSP.CashfreeSecretKey},
		{"PSP.CashfreeWebhookSecret", &cfg.PSP.CashfreeWebhookSecret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}
	for key, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = secret
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)
	check := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	check(cfg.Pricing.GSTBasisPoints >= 0 && cfg.Pricing.GSTBasisPoints <= 10000, "Pricing.GSTBasisPoints")
	check(cfg.Pricing.LaborPerFloor >= 0, "Pricing.LaborPerFloor")
	for mode, price := range cfg.Pricing.TransportBasePrices {
		check(price >= 0, "Pricing.TransportBasePrices["+mode+"]")
	}
	check(cfg.Loyalty.MaxApplicableCap >= 0, "Loyalty.MaxApplicableCap")
	check(cfg.Loyalty.MaxApplicablePercent >= 0 && cfg.Loyalty.MaxApplicablePercent <= 100, "Loyalty.MaxApplicablePercent")
	check(cfg.Loyalty.ReturnWindow > 0, "Loyalty.ReturnWindow")
	check(cfg.Loyalty.RefundCreditTTL >= 0, "Loyalty.RefundCreditTTL")
	switch cfg.PSP.DefaultProvider {
	case "cashfree", "stripe":
	default:
		missing = append(missing, "PSP.DefaultProvider")
	}
	check(cfg.PSP.SessionTTL > 0, "PSP.SessionTTL")
	check(cfg.Storage.UploadURLTTL > 0, "Storage.UploadURLTTL")
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "secret://"), "sm://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var names []string
	seen := make(map[string]struct{})
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

// source resolves keys with precedence explicit map > OS env > dotenv.
type source struct {
	options loaderOptions
	dotEnv  map[string]string
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := s.options.envMap[key]; ok {
		return value, true
	}
	if s.options.useSystemEnv {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotEnv[key]
	return value, ok
}

func (s source) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if parsed, err := strconv.Atoi(s.str(key, "")); err == nil {
		return parsed
	}
	return fallback
}

func (s source) float(key string) (float64, bool, error) {
	raw := s.str(key, "")
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("config: %s: %w", key, err)
	}
	return value, true, nil
}

func (s source) csv(key string) []string {
	var out []string
	for _, part := range strings.Split(s.str(key, ""), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// stringMap parses "name=value,name2=value2" with lower-cased names.
func (s source) stringMap(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range s.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			values[name] = value
		}
	}
	return values
}

func (s source) int64Map(key string) map[string]int64 {
	out := make(map[string]int64)
	for name, raw := range s.stringMap(key) {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			value = -1
		}
		out[name] = value
	}
	return out
}
