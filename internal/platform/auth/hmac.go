package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/buildkart/api/internal/platform/config"
)

const maxSignedBodyBytes = 1 << 20

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// NonceStore records nonces to reject replayed signed requests.
type NonceStore interface {
	// UseNonce stores the nonce until expiry and reports false if it was already present.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local NonceStore.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs an empty store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, key)
		}
	}
	key := scope + "::" + nonce
	if _, ok := s.nonces[key]; ok {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies requests signed with a shared secret. The signature
// covers METHOD\nPATH\nTIMESTAMP\nNONCE\nhex(sha256(body)).
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  *zap.Logger
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger sets the logger for lookup failures.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewHMACValidator builds a validator using header names and windows from cfg.
func NewHMACValidator(secrets SecretProvider, nonces NonceStore, cfg config.HMACConfig, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:         secrets,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: firstNonEmpty(cfg.SignatureHeader, "X-Signature"),
		timestampHeader: firstNonEmpty(cfg.TimestampHeader, "X-Signature-Timestamp"),
		nonceHeader:     firstNonEmpty(cfg.NonceHeader, "X-Signature-Nonce"),
		clockSkew:       cfg.ClockSkew,
		nonceTTL:        cfg.NonceTTL,
	}
	if v.clockSkew <= 0 {
		v.clockSkew = 5 * time.Minute
	}
	if v.nonceTTL <= 0 {
		v.nonceTTL = 5 * time.Minute
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// RequireHMAC verifies requests with the secret chosen by resolve, e.g. one
// secret per calling scheduler.
func (v *HMACValidator) RequireHMAC(resolve func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			name, ok := resolve(r)
			if !ok || strings.TrimSpace(name) == "" {
				respondAuthError(w, r, http.StatusUnauthorized, "unknown_caller", "signing secret not recognised")
				return
			}
			secret, err := v.secrets.GetSecret(ctx, name)
			if err != nil || secret == "" {
				v.logger.Warn("hmac secret unavailable", zap.String("secret", name), zap.Error(err))
				respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable")
				return
			}

			rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if rawSignature == "" || rawTimestamp == "" || nonce == "" {
				respondAuthError(w, r, http.StatusUnauthorized, "signature_missing", "signature headers missing")
				return
			}
			timestamp, err := parseSignatureTimestamp(rawTimestamp)
			if err != nil {
				respondAuthError(w, r, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
				return
			}
			if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				respondAuthError(w, r, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
			if err != nil {
				respondAuthError(w, r, http.StatusBadRequest, "invalid_body", "unable to read body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			signature, err := decodeSignature(rawSignature)
			if err != nil || !hmac.Equal(signature, computeHMAC([]byte(secret), canonicalString(r, body, rawTimestamp, nonce))) {
				respondAuthError(w, r, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			stored, err := v.nonces.UseNonce(ctx, name, nonce, v.now().Add(v.nonceTTL))
			if err != nil {
				v.logger.Warn("hmac nonce store error", zap.Error(err))
				respondAuthError(w, r, http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
				return
			}
			if !stored {
				respondAuthError(w, r, http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, hmacKey, name)))
		})
	}
}

// VerifiedSecretName returns the secret name that authenticated the request.
func VerifiedSecretName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(hmacKey).(string)
	return name, ok
}

func canonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{strings.ToUpper(r.Method), path, timestamp, nonce, hex.EncodeToString(sum[:])}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
