package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/buildkart/api/internal/platform/config"
)

type oidcFixture struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	requests atomic.Int32
	now      time.Time
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := &oidcFixture{key: key, now: time.Unix(1_700_000_000, 0)}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: "RS256", Use: "sig"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.requests.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(f.server.Close)

	original := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return f.now }
	t.Cleanup(func() { jwt.TimeFunc = original })
	return f
}

func (f *oidcFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   "https://api.buildkart.in",
		"iss":   "https://accounts.google.com",
		"sub":   "1234",
		"email": "scheduler@buildkart.iam.gserviceaccount.com",
		"exp":   float64(f.now.Add(time.Hour).Unix()),
		"iat":   float64(f.now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *oidcFixture) validator(url string) *OIDCValidator {
	cache := NewJWKSCache(url, nil, func() time.Time { return f.now })
	return NewOIDCValidator(cache, config.OIDCConfig{
		Audience: "https://api.buildkart.in",
		Issuers:  []string{"https://accounts.google.com"},
	}, nil)
}

func runOIDC(v *OIDCValidator, token string) (*httptest.ResponseRecorder, *ServiceIdentity) {
	var identity *ServiceIdentity
	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/pcash-expiry", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	v.RequireOIDC()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	return rec, identity
}

func TestRequireOIDCAcceptsValidToken(t *testing.T) {
	f := newOIDCFixture(t)
	rec, identity := runOIDC(f.validator(f.server.URL), f.token(t, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if identity == nil || identity.Email != "scheduler@buildkart.iam.gserviceaccount.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestRequireOIDCRejectsBadClaims(t *testing.T) {
	f := newOIDCFixture(t)
	v := f.validator(f.server.URL)
	cases := map[string]func(jwt.MapClaims){
		"audience": func(c jwt.MapClaims) { c["aud"] = "https://other" },
		"issuer":   func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" },
		"expired":  func(c jwt.MapClaims) { c["exp"] = float64(f.now.Add(-time.Minute).Unix()) },
	}
	for name, mutate := range cases {
		if rec, _ := runOIDC(v, f.token(t, mutate)); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rec.Code)
		}
	}
	if rec, _ := runOIDC(v, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
}

func TestRequireOIDCReportsJWKSOutage(t *testing.T) {
	f := newOIDCFixture(t)
	rec, _ := runOIDC(f.validator("http://127.0.0.1:1/jwks"), f.token(t, nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestJWKSCacheReusesKeysUntilExpiry(t *testing.T) {
	f := newOIDCFixture(t)
	cache := NewJWKSCache(f.server.URL, nil, func() time.Time { return f.now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cache.Key(ctx, "svc-key"); err != nil {
			t.Fatalf("Key: %v", err)
		}
	}
	if got := f.requests.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
	f.now = f.now.Add(11 * time.Minute)
	if _, err := cache.Key(ctx, "svc-key"); err != nil {
		t.Fatalf("Key after expiry: %v", err)
	}
	if got := f.requests.Load(); got != 2 {
		t.Fatalf("expected refetch after max-age, got %d", got)
	}
	if _, err := cache.Key(ctx, "missing"); !errors.Is(err, ErrJWKSKeyNotFound) {
		t.Fatalf("expected key not found, got %v", err)
	}
}
