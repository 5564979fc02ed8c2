package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/buildkart/api/internal/platform/config"
)

var hmacNow = time.Now().UTC().Truncate(time.Second)

func newTestValidator() *HMACValidator {
	secrets := SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if name == "internal-jobs" {
			return "jobs-secret", nil
		}
		return "", errors.New("not found")
	})
	return NewHMACValidator(secrets, NewInMemoryNonceStore(), config.HMACConfig{}, WithHMACClock(func() time.Time { return hmacNow }))
}

func jobsResolver(r *http.Request) (string, bool) {
	return "internal-jobs", r.URL.Path == "/internal/jobs/pcash-expiry"
}

func signedRequest(path string, body []byte, secret string, ts time.Time, nonce string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig := computeHMAC([]byte(secret), canonicalString(req, body, stamp, nonce))
	req.Header.Set("X-Signature", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", stamp)
	req.Header.Set("X-Signature-Nonce", nonce)
	return req
}

func runHMAC(v *HMACValidator, req *http.Request) (*httptest.ResponseRecorder, []byte) {
	var seen []byte
	rec := httptest.NewRecorder()
	v.RequireHMAC(jobsResolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = io.ReadAll(r.Body)
		if name, ok := VerifiedSecretName(r.Context()); !ok || name != "internal-jobs" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireHMACAcceptsValidSignature(t *testing.T) {
	body := []byte(`{"orderId":"o1","status":"succeeded"}`)
	rec, seen := runHMAC(newTestValidator(), signedRequest("/internal/jobs/pcash-expiry", body, "jobs-secret", hmacNow, "n-1"))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(seen, body) {
		t.Fatalf("expected body to be restored for handler")
	}
}

func TestRequireHMACRejections(t *testing.T) {
	body := []byte(`{}`)
	cases := map[string]struct {
		req  *http.Request
		code int
	}{
		"unknown caller":  {signedRequest("/internal/jobs/unknown", body, "jobs-secret", hmacNow, "n"), http.StatusUnauthorized},
		"wrong secret":    {signedRequest("/internal/jobs/pcash-expiry", body, "other", hmacNow, "n"), http.StatusUnauthorized},
		"stale timestamp": {signedRequest("/internal/jobs/pcash-expiry", body, "jobs-secret", hmacNow.Add(-time.Hour), "n"), http.StatusUnauthorized},
		"missing headers": {httptest.NewRequest(http.MethodPost, "/internal/jobs/pcash-expiry", bytes.NewReader(body)), http.StatusUnauthorized},
	}
	for name, tc := range cases {
		rec, _ := runHMAC(newTestValidator(), tc.req)
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", name, tc.code, rec.Code)
		}
	}
}

func TestRequireHMACRejectsReplayedNonce(t *testing.T) {
	v := newTestValidator()
	body := []byte(`{"orderId":"o1"}`)
	if rec, _ := runHMAC(v, signedRequest("/internal/jobs/pcash-expiry", body, "jobs-secret", hmacNow, "dup")); rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery expected 202, got %d", rec.Code)
	}
	rec, _ := runHMAC(v, signedRequest("/internal/jobs/pcash-expiry", body, "jobs-secret", hmacNow, "dup"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay expected 401, got %d", rec.Code)
	}
}
