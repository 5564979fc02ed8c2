package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultUploadTTL   = 15 * time.Minute
	defaultDownloadTTL = 5 * time.Minute
	maxDownloadTTL     = 15 * time.Minute
)

var (
	ErrContentTypeDenied = errors.New("storage: content type not allowed")
	ErrInvalidObjectName = errors.New("storage: invalid object name")
	ErrUploadTooLarge    = errors.New("storage: declared size exceeds limit")
	errNoSigner          = errors.New("storage: signer is required")
	errNoBucket          = errors.New("storage: bucket is required")
)

// DrawingContentTypes are the attachment formats accepted on price requests.
var DrawingContentTypes = []string{"application/pdf", "image/png", "image/jpeg", "image/webp"}

// SignedURL is a short-lived URL plus the headers the client must send with it.
type SignedURL struct {
	URL       string
	Method    string
	ExpiresAt time.Time
	Headers   map[string]string
}

// URLSigner issues V4 signed URLs for one bucket.
type URLSigner struct {
	bucket    string
	signer    Signer
	uploadTTL time.Duration
	maxBytes  int64
	now       func() time.Time
}

// URLSignerOption customises the signer.
type URLSignerOption func(*URLSigner)

func WithUploadTTL(ttl time.Duration) URLSignerOption {
	return func(s *URLSigner) {
		if ttl > 0 {
			s.uploadTTL = ttl
		}
	}
}

func WithMaxUploadBytes(n int64) URLSignerOption {
	return func(s *URLSigner) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

func WithClock(now func() time.Time) URLSignerOption {
	return func(s *URLSigner) {
		if now != nil {
			s.now = now
		}
	}
}

func NewURLSigner(bucket string, signer Signer, opts ...URLSignerOption) (*URLSigner, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errNoBucket
	}
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	s := &URLSigner{
		bucket:    bucket,
		signer:    signer,
		uploadTTL: defaultUploadTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// UploadURL signs a PUT for object. The declared size is enforced by GCS via
// the content-length-range header when a maximum is configured.
func (s *URLSigner) UploadURL(ctx context.Context, object, contentType string, size int64) (SignedURL, error) {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if !allowed(contentType, DrawingContentTypes) {
		return SignedURL{}, ErrContentTypeDenied
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return SignedURL{}, ErrUploadTooLarge
	}

	headers := map[string]string{"Content-Type": contentType}
	var extra []string
	if s.maxBytes > 0 {
		rangeValue := fmt.Sprintf("0,%d", s.maxBytes)
		headers["x-goog-content-length-range"] = rangeValue
		extra = append(extra, "x-goog-content-length-range:"+rangeValue)
	}

	expires := s.now().UTC().Add(s.uploadTTL)
	signed, err := s.sign(ctx, object, &storage.SignedURLOptions{
		Method:      "PUT",
		ContentType: contentType,
		Headers:     extra,
		Expires:     expires,
	})
	if err != nil {
		return SignedURL{}, err
	}
	return SignedURL{URL: signed, Method: "PUT", ExpiresAt: expires, Headers: headers}, nil
}

// DownloadURL signs a GET for object, valid for at most fifteen minutes.
func (s *URLSigner) DownloadURL(ctx context.Context, object string, ttl time.Duration) (SignedURL, error) {
	if ttl <= 0 {
		ttl = defaultDownloadTTL
	}
	if ttl > maxDownloadTTL {
		ttl = maxDownloadTTL
	}
	expires := s.now().UTC().Add(ttl)
	signed, err := s.sign(ctx, object, &storage.SignedURLOptions{Method: "GET", Expires: expires})
	if err != nil {
		return SignedURL{}, err
	}
	return SignedURL{URL: signed, Method: "GET", ExpiresAt: expires}, nil
}

func (s *URLSigner) sign(ctx context.Context, object string, opts *storage.SignedURLOptions) (string, error) {
	if strings.TrimSpace(object) == "" || strings.Contains(object, "..") {
		return "", ErrInvalidObjectName
	}
	opts.GoogleAccessID = s.signer.Email()
	opts.Scheme = storage.SigningSchemeV4
	opts.SignBytes = func(payload []byte) ([]byte, error) {
		return s.signer.SignBytes(ctx, payload)
	}
	signed, err := storage.SignedURL(s.bucket, object, opts)
	if err != nil {
		return "", fmt.Errorf("storage: sign %s url: %w", strings.ToLower(opts.Method), err)
	}
	return signed, nil
}

// DrawingObjectPath is the object key for a price request attachment.
func DrawingObjectPath(userID, requestID, fileName string) (string, error) {
	for _, segment := range []string{userID, requestID} {
		if !validSegment(segment) {
			return "", ErrInvalidObjectName
		}
	}
	name := path.Base(strings.TrimSpace(fileName))
	if !validSegment(name) || name == "." {
		return "", ErrInvalidObjectName
	}
	return fmt.Sprintf("price-requests/%s/%s/%s", userID, requestID, name), nil
}

func validSegment(value string) bool {
	value = strings.TrimSpace(value)
	return value != "" && !strings.ContainsAny(value, "/\\") && !strings.Contains(value, "..")
}

func allowed(contentType string, candidates []string) bool {
	for _, candidate := range candidates {
		if contentType == candidate {
			return true
		}
	}
	return false
}
