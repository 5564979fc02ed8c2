package services

import (
	"strings"
	"sync"
	"time"
)

const defaultPaymentLockTTL = 2 * time.Minute

// PaymentLocks tracks per-user payment requests in flight on this instance so
// a double-submitted pay action is rejected instead of creating two orders.
// Entries expire after the TTL in case a holder never releases.
type PaymentLocks struct {
	mu    sync.Mutex
	held  map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

// NewPaymentLocks builds a lock table. A non-positive ttl uses two minutes.
func NewPaymentLocks(ttl time.Duration, clock func() time.Time) *PaymentLocks {
	if ttl <= 0 {
		ttl = defaultPaymentLockTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &PaymentLocks{held: make(map[string]time.Time), ttl: ttl, clock: clock}
}

// TryAcquire takes the lock for userID, reporting false when it is already held.
func (l *PaymentLocks) TryAcquire(userID string) bool {
	key := strings.TrimSpace(userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return false
	}
	l.held[key] = now.Add(l.ttl)
	return true
}

// Release frees the lock for userID.
func (l *PaymentLocks) Release(userID string) {
	l.mu.Lock()
	delete(l.held, strings.TrimSpace(userID))
	l.mu.Unlock()
}

// Held reports whether a payment request is in flight for userID.
func (l *PaymentLocks) Held(userID string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.held[strings.TrimSpace(userID)]
	return ok && l.clock().Before(expiry)
}
