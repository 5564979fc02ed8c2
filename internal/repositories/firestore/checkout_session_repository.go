package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/buildkart/api/internal/domain"
	pfirestore "github.com/buildkart/api/internal/platform/firestore"
	"github.com/buildkart/api/internal/repositories"
)

const checkoutSessionCollection = "checkoutSessions"

// checkoutSessionDocument is the persisted subset of a session. Transport
// charges are derived from the selected address and are never stored.
type checkoutSessionDocument struct {
	SessionID         string                `firestore:"sessionId"`
	Items             []cartItemDocument    `firestore:"items"`
	Services          []serviceItemDocument `firestore:"services"`
	Tab               string                `firestore:"tab"`
	Step              string                `firestore:"step"`
	TransportMode     string                `firestore:"transportMode"`
	Coupon            *couponDocument       `firestore:"coupon,omitempty"`
	SelectedAddress   *addressDocument      `firestore:"selectedAddress,omitempty"`
	BillingAddress    *addressDocument      `firestore:"billingAddress,omitempty"`
	SameAsShipping    bool                  `firestore:"sameAsShipping"`
	GSTBilling        *gstBillingDocument   `firestore:"gstBilling,omitempty"`
	Schedule          scheduleDocument      `firestore:"schedule"`
	AdvancePercentage *int                  `firestore:"advancePercentage,omitempty"`
	PCashToggle       int64                 `firestore:"pcashToggle"`
	LastUpdated       time.Time             `firestore:"lastUpdated"`
	CreatedAt         time.Time             `firestore:"createdAt"`
}

// CheckoutSessionRepository stores one checkout session per user, keyed by uid.
type CheckoutSessionRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[checkoutSessionDocument]
}

func NewCheckoutSessionRepository(provider *pfirestore.Provider) (*CheckoutSessionRepository, error) {
	if provider == nil {
		return nil, errors.New("checkout session repository requires firestore provider")
	}
	return &CheckoutSessionRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[checkoutSessionDocument](provider, checkoutSessionCollection, nil, nil),
	}, nil
}

// Get loads the stored session. Callers must rehydrate it before use.
func (r *CheckoutSessionRepository) Get(ctx context.Context, userID string) (domain.CheckoutSession, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CheckoutSession{}, errors.New("checkout session repository: user id is required")
	}
	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return doc.Data.toDomain(uid), nil
}

// Save writes the session. When expectedUpdatedAt is set the stored
// lastUpdated must still match it, otherwise a conflict is returned.
func (r *CheckoutSessionRepository) Save(ctx context.Context, session domain.CheckoutSession, expectedUpdatedAt *time.Time) (domain.CheckoutSession, error) {
	uid := strings.TrimSpace(session.UserID)
	if uid == "" {
		return domain.CheckoutSession{}, errors.New("checkout session repository: user id is required")
	}
	doc := sessionToDocument(session)

	if expectedUpdatedAt == nil {
		if _, err := r.base.Set(ctx, uid, doc); err != nil {
			return domain.CheckoutSession{}, err
		}
		return doc.toDomain(uid), nil
	}

	// Firestore keeps microsecond precision.
	expected := expectedUpdatedAt.UTC().Truncate(time.Microsecond)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.base.TxGet(ctx, tx, uid)
		switch {
		case err == nil:
			if !current.Data.LastUpdated.Equal(expected) {
				return pfirestore.Conflict("checkoutSessions.save", "session for %s changed since %s", uid, expected.Format(time.RFC3339Nano))
			}
		case isNotFound(err):
			if !expected.IsZero() {
				return pfirestore.Conflict("checkoutSessions.save", "session for %s no longer exists", uid)
			}
		default:
			return err
		}
		return r.base.TxSet(ctx, tx, uid, doc)
	})
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	return doc.toDomain(uid), nil
}

func (r *CheckoutSessionRepository) Delete(ctx context.Context, userID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(userID))
}

func sessionToDocument(s domain.CheckoutSession) checkoutSessionDocument {
	return checkoutSessionDocument{
		SessionID:         s.SessionID,
		Items:             itemsToDocuments(sortedItems(s.Items)),
		Services:          servicesToDocuments(sortedServices(s.Services)),
		Tab:               string(s.Tab),
		Step:              string(s.Step),
		TransportMode:     string(s.TransportMode),
		Coupon:            couponPointer(s.Coupon),
		SelectedAddress:   embedAddress(s.SelectedAddress),
		BillingAddress:    embedAddress(s.BillingAddress),
		SameAsShipping:    s.SameAsShipping,
		GSTBilling:        gstToDocument(s.GSTBilling),
		Schedule:          scheduleDocument{Date: s.Schedule.Date, Time: s.Schedule.Time},
		AdvancePercentage: cloneIntPtr(s.AdvancePercentage),
		PCashToggle:       s.PCashToggle,
		LastUpdated:       s.LastUpdated.UTC().Truncate(time.Microsecond),
		CreatedAt:         s.CreatedAt.UTC().Truncate(time.Microsecond),
	}
}

func (d checkoutSessionDocument) toDomain(userID string) domain.CheckoutSession {
	session := domain.CheckoutSession{
		UserID:            userID,
		SessionID:         d.SessionID,
		Items:             make(map[domain.ItemKey]domain.CartItem, len(d.Items)),
		Services:          make(map[string]domain.ServiceItem, len(d.Services)),
		Tab:               domain.CartTab(d.Tab),
		Step:              domain.CheckoutStep(d.Step),
		TransportMode:     domain.TransportMode(d.TransportMode),
		SelectedAddress:   embeddedAddress(d.SelectedAddress),
		BillingAddress:    embeddedAddress(d.BillingAddress),
		SameAsShipping:    d.SameAsShipping,
		GSTBilling:        d.GSTBilling.toDomain(),
		Schedule:          domain.ServiceSchedule{Date: d.Schedule.Date, Time: d.Schedule.Time},
		AdvancePercentage: cloneIntPtr(d.AdvancePercentage),
		PCashToggle:       d.PCashToggle,
		LastUpdated:       d.LastUpdated.UTC(),
		CreatedAt:         d.CreatedAt.UTC(),
	}
	for _, item := range itemsFromDocuments(d.Items) {
		session.Items[item.Key()] = item
	}
	for _, svc := range servicesFromDocuments(d.Services) {
		session.Services[svc.Name] = svc
	}
	if d.Coupon != nil {
		coupon := d.Coupon.toDomain()
		session.Coupon = &coupon
	}
	return session
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

var _ repositories.CheckoutSessionRepository = (*CheckoutSessionRepository)(nil)
