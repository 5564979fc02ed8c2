package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/buildkart/api/internal/domain"
	pfirestore "github.com/buildkart/api/internal/platform/firestore"
	"github.com/buildkart/api/internal/platform/pagination"
	"github.com/buildkart/api/internal/repositories"
)

const orderCollection = "orders"

type totalsDocument struct {
	Currency           string `firestore:"currency"`
	Subtotal           int64  `firestore:"subtotal"`
	LaborCharges       int64  `firestore:"laborCharges"`
	TransportCharge    int64  `firestore:"transportCharge"`
	GST                int64  `firestore:"gst"`
	Discount           int64  `firestore:"discount"`
	PCashAppliedAmount int64  `firestore:"pcashAppliedAmount"`
	TotalBeforePCash   int64  `firestore:"totalBeforePcash"`
	Total              int64  `firestore:"total"`
}

type paymentSessionDocument struct {
	Provider    string    `firestore:"provider"`
	SessionID   string    `firestore:"sessionId"`
	OrderRef    string    `firestore:"orderRef,omitempty"`
	RedirectURL string    `firestore:"redirectUrl,omitempty"`
	Amount      int64     `firestore:"amount"`
	Currency    string    `firestore:"currency"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

type reconciliationDocument struct {
	Reason         string    `firestore:"reason"`
	PCashShortfall int64     `firestore:"pcashShortfall"`
	FlaggedAt      time.Time `firestore:"flaggedAt"`
}

type orderDocument struct {
	UserID            string                  `firestore:"userId"`
	SessionID         string                  `firestore:"sessionId"`
	Kind              string                  `firestore:"kind"`
	Status            string                  `firestore:"status"`
	Currency          string                  `firestore:"currency"`
	Totals            totalsDocument          `firestore:"totals"`
	AmountDue         int64                   `firestore:"amountDue"`
	AdvancePercentage *int                    `firestore:"advancePercentage,omitempty"`
	Items             []cartItemDocument      `firestore:"items"`
	Services          []serviceItemDocument   `firestore:"services"`
	TransportMode     string                  `firestore:"transportMode,omitempty"`
	CouponCode        string                  `firestore:"couponCode,omitempty"`
	ShippingAddress   *addressDocument        `firestore:"shippingAddress,omitempty"`
	BillingAddress    *addressDocument        `firestore:"billingAddress,omitempty"`
	GSTBilling        *gstBillingDocument     `firestore:"gstBilling,omitempty"`
	Schedule          scheduleDocument        `firestore:"schedule"`
	Payment           *paymentSessionDocument `firestore:"payment,omitempty"`
	Reconciliation    *reconciliationDocument `firestore:"reconciliation,omitempty"`
	CreatedAt         time.Time               `firestore:"createdAt"`
	UpdatedAt         time.Time               `firestore:"updatedAt"`
	PaidAt            *time.Time              `firestore:"paidAt,omitempty"`
}

// OrderRepository stores orders created from checkout sessions.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
	}, nil
}

// Insert creates the order, failing with a conflict when the id is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if _, err := r.base.Create(ctx, id, orderToDocument(order)); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Update applies fn to the stored order inside a transaction.
func (r *OrderRepository) Update(ctx context.Context, orderID string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if fn == nil {
		return domain.Order{}, errors.New("order repository: update function is required")
	}
	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.base.TxGet(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := fn(doc.Data.toDomain(id))
		if err != nil {
			return err
		}
		next.ID = id
		saved = next
		return r.base.TxSet(ctx, tx, id, orderToDocument(next))
	})
	if err != nil {
		return domain.Order{}, err
	}
	return saved, nil
}

// ListByUser pages through a user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository: user id is required")
	}
	cursor, err := pagination.DecodeCursor(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.Normalize(pager.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", uid).
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.After, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	return orderPage(docs, size), nil
}

func orderPage(docs []pfirestore.Document[orderDocument], size int) domain.CursorPage[domain.Order] {
	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, len(docs))}
	for i, doc := range docs {
		if i == size {
			last := docs[size-1]
			page.NextPageToken = pagination.EncodeCursor(pagination.Cursor{After: last.Data.CreatedAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page
}

func orderToDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		UserID:            o.UserID,
		SessionID:         o.SessionID,
		Kind:              string(o.Kind),
		Status:            string(o.Status),
		Currency:          o.Currency,
		Totals:            totalsToDocument(o.Totals),
		AmountDue:         o.AmountDue,
		AdvancePercentage: cloneIntPtr(o.AdvancePercentage),
		Items:             itemsToDocuments(o.Items),
		Services:          servicesToDocuments(o.Services),
		TransportMode:     string(o.TransportMode),
		CouponCode:        o.CouponCode,
		ShippingAddress:   embedAddress(o.ShippingAddress),
		BillingAddress:    embedAddress(o.BillingAddress),
		GSTBilling:        gstToDocument(o.GSTBilling),
		Schedule:          scheduleDocument{Date: o.Schedule.Date, Time: o.Schedule.Time},
		CreatedAt:         o.CreatedAt.UTC(),
		UpdatedAt:         o.UpdatedAt.UTC(),
		PaidAt:            o.PaidAt,
	}
	if o.Payment != nil {
		doc.Payment = &paymentSessionDocument{
			Provider:    o.Payment.Provider,
			SessionID:   o.Payment.SessionID,
			OrderRef:    o.Payment.OrderRef,
			RedirectURL: o.Payment.RedirectURL,
			Amount:      o.Payment.Amount,
			Currency:    o.Payment.Currency,
			ExpiresAt:   o.Payment.ExpiresAt.UTC(),
		}
	}
	if o.Reconciliation != nil {
		doc.Reconciliation = &reconciliationDocument{
			Reason:         o.Reconciliation.Reason,
			PCashShortfall: o.Reconciliation.PCashShortfall,
			FlaggedAt:      o.Reconciliation.FlaggedAt.UTC(),
		}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:                id,
		UserID:            d.UserID,
		SessionID:         d.SessionID,
		Kind:              domain.PaymentKind(d.Kind),
		Status:            domain.OrderStatus(d.Status),
		Currency:          d.Currency,
		Totals:            d.Totals.toDomain(),
		AmountDue:         d.AmountDue,
		AdvancePercentage: cloneIntPtr(d.AdvancePercentage),
		Items:             itemsFromDocuments(d.Items),
		Services:          servicesFromDocuments(d.Services),
		TransportMode:     domain.TransportMode(d.TransportMode),
		CouponCode:        d.CouponCode,
		ShippingAddress:   embeddedAddress(d.ShippingAddress),
		BillingAddress:    embeddedAddress(d.BillingAddress),
		GSTBilling:        d.GSTBilling.toDomain(),
		Schedule:          domain.ServiceSchedule{Date: d.Schedule.Date, Time: d.Schedule.Time},
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
		PaidAt:            d.PaidAt,
	}
	if d.Payment != nil {
		order.Payment = &domain.PaymentSession{
			Provider:    d.Payment.Provider,
			SessionID:   d.Payment.SessionID,
			OrderRef:    d.Payment.OrderRef,
			RedirectURL: d.Payment.RedirectURL,
			Amount:      d.Payment.Amount,
			Currency:    d.Payment.Currency,
			ExpiresAt:   d.Payment.ExpiresAt.UTC(),
		}
	}
	if d.Reconciliation != nil {
		order.Reconciliation = &domain.OrderReconciliation{
			Reason:         d.Reconciliation.Reason,
			PCashShortfall: d.Reconciliation.PCashShortfall,
			FlaggedAt:      d.Reconciliation.FlaggedAt.UTC(),
		}
	}
	return order
}

func totalsToDocument(t domain.Totals) totalsDocument {
	return totalsDocument{
		Currency:           t.Currency,
		Subtotal:           t.Subtotal,
		LaborCharges:       t.LaborCharges,
		TransportCharge:    t.TransportCharge,
		GST:                t.GST,
		Discount:           t.Discount,
		PCashAppliedAmount: t.PCashAppliedAmount,
		TotalBeforePCash:   t.TotalBeforePCash,
		Total:              t.Total,
	}
}

func (d totalsDocument) toDomain() domain.Totals {
	return domain.Totals{
		Currency:           d.Currency,
		Subtotal:           d.Subtotal,
		LaborCharges:       d.LaborCharges,
		TransportCharge:    d.TransportCharge,
		GST:                d.GST,
		Discount:           d.Discount,
		PCashAppliedAmount: d.PCashAppliedAmount,
		TotalBeforePCash:   d.TotalBeforePCash,
		Total:              d.Total,
	}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
