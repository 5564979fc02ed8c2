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

const pcashLedgerCollection = "pcashLedgers"

type pcashCreditDocument struct {
	ID        string     `firestore:"id"`
	Amount    int64      `firestore:"amount"`
	Reason    string     `firestore:"reason"`
	Source    string     `firestore:"source,omitempty"`
	Note      string     `firestore:"note,omitempty"`
	ExpiresAt *time.Time `firestore:"expiresAt,omitempty"`
	Status    string     `firestore:"status"`
	CreatedAt time.Time  `firestore:"createdAt"`
}

type pcashConsumptionDocument struct {
	ID        string    `firestore:"id"`
	Amount    int64     `firestore:"amount"`
	OrderID   string    `firestore:"orderId,omitempty"`
	ProductID string    `firestore:"productId,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type pcashHoldDocument struct {
	OrderID   string    `firestore:"orderId"`
	Amount    int64     `firestore:"amount"`
	ExpiresAt time.Time `firestore:"expiresAt"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// pcashLedgerDocument keeps both entry lists on one document. NextExpiryAt is
// the earliest credit expiry still ahead at write time; it indexes the expiry scan.
type pcashLedgerDocument struct {
	UserID       string                     `firestore:"userId"`
	Credits      []pcashCreditDocument      `firestore:"credits"`
	Consumptions []pcashConsumptionDocument `firestore:"consumptions"`
	Holds        []pcashHoldDocument        `firestore:"holds,omitempty"`
	Balance      *int64                     `firestore:"balance,omitempty"`
	NextExpiryAt *time.Time                 `firestore:"nextExpiryAt,omitempty"`
	UpdatedAt    time.Time                  `firestore:"updatedAt"`
}

// PCashLedgerRepository stores one ledger document per user.
type PCashLedgerRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[pcashLedgerDocument]
}

func NewPCashLedgerRepository(provider *pfirestore.Provider) (*PCashLedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("pcash ledger repository requires firestore provider")
	}
	return &PCashLedgerRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[pcashLedgerDocument](provider, pcashLedgerCollection, nil, nil),
	}, nil
}

// Get returns the ledger, or an empty ledger when the user has none yet.
func (r *PCashLedgerRepository) Get(ctx context.Context, userID string) (domain.PCashLedger, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.PCashLedger{}, errors.New("pcash ledger repository: user id is required")
	}
	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		if isNotFound(err) {
			return domain.PCashLedger{UserID: uid}, nil
		}
		return domain.PCashLedger{}, err
	}
	return doc.Data.toDomain(uid), nil
}

// Update reads the ledger inside a transaction, applies fn and writes the
// result. fn may run more than once when the transaction is retried.
func (r *PCashLedgerRepository) Update(ctx context.Context, userID string, fn func(domain.PCashLedger) (domain.PCashLedger, error)) (domain.PCashLedger, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.PCashLedger{}, errors.New("pcash ledger repository: user id is required")
	}
	if fn == nil {
		return domain.PCashLedger{}, errors.New("pcash ledger repository: update function is required")
	}

	var saved domain.PCashLedger
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current := domain.PCashLedger{UserID: uid}
		doc, err := r.base.TxGet(ctx, tx, uid)
		switch {
		case err == nil:
			current = doc.Data.toDomain(uid)
		case !isNotFound(err):
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		next.UserID = uid
		saved = next
		return r.base.TxSet(ctx, tx, uid, ledgerToDocument(next))
	})
	if err != nil {
		return domain.PCashLedger{}, err
	}
	return saved, nil
}

// ListWithExpiringCredits pages through ledgers whose next expiry is at or
// before the given time, ordered by that expiry.
func (r *PCashLedgerRepository) ListWithExpiringCredits(ctx context.Context, before time.Time, pager domain.Pagination) (domain.CursorPage[domain.PCashLedger], error) {
	cursor, err := pagination.DecodeCursor(pager.PageToken)
	if err != nil {
		return domain.CursorPage[domain.PCashLedger]{}, err
	}
	size := pagination.Normalize(pager.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("nextExpiryAt", "<=", before.UTC()).
			OrderBy("nextExpiryAt", firestore.Asc).
			OrderBy(firestore.DocumentID, firestore.Asc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.After, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.PCashLedger]{}, err
	}

	page := domain.CursorPage[domain.PCashLedger]{Items: make([]domain.PCashLedger, 0, len(docs))}
	for i, doc := range docs {
		if i == size {
			last := docs[size-1]
			page.NextPageToken = pagination.EncodeCursor(pagination.Cursor{After: *last.Data.NextExpiryAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

func ledgerToDocument(l domain.PCashLedger) pcashLedgerDocument {
	doc := pcashLedgerDocument{
		UserID:       l.UserID,
		Credits:      make([]pcashCreditDocument, 0, len(l.Credits)),
		Consumptions: make([]pcashConsumptionDocument, 0, len(l.Consumptions)),
		Balance:      l.StoredBalance,
		UpdatedAt:    l.UpdatedAt.UTC(),
	}
	for _, c := range l.Credits {
		doc.Credits = append(doc.Credits, pcashCreditDocument{
			ID:        c.ID,
			Amount:    c.Amount,
			Reason:    string(c.Reason),
			Source:    c.Source,
			Note:      c.Note,
			ExpiresAt: c.ExpiresAt,
			Status:    string(c.Status),
			CreatedAt: c.CreatedAt.UTC(),
		})
		if c.ExpiresAt != nil && c.ExpiresAt.After(doc.UpdatedAt) {
			if doc.NextExpiryAt == nil || c.ExpiresAt.Before(*doc.NextExpiryAt) {
				expiry := c.ExpiresAt.UTC()
				doc.NextExpiryAt = &expiry
			}
		}
	}
	for _, c := range l.Consumptions {
		doc.Consumptions = append(doc.Consumptions, pcashConsumptionDocument{
			ID:        c.ID,
			Amount:    c.Amount,
			OrderID:   c.OrderID,
			ProductID: c.ProductID,
			CreatedAt: c.CreatedAt.UTC(),
		})
	}
	for _, h := range l.Holds {
		doc.Holds = append(doc.Holds, pcashHoldDocument{
			OrderID:   h.OrderID,
			Amount:    h.Amount,
			ExpiresAt: h.ExpiresAt.UTC(),
			CreatedAt: h.CreatedAt.UTC(),
		})
	}
	return doc
}

func (d pcashLedgerDocument) toDomain(userID string) domain.PCashLedger {
	ledger := domain.PCashLedger{
		UserID:        userID,
		Credits:       make([]domain.PCashCredit, 0, len(d.Credits)),
		Consumptions:  make([]domain.PCashConsumption, 0, len(d.Consumptions)),
		StoredBalance: d.Balance,
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	for _, c := range d.Credits {
		ledger.Credits = append(ledger.Credits, domain.PCashCredit{
			ID:        c.ID,
			Amount:    c.Amount,
			Reason:    domain.CreditReason(c.Reason),
			Source:    c.Source,
			Note:      c.Note,
			ExpiresAt: c.ExpiresAt,
			Status:    domain.CreditStatus(c.Status),
			CreatedAt: c.CreatedAt.UTC(),
		})
	}
	for _, c := range d.Consumptions {
		ledger.Consumptions = append(ledger.Consumptions, domain.PCashConsumption{
			ID:        c.ID,
			Amount:    c.Amount,
			OrderID:   c.OrderID,
			ProductID: c.ProductID,
			CreatedAt: c.CreatedAt.UTC(),
		})
	}
	for _, h := range d.Holds {
		ledger.Holds = append(ledger.Holds, domain.PCashHold{
			OrderID:   h.OrderID,
			Amount:    h.Amount,
			ExpiresAt: h.ExpiresAt.UTC(),
			CreatedAt: h.CreatedAt.UTC(),
		})
	}
	return ledger
}

var _ repositories.PCashLedgerRepository = (*PCashLedgerRepository)(nil)
