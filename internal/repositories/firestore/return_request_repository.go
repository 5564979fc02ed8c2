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

const returnRequestCollection = "returnRequests"

type returnRequestDocument struct {
	UserID          string     `firestore:"userId"`
	OrderID         string     `firestore:"orderId"`
	Reason          string     `firestore:"reason"`
	RequestedAmount int64      `firestore:"requestedAmount"`
	RefundAmount    *int64     `firestore:"refundAmount,omitempty"`
	Status          string     `firestore:"status"`
	AdminNote       string     `firestore:"adminNote,omitempty"`
	CreditID        string     `firestore:"creditId,omitempty"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	UpdatedAt       time.Time  `firestore:"updatedAt"`
	ResolvedAt      *time.Time `firestore:"resolvedAt,omitempty"`
}

// ReturnRequestRepository persists returns keyed by return id.
type ReturnRequestRepository struct {
	base *pfirestore.BaseRepository[returnRequestDocument]
}

func NewReturnRequestRepository(provider *pfirestore.Provider) (*ReturnRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("return request repository requires firestore provider")
	}
	return &ReturnRequestRepository{
		base: pfirestore.NewBaseRepository[returnRequestDocument](provider, returnRequestCollection, nil, nil),
	}, nil
}

// Insert fails with a conflict when a return with the same id exists.
func (r *ReturnRequestRepository) Insert(ctx context.Context, ret domain.ReturnRequest) (domain.ReturnRequest, error) {
	id := strings.TrimSpace(ret.ID)
	if id == "" {
		return domain.ReturnRequest{}, errors.New("return request repository: id is required")
	}
	if _, err := r.base.Create(ctx, id, returnRequestToDocument(ret)); err != nil {
		return domain.ReturnRequest{}, err
	}
	return ret, nil
}

func (r *ReturnRequestRepository) FindByID(ctx context.Context, returnID string) (domain.ReturnRequest, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(returnID))
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ReturnRequestRepository) Update(ctx context.Context, ret domain.ReturnRequest) (domain.ReturnRequest, error) {
	id := strings.TrimSpace(ret.ID)
	if id == "" {
		return domain.ReturnRequest{}, errors.New("return request repository: id is required")
	}
	if _, err := r.base.Set(ctx, id, returnRequestToDocument(ret)); err != nil {
		return domain.ReturnRequest{}, err
	}
	return ret, nil
}

func (r *ReturnRequestRepository) List(ctx context.Context, filter repositories.ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error) {
	cursor, err := pagination.DecodeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, err
	}
	size := pagination.Normalize(filter.Pagination.PageSize)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, status := range filter.Status {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.After, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.ReturnRequest]{}, err
	}

	page := domain.CursorPage[domain.ReturnRequest]{Items: make([]domain.ReturnRequest, 0, len(docs))}
	for i, doc := range docs {
		if i == size {
			last := docs[size-1]
			page.NextPageToken = pagination.EncodeCursor(pagination.Cursor{After: last.Data.CreatedAt, ID: last.ID})
			break
		}
		page.Items = append(page.Items, doc.Data.toDomain(doc.ID))
	}
	return page, nil
}

func returnRequestToDocument(ret domain.ReturnRequest) returnRequestDocument {
	return returnRequestDocument{
		UserID:          ret.UserID,
		OrderID:         ret.OrderID,
		Reason:          ret.Reason,
		RequestedAmount: ret.RequestedAmount,
		RefundAmount:    ret.RefundAmount,
		Status:          string(ret.Status),
		AdminNote:       ret.AdminNote,
		CreditID:        ret.CreditID,
		CreatedAt:       ret.CreatedAt.UTC(),
		UpdatedAt:       ret.UpdatedAt.UTC(),
		ResolvedAt:      ret.ResolvedAt,
	}
}

func (d returnRequestDocument) toDomain(id string) domain.ReturnRequest {
	return domain.ReturnRequest{
		ID:              id,
		UserID:          d.UserID,
		OrderID:         d.OrderID,
		Reason:          d.Reason,
		RequestedAmount: d.RequestedAmount,
		RefundAmount:    d.RefundAmount,
		Status:          domain.ReturnStatus(d.Status),
		AdminNote:       d.AdminNote,
		CreditID:        d.CreditID,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
		ResolvedAt:      d.ResolvedAt,
	}
}

var _ repositories.ReturnRequestRepository = (*ReturnRequestRepository)(nil)
