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

const priceRequestCollection = "priceRequests"

type priceRequestDocument struct {
	UserID        string     `firestore:"userId"`
	ServiceID     string     `firestore:"serviceId"`
	ServiceName   string     `firestore:"serviceName"`
	VariantName   string     `firestore:"variantName,omitempty"`
	Message       string     `firestore:"message,omitempty"`
	AttachmentKey string     `firestore:"attachmentKey,omitempty"`
	Status        string     `firestore:"status"`
	FinalPrice    *int64     `firestore:"finalPrice,omitempty"`
	AdminNote     string     `firestore:"adminNote,omitempty"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
	ResolvedAt    *time.Time `firestore:"resolvedAt,omitempty"`
}

// PriceRequestRepository stores quote-on-request records.
type PriceRequestRepository struct {
	base *pfirestore.BaseRepository[priceRequestDocument]
}

func NewPriceRequestRepository(provider *pfirestore.Provider) (*PriceRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("price request repository requires firestore provider")
	}
	return &PriceRequestRepository{
		base: pfirestore.NewBaseRepository[priceRequestDocument](provider, priceRequestCollection, nil, nil),
	}, nil
}

func (r *PriceRequestRepository) Insert(ctx context.Context, req domain.PriceRequest) (domain.PriceRequest, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return domain.PriceRequest{}, errors.New("price request repository: id is required")
	}
	if _, err := r.base.Create(ctx, id, priceRequestToDocument(req)); err != nil {
		return domain.PriceRequest{}, err
	}
	return req, nil
}

func (r *PriceRequestRepository) FindByID(ctx context.Context, requestID string) (domain.PriceRequest, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return domain.PriceRequest{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *PriceRequestRepository) Update(ctx context.Context, req domain.PriceRequest) (domain.PriceRequest, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return domain.PriceRequest{}, errors.New("price request repository: id is required")
	}
	if _, err := r.base.Set(ctx, id, priceRequestToDocument(req)); err != nil {
		return domain.PriceRequest{}, err
	}
	return req, nil
}

// List pages through requests newest first, optionally narrowed to one user
// and a set of statuses.
func (r *PriceRequestRepository) List(ctx context.Context, filter repositories.PriceRequestListFilter) (domain.CursorPage[domain.PriceRequest], error) {
	cursor, err := pagination.DecodeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.PriceRequest]{}, err
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
		return domain.CursorPage[domain.PriceRequest]{}, err
	}

	page := domain.CursorPage[domain.PriceRequest]{Items: make([]domain.PriceRequest, 0, len(docs))}
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

func priceRequestToDocument(req domain.PriceRequest) priceRequestDocument {
	return priceRequestDocument{
		UserID:        req.UserID,
		ServiceID:     req.ServiceID,
		ServiceName:   req.ServiceName,
		VariantName:   req.VariantName,
		Message:       req.Message,
		AttachmentKey: req.AttachmentKey,
		Status:        string(req.Status),
		FinalPrice:    req.FinalPrice,
		AdminNote:     req.AdminNote,
		CreatedAt:     req.CreatedAt.UTC(),
		UpdatedAt:     req.UpdatedAt.UTC(),
		ResolvedAt:    req.ResolvedAt,
	}
}

func (d priceRequestDocument) toDomain(id string) domain.PriceRequest {
	return domain.PriceRequest{
		ID:            id,
		UserID:        d.UserID,
		ServiceID:     d.ServiceID,
		ServiceName:   d.ServiceName,
		VariantName:   d.VariantName,
		Message:       d.Message,
		AttachmentKey: d.AttachmentKey,
		Status:        domain.PriceRequestStatus(d.Status),
		FinalPrice:    d.FinalPrice,
		AdminNote:     d.AdminNote,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
		ResolvedAt:    d.ResolvedAt,
	}
}

var _ repositories.PriceRequestRepository = (*PriceRequestRepository)(nil)
