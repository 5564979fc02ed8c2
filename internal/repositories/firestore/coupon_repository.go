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

const couponCollection = "coupons"

// CouponRepository reads coupon definitions keyed by their upper-cased code.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
	now  func() time.Time
}

func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		base: pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil, nil),
		now:  time.Now,
	}, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	doc, err := r.base.Get(ctx, couponID(code))
	if err != nil {
		return domain.Coupon{}, err
	}
	coupon := doc.Data.toDomain()
	if coupon.Code == "" {
		coupon.Code = doc.ID
	}
	return coupon, nil
}

// ListAssigned returns active coupons assigned to the user.
func (r *CouponRepository) ListAssigned(ctx context.Context, userID string) ([]domain.Coupon, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("coupon repository: user id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("assignedUsers", "array-contains", uid).Where("active", "==", true)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Coupon, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain())
	}
	return out, nil
}

func (r *CouponRepository) Upsert(ctx context.Context, coupon domain.Coupon) (domain.Coupon, error) {
	id := couponID(coupon.Code)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: code is required")
	}
	now := r.now().UTC()
	coupon.Code = id
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = now
	}
	coupon.UpdatedAt = now
	if _, err := r.base.Set(ctx, id, couponToDocument(coupon)); err != nil {
		return domain.Coupon{}, err
	}
	return coupon, nil
}

func couponID(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
