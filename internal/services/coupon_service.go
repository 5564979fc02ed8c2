package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/textutil"
	"github.com/buildkart/api/internal/repositories"
)

const (
	maxCouponCodeLength        = 32
	maxCouponDescriptionLength = 200
)

var (
	// ErrCouponRepositoryMissing indicates the coupon repository was not configured.
	ErrCouponRepositoryMissing = errors.New("coupon service: repository missing")
	// ErrCouponInvalidInput indicates a malformed code or coupon definition.
	ErrCouponInvalidInput = errors.New("coupon service: invalid input")
	// ErrCouponNotFound indicates no coupon exists for the code.
	ErrCouponNotFound = errors.New("coupon service: not found")
	// ErrCouponNotAssigned indicates the coupon is restricted to other users.
	ErrCouponNotAssigned = errors.New("coupon service: not assigned to user")
	// ErrCouponExpired indicates the coupon's validity window has passed.
	ErrCouponExpired = errors.New("coupon service: expired")
	// ErrCouponInactive indicates the coupon has been switched off.
	ErrCouponInactive = errors.New("coupon service: inactive")
	// ErrCouponMinOrderNotMet indicates the subtotal is below the coupon minimum.
	ErrCouponMinOrderNotMet = errors.New("coupon service: minimum order not met")
	// ErrCouponUnavailable indicates the coupon store could not be reached.
	ErrCouponUnavailable = errors.New("coupon service: unavailable")
)

// CouponMinOrderError reports how far the subtotal falls short of the minimum.
type CouponMinOrderError struct {
	MinOrder int64
	Subtotal int64
}

func (e *CouponMinOrderError) Error() string {
	return fmt.Sprintf("coupon service: minimum order %d not met by subtotal %d", e.MinOrder, e.Subtotal)
}

func (e *CouponMinOrderError) Unwrap() error { return ErrCouponMinOrderNotMet }

// CouponServiceDeps bundles dependencies required to construct a CouponService implementation.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

type couponService struct {
	repo   repositories.CouponRepository
	clock  func() time.Time
	logger eventLogger
}

// NewCouponService wires a CouponService backed by the provided repository.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, ErrCouponRepositoryMissing
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &couponService{
		repo:   deps.Coupons,
		clock:  func() time.Time { return clock().UTC() },
		logger: loggerOrNoop(deps.Logger),
	}, nil
}

func (s *couponService) ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	code := normalizeCouponCode(cmd.Code)
	if code == "" || len(code) > maxCouponCodeLength {
		return CouponValidation{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.Subtotal < 0 {
		return CouponValidation{}, fmt.Errorf("%w: subtotal must be non-negative", ErrCouponInvalidInput)
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return CouponValidation{}, s.translateRepoError(err)
	}

	if err := s.checkUsable(coupon, strings.TrimSpace(cmd.UserID)); err != nil {
		s.logger(ctx, "coupon.validation.rejected", map[string]any{
			"code":   code,
			"userId": cmd.UserID,
			"reason": err.Error(),
		})
		return CouponValidation{}, err
	}
	if coupon.MinOrder != nil && cmd.Subtotal < *coupon.MinOrder {
		return CouponValidation{}, &CouponMinOrderError{MinOrder: *coupon.MinOrder, Subtotal: cmd.Subtotal}
	}

	discount, err := CouponDiscount(&coupon, cmd.Subtotal)
	if err != nil {
		return CouponValidation{}, fmt.Errorf("%w: %v", ErrCouponInvalidInput, err)
	}
	return CouponValidation{Coupon: coupon, Discount: discount}, nil
}

// ListUserCoupons returns active, unexpired coupons assigned to the user, soonest expiry first.
func (s *couponService) ListUserCoupons(ctx context.Context, userID string) ([]Coupon, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrCouponInvalidInput)
	}
	coupons, err := s.repo.ListAssigned(ctx, uid)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	out := make([]Coupon, 0, len(coupons))
	for _, coupon := range coupons {
		if s.checkUsable(coupon, uid) == nil {
			out = append(out, coupon)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ValidUntil, out[j].ValidUntil
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out, nil
}

// UpsertCoupon validates and stores a coupon definition.
func (s *couponService) UpsertCoupon(ctx context.Context, coupon Coupon) (Coupon, error) {
	coupon.Code = normalizeCouponCode(coupon.Code)
	if coupon.Code == "" || len(coupon.Code) > maxCouponCodeLength {
		return Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	switch coupon.Type {
	case domain.CouponPercentage:
		if coupon.Discount <= 0 || coupon.Discount > 100 {
			return Coupon{}, fmt.Errorf("%w: percentage must be between 1 and 100", ErrCouponInvalidInput)
		}
	case domain.CouponFixed:
		if coupon.Discount <= 0 {
			return Coupon{}, fmt.Errorf("%w: fixed discount must be positive", ErrCouponInvalidInput)
		}
	default:
		return Coupon{}, fmt.Errorf("%w: unsupported coupon type %q", ErrCouponInvalidInput, coupon.Type)
	}
	if coupon.MinOrder != nil && *coupon.MinOrder < 0 {
		return Coupon{}, fmt.Errorf("%w: minimum order must be non-negative", ErrCouponInvalidInput)
	}
	coupon.Description = textutil.CleanText(coupon.Description, maxCouponDescriptionLength)
	coupon.AssignedUsers = cloneStringSlice(coupon.AssignedUsers)

	now := s.clock()
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = now
	}
	coupon.UpdatedAt = now

	saved, err := s.repo.Upsert(ctx, coupon)
	if err != nil {
		return Coupon{}, s.translateRepoError(err)
	}
	s.logger(ctx, "coupon.upserted", map[string]any{"code": saved.Code, "active": saved.Active})
	return saved, nil
}

func (s *couponService) checkUsable(coupon Coupon, userID string) error {
	if !coupon.Active {
		return ErrCouponInactive
	}
	if coupon.ValidUntil != nil && s.clock().After(*coupon.ValidUntil) {
		return ErrCouponExpired
	}
	if len(coupon.AssignedUsers) > 0 && !containsString(coupon.AssignedUsers, userID) {
		return ErrCouponNotAssigned
	}
	return nil
}

func (s *couponService) translateRepoError(err error) error {
	switch {
	case isRepoNotFound(err):
		return ErrCouponNotFound
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	default:
		return err
	}
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func containsString(values []string, target string) bool {
	if target == "" {
		return false
	}
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
