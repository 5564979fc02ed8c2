package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/services"
)

type stubAddressService struct {
	listFn       func(context.Context, string) ([]services.Address, error)
	getFn        func(context.Context, string, string) (services.Address, error)
	upsertFn     func(context.Context, services.UpsertAddressCommand) (services.Address, error)
	deleteFn     func(context.Context, string, string) error
	setDefaultFn func(context.Context, string, string) (services.Address, error)
}

func (s *stubAddressService) ListAddresses(ctx context.Context, userID string) ([]services.Address, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubAddressService) GetAddress(ctx context.Context, userID, addressID string) (services.Address, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID, addressID)
	}
	return services.Address{}, services.ErrAddressNotFound
}

func (s *stubAddressService) UpsertAddress(ctx context.Context, cmd services.UpsertAddressCommand) (services.Address, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cmd)
	}
	return cmd.Address, nil
}

func (s *stubAddressService) DeleteAddress(ctx context.Context, userID, addressID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, userID, addressID)
	}
	return nil
}

func (s *stubAddressService) SetDefaultAddress(ctx context.Context, userID, addressID string) (services.Address, error) {
	if s.setDefaultFn != nil {
		return s.setDefaultFn(ctx, userID, addressID)
	}
	return services.Address{}, errors.New("not implemented")
}

type stubCouponService struct {
	validateFn func(context.Context, services.ValidateCouponCommand) (services.CouponValidation, error)
	listFn     func(context.Context, string) ([]services.Coupon, error)
	upsertFn   func(context.Context, services.Coupon) (services.Coupon, error)
}

func (s *stubCouponService) ValidateCoupon(ctx context.Context, cmd services.ValidateCouponCommand) (services.CouponValidation, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, cmd)
	}
	return services.CouponValidation{}, services.ErrCouponNotFound
}

func (s *stubCouponService) ListUserCoupons(ctx context.Context, userID string) ([]services.Coupon, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubCouponService) UpsertCoupon(ctx context.Context, coupon services.Coupon) (services.Coupon, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, coupon)
	}
	return coupon, nil
}

type stubPCashService struct {
	summaryFn func(context.Context, string, int64) (services.PCashSummary, error)
	balanceFn func(context.Context, string, int64) (domain.PCashBalance, error)
	ledgerFn  func(context.Context, string) (services.PCashLedgerView, error)
	creditFn  func(context.Context, services.CreditPCashCommand) (services.PCashLedger, error)
	consumeFn func(context.Context, services.ConsumePCashCommand) (services.PCashLedger, error)
	scanFn    func(context.Context, services.ScanExpiringCreditsCommand) (services.ExpiryScanResult, error)
}

func (s *stubPCashService) Summary(ctx context.Context, userID string, orderTotal int64) (services.PCashSummary, error) {
	if s.summaryFn != nil {
		return s.summaryFn(ctx, userID, orderTotal)
	}
	return services.PCashSummary{}, nil
}

func (s *stubPCashService) Balance(ctx context.Context, userID string, orderTotal int64) (domain.PCashBalance, error) {
	if s.balanceFn != nil {
		return s.balanceFn(ctx, userID, orderTotal)
	}
	return domain.PCashBalance{}, nil
}

func (s *stubPCashService) Ledger(ctx context.Context, userID string) (services.PCashLedgerView, error) {
	if s.ledgerFn != nil {
		return s.ledgerFn(ctx, userID)
	}
	return services.PCashLedgerView{}, nil
}

func (s *stubPCashService) Credit(ctx context.Context, cmd services.CreditPCashCommand) (services.PCashLedger, error) {
	if s.creditFn != nil {
		return s.creditFn(ctx, cmd)
	}
	return services.PCashLedger{}, nil
}

func (s *stubPCashService) Consume(ctx context.Context, cmd services.ConsumePCashCommand) (services.PCashLedger, error) {
	if s.consumeFn != nil {
		return s.consumeFn(ctx, cmd)
	}
	return services.PCashLedger{}, nil
}

func (s *stubPCashService) Hold(ctx context.Context, cmd services.HoldPCashCommand) (services.PCashLedger, error) {
	return services.PCashLedger{UserID: cmd.UserID}, nil
}

func (s *stubPCashService) Release(ctx context.Context, cmd services.ReleasePCashCommand) (bool, error) {
	return true, nil
}

func (s *stubPCashService) ScanExpiringCredits(ctx context.Context, cmd services.ScanExpiringCreditsCommand) (services.ExpiryScanResult, error) {
	if s.scanFn != nil {
		return s.scanFn(ctx, cmd)
	}
	return services.ExpiryScanResult{}, nil
}

var (
	_ services.AddressService = (*stubAddressService)(nil)
	_ services.CouponService  = (*stubCouponService)(nil)
	_ services.PCashService   = (*stubPCashService)(nil)
)

func newMeRouter(addresses services.AddressService, coupons services.CouponService, pcash services.PCashService) chi.Router {
	router := chi.NewRouter()
	router.Route("/me", NewMeHandlers(nil, addresses, coupons, pcash).Routes)
	return router
}

func floatPtr(v float64) *float64 { return &v }

func TestMeHandlersListAddresses(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubAddressService{
		listFn: func(_ context.Context, userID string) ([]services.Address, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return []services.Address{
				{ID: "addr-1", Name: "Asha", City: "Bengaluru", Pincode: "560001", DistanceFromCenter: floatPtr(4.2), IsDefault: true, CreatedAt: now},
				{ID: "addr-2", Name: "Site office", City: "Mysuru", Pincode: "570001"},
			}, nil
		},
	}

	rr := httptest.NewRecorder()
	newMeRouter(svc, nil, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/addresses", nil), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body addressListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %d", len(body.Addresses))
	}
	first := body.Addresses[0]
	if !first.IsDefault || first.DistanceFromCenter == nil || *first.DistanceFromCenter != 4.2 {
		t.Fatalf("unexpected first address %+v", first)
	}
	if first.CreatedAt != "2025-03-01T09:00:00Z" {
		t.Fatalf("unexpected createdAt %q", first.CreatedAt)
	}
}

func TestMeHandlersCreateAddress(t *testing.T) {
	var captured services.UpsertAddressCommand
	svc := &stubAddressService{
		upsertFn: func(_ context.Context, cmd services.UpsertAddressCommand) (services.Address, error) {
			captured = cmd
			saved := cmd.Address
			saved.ID = "addr-9"
			saved.DistanceFromCenter = floatPtr(12.5)
			return saved, nil
		},
	}
	body := `{"name":"Asha","phone":"9876543210","addressLine1":"12 MG Road","city":"Bengaluru","state":"KA","pincode":"560001","latitude":12.97,"longitude":77.59,"isDefault":true}`
	rr := httptest.NewRecorder()
	newMeRouter(svc, nil, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/me/addresses", strings.NewReader(body)), "user-1"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Location"); got != "/me/addresses/addr-9" {
		t.Fatalf("unexpected location %q", got)
	}
	if captured.UserID != "user-1" || captured.Address.ID != "" || !captured.Address.IsDefault {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Address.Latitude == nil || *captured.Address.Latitude != 12.97 {
		t.Fatalf("expected latitude forwarded, got %v", captured.Address.Latitude)
	}
	var payload addressPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ID != "addr-9" || payload.DistanceFromCenter == nil || *payload.DistanceFromCenter != 12.5 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestMeHandlersCreateAddressRejectsDistanceField(t *testing.T) {
	svc := &stubAddressService{
		upsertFn: func(context.Context, services.UpsertAddressCommand) (services.Address, error) {
			t.Fatalf("service should not be called")
			return services.Address{}, nil
		},
	}
	body := `{"name":"Asha","distanceFromCenter":1}`
	rr := httptest.NewRecorder()
	newMeRouter(svc, nil, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/me/addresses", strings.NewReader(body)), "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMeHandlersCreateAddressValidationError(t *testing.T) {
	svc := &stubAddressService{
		upsertFn: func(context.Context, services.UpsertAddressCommand) (services.Address, error) {
			return services.Address{}, fmt.Errorf("%w: pincode must be 6 digits", services.ErrAddressInvalidInput)
		},
	}
	rr := httptest.NewRecorder()
	newMeRouter(svc, nil, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/me/addresses", strings.NewReader(`{"name":"Asha","pincode":"12"}`)), "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid_address") {
		t.Fatalf("expected invalid_address code, got %s", rr.Body.String())
	}
}

func TestMeHandlersUpdateAddressRequiresExisting(t *testing.T) {
	svc := &stubAddressService{
		getFn: func(context.Context, string, string) (services.Address, error) {
			return services.Address{}, services.ErrAddressNotFound
		},
		upsertFn: func(context.Context, services.UpsertAddressCommand) (services.Address, error) {
			t.Fatalf("upsert should not be called for unknown address")
			return services.Address{}, nil
		},
	}
	rr := httptest.NewRecorder()
	newMeRouter(svc, nil, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/me/addresses/addr-x", strings.NewReader(`{"name":"Asha"}`)), "user-1"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestMeHandlersUpdateAddress(t *testing.T) {
	var captured services.UpsertAddressCommand
	svc := &stubAddressService{
		getFn: func(_ context.Context, _ string, addressID string) (services.Address, error) {
			return services.Address{ID: addressID}, nil
		},
		upsertFn: func(_ context.Context, cmd services.UpsertAddressCommand) (services.Address, error) {
			captured = cmd
			return cmd.Address, nil
		},
	}
	rr := httptest.NewRecorder()
	newMeRouter(svc, nil, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/me/addresses/addr-1", strings.NewReader(`{"name":"Asha K","city":"Bengaluru"}`)), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Address.ID != "addr-1" || captured.Address.Name != "Asha K" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestMeHandlersDeleteAndDefaultAddress(t *testing.T) {
	deleted := ""
	svc := &stubAddressService{
		deleteFn: func(_ context.Context, _ string, addressID string) error {
			deleted = addressID
			return nil
		},
		setDefaultFn: func(_ context.Context, _ string, addressID string) (services.Address, error) {
			return services.Address{ID: addressID, IsDefault: true}, nil
		},
	}
	router := newMeRouter(svc, nil, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodDelete, "/me/addresses/addr-2", nil), "user-1"))
	if rr.Code != http.StatusNoContent || deleted != "addr-2" {
		t.Fatalf("expected 204 deleting addr-2, got %d (%q)", rr.Code, deleted)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/me/addresses/addr-3/default", nil), "user-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload addressPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ID != "addr-3" || !payload.IsDefault {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestMeHandlersAddressesUnavailable(t *testing.T) {
	rr := httptest.NewRecorder()
	newMeRouter(nil, nil, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/addresses", nil), "user-1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMeHandlersRequireIdentity(t *testing.T) {
	router := newMeRouter(&stubAddressService{}, &stubCouponService{}, &stubPCashService{})
	for _, path := range []string{"/me/addresses", "/me/coupons", "/me/pcash", "/me/pcash/ledger"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestMeHandlersListCoupons(t *testing.T) {
	minOrder := int64(500000)
	until := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	svc := &stubCouponService{
		listFn: func(_ context.Context, userID string) ([]services.Coupon, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user %q", userID)
			}
			return []services.Coupon{
				{Code: "SAVE10", Discount: 10, Type: domain.CouponPercentage, MinOrder: &minOrder, ValidUntil: &until, Description: "10% off"},
				{Code: "FLAT500", Discount: 50000, Type: domain.CouponFixed},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newMeRouter(nil, svc, nil).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/coupons", nil), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body couponListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Coupons) != 2 {
		t.Fatalf("expected 2 coupons, got %d", len(body.Coupons))
	}
	if c := body.Coupons[0]; c.Type != "percentage" || c.MinOrder == nil || *c.MinOrder != 500000 || c.ValidUntil != "2025-04-01T00:00:00Z" {
		t.Fatalf("unexpected coupon %+v", c)
	}
	if c := body.Coupons[1]; c.MinOrder != nil || c.ValidUntil != "" {
		t.Fatalf("expected optional fields omitted, got %+v", c)
	}
}

func TestMeHandlersPCashSummary(t *testing.T) {
	expires := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	svc := &stubPCashService{
		summaryFn: func(_ context.Context, userID string, orderTotal int64) (services.PCashSummary, error) {
			if userID != "user-1" || orderTotal != 200000 {
				t.Fatalf("unexpected call %s/%d", userID, orderTotal)
			}
			return services.PCashSummary{
				CurrentBalance:   150000,
				SpendableBalance: 120000,
				MaxApplicable:    20000,
				ExpiringSoon: []domain.PCashCredit{
					{ID: "cr-1", Amount: 5000, Reason: domain.CreditPromotion, Status: domain.CreditStatusActive, ExpiresAt: &expires},
				},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newMeRouter(nil, nil, svc).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/pcash?orderTotal=200000", nil), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body pcashSummaryPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CurrentBalance != 150000 || body.SpendableBalance != 120000 || body.MaxApplicable != 20000 || body.BalanceDisplay != "₹1,500.00" {
		t.Fatalf("unexpected summary %+v", body)
	}
	if len(body.ExpiringSoon) != 1 || body.ExpiringSoon[0].ExpiresAt != "2025-03-05T00:00:00Z" {
		t.Fatalf("unexpected expiring credits %+v", body.ExpiringSoon)
	}
}

func TestMeHandlersPCashSummaryRejectsBadTotal(t *testing.T) {
	svc := &stubPCashService{
		summaryFn: func(context.Context, string, int64) (services.PCashSummary, error) {
			t.Fatalf("service should not be called")
			return services.PCashSummary{}, nil
		},
	}
	for _, query := range []string{"orderTotal=-1", "orderTotal=ten"} {
		rr := httptest.NewRecorder()
		newMeRouter(nil, nil, svc).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/pcash?"+query, nil), "user-1"))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}
}

func TestMeHandlersPCashLedger(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubPCashService{
		ledgerFn: func(_ context.Context, userID string) (services.PCashLedgerView, error) {
			return services.PCashLedgerView{
				Ledger: services.PCashLedger{
					UserID: userID,
					Credits: []domain.PCashCredit{
						{ID: "cr-1", Amount: 10000, Reason: domain.CreditReferral, Status: domain.CreditStatusActive, CreatedAt: now},
						{ID: "cr-0", Amount: 3000, Reason: domain.CreditPromotion, Status: domain.CreditStatusExpired, CreatedAt: now.Add(-48 * time.Hour)},
					},
					Consumptions: []domain.PCashConsumption{{ID: "co-1", Amount: 2000, OrderID: "ord_1", CreatedAt: now}},
					UpdatedAt:    now,
				},
				CurrentBalance:   8000,
				SpendableBalance: 6000,
				Credited:         10000,
				Consumed:         2000,
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newMeRouter(nil, nil, svc).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/pcash/ledger", nil), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body pcashLedgerPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UserID != "user-1" || body.CurrentBalance != 8000 || body.SpendableBalance != 6000 || len(body.Credits) != 2 || len(body.Consumptions) != 1 {
		t.Fatalf("unexpected ledger %+v", body)
	}
	if body.Credits[1].Status != "expired" || body.Consumptions[0].OrderID != "ord_1" {
		t.Fatalf("unexpected entries %+v / %+v", body.Credits, body.Consumptions)
	}
}

func TestMeHandlersPCashUnavailable(t *testing.T) {
	svc := &stubPCashService{
		summaryFn: func(context.Context, string, int64) (services.PCashSummary, error) {
			return services.PCashSummary{}, services.ErrPCashUnavailable
		},
	}
	rr := httptest.NewRecorder()
	newMeRouter(nil, nil, svc).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/pcash", nil), "user-1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
