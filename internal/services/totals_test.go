package services

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/buildkart/api/internal/domain"
)

func newTestTotals(t *testing.T) *TotalsCalculator {
	t.Helper()
	calc, err := NewTotalsCalculator(TotalsCalculatorDeps{})
	require.NoError(t, err)
	return calc
}

func scenarioInput() TotalsInput {
	return TotalsInput{
		Tab: domain.TabProducts,
		Items: []domain.CartItem{{
			ProductID:       "cement-53",
			Quantity:        2,
			Price:           100000,
			DiscountedPrice: int64Ptr(90000),
		}},
		SelectedAddress:  &domain.Address{ID: "addr-1", DistanceFromCenter: float64Ptr(3)},
		TransportMode:    domain.TransportBike,
		TransportCharges: ComputeTransportCharges(DefaultTransportBasePrices(), float64Ptr(3)),
	}
}

func TestTotalsScenarioWithoutCoupon(t *testing.T) {
	t.Parallel()

	totals, err := newTestTotals(t).Calculate(context.Background(), scenarioInput())
	require.NoError(t, err)
	require.Equal(t, domain.Totals{
		Currency:         domain.DefaultCurrency,
		Subtotal:         180000,
		LaborCharges:     0,
		TransportCharge:  5000,
		GST:              33300,
		Discount:         0,
		TotalBeforePCash: 218300,
		Total:            218300,
	}, totals)
}

func TestTotalsScenarioWithPercentageCoupon(t *testing.T) {
	t.Parallel()

	in := scenarioInput()
	in.Coupon = &domain.Coupon{Code: "SAVE10", Type: domain.CouponPercentage, Discount: 10}

	totals, err := newTestTotals(t).Calculate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(18000), totals.Discount)
	require.Equal(t, int64(30060), totals.GST, "gst is charged on the discounted base")
	require.Equal(t, int64(197060), totals.TotalBeforePCash)
	require.Equal(t, int64(197060), totals.Total)
}

func TestTotalsDiscountNeverTouchesGSTItself(t *testing.T) {
	t.Parallel()

	calc := newTestTotals(t)
	for _, coupon := range []*domain.Coupon{
		{Code: "FLAT500", Type: domain.CouponFixed, Discount: 50000},
		{Code: "HALF", Type: domain.CouponPercentage, Discount: 50},
		{Code: "ALL", Type: domain.CouponPercentage, Discount: 100},
	} {
		in := scenarioInput()
		in.Coupon = coupon
		totals, err := calc.Calculate(context.Background(), in)
		require.NoError(t, err, coupon.Code)

		base := totals.Subtotal + totals.LaborCharges + totals.TransportCharge - totals.Discount
		wantGST, err := percentOf(base, DefaultGSTBasisPoints, 10000)
		require.NoError(t, err)
		require.Equal(t, wantGST, totals.GST, coupon.Code)
		require.Equal(t, base+totals.GST, totals.Total, coupon.Code)
	}
}

func TestTotalsEmptyCartIsZero(t *testing.T) {
	t.Parallel()

	totals, err := newTestTotals(t).Calculate(context.Background(), TotalsInput{Tab: domain.TabProducts})
	require.NoError(t, err)
	require.True(t, totals.IsZero())
}

func TestTotalsTransportRequiresSelectedAddress(t *testing.T) {
	t.Parallel()

	in := scenarioInput()
	in.SelectedAddress = nil
	totals, err := newTestTotals(t).Calculate(context.Background(), in)
	require.NoError(t, err)
	require.Zero(t, totals.TransportCharge)
	require.Equal(t, int64(32400), totals.GST)
}

func TestTotalsServicesTabIgnoresTransportAndLabor(t *testing.T) {
	t.Parallel()

	in := scenarioInput()
	in.Tab = domain.TabServices
	in.Services = []domain.ServiceItem{
		{Name: "Site survey", Price: 50000},
		{Name: "Plumbing", Price: 20000, Quantity: intPtr(2)},
	}
	totals, err := newTestTotals(t).Calculate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(90000), totals.Subtotal)
	require.Zero(t, totals.TransportCharge)
	require.Zero(t, totals.LaborCharges)
	require.Equal(t, int64(16200), totals.GST)
	require.Equal(t, int64(106200), totals.Total)
}

func TestTotalsLaborIsTaxed(t *testing.T) {
	t.Parallel()

	in := TotalsInput{
		Tab: domain.TabProducts,
		Items: []domain.CartItem{
			{ProductID: "tiles", Quantity: 1, Price: 10000, IncludeLabor: true, LaborFloors: 3, LaborPerFloor: 5000},
			{ProductID: "sand", Quantity: 1, Price: 10000, IncludeLabor: false, LaborFloors: 9, LaborPerFloor: 5000},
		},
	}
	totals, err := newTestTotals(t).Calculate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(15000), totals.LaborCharges)
	require.Equal(t, int64(6300), totals.GST)
	require.Equal(t, int64(41300), totals.Total)
}

func TestTotalsGSTRoundsHalfUp(t *testing.T) {
	t.Parallel()

	in := TotalsInput{Tab: domain.TabProducts, Items: []domain.CartItem{{ProductID: "nail", Quantity: 1, Price: 25}}}
	totals, err := newTestTotals(t).Calculate(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, int64(5), totals.GST)
}

func TestTotalsPCashIsBoundedByEveryLimit(t *testing.T) {
	t.Parallel()

	calc := newTestTotals(t)
	cases := []struct {
		name    string
		toggle  int64
		balance domain.PCashBalance
		want    int64
	}{
		{name: "toggle", toggle: 1000, balance: domain.PCashBalance{CurrentBalance: 5000, MaxApplicable: 20000}, want: 1000},
		{name: "balance", toggle: 100000, balance: domain.PCashBalance{CurrentBalance: 5000, MaxApplicable: 20000}, want: 5000},
		{name: "max applicable", toggle: 100000, balance: domain.PCashBalance{CurrentBalance: 50000, MaxApplicable: 20000}, want: 20000},
		{name: "total", toggle: 1000000, balance: domain.PCashBalance{CurrentBalance: 1000000, MaxApplicable: 1000000}, want: 218300},
		{name: "negative balance", toggle: 1000, balance: domain.PCashBalance{CurrentBalance: -10, MaxApplicable: 20000}, want: 0},
	}
	for _, tc := range cases {
		in := scenarioInput()
		in.PCashToggle = tc.toggle
		balance := tc.balance
		in.PCash = &balance
		totals, err := calc.Calculate(context.Background(), in)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, totals.PCashAppliedAmount, tc.name)
		require.Equal(t, totals.TotalBeforePCash-tc.want, totals.Total, tc.name)
	}
}

func TestTotalsPCashIgnoredWithoutBalance(t *testing.T) {
	t.Parallel()

	in := scenarioInput()
	in.PCashToggle = 5000
	totals, err := newTestTotals(t).Calculate(context.Background(), in)
	require.NoError(t, err)
	require.Zero(t, totals.PCashAppliedAmount)
}

func TestCouponDiscount(t *testing.T) {
	t.Parallel()

	discount, err := CouponDiscount(&domain.Coupon{Type: domain.CouponFixed, Discount: 50000}, 20000)
	require.NoError(t, err)
	require.Equal(t, int64(20000), discount, "fixed discount is clamped to the subtotal")

	discount, err = CouponDiscount(&domain.Coupon{Type: domain.CouponPercentage, Discount: 150}, 20000)
	require.NoError(t, err)
	require.Equal(t, int64(20000), discount)

	discount, err = CouponDiscount(&domain.Coupon{Type: domain.CouponPercentage, Discount: 15}, 333)
	require.NoError(t, err)
	require.Equal(t, int64(50), discount)

	discount, err = CouponDiscount(nil, 20000)
	require.NoError(t, err)
	require.Zero(t, discount)

	_, err = CouponDiscount(&domain.Coupon{Type: "bogo", Discount: 1}, 20000)
	require.ErrorIs(t, err, ErrTotalsInvalidInput)
}

func TestTotalsRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	calc := newTestTotals(t)
	_, err := calc.Calculate(context.Background(), TotalsInput{
		Tab:   domain.TabProducts,
		Items: []domain.CartItem{{ProductID: "x", Quantity: -1, Price: 100}},
	})
	require.ErrorIs(t, err, ErrTotalsInvalidInput)

	_, err = calc.Calculate(context.Background(), TotalsInput{
		Tab:   domain.TabProducts,
		Items: []domain.CartItem{{ProductID: "x", Quantity: 2, Price: math.MaxInt64}},
	})
	require.ErrorIs(t, err, ErrTotalsOverflow)
}

func TestNewTotalsCalculatorValidatesRate(t *testing.T) {
	t.Parallel()

	_, err := NewTotalsCalculator(TotalsCalculatorDeps{GSTBasisPoints: 10001})
	require.Error(t, err)

	calc, err := NewTotalsCalculator(TotalsCalculatorDeps{GSTBasisPoints: 500})
	require.NoError(t, err)
	totals, err := calc.Calculate(context.Background(), TotalsInput{
		Tab:   domain.TabProducts,
		Items: []domain.CartItem{{ProductID: "x", Quantity: 1, Price: 10000}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), totals.GST)
}
