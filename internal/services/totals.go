package services

import (
	"context"
	"errors"
	"fmt"
	"math"

	domain "github.com/buildkart/api/internal/domain"
)

var (
	// ErrTotalsInvalidInput signals negative quantities or prices reaching the aggregator.
	ErrTotalsInvalidInput = errors.New("totals: invalid input")
	// ErrTotalsOverflow is returned when a monetary sum exceeds int64.
	ErrTotalsOverflow = errors.New("totals: amount overflow")
)

// DefaultGSTBasisPoints is the flat 18% GST rate.
const DefaultGSTBasisPoints int64 = 1800

// TotalsCalculator aggregates cart lines, transport, coupon, GST and P-Cash into
// a price breakdown. The coupon discount comes off subtotal+labor+transport
// before GST is charged on what remains.
type TotalsCalculator struct {
	gstBasisPoints int64
	logger         func(context.Context, string, map[string]any)
}

// TotalsCalculatorDeps configures the calculator.
type TotalsCalculatorDeps struct {
	GSTBasisPoints int64
	Logger         func(context.Context, string, map[string]any)
}

// NewTotalsCalculator builds a calculator, defaulting GST to 18%.
func NewTotalsCalculator(deps TotalsCalculatorDeps) (*TotalsCalculator, error) {
	rate := deps.GSTBasisPoints
	if rate == 0 {
		rate = DefaultGSTBasisPoints
	}
	if rate < 0 || rate > 10000 {
		return nil, fmt.Errorf("totals calculator: gst basis points %d out of range", rate)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &TotalsCalculator{gstBasisPoints: rate, logger: logger}, nil
}

// TotalsInput captures everything the aggregator reads.
type TotalsInput struct {
	Tab              domain.CartTab
	Items            []domain.CartItem
	Services         []domain.ServiceItem
	SelectedAddress  *domain.Address
	TransportMode    domain.TransportMode
	TransportCharges domain.TransportCharges
	Coupon           *domain.Coupon
	PCashToggle      int64
	PCash            *domain.PCashBalance
}

// TotalsInputFromSession projects a checkout session onto the aggregator input.
func TotalsInputFromSession(session domain.CheckoutSession, balance *domain.PCashBalance) TotalsInput {
	return TotalsInput{
		Tab:              session.Tab,
		Items:            session.SortedItems(),
		Services:         session.SortedServices(),
		SelectedAddress:  session.SelectedAddress,
		TransportMode:    session.TransportMode,
		TransportCharges: session.TransportCharges,
		Coupon:           session.Coupon,
		PCashToggle:      session.PCashToggle,
		PCash:            balance,
	}
}

// Calculate produces the breakdown for the input.
func (c *TotalsCalculator) Calculate(ctx context.Context, in TotalsInput) (domain.Totals, error) {
	totals := domain.Totals{Currency: domain.DefaultCurrency}

	var err error
	if in.Tab == domain.TabServices {
		totals.Subtotal, err = servicesSubtotal(in.Services)
		if err != nil {
			return domain.Totals{}, err
		}
	} else {
		totals.Subtotal, totals.LaborCharges, err = productsSubtotal(in.Items)
		if err != nil {
			return domain.Totals{}, err
		}
		if in.SelectedAddress != nil {
			charge := in.TransportCharges[in.TransportMode]
			if charge < 0 {
				return domain.Totals{}, fmt.Errorf("%w: negative transport charge", ErrTotalsInvalidInput)
			}
			totals.TransportCharge = charge
		}
	}

	gross, err := addMoney(totals.Subtotal, totals.LaborCharges, totals.TransportCharge)
	if err != nil {
		return domain.Totals{}, err
	}

	totals.Discount, err = CouponDiscount(in.Coupon, totals.Subtotal)
	if err != nil {
		return domain.Totals{}, err
	}
	taxable := maxInt64(0, gross-totals.Discount)

	totals.GST, err = percentOf(taxable, c.gstBasisPoints, 10000)
	if err != nil {
		return domain.Totals{}, err
	}

	totals.TotalBeforePCash, err = addMoney(taxable, totals.GST)
	if err != nil {
		return domain.Totals{}, err
	}

	totals.PCashAppliedAmount = ApplicablePCash(in.PCashToggle, in.PCash, totals.TotalBeforePCash)
	totals.Total = maxInt64(0, totals.TotalBeforePCash-totals.PCashAppliedAmount)

	c.logger(ctx, "totals.calculated", map[string]any{
		"tab":      string(in.Tab),
		"subtotal": totals.Subtotal,
		"discount": totals.Discount,
		"pcash":    totals.PCashAppliedAmount,
		"total":    totals.Total,
	})

	return totals, nil
}

// CouponDiscount returns the discount a coupon grants on a subtotal. The
// discount never exceeds the subtotal.
func CouponDiscount(coupon *domain.Coupon, subtotal int64) (int64, error) {
	if coupon == nil || subtotal <= 0 {
		return 0, nil
	}
	if coupon.Discount < 0 {
		return 0, fmt.Errorf("%w: negative coupon discount", ErrTotalsInvalidInput)
	}
	var discount int64
	switch coupon.Type {
	case domain.CouponPercentage:
		pct := coupon.Discount
		if pct > 100 {
			pct = 100
		}
		var err error
		discount, err = percentOf(subtotal, pct, 100)
		if err != nil {
			return 0, err
		}
	case domain.CouponFixed:
		discount = coupon.Discount
	default:
		return 0, fmt.Errorf("%w: unknown coupon type %q", ErrTotalsInvalidInput, coupon.Type)
	}
	if discount > subtotal {
		discount = subtotal
	}
	return discount, nil
}

// ApplicablePCash is the smallest of the requested amount, the balance, the
// policy ceiling and the payable total, floored at zero.
func ApplicablePCash(toggle int64, balance *domain.PCashBalance, totalBeforePCash int64) int64 {
	if toggle <= 0 || balance == nil {
		return 0
	}
	applied := toggle
	for _, bound := range []int64{balance.CurrentBalance, balance.MaxApplicable, totalBeforePCash} {
		if bound < applied {
			applied = bound
		}
	}
	return maxInt64(0, applied)
}

func productsSubtotal(items []domain.CartItem) (int64, int64, error) {
	var subtotal, labor int64
	for _, item := range items {
		if item.Quantity < 0 {
			return 0, 0, fmt.Errorf("%w: item %s has negative quantity", ErrTotalsInvalidInput, item.ProductID)
		}
		unit := item.UnitPrice()
		if unit < 0 {
			return 0, 0, fmt.Errorf("%w: item %s has negative price", ErrTotalsInvalidInput, item.ProductID)
		}
		line, err := mulMoney(unit, int64(item.Quantity))
		if err != nil {
			return 0, 0, err
		}
		if subtotal, err = addMoney(subtotal, line); err != nil {
			return 0, 0, err
		}
		if item.IncludeLabor {
			if item.LaborPerFloor < 0 || item.LaborFloors < 0 {
				return 0, 0, fmt.Errorf("%w: item %s has negative labor", ErrTotalsInvalidInput, item.ProductID)
			}
			charge, err := mulMoney(item.LaborPerFloor, int64(item.LaborFloors))
			if err != nil {
				return 0, 0, err
			}
			if labor, err = addMoney(labor, charge); err != nil {
				return 0, 0, err
			}
		}
	}
	return subtotal, labor, nil
}

func servicesSubtotal(services []domain.ServiceItem) (int64, error) {
	var subtotal int64
	for _, svc := range services {
		qty := svc.EffectiveQuantity()
		if qty < 0 {
			return 0, fmt.Errorf("%w: service %q has negative quantity", ErrTotalsInvalidInput, svc.Name)
		}
		if svc.Price < 0 {
			return 0, fmt.Errorf("%w: service %q has negative price", ErrTotalsInvalidInput, svc.Name)
		}
		line, err := mulMoney(svc.Price, int64(qty))
		if err != nil {
			return 0, err
		}
		if subtotal, err = addMoney(subtotal, line); err != nil {
			return 0, err
		}
	}
	return subtotal, nil
}

// percentOf returns amount×num/den rounded half up; inputs are non-negative.
func percentOf(amount, num, den int64) (int64, error) {
	if amount == 0 || num == 0 {
		return 0, nil
	}
	if amount > math.MaxInt64/num {
		return 0, ErrTotalsOverflow
	}
	return (amount*num + den/2) / den, nil
}

func mulMoney(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxInt64/b {
		return 0, ErrTotalsOverflow
	}
	return a * b, nil
}

func addMoney(values ...int64) (int64, error) {
	var sum int64
	for _, v := range values {
		if v > 0 && sum > math.MaxInt64-v {
			return 0, ErrTotalsOverflow
		}
		sum += v
	}
	return sum, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
