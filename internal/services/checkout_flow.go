package services

import (
	"strings"

	domain "github.com/buildkart/api/internal/domain"
)

// ValidationReason names a failed checkout guard.
type ValidationReason string

const (
	ReasonCartEmpty          ValidationReason = "cart_empty"
	ReasonAddressMissing     ValidationReason = "shipping_address_missing"
	ReasonBillingMissing     ValidationReason = "billing_missing"
	ReasonScheduleDate       ValidationReason = "schedule_date_missing"
	ReasonScheduleTime       ValidationReason = "schedule_time_missing"
	ReasonAdvanceMissing     ValidationReason = "advance_percentage_missing"
	ReasonTotalNotPositive   ValidationReason = "total_not_positive"
	ReasonPaymentInFlight    ValidationReason = "payment_in_flight"
	ReasonInvalidTransition  ValidationReason = "invalid_transition"
	ReasonUnknownCheckoutTab ValidationReason = "unknown_tab"
)

// Validation is the outcome of a checkout guard. A blocked guard is not an
// error; it lists why the step is unavailable.
type Validation struct {
	Allowed bool
	Reasons []ValidationReason
}

func validationOf(reasons []ValidationReason) Validation {
	return Validation{Allowed: len(reasons) == 0, Reasons: reasons}
}

// CanEnterCheckout guards cart→checkout: the active tab must hold lines.
func CanEnterCheckout(s domain.CheckoutSession) Validation {
	return validationOf(enterCheckoutReasons(s))
}

// CanContinueToPayment guards checkout→payment.
func CanContinueToPayment(s domain.CheckoutSession) Validation {
	return validationOf(continueToPaymentReasons(s))
}

// CanPay guards the pay action: the payment gate plus a positive total and no
// payment request already in flight.
func CanPay(s domain.CheckoutSession, totals domain.Totals, inFlight bool) Validation {
	reasons := continueToPaymentReasons(s)
	if totals.Total <= 0 {
		reasons = append(reasons, ReasonTotalNotPositive)
	}
	if inFlight {
		reasons = append(reasons, ReasonPaymentInFlight)
	}
	return validationOf(reasons)
}

func enterCheckoutReasons(s domain.CheckoutSession) []ValidationReason {
	if !s.Tab.Valid() {
		return []ValidationReason{ReasonUnknownCheckoutTab}
	}
	if s.IsEmpty(s.Tab) {
		return []ValidationReason{ReasonCartEmpty}
	}
	return nil
}

func continueToPaymentReasons(s domain.CheckoutSession) []ValidationReason {
	reasons := enterCheckoutReasons(s)
	if s.SelectedAddress == nil {
		reasons = append(reasons, ReasonAddressMissing)
	}
	hasVerifiedGST := s.GSTBilling != nil && s.GSTBilling.Verified
	if s.BillingAddress == nil && !s.SameAsShipping && !hasVerifiedGST {
		reasons = append(reasons, ReasonBillingMissing)
	}
	if s.Tab == domain.TabServices {
		if strings.TrimSpace(s.Schedule.Date) == "" {
			reasons = append(reasons, ReasonScheduleDate)
		}
		if strings.TrimSpace(s.Schedule.Time) == "" {
			reasons = append(reasons, ReasonScheduleTime)
		}
		if s.AdvancePercentage == nil {
			reasons = append(reasons, ReasonAdvanceMissing)
		}
	}
	return reasons
}

// AdvanceStep moves the session to target when the transition is linear and
// its guard passes; backward moves of one step are always allowed. A blocked
// transition returns the session unchanged with the failing validation.
func AdvanceStep(s domain.CheckoutSession, target domain.CheckoutStep) (domain.CheckoutSession, Validation) {
	current := s.Step
	if !current.Valid() {
		current = domain.StepCart
	}

	var check Validation
	switch {
	case current == target:
		check = Validation{Allowed: true}
	case current == domain.StepCart && target == domain.StepCheckout:
		check = CanEnterCheckout(s)
	case current == domain.StepCheckout && target == domain.StepPayment:
		check = CanContinueToPayment(s)
	case current == domain.StepCheckout && target == domain.StepCart,
		current == domain.StepPayment && target == domain.StepCheckout:
		check = Validation{Allowed: true}
	default:
		check = Validation{Reasons: []ValidationReason{ReasonInvalidTransition}}
	}

	if !check.Allowed {
		return s, check
	}
	next := s
	next.Step = target
	return next, check
}

// StepValidations reports each guard for the current session so clients can
// render enabled and disabled actions.
type StepValidations struct {
	EnterCheckout     Validation
	ContinueToPayment Validation
	Pay               Validation
}

// EvaluateSteps runs every guard against the session.
func EvaluateSteps(s domain.CheckoutSession, totals domain.Totals, inFlight bool) StepValidations {
	return StepValidations{
		EnterCheckout:     CanEnterCheckout(s),
		ContinueToPayment: CanContinueToPayment(s),
		Pay:               CanPay(s, totals, inFlight),
	}
}
