package domain

// Totals is the price breakdown of a cart in minor units.
type Totals struct {
	Currency           string
	Subtotal           int64
	LaborCharges       int64
	TransportCharge    int64
	GST                int64
	Discount           int64
	PCashAppliedAmount int64
	TotalBeforePCash   int64
	Total              int64
}

// IsZero reports whether every monetary field is zero.
func (t Totals) IsZero() bool {
	return t.Subtotal == 0 && t.LaborCharges == 0 && t.TransportCharge == 0 &&
		t.GST == 0 && t.Discount == 0 && t.PCashAppliedAmount == 0 &&
		t.TotalBeforePCash == 0 && t.Total == 0
}

// PCashBalance is the loyalty balance snapshot the totals engine consumes.
type PCashBalance struct {
	CurrentBalance int64
	MaxApplicable  int64
}
