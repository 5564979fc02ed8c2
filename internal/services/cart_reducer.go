package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/buildkart/api/internal/domain"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrCartInvalidInput indicates a malformed cart command.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartItemNotFound indicates the command targets a line that is not in the cart.
	ErrCartItemNotFound = errors.New("cart: item not found")
)

// DefaultLaborPerFloor seeds the labor rate when labor is enabled on a line
// without a rate (minor units).
const DefaultLaborPerFloor int64 = 5000

// CartCommand is one mutation of a checkout session. The set of commands is
// closed; each variant is a pure step from one session to the next.
type CartCommand interface {
	Name() string
	apply(s *domain.CheckoutSession, env reduceEnv) error
}

type reduceEnv struct {
	now           time.Time
	prices        TransportBasePrices
	laborPerFloor int64
	newSessionID  func() string
}

// CartReducer applies cart commands. It holds configuration only; state is
// always passed in and returned.
type CartReducer struct {
	clock         func() time.Time
	prices        TransportBasePrices
	laborPerFloor int64
	newSessionID  func() string
}

// CartReducerDeps configures a reducer.
type CartReducerDeps struct {
	Clock                func() time.Time
	TransportBasePrices  TransportBasePrices
	DefaultLaborPerFloor int64
	SessionIDGenerator   func() string
}

// NewCartReducer builds a reducer with storefront defaults for unset deps.
func NewCartReducer(deps CartReducerDeps) *CartReducer {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	prices := deps.TransportBasePrices
	if len(prices) == 0 {
		prices = DefaultTransportBasePrices()
	}
	labor := deps.DefaultLaborPerFloor
	if labor <= 0 {
		labor = DefaultLaborPerFloor
	}
	idGen := deps.SessionIDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &CartReducer{
		clock: func() time.Time {
			return clock().UTC()
		},
		prices:        prices,
		laborPerFloor: labor,
		newSessionID:  idGen,
	}
}

// NewSession returns an empty session for the user.
func (r *CartReducer) NewSession(userID string) domain.CheckoutSession {
	now := r.clock()
	return domain.CheckoutSession{
		UserID:           userID,
		SessionID:        r.newSessionID(),
		Items:            map[domain.ItemKey]domain.CartItem{},
		Services:         map[string]domain.ServiceItem{},
		Tab:              domain.TabProducts,
		Step:             domain.StepCart,
		TransportMode:    domain.TransportBike,
		TransportCharges: ComputeTransportCharges(r.prices, nil),
		LastUpdated:      now,
		CreatedAt:        now,
	}
}

// Rehydrate normalises a session loaded from storage. Transport charges are
// always recomputed from the persisted address distance.
func (r *CartReducer) Rehydrate(s domain.CheckoutSession) domain.CheckoutSession {
	out := s.Clone()
	if out.SessionID == "" {
		out.SessionID = r.newSessionID()
	}
	if !out.Tab.Valid() {
		out.Tab = domain.TabProducts
	}
	if !out.Step.Valid() {
		out.Step = domain.StepCart
	}
	if !out.TransportMode.Valid() {
		out.TransportMode = domain.TransportBike
	}
	out.TransportCharges = r.chargesFor(out.SelectedAddress)
	return out
}

// Reduce applies the command to a copy of the session. On error the input is
// returned unchanged.
func (r *CartReducer) Reduce(s domain.CheckoutSession, cmd CartCommand) (domain.CheckoutSession, error) {
	if cmd == nil {
		return s, fmt.Errorf("%w: command is required", ErrCartInvalidInput)
	}
	next := s.Clone()
	env := reduceEnv{
		now:           r.clock(),
		prices:        r.prices,
		laborPerFloor: r.laborPerFloor,
		newSessionID:  r.newSessionID,
	}
	if err := cmd.apply(&next, env); err != nil {
		return s, err
	}
	next.LastUpdated = env.now
	return next, nil
}

func (r *CartReducer) chargesFor(addr *domain.Address) domain.TransportCharges {
	if addr == nil {
		return ComputeTransportCharges(r.prices, nil)
	}
	return ComputeTransportCharges(r.prices, addr.DistanceFromCenter)
}

// AddItem merges a product line by (productId, variantIndex).
type AddItem struct {
	Item domain.CartItem
}

func (AddItem) Name() string { return "addItem" }

func (c AddItem) apply(s *domain.CheckoutSession, env reduceEnv) error {
	item := c.Item
	item.ProductID = strings.TrimSpace(item.ProductID)
	if item.ProductID == "" {
		return fmt.Errorf("%w: productId is required", ErrCartInvalidInput)
	}
	if item.VariantIndex < 0 {
		return fmt.Errorf("%w: variantIndex must be non-negative", ErrCartInvalidInput)
	}
	if item.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}
	if item.Price < 0 || (item.DiscountedPrice != nil && *item.DiscountedPrice < 0) {
		return fmt.Errorf("%w: price must be non-negative", ErrCartInvalidInput)
	}

	key := item.Key()
	if existing, ok := s.Items[key]; ok {
		existing.Quantity += item.Quantity
		existing.AddedAt = env.now
		s.Items[key] = existing
		return nil
	}

	item.IncludeLabor = false
	item.LaborFloors = 1
	item.LaborPerFloor = 0
	item.Applicability = 0
	item.AddedAt = env.now
	s.Items[key] = item
	return nil
}

// UpdateItemQuantity sets a line's quantity; zero or less removes it.
type UpdateItemQuantity struct {
	ProductID    string
	VariantIndex int
	Quantity     int
}

func (UpdateItemQuantity) Name() string { return "updateQuantity" }

func (c UpdateItemQuantity) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	key := domain.ItemKey{ProductID: strings.TrimSpace(c.ProductID), VariantIndex: c.VariantIndex}
	if c.Quantity <= 0 {
		delete(s.Items, key)
		return nil
	}
	existing, ok := s.Items[key]
	if !ok {
		return nil
	}
	existing.Quantity = c.Quantity
	s.Items[key] = existing
	return nil
}

// RemoveItem deletes an exact product line; absent lines are a no-op.
type RemoveItem struct {
	ProductID    string
	VariantIndex int
}

func (RemoveItem) Name() string { return "removeItem" }

func (c RemoveItem) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	delete(s.Items, domain.ItemKey{ProductID: strings.TrimSpace(c.ProductID), VariantIndex: c.VariantIndex})
	return nil
}

// ToggleLabor enables or disables labor on a line.
type ToggleLabor struct {
	ProductID    string
	VariantIndex int
	Enabled      bool
}

func (ToggleLabor) Name() string { return "toggleLabor" }

func (c ToggleLabor) apply(s *domain.CheckoutSession, env reduceEnv) error {
	key := domain.ItemKey{ProductID: strings.TrimSpace(c.ProductID), VariantIndex: c.VariantIndex}
	item, ok := s.Items[key]
	if !ok {
		return ErrCartItemNotFound
	}
	item.IncludeLabor = c.Enabled
	if c.Enabled && item.LaborPerFloor <= 0 {
		item.LaborPerFloor = env.laborPerFloor
	}
	if item.LaborFloors < 1 {
		item.LaborFloors = 1
	}
	s.Items[key] = item
	return nil
}

// UpdateLaborFloors sets the number of floors labor is charged for, minimum one.
type UpdateLaborFloors struct {
	ProductID    string
	VariantIndex int
	Floors       int
}

func (UpdateLaborFloors) Name() string { return "updateLaborFloors" }

func (c UpdateLaborFloors) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	key := domain.ItemKey{ProductID: strings.TrimSpace(c.ProductID), VariantIndex: c.VariantIndex}
	item, ok := s.Items[key]
	if !ok {
		return ErrCartItemNotFound
	}
	floors := c.Floors
	if floors < 1 {
		floors = 1
	}
	item.LaborFloors = floors
	s.Items[key] = item
	return nil
}

// AddService merges a service line by exact name.
type AddService struct {
	Service domain.ServiceItem
}

func (AddService) Name() string { return "addService" }

func (c AddService) apply(s *domain.CheckoutSession, env reduceEnv) error {
	svc := c.Service
	if strings.TrimSpace(svc.Name) == "" {
		return fmt.Errorf("%w: service name is required", ErrCartInvalidInput)
	}
	if svc.Price < 0 {
		return fmt.Errorf("%w: price must be non-negative", ErrCartInvalidInput)
	}
	qty := svc.EffectiveQuantity()
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}

	if existing, ok := s.Services[svc.Name]; ok {
		sum := existing.EffectiveQuantity() + qty
		existing.Quantity = &sum
		s.Services[svc.Name] = existing
		return nil
	}
	svc.Quantity = &qty
	svc.AddedAt = env.now
	s.Services[svc.Name] = svc
	return nil
}

// UpdateServiceQuantity sets a service line's quantity; zero or less removes it.
type UpdateServiceQuantity struct {
	ServiceName string
	Quantity    int
}

func (UpdateServiceQuantity) Name() string { return "updateServiceQuantity" }

func (c UpdateServiceQuantity) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	if c.Quantity <= 0 {
		delete(s.Services, c.ServiceName)
		return nil
	}
	existing, ok := s.Services[c.ServiceName]
	if !ok {
		return nil
	}
	qty := c.Quantity
	existing.Quantity = &qty
	s.Services[c.ServiceName] = existing
	return nil
}

// RemoveService deletes a service line by exact name.
type RemoveService struct {
	ServiceName string
}

func (RemoveService) Name() string { return "removeService" }

func (c RemoveService) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	delete(s.Services, c.ServiceName)
	return nil
}

// RepriceCart overwrites line prices with freshly resolved catalog values.
// Lines absent from the maps are no longer sold and are dropped.
type RepriceCart struct {
	Items    map[domain.ItemKey]domain.CartItem
	Services map[string]domain.ServiceItem
}

func (RepriceCart) Name() string { return "repriceCart" }

func (c RepriceCart) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	for key, item := range s.Items {
		priced, ok := c.Items[key]
		if !ok {
			delete(s.Items, key)
			continue
		}
		item.Name = priced.Name
		item.VariantName = priced.VariantName
		item.ImageURL = priced.ImageURL
		item.Price = priced.Price
		item.DiscountedPrice = priced.DiscountedPrice
		s.Items[key] = item
	}
	for name, svc := range s.Services {
		priced, ok := c.Services[name]
		if !ok {
			delete(s.Services, name)
			continue
		}
		svc.Price = priced.Price
		svc.Duration = priced.Duration
		s.Services[name] = svc
	}
	return nil
}

// ApplyCoupon replaces the active coupon.
type ApplyCoupon struct {
	Coupon domain.Coupon
}

func (ApplyCoupon) Name() string { return "applyCoupon" }

func (c ApplyCoupon) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	coupon := c.Coupon
	if strings.TrimSpace(coupon.Code) == "" {
		return fmt.Errorf("%w: coupon code is required", ErrCartInvalidInput)
	}
	if coupon.Type != domain.CouponPercentage && coupon.Type != domain.CouponFixed {
		return fmt.Errorf("%w: unsupported coupon type %q", ErrCartInvalidInput, coupon.Type)
	}
	if coupon.Discount < 0 {
		return fmt.Errorf("%w: coupon discount must be non-negative", ErrCartInvalidInput)
	}
	s.Coupon = &coupon
	return nil
}

// RemoveCoupon clears the active coupon.
type RemoveCoupon struct{}

func (RemoveCoupon) Name() string { return "removeCoupon" }

func (RemoveCoupon) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	s.Coupon = nil
	return nil
}

// SetSelectedAddress selects the shipping address and recomputes transport charges.
type SetSelectedAddress struct {
	Address *domain.Address
}

func (SetSelectedAddress) Name() string { return "setSelectedAddress" }

func (c SetSelectedAddress) apply(s *domain.CheckoutSession, env reduceEnv) error {
	previous := s.SelectedAddress
	billingFollowsShipping := s.BillingAddress == nil || sameAddress(s.BillingAddress, previous)

	if c.Address == nil {
		s.SelectedAddress = nil
		if billingFollowsShipping {
			s.BillingAddress = nil
		}
		s.TransportCharges = ComputeTransportCharges(env.prices, nil)
		return nil
	}

	selected := *c.Address
	s.SelectedAddress = &selected
	if billingFollowsShipping {
		billing := selected
		s.BillingAddress = &billing
	}
	s.TransportCharges = ComputeTransportCharges(env.prices, selected.DistanceFromCenter)
	return nil
}

// SetBillingAddress sets a distinct billing address; nil clears it.
type SetBillingAddress struct {
	Address *domain.Address
}

func (SetBillingAddress) Name() string { return "setBillingAddress" }

func (c SetBillingAddress) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	if c.Address == nil {
		s.BillingAddress = nil
		return nil
	}
	billing := *c.Address
	s.BillingAddress = &billing
	s.SameAsShipping = false
	return nil
}

// SelectTransport chooses the delivery vehicle.
type SelectTransport struct {
	Mode domain.TransportMode
}

func (SelectTransport) Name() string { return "selectTransport" }

func (c SelectTransport) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: unsupported transport mode %q", ErrCartInvalidInput, c.Mode)
	}
	s.TransportMode = c.Mode
	return nil
}

// SwitchTab changes the active tab. Cart lines are kept; service-only guard
// fields are reset.
type SwitchTab struct {
	Tab domain.CartTab
}

func (SwitchTab) Name() string { return "switchTab" }

func (c SwitchTab) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	if !c.Tab.Valid() {
		return fmt.Errorf("%w: unsupported tab %q", ErrCartInvalidInput, c.Tab)
	}
	if s.Tab != c.Tab {
		s.Schedule = domain.ServiceSchedule{}
		s.AdvancePercentage = nil
	}
	s.Tab = c.Tab
	return nil
}

// SetSchedule records the requested service slot.
type SetSchedule struct {
	Date string
	Time string
}

func (SetSchedule) Name() string { return "setSchedule" }

func (c SetSchedule) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	date := strings.TrimSpace(c.Date)
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("%w: schedule date must be YYYY-MM-DD", ErrCartInvalidInput)
		}
	}
	s.Schedule = domain.ServiceSchedule{Date: date, Time: strings.TrimSpace(c.Time)}
	return nil
}

// SetAdvancePercentage chooses the upfront share of a service booking; nil clears it.
type SetAdvancePercentage struct {
	Percentage *int
}

func (SetAdvancePercentage) Name() string { return "setAdvancePercentage" }

func (c SetAdvancePercentage) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	if c.Percentage == nil {
		s.AdvancePercentage = nil
		return nil
	}
	pct := *c.Percentage
	if pct <= 0 || pct > 100 {
		return fmt.Errorf("%w: advance percentage must be between 1 and 100", ErrCartInvalidInput)
	}
	s.AdvancePercentage = &pct
	return nil
}

// SetSameAsShipping flags billing as identical to the shipping address.
type SetSameAsShipping struct {
	Enabled bool
}

func (SetSameAsShipping) Name() string { return "setSameAsShipping" }

func (c SetSameAsShipping) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	s.SameAsShipping = c.Enabled
	return nil
}

// SetGSTBilling attaches or clears a GST billing record.
type SetGSTBilling struct {
	Billing *domain.GSTBilling
}

func (SetGSTBilling) Name() string { return "setGstBilling" }

func (c SetGSTBilling) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	if c.Billing == nil {
		s.GSTBilling = nil
		return nil
	}
	billing := *c.Billing
	billing.GSTIN = strings.ToUpper(strings.TrimSpace(billing.GSTIN))
	if billing.GSTIN == "" {
		return fmt.Errorf("%w: gstin is required", ErrCartInvalidInput)
	}
	s.GSTBilling = &billing
	return nil
}

// SetPCashToggle records how much P-Cash the user wants to apply.
type SetPCashToggle struct {
	Amount int64
}

func (SetPCashToggle) Name() string { return "setPcashToggle" }

func (c SetPCashToggle) apply(s *domain.CheckoutSession, _ reduceEnv) error {
	if c.Amount < 0 {
		return fmt.Errorf("%w: pcash amount must be non-negative", ErrCartInvalidInput)
	}
	s.PCashToggle = c.Amount
	return nil
}

// ClearCart empties the session after an order is placed and issues a new
// session id. Saved addresses and the transport preference are kept.
type ClearCart struct{}

func (ClearCart) Name() string { return "clearCart" }

func (ClearCart) apply(s *domain.CheckoutSession, env reduceEnv) error {
	s.SessionID = env.newSessionID()
	s.Items = map[domain.ItemKey]domain.CartItem{}
	s.Services = map[string]domain.ServiceItem{}
	s.Coupon = nil
	s.Step = domain.StepCart
	s.Schedule = domain.ServiceSchedule{}
	s.AdvancePercentage = nil
	s.PCashToggle = 0
	s.GSTBilling = nil
	s.SameAsShipping = false
	s.CreatedAt = env.now
	return nil
}

func sameAddress(a, b *domain.Address) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != "" || b.ID != "" {
		return a.ID == b.ID
	}
	return a.AddressLine1 == b.AddressLine1 && a.Pincode == b.Pincode && a.Name == b.Name
}
