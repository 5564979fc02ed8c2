package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: session repository is required")
	errCartTotalsRequired     = errors.New("cart service: totals calculator is required")
)

var (
	// ErrCartUnavailable indicates the cart cannot be served due to missing dependencies or backend issues.
	ErrCartUnavailable = errors.New("cart service: unavailable")
	// ErrCartConflict indicates the session changed since the caller last read it.
	ErrCartConflict = errors.New("cart service: conflict")
	// ErrCartAddressNotFound indicates the selected address is not in the user's address book.
	ErrCartAddressNotFound = errors.New("cart service: address not found")
)

type couponValidator interface {
	ValidateCoupon(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
}

type addressLookup interface {
	GetAddress(ctx context.Context, userID, addressID string) (Address, error)
}

type cartPricer interface {
	PriceItem(ctx context.Context, item domain.CartItem) (domain.CartItem, error)
	PriceService(ctx context.Context, userID string, svc domain.ServiceItem) (domain.ServiceItem, error)
}

type pcashBalanceProvider interface {
	Balance(ctx context.Context, userID string, orderTotal int64) (domain.PCashBalance, error)
}

// CartServiceDeps wires the repository, reducer and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Sessions  repositories.CheckoutSessionRepository
	Reducer   *CartReducer
	Totals    *TotalsCalculator
	Pricer    cartPricer
	Coupons   couponValidator
	Addresses addressLookup
	PCash     pcashBalanceProvider
	Locks     *PaymentLocks
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

type cartService struct {
	repo      repositories.CheckoutSessionRepository
	reducer   *CartReducer
	totals    *TotalsCalculator
	pricer    cartPricer
	coupons   couponValidator
	addresses addressLookup
	pcash     pcashBalanceProvider
	locks     *PaymentLocks
	now       func() time.Time
	logger    eventLogger
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Sessions == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Totals == nil {
		return nil, errCartTotalsRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	reducer := deps.Reducer
	if reducer == nil {
		reducer = NewCartReducer(CartReducerDeps{Clock: clock})
	}
	return &cartService{
		repo:      deps.Sessions,
		reducer:   reducer,
		totals:    deps.Totals,
		pricer:    deps.Pricer,
		coupons:   deps.Coupons,
		addresses: deps.Addresses,
		pcash:     deps.PCash,
		locks:     deps.Locks,
		now:       func() time.Time { return clock().UTC() },
		logger:    loggerOrNoop(deps.Logger),
	}, nil
}

var _ CartService = (*cartService)(nil)

// loadedSession remembers whether the session came from storage so saves can
// guard against concurrent writers.
type loadedSession struct {
	session CheckoutSession
	stored  bool
}

// GetCart returns the rehydrated session for the user, or a fresh one when none is stored.
func (s *cartService) GetCart(ctx context.Context, userID string) (CartView, error) {
	loaded, err := s.load(ctx, userID)
	if err != nil {
		return CartView{}, err
	}
	return s.view(ctx, loaded.session)
}

// Mutate applies one reducer command and persists the result.
func (s *cartService) Mutate(ctx context.Context, cmd MutateCartCommand) (CartView, error) {
	if cmd.Command == nil {
		return CartView{}, fmt.Errorf("%w: command is required", ErrCartInvalidInput)
	}
	loaded, err := s.load(ctx, cmd.UserID)
	if err != nil {
		return CartView{}, err
	}
	command, err := s.price(ctx, loaded.session.UserID, cmd.Command)
	if err != nil {
		return CartView{}, err
	}
	return s.apply(ctx, loaded, command, cmd.ExpectedUpdatedAt)
}

// price replaces any client supplied price on add commands with the catalog price.
func (s *cartService) price(ctx context.Context, userID string, cmd CartCommand) (CartCommand, error) {
	switch c := cmd.(type) {
	case AddItem:
		if s.pricer == nil {
			return nil, ErrCartUnavailable
		}
		item, err := s.pricer.PriceItem(ctx, c.Item)
		if err != nil {
			return nil, err
		}
		return AddItem{Item: item}, nil
	case AddService:
		if s.pricer == nil {
			return nil, ErrCartUnavailable
		}
		svc, err := s.pricer.PriceService(ctx, userID, c.Service)
		if err != nil {
			return nil, err
		}
		return AddService{Service: svc}, nil
	default:
		return cmd, nil
	}
}

// RefreshPrices re-resolves every line against the catalog and persists the
// cart when any price changed or a line stopped being sold. It reports
// whether the cart changed.
func (s *cartService) RefreshPrices(ctx context.Context, userID string) (CartView, bool, error) {
	loaded, err := s.load(ctx, userID)
	if err != nil {
		return CartView{}, false, err
	}
	if s.pricer == nil {
		return CartView{}, false, ErrCartUnavailable
	}
	session := loaded.session

	changed := false
	cmd := RepriceCart{
		Items:    make(map[domain.ItemKey]domain.CartItem, len(session.Items)),
		Services: make(map[string]domain.ServiceItem, len(session.Services)),
	}
	for key, item := range session.Items {
		priced, err := s.pricer.PriceItem(ctx, item)
		if err != nil {
			if !errors.Is(err, ErrCatalogItemNotFound) {
				return CartView{}, false, err
			}
			changed = true
			continue
		}
		if priced.Price != item.Price || !sameMoneyPtr(priced.DiscountedPrice, item.DiscountedPrice) {
			changed = true
		}
		cmd.Items[key] = priced
	}
	for name, svc := range session.Services {
		priced, err := s.pricer.PriceService(ctx, session.UserID, svc)
		if err != nil {
			if !errors.Is(err, ErrCatalogItemNotFound) && !errors.Is(err, ErrCatalogQuoteRequired) && !errors.Is(err, ErrCartInvalidInput) {
				return CartView{}, false, err
			}
			changed = true
			continue
		}
		if priced.Price != svc.Price {
			changed = true
		}
		cmd.Services[name] = priced
	}

	if !changed {
		view, err := s.view(ctx, session)
		return view, false, err
	}
	view, err := s.apply(ctx, loaded, cmd, nil)
	if err != nil {
		return CartView{}, false, err
	}
	s.logger(ctx, "cart.prices.refreshed", map[string]any{
		"userId":    view.Session.UserID,
		"sessionId": view.Session.SessionID,
	})
	return view, true, nil
}

// ApplyCouponCode validates code against the active tab's subtotal and stores it.
func (s *cartService) ApplyCouponCode(ctx context.Context, cmd ApplyCouponCodeCommand) (CartView, error) {
	if s.coupons == nil {
		return CartView{}, ErrCartUnavailable
	}
	loaded, err := s.load(ctx, cmd.UserID)
	if err != nil {
		return CartView{}, err
	}
	priced, err := s.totals.Calculate(ctx, TotalsInputFromSession(loaded.session, nil))
	if err != nil {
		return CartView{}, err
	}
	validation, err := s.coupons.ValidateCoupon(ctx, ValidateCouponCommand{
		UserID:   loaded.session.UserID,
		Code:     cmd.Code,
		Subtotal: priced.Subtotal,
	})
	if err != nil {
		return CartView{}, err
	}
	return s.apply(ctx, loaded, ApplyCoupon{Coupon: validation.Coupon}, cmd.ExpectedUpdatedAt)
}

// SelectAddress resolves an address book entry and selects it for shipping or billing.
func (s *cartService) SelectAddress(ctx context.Context, cmd SelectAddressCommand) (CartView, error) {
	loaded, err := s.load(ctx, cmd.UserID)
	if err != nil {
		return CartView{}, err
	}

	var addr *domain.Address
	if id := strings.TrimSpace(cmd.AddressID); id != "" {
		if s.addresses == nil {
			return CartView{}, ErrCartUnavailable
		}
		found, err := s.addresses.GetAddress(ctx, loaded.session.UserID, id)
		if err != nil {
			if errors.Is(err, ErrAddressNotFound) {
				return CartView{}, ErrCartAddressNotFound
			}
			return CartView{}, err
		}
		addr = &found
	}

	var command CartCommand = SetSelectedAddress{Address: addr}
	if cmd.Billing {
		command = SetBillingAddress{Address: addr}
	}
	return s.apply(ctx, loaded, command, cmd.ExpectedUpdatedAt)
}

// ChangeStep requests a checkout step transition. A blocked transition is
// not an error; the validation lists the failing guards.
func (s *cartService) ChangeStep(ctx context.Context, cmd ChangeStepCommand) (StepResult, error) {
	if !cmd.Target.Valid() {
		return StepResult{}, fmt.Errorf("%w: unknown step %q", ErrCartInvalidInput, cmd.Target)
	}
	loaded, err := s.load(ctx, cmd.UserID)
	if err != nil {
		return StepResult{}, err
	}

	next, validation := AdvanceStep(loaded.session, cmd.Target)
	if validation.Allowed && next.Step != loaded.session.Step {
		next.LastUpdated = s.now()
		next, err = s.save(ctx, loaded, next, nil)
		if err != nil {
			return StepResult{}, err
		}
		s.logger(ctx, "cart.step.changed", map[string]any{
			"userId": next.UserID,
			"from":   string(loaded.session.Step),
			"to":     string(next.Step),
		})
	}

	view, err := s.view(ctx, next)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Cart: view, Validation: validation}, nil
}

// ClearCart empties the cart and issues a new session id.
func (s *cartService) ClearCart(ctx context.Context, userID string) (CartView, error) {
	loaded, err := s.load(ctx, userID)
	if err != nil {
		return CartView{}, err
	}
	if !loaded.stored {
		return s.view(ctx, loaded.session)
	}
	return s.apply(ctx, loaded, ClearCart{}, nil)
}

// ClearSession clears the cart only while it still carries sessionID, so a
// repeated payment callback never clears a newer cart. It reports whether the
// cart was cleared.
func (s *cartService) ClearSession(ctx context.Context, userID, sessionID string) (bool, error) {
	loaded, err := s.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if !loaded.stored || loaded.session.SessionID != sessionID {
		return false, nil
	}
	if _, err := s.apply(ctx, loaded, ClearCart{}, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *cartService) load(ctx context.Context, userID string) (loadedSession, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return loadedSession{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	session, err := s.repo.Get(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return loadedSession{session: s.reducer.NewSession(uid)}, nil
		}
		return loadedSession{}, s.translateRepoError(err)
	}
	session.UserID = uid
	return loadedSession{session: s.reducer.Rehydrate(session), stored: true}, nil
}

func (s *cartService) apply(ctx context.Context, loaded loadedSession, cmd CartCommand, expected *time.Time) (CartView, error) {
	next, err := s.reducer.Reduce(loaded.session, cmd)
	if err != nil {
		return CartView{}, err
	}
	saved, err := s.save(ctx, loaded, next, expected)
	if err != nil {
		return CartView{}, err
	}
	s.logger(ctx, "cart.command.applied", map[string]any{
		"userId":    saved.UserID,
		"sessionId": saved.SessionID,
		"command":   cmd.Name(),
	})
	return s.view(ctx, saved)
}

// save persists next. Without an explicit expectation the write is guarded by
// the lastUpdated that was loaded; a zero expectation means "must not exist".
func (s *cartService) save(ctx context.Context, loaded loadedSession, next CheckoutSession, expected *time.Time) (CheckoutSession, error) {
	guard := expected
	if guard == nil {
		if loaded.stored {
			last := loaded.session.LastUpdated
			guard = &last
		} else {
			guard = &time.Time{}
		}
	}
	saved, err := s.repo.Save(ctx, next, guard)
	if err != nil {
		return CheckoutSession{}, s.translateRepoError(err)
	}
	saved.TransportCharges = next.TransportCharges
	return saved, nil
}

func (s *cartService) view(ctx context.Context, session CheckoutSession) (CartView, error) {
	totals, err := s.totals.Calculate(ctx, TotalsInputFromSession(session, nil))
	if err != nil {
		return CartView{}, err
	}

	var balance domain.PCashBalance
	if s.pcash != nil {
		b, err := s.pcash.Balance(ctx, session.UserID, totals.TotalBeforePCash)
		if err != nil {
			s.logger(ctx, "cart.pcash.unavailable", map[string]any{
				"userId": session.UserID,
				"error":  err.Error(),
			})
		} else {
			balance = b
			if session.PCashToggle > 0 {
				totals, err = s.totals.Calculate(ctx, TotalsInputFromSession(session, &balance))
				if err != nil {
					return CartView{}, err
				}
			}
		}
	}

	return CartView{
		Session: session,
		Totals:  totals,
		Steps:   EvaluateSteps(session, totals, s.locks.Held(session.UserID)),
		PCash:   balance,
	}, nil
}

func sameMoneyPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *cartService) translateRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case isRepoConflict(err):
		return fmt.Errorf("%w: %v", ErrCartConflict, err)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	default:
		return err
	}
}
