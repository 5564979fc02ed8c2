package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/platform/storage"
	"github.com/buildkart/api/internal/repositories"
)

type testRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *testRepoError) Error() string       { return "repository error" }
func (e *testRepoError) IsNotFound() bool    { return e.notFound }
func (e *testRepoError) IsConflict() bool    { return e.conflict }
func (e *testRepoError) IsUnavailable() bool { return e.unavailable }

var (
	errTestNotFound    = &testRepoError{notFound: true}
	errTestConflict    = &testRepoError{conflict: true}
	errTestUnavailable = &testRepoError{unavailable: true}
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: event, fields: fields})
}

func (r *eventRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return true
		}
	}
	return false
}

// memorySessionRepository mirrors the optimistic write rules of the Firestore
// session repository.
type memorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string]domain.CheckoutSession
	saves    int
	getErr   error
}

func newMemorySessionRepository() *memorySessionRepository {
	return &memorySessionRepository{sessions: map[string]domain.CheckoutSession{}}
}

func (r *memorySessionRepository) Get(_ context.Context, userID string) (domain.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return domain.CheckoutSession{}, r.getErr
	}
	s, ok := r.sessions[userID]
	if !ok {
		return domain.CheckoutSession{}, errTestNotFound
	}
	out := s.Clone()
	out.TransportCharges = nil
	return out, nil
}

func (r *memorySessionRepository) Save(_ context.Context, session domain.CheckoutSession, expected *time.Time) (domain.CheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.sessions[session.UserID]
	if expected != nil {
		want := expected.UTC().Truncate(time.Microsecond)
		switch {
		case exists && !current.LastUpdated.Equal(want):
			return domain.CheckoutSession{}, errTestConflict
		case !exists && !want.IsZero():
			return domain.CheckoutSession{}, errTestConflict
		}
	}
	stored := session.Clone()
	stored.LastUpdated = stored.LastUpdated.UTC().Truncate(time.Microsecond)
	stored.TransportCharges = nil
	r.sessions[session.UserID] = stored
	r.saves++
	return stored.Clone(), nil
}

func (r *memorySessionRepository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
	return nil
}

type memoryAddressRepository struct {
	mu        sync.Mutex
	addresses map[string][]domain.Address
	nextID    int
}

func newMemoryAddressRepository() *memoryAddressRepository {
	return &memoryAddressRepository{addresses: map[string][]domain.Address{}}
}

func (r *memoryAddressRepository) List(_ context.Context, userID string) ([]domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Address(nil), r.addresses[userID]...), nil
}

func (r *memoryAddressRepository) Get(_ context.Context, userID, addressID string) (domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range r.addresses[userID] {
		if addr.ID == addressID {
			return addr, nil
		}
	}
	return domain.Address{}, errTestNotFound
}

func (r *memoryAddressRepository) Upsert(_ context.Context, userID string, addr domain.Address) (domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.addresses[userID]
	if addr.ID == "" {
		r.nextID++
		addr.ID = "addr-" + string(rune('0'+r.nextID))
	}
	if len(list) == 0 {
		addr.IsDefault = true
	}
	for i, existing := range list {
		if existing.ID == addr.ID {
			list[i] = addr
			r.addresses[userID] = list
			return addr, nil
		}
	}
	r.addresses[userID] = append(list, addr)
	return addr, nil
}

func (r *memoryAddressRepository) Delete(_ context.Context, userID, addressID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.addresses[userID]
	for i, addr := range list {
		if addr.ID == addressID {
			r.addresses[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return errTestNotFound
}

func (r *memoryAddressRepository) SetDefault(_ context.Context, userID, addressID string) (domain.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.addresses[userID]
	var found *domain.Address
	for i := range list {
		list[i].IsDefault = list[i].ID == addressID
		if list[i].IsDefault {
			found = &list[i]
		}
	}
	if found == nil {
		return domain.Address{}, errTestNotFound
	}
	return *found, nil
}

type memoryCouponRepository struct {
	coupons map[string]domain.Coupon
	err     error
}

func (r *memoryCouponRepository) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	if r.err != nil {
		return domain.Coupon{}, r.err
	}
	c, ok := r.coupons[code]
	if !ok {
		return domain.Coupon{}, errTestNotFound
	}
	return c, nil
}

func (r *memoryCouponRepository) ListAssigned(_ context.Context, userID string) ([]domain.Coupon, error) {
	var out []domain.Coupon
	for _, c := range r.coupons {
		for _, uid := range c.AssignedUsers {
			if uid == userID {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *memoryCouponRepository) Upsert(_ context.Context, coupon domain.Coupon) (domain.Coupon, error) {
	if r.coupons == nil {
		r.coupons = map[string]domain.Coupon{}
	}
	r.coupons[coupon.Code] = coupon
	return coupon, nil
}

type memoryLedgerRepository struct {
	mu       sync.Mutex
	ledgers  map[string]domain.PCashLedger
	pages    []domain.CursorPage[domain.PCashLedger]
	listArgs []time.Time
	getErr   error
}

func newMemoryLedgerRepository() *memoryLedgerRepository {
	return &memoryLedgerRepository{ledgers: map[string]domain.PCashLedger{}}
}

func (r *memoryLedgerRepository) Get(_ context.Context, userID string) (domain.PCashLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return domain.PCashLedger{}, r.getErr
	}
	l, ok := r.ledgers[userID]
	if !ok {
		return domain.PCashLedger{UserID: userID}, nil
	}
	return cloneLedger(l), nil
}

func (r *memoryLedgerRepository) Update(_ context.Context, userID string, fn func(domain.PCashLedger) (domain.PCashLedger, error)) (domain.PCashLedger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.ledgers[userID]
	if !ok {
		current = domain.PCashLedger{UserID: userID}
	}
	next, err := fn(cloneLedger(current))
	if err != nil {
		return domain.PCashLedger{}, err
	}
	next.UserID = userID
	r.ledgers[userID] = next
	return cloneLedger(next), nil
}

func (r *memoryLedgerRepository) ListWithExpiringCredits(_ context.Context, before time.Time, pager domain.Pagination) (domain.CursorPage[domain.PCashLedger], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listArgs = append(r.listArgs, before)
	idx := 0
	if pager.PageToken != "" {
		for i := range r.pages {
			if pager.PageToken == pageToken(i) {
				idx = i
			}
		}
	}
	if idx >= len(r.pages) {
		return domain.CursorPage[domain.PCashLedger]{}, nil
	}
	return r.pages[idx], nil
}

func pageToken(i int) string {
	return "page-" + string(rune('0'+i))
}

type memoryOrderRepository struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	insertErr error
	updates   int
}

func newMemoryOrderRepository() *memoryOrderRepository {
	return &memoryOrderRepository{orders: map[string]domain.Order{}}
}

func (r *memoryOrderRepository) Insert(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return domain.Order{}, r.insertErr
	}
	if _, exists := r.orders[order.ID]; exists {
		return domain.Order{}, errTestConflict
	}
	r.orders[order.ID] = order
	return order, nil
}

func (r *memoryOrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errTestNotFound
	}
	return order, nil
}

func (r *memoryOrderRepository) Update(_ context.Context, orderID string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, errTestNotFound
	}
	next, err := fn(order)
	if err != nil {
		return domain.Order{}, err
	}
	r.orders[orderID] = next
	r.updates++
	return next, nil
}

func (r *memoryOrderRepository) ListByUser(_ context.Context, userID string, _ domain.Pagination) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var page domain.CursorPage[domain.Order]
	for _, order := range r.orders {
		if order.UserID == userID {
			page.Items = append(page.Items, order)
		}
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].CreatedAt.After(page.Items[j].CreatedAt) })
	return page, nil
}

type memoryPriceRequestRepository struct {
	mu         sync.Mutex
	requests   map[string]domain.PriceRequest
	lastFilter repositories.PriceRequestListFilter
}

func newMemoryPriceRequestRepository() *memoryPriceRequestRepository {
	return &memoryPriceRequestRepository{requests: map[string]domain.PriceRequest{}}
}

func (r *memoryPriceRequestRepository) Insert(_ context.Context, req domain.PriceRequest) (domain.PriceRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.requests[req.ID]; exists {
		return domain.PriceRequest{}, errTestConflict
	}
	r.requests[req.ID] = req
	return req, nil
}

func (r *memoryPriceRequestRepository) FindByID(_ context.Context, id string) (domain.PriceRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return domain.PriceRequest{}, errTestNotFound
	}
	return req, nil
}

func (r *memoryPriceRequestRepository) Update(_ context.Context, req domain.PriceRequest) (domain.PriceRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
	return req, nil
}

func (r *memoryPriceRequestRepository) List(_ context.Context, filter repositories.PriceRequestListFilter) (domain.CursorPage[domain.PriceRequest], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFilter = filter
	var page domain.CursorPage[domain.PriceRequest]
	for _, req := range r.requests {
		if filter.UserID != "" && req.UserID != filter.UserID {
			continue
		}
		page.Items = append(page.Items, req)
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].ID < page.Items[j].ID })
	return page, nil
}

type stubPublisher struct {
	mu       sync.Mutex
	orders   []OrderPlacedEvent
	expiring []PCashExpiringEvent
	err      error
}

func (p *stubPublisher) PublishOrderPlaced(_ context.Context, event OrderPlacedEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.orders = append(p.orders, event)
	return "msg-order", nil
}

func (p *stubPublisher) PublishPCashExpiring(_ context.Context, event PCashExpiringEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && strings.HasPrefix(event.UserID, "fail") {
		return "", p.err
	}
	p.expiring = append(p.expiring, event)
	return "msg-expiring", nil
}

type stubSigner struct {
	uploadFunc func(ctx context.Context, object, contentType string, size int64) (storage.SignedURL, error)
}

func (s *stubSigner) UploadURL(ctx context.Context, object, contentType string, size int64) (storage.SignedURL, error) {
	return s.uploadFunc(ctx, object, contentType, size)
}

func (s *stubSigner) DownloadURL(context.Context, string, time.Duration) (storage.SignedURL, error) {
	return storage.SignedURL{}, nil
}

func int64Ptr(v int64) *int64       { return &v }
func intPtr(v int) *int             { return &v }
func float64Ptr(v float64) *float64 { return &v }

type memoryCatalogRepository struct {
	mu       sync.Mutex
	products map[string]domain.CatalogProduct
	services map[string]domain.CatalogService
	err      error
}

// newMemoryCatalogRepository seeds the storefront lines the service tests add.
func newMemoryCatalogRepository() *memoryCatalogRepository {
	return &memoryCatalogRepository{
		products: map[string]domain.CatalogProduct{
			"cement-53": {ID: "cement-53", Name: "OPC 53 Cement", Active: true, Variants: []domain.ProductVariant{
				{Name: "50 kg", Price: 100000, DiscountedPrice: int64Ptr(90000)},
			}},
			"sand": {ID: "sand", Name: "River sand", Active: true, Variants: []domain.ProductVariant{
				{Name: "1 ton", Price: 30000},
			}},
		},
		services: map[string]domain.CatalogService{
			"site-survey": {ID: "site-survey", Name: "Site survey", Active: true, Variants: []domain.ServiceVariant{
				{Name: "Standard", Price: int64Ptr(50000), Duration: "2h"},
				{Name: "Structural", Duration: "1d"},
			}},
		},
	}
}

func (r *memoryCatalogRepository) GetProduct(_ context.Context, productID string) (domain.CatalogProduct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.CatalogProduct{}, r.err
	}
	product, ok := r.products[productID]
	if !ok {
		return domain.CatalogProduct{}, errTestNotFound
	}
	return product, nil
}

func (r *memoryCatalogRepository) GetService(_ context.Context, serviceID string) (domain.CatalogService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.CatalogService{}, r.err
	}
	svc, ok := r.services[serviceID]
	if !ok {
		return domain.CatalogService{}, errTestNotFound
	}
	return svc, nil
}

func (r *memoryCatalogRepository) setProductPrice(productID string, variant int, price int64, discounted *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	product := r.products[productID]
	variants := append([]domain.ProductVariant(nil), product.Variants...)
	variants[variant].Price = price
	variants[variant].DiscountedPrice = discounted
	product.Variants = variants
	r.products[productID] = product
}

type memoryReturnRepository struct {
	mu        sync.Mutex
	returns   map[string]domain.ReturnRequest
	updateErr error
}

func newMemoryReturnRepository() *memoryReturnRepository {
	return &memoryReturnRepository{returns: map[string]domain.ReturnRequest{}}
}

func (r *memoryReturnRepository) Insert(_ context.Context, ret domain.ReturnRequest) (domain.ReturnRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.returns[ret.ID]; exists {
		return domain.ReturnRequest{}, errTestConflict
	}
	r.returns[ret.ID] = ret
	return ret, nil
}

func (r *memoryReturnRepository) FindByID(_ context.Context, id string) (domain.ReturnRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[id]
	if !ok {
		return domain.ReturnRequest{}, errTestNotFound
	}
	return ret, nil
}

func (r *memoryReturnRepository) Update(_ context.Context, ret domain.ReturnRequest) (domain.ReturnRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return domain.ReturnRequest{}, r.updateErr
	}
	r.returns[ret.ID] = ret
	return ret, nil
}

func (r *memoryReturnRepository) List(_ context.Context, filter repositories.ReturnListFilter) (domain.CursorPage[domain.ReturnRequest], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var page domain.CursorPage[domain.ReturnRequest]
	for _, ret := range r.returns {
		if filter.UserID != "" && ret.UserID != filter.UserID {
			continue
		}
		page.Items = append(page.Items, ret)
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].ID < page.Items[j].ID })
	return page, nil
}
