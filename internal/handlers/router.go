package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/buildkart/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// routeGroup is one path prefix under the API base path. Groups without a
// registrar answer 501 so clients can tell an unwired surface from a typo.
type routeGroup struct {
	path        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

const (
	groupMe            = "/me"
	groupCart          = "/cart"
	groupCheckout      = "/checkout"
	groupOrders        = "/orders"
	groupReturns       = "/returns"
	groupCoupons       = "/coupons"
	groupPriceRequests = "/price-requests"
	groupAdmin         = "/admin"
	groupWebhooks      = "/webhooks"
	groupInternal      = "/internal"
)

// mountOrder fixes the order groups are registered in.
var mountOrder = []string{
	groupMe,
	groupCart,
	groupCheckout,
	groupOrders,
	groupReturns,
	groupCoupons,
	groupPriceRequests,
	groupAdmin,
	groupWebhooks,
	groupInternal,
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

func (cfg *routerConfig) group(path string) *routeGroup {
	g, ok := cfg.groups[path]
	if !ok {
		g = &routeGroup{path: path}
		cfg.groups[path] = g
	}
	return g
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter builds the HTTP surface of the cart and checkout API: health
// checks at the root and every route group under /api/v1. Handlers supply
// their groups through the With*Routes options.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		groups: make(map[string]*routeGroup, len(mountOrder)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, path := range mountOrder {
			g := cfg.group(path)
			api.Route(g.path, func(sub chi.Router) {
				for _, mw := range g.middlewares {
					if mw != nil {
						sub.Use(mw)
					}
				}
				if g.registrar != nil {
					g.registrar(sub)
					return
				}
				registerNotImplemented(sub, g.path[1:])
			})
		}
	})

	return r
}

func withGroupRoutes(path string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.group(path).registrar = reg
	}
}

func withGroupMiddlewares(path string, mw []func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		g := cfg.group(path)
		g.middlewares = append(g.middlewares, mw...)
	}
}

// WithMiddlewares appends middleware applied to every request.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers serves /healthz and /readyz from h.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithMeRoutes mounts the address book and P-Cash wallet under /me.
func WithMeRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupMe, reg) }

// WithCartRoutes mounts cart mutation, pricing and step navigation under /cart.
func WithCartRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupCart, reg) }

// WithCheckoutRoutes mounts payment session creation and confirmation under /checkout.
func WithCheckoutRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupCheckout, reg) }

// WithOrderRoutes mounts the caller's order history under /orders.
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupOrders, reg) }

// WithReturnRoutes mounts return requests on paid orders under /returns.
func WithReturnRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupReturns, reg) }

// WithCouponRoutes mounts coupon listing and preview under /coupons.
func WithCouponRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupCoupons, reg) }

// WithPriceRequestRoutes mounts quote-on-request submissions under /price-requests.
func WithPriceRequestRoutes(reg RouteRegistrar) Option {
	return withGroupRoutes(groupPriceRequests, reg)
}

// WithAdminRoutes mounts operator endpoints under /admin.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupAdmin, reg) }

// WithWebhookRoutes mounts payment provider callbacks under /webhooks.
// Providers sign their own deliveries, so the group carries no user auth.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupWebhooks, reg) }

// WithWebhookMiddlewares adds middleware to the /webhooks group only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupWebhooks, mw)
}

// WithInternalRoutes mounts scheduler jobs such as P-Cash expiry scans under /internal.
func WithInternalRoutes(reg RouteRegistrar) Option { return withGroupRoutes(groupInternal, reg) }

// WithInternalMiddlewares adds caller authentication to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return withGroupMiddlewares(groupInternal, mw)
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
