package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	domain "github.com/buildkart/api/internal/domain"
	"github.com/buildkart/api/internal/handlers"
	"github.com/buildkart/api/internal/payments"
	"github.com/buildkart/api/internal/platform/auth"
	"github.com/buildkart/api/internal/platform/config"
	pfirestore "github.com/buildkart/api/internal/platform/firestore"
	"github.com/buildkart/api/internal/platform/idempotency"
	"github.com/buildkart/api/internal/platform/jobs"
	"github.com/buildkart/api/internal/platform/observability"
	"github.com/buildkart/api/internal/platform/requestctx"
	"github.com/buildkart/api/internal/platform/secrets"
	platformstorage "github.com/buildkart/api/internal/platform/storage"
	"github.com/buildkart/api/internal/repositories"
	firestoreRepo "github.com/buildkart/api/internal/repositories/firestore"
	"github.com/buildkart/api/internal/services"
)

const idempotencyCollection = "idempotencyKeys"

// Webhook secret names looked up by the HMAC validator, keyed by provider.
// internalJobsSecretName is the API_SECURITY_HMAC_SECRETS entry that signs
// scheduler calls to /internal when Google OIDC is not configured.
const internalJobsSecretName = "internal-jobs"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	publisher, topics, closePubSub := newEventPublisher(ctx, logger, cfg)
	defer closePubSub()

	storageClient, attachmentSigner := newAttachmentSigner(ctx, logger, cfg, envValues)
	if storageClient != nil {
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
	}

	addressRepo, err := firestoreRepo.NewAddressRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise address repository", zap.Error(err))
	}
	sessionRepo, err := firestoreRepo.NewCheckoutSessionRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise checkout session repository", zap.Error(err))
	}
	couponRepo, err := firestoreRepo.NewCouponRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise coupon repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	ledgerRepo, err := firestoreRepo.NewPCashLedgerRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise pcash ledger repository", zap.Error(err))
	}
	priceRequestRepo, err := firestoreRepo.NewPriceRequestRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise price request repository", zap.Error(err))
	}
	returnRepo, err := firestoreRepo.NewReturnRequestRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise return request repository", zap.Error(err))
	}
	catalogRepo, err := firestoreRepo.NewCatalogRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise catalog repository", zap.Error(err))
	}
	pricer, err := services.NewCatalogPricer(catalogRepo, priceRequestRepo)
	if err != nil {
		logger.Fatal("failed to initialise catalog pricer", zap.Error(err))
	}

	var dispatch *services.DispatchCenter
	if cfg.Dispatch.Configured {
		dispatch = &services.DispatchCenter{Latitude: cfg.Dispatch.Latitude, Longitude: cfg.Dispatch.Longitude}
	} else {
		logger.Warn("dispatch centre not configured; transport charges use base prices")
	}

	addressService, err := services.NewAddressService(services.AddressServiceDeps{
		Addresses: addressRepo,
		Dispatch:  dispatch,
		Logger:    observability.NewEventLogger(logger, "addresses"),
	})
	if err != nil {
		logger.Fatal("failed to initialise address service", zap.Error(err))
	}

	couponService, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: couponRepo,
		Clock:   time.Now,
		Logger:  observability.NewEventLogger(logger, "coupons"),
	})
	if err != nil {
		logger.Fatal("failed to initialise coupon service", zap.Error(err))
	}

	pcashService, err := services.NewPCashService(services.PCashServiceDeps{
		Ledgers: ledgerRepo,
		Policy: services.PCashPolicy{
			MaxApplicableCap:     cfg.Loyalty.MaxApplicableCap,
			MaxApplicablePercent: cfg.Loyalty.MaxApplicablePercent,
		},
		Publisher: publisher,
		Clock:     time.Now,
		Logger:    observability.NewEventLogger(logger, "pcash"),
	})
	if err != nil {
		logger.Fatal("failed to initialise pcash service", zap.Error(err))
	}

	totals, err := services.NewTotalsCalculator(services.TotalsCalculatorDeps{
		GSTBasisPoints: int64(cfg.Pricing.GSTBasisPoints),
		Logger:         observability.NewEventLogger(logger, "totals"),
	})
	if err != nil {
		logger.Fatal("failed to initialise totals calculator", zap.Error(err))
	}
	reducer := services.NewCartReducer(services.CartReducerDeps{
		Clock:                time.Now,
		TransportBasePrices:  transportBasePrices(cfg.Pricing.TransportBasePrices),
		DefaultLaborPerFloor: cfg.Pricing.LaborPerFloor,
	})
	paymentLocks := services.NewPaymentLocks(0, time.Now)

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Sessions:  sessionRepo,
		Reducer:   reducer,
		Totals:    totals,
		Pricer:    pricer,
		Coupons:   couponService,
		Addresses: addressService,
		PCash:     pcashService,
		Locks:     paymentLocks,
		Clock:     time.Now,
		Logger:    observability.NewEventLogger(logger, "cart"),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: orderRepo,
		Logger: observability.NewEventLogger(logger, "orders"),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	var checkoutService services.CheckoutService
	if manager, err := newPaymentManager(logger, cfg); err != nil {
		logger.Warn("payments unavailable; checkout disabled", zap.Error(err))
	} else {
		checkoutService, err = services.NewCheckoutService(services.CheckoutServiceDeps{
			Cart:       cartService,
			Orders:     orderRepo,
			Payments:   manager,
			PCash:      pcashService,
			Events:     publisher,
			Locks:      paymentLocks,
			SessionTTL: cfg.PSP.SessionTTL,
			ReturnURL:  cfg.PSP.ReturnURL,
			Clock:      time.Now,
			Logger:     observability.NewEventLogger(logger, "checkout"),
		})
		if err != nil {
			logger.Fatal("failed to initialise checkout service", zap.Error(err))
		}
	}

	priceRequestService, err := services.NewPriceRequestService(services.PriceRequestServiceDeps{
		Requests: priceRequestRepo,
		Signer:   attachmentSigner,
		Clock:    time.Now,
		Logger:   observability.NewEventLogger(logger, "price_requests"),
	})
	if err != nil {
		logger.Fatal("failed to initialise price request service", zap.Error(err))
	}

	returnService, err := services.NewReturnService(services.ReturnServiceDeps{
		Returns:   returnRepo,
		Orders:    orderRepo,
		PCash:     pcashService,
		Window:    cfg.Loyalty.ReturnWindow,
		CreditTTL: cfg.Loyalty.RefundCreditTTL,
		Clock:     time.Now,
		Logger:    observability.NewEventLogger(logger, "returns"),
	})
	if err != nil {
		logger.Fatal("failed to initialise return service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreClient, fetcher, topics, storageClient, cfg, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreProvider, idempotencyCollection)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, 0)

	internalAuth := buildOIDCMiddleware(logger.Named("auth"), cfg)
	if internalAuth == nil {
		internalAuth = buildInternalHMAC(logger.Named("auth"), cfg)
	}

	meHandlers := handlers.NewMeHandlers(authenticator, addressService, couponService, pcashService)
	cartHandlers := handlers.NewCartHandlers(authenticator, cartService)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, checkoutService,
		handlers.WithCheckoutIdempotency(idempotencyMiddleware, cfg.Idempotency.Header),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService)
	couponHandlers := handlers.NewCouponHandlers(authenticator, couponService)
	priceRequestHandlers := handlers.NewPriceRequestHandlers(authenticator, priceRequestService)
	returnHandlers := handlers.NewReturnHandlers(authenticator, returnService)
	adminHandlers := handlers.NewAdminHandlers(authenticator, pcashService, priceRequestService, returnService, couponService)
	webhookHandlers := handlers.NewPaymentWebhookHandlers(checkoutService)
	jobHandlers := handlers.NewInternalJobHandlers(pcashService,
		handlers.WithIdempotencyCleanup(idempotencyStore, cfg.Idempotency.CleanupBatchSize),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(),
		observability.RequestLoggerMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMeRoutes(meHandlers.Routes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithCouponRoutes(couponHandlers.Routes),
		handlers.WithPriceRequestRoutes(priceRequestHandlers.Routes),
		handlers.WithReturnRoutes(returnHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(jobHandlers.Routes),
	}
	if internalAuth != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(internalAuth))
	} else {
		logger.Warn("auth: neither OIDC nor an internal-jobs HMAC secret is configured; internal routes are open")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("buildkart api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// transportBasePrices overlays configured prices on the storefront defaults.
// Unknown modes are ignored.
func transportBasePrices(configured map[string]int64) services.TransportBasePrices {
	prices := services.DefaultTransportBasePrices()
	for mode, price := range configured {
		key := domain.TransportMode(strings.ToLower(strings.TrimSpace(mode)))
		if _, ok := prices[key]; ok && price >= 0 {
			prices[key] = price
		}
	}
	return prices
}

func newPaymentManager(logger *zap.Logger, cfg config.Config) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)
	if cfg.PSP.CashfreeAppID != "" && cfg.PSP.CashfreeSecretKey != "" {
		cashfree, err := payments.NewCashfreeProvider(payments.CashfreeProviderConfig{
			AppID:         cfg.PSP.CashfreeAppID,
			SecretKey:     cfg.PSP.CashfreeSecretKey,
			WebhookSecret: cfg.PSP.CashfreeWebhookSecret,
			BaseURL:       cfg.PSP.CashfreeBaseURL,
			Logger:        payments.Logger(observability.NewEventLogger(logger, "payments.cashfree")),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderCashfree] = cashfree
	}
	if cfg.PSP.StripeAPIKey != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.PSP.StripeAPIKey,
			WebhookSecret: cfg.PSP.StripeWebhookSecret,
			Logger:        payments.Logger(observability.NewEventLogger(logger, "payments.stripe")),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = stripeProvider
	}
	if len(providers) == 0 {
		return nil, errors.New("no payment provider credentials configured")
	}
	return payments.NewManager(providers, payments.WithDefaultProvider(cfg.PSP.DefaultProvider))
}

// newEventPublisher connects to the order and P-Cash topics. Failures leave
// the publisher nil: paid orders still settle and the expiry job reports 503.
func newEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.EventPublisher, []*pubsub.Topic, func()) {
	noop := func() {}
	if strings.TrimSpace(cfg.PubSub.ProjectID) == "" {
		logger.Warn("pubsub project not configured; domain events disabled")
		return nil, nil, noop
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Warn("failed to initialise pubsub client; domain events disabled", zap.Error(err))
		return nil, nil, noop
	}
	orders := client.Topic(cfg.PubSub.OrderPlacedTopic)
	pcash := client.Topic(cfg.PubSub.PCashExpiringTopic)
	closeFn := func() {
		orders.Stop()
		pcash.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	publisher, err := jobs.NewPubSubEventPublisher(orders, pcash)
	if err != nil {
		logger.Warn("failed to initialise event publisher", zap.Error(err))
		return nil, nil, closeFn
	}
	return publisher, []*pubsub.Topic{orders, pcash}, closeFn
}

// newAttachmentSigner builds the V4 URL signer for price request drawings.
// Without a bucket or key, attachment uploads report unavailable.
func newAttachmentSigner(ctx context.Context, logger *zap.Logger, cfg config.Config, env map[string]string) (*cloudstorage.Client, services.AttachmentSigner) {
	bucket := strings.TrimSpace(cfg.Storage.UploadsBucket)
	if bucket == "" {
		logger.Warn("uploads bucket not configured; price request attachments disabled")
		return nil, nil
	}
	keyPath := strings.TrimSpace(cfg.Firebase.CredentialsFile)
	if keyPath == "" {
		keyPath = strings.TrimSpace(env["GOOGLE_APPLICATION_CREDENTIALS"])
	}
	if keyPath == "" {
		logger.Warn("service account key not configured; price request attachments disabled")
		return nil, nil
	}
	keySigner, err := platformstorage.NewKeySignerFromFile(keyPath, cfg.Storage.SignerEmail)
	if err != nil {
		logger.Warn("failed to load storage signer key", zap.Error(err))
		return nil, nil
	}
	urlSigner, err := platformstorage.NewURLSigner(bucket, keySigner,
		platformstorage.WithUploadTTL(cfg.Storage.UploadURLTTL),
		platformstorage.WithMaxUploadBytes(cfg.Storage.MaxUploadBytes),
	)
	if err != nil {
		logger.Warn("failed to initialise url signer", zap.Error(err))
		return nil, nil
	}
	client, err := cloudstorage.NewClient(ctx, option.WithCredentialsFile(keyPath))
	if err != nil {
		logger.Warn("failed to initialise storage client; bucket readiness check disabled", zap.Error(err))
		return nil, urlSigner
	}
	return client, urlSigner
}

func newSystemService(client *firestore.Client, fetcher *secrets.Fetcher, topics []*pubsub.Topic, storageClient *cloudstorage.Client, cfg config.Config, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 4)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check:   fetcher.Ping,
		})
	}
	if len(topics) > 0 {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				for _, topic := range topics {
					ok, err := topic.Exists(ctx)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("topic %s does not exist", topic.ID())
					}
				}
				return nil
			},
		})
	}
	if storageClient != nil {
		bucket := storageClient.Bucket(cfg.Storage.UploadsBucket)
		checks = append(checks, repositories.DependencyCheck{
			Name:    "storage",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := bucket.Attrs(ctx)
				return err
			},
		})
	}
	repo, err := repositories.NewCheckedHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(cfg.Security.OIDC.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, &http.Client{Timeout: 5 * time.Second}, time.Now)
	return auth.NewOIDCValidator(cache, cfg.Security.OIDC, logger).RequireOIDC()
}

// buildInternalHMAC signs /internal calls with the internal-jobs secret.
// It returns nil when that secret is absent.
func buildInternalHMAC(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secretsByName := hmacSecrets(cfg)
	if _, ok := secretsByName[internalJobsSecretName]; !ok {
		return nil
	}
	provider := staticSecretProvider{secrets: secretsByName}
	validator := auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(), cfg.Security.HMAC, auth.WithHMACLogger(logger))
	return validator.RequireHMAC(func(*http.Request) (string, bool) {
		return internalJobsSecretName, true
	})
}

func hmacSecrets(cfg config.Config) map[string]string {
	out := make(map[string]string)
	for name, secret := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(secret) == "" {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = secret
	}
	return out
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the selected payment provider cannot
// run without, plus every HMAC secret named in the environment.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	switch strings.ToLower(strings.TrimSpace(env["API_PSP_DEFAULT_PROVIDER"])) {
	case "", payments.ProviderCashfree:
		required = append(required, "PSP.CashfreeSecretKey", "PSP.CashfreeWebhookSecret")
	case payments.ProviderStripe:
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	if strings.TrimSpace(env["API_PSP_STRIPE_API_KEY"]) != "" {
		required = append(required, "PSP.StripeWebhookSecret")
	}
	for _, key := range parseHMACSecretKeys(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return uniqueStrings(required)
}

func parseHMACSecretKeys(raw string) []string {
	var keys []string
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key == "" || strings.TrimSpace(value) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
