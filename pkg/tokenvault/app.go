// Package tokenvault assembles the ledger service for embedding or standalone serving.
package tokenvault

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/autorefill"
	"github.com/tokenvault/server/internal/circuitbreaker"
	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/dbpool"
	"github.com/tokenvault/server/internal/httphandlers"
	"github.com/tokenvault/server/internal/httpserver"
	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/lifecycle"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/notify"
	"github.com/tokenvault/server/internal/preferences"
	"github.com/tokenvault/server/internal/storage"
	stripesvc "github.com/tokenvault/server/internal/stripe"
	"github.com/tokenvault/server/internal/webhook"
)

// App wires the ledger components.
type App struct {
	Config     *config.Config
	Store      storage.Store
	Processor  *ledger.Processor
	Reconciler *webhook.Reconciler
	Monitor    *autorefill.Monitor // nil when auto-refill is off
	Stripe     *stripesvc.Client   // nil without a Stripe secret key
	Retention  *storage.RetentionService

	router           chi.Router
	services         httpserver.Services
	logger           zerolog.Logger
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store       storage.Store
	gateway     autorefill.Gateway
	preferences preferences.Provider
	notifier    notify.Notifier
	logger      *zerolog.Logger
	router      chi.Router
	registry    *prometheus.Registry
}

// WithStore sets a custom storage backend. The caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithGateway replaces the Stripe client used for auto-refill charges.
func WithGateway(gateway autorefill.Gateway) Option {
	return func(o *options) {
		o.gateway = gateway
	}
}

// WithPreferences replaces the auto-refill preference source.
func WithPreferences(p preferences.Provider) Option {
	return func(o *options) {
		o.preferences = p
	}
}

// WithNotifier injects the realtime event publisher.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithLogger overrides the logger built from the logging config section.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry registers metrics on reg instead of the global registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// NewApp assembles the ledger. Resources it opens are released by Close,
// including on a failed construction.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("tokenvault: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "tokenvault",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app = &App{
		Config:          cfg,
		logger:          appLogger,
		resourceManager: lifecycle.NewManager(appLogger),
	}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if optState.registry != nil {
		registerer, gatherer = optState.registry, optState.registry
	}
	app.metricsCollector = metrics.New(registerer)
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, appLogger)

	if err := app.initStore(ctx, optState.store); err != nil {
		return app, err
	}

	notifier, deadLetters, err := app.initNotifier(optState.notifier, breakers)
	if err != nil {
		return app, err
	}

	app.Processor = ledger.NewProcessor(app.Store,
		ledger.WithNotifier(notifier),
		ledger.WithMetrics(app.metricsCollector),
		ledger.WithLogger(appLogger),
	)
	app.Reconciler = webhook.NewReconciler(app.Processor, app.metricsCollector, appLogger)

	if cfg.Stripe.Enabled() {
		app.Stripe = stripesvc.NewClient(cfg.Stripe, breakers)
	}

	app.initAutoRefill(optState, breakers)

	var archiver storage.Archiver
	if cfg.Retention.ArchiveMongoURL != "" {
		archive, err := storage.NewMongoArchive(cfg.Retention.ArchiveMongoURL, cfg.Retention.ArchiveDatabase)
		if err != nil {
			return app, fmt.Errorf("init retention archive: %w", err)
		}
		app.resourceManager.Register("retention-archive", archive)
		archiver = archive
	}
	app.Retention = storage.NewRetentionService(app.Store, archiver, storage.RetentionConfig{
		Enabled:     cfg.Retention.Enabled,
		Schedule:    cfg.Retention.Schedule,
		RetryWindow: cfg.Retention.RetryWindow.Duration,
		BatchSize:   cfg.Retention.BatchSize,
	}, app.metricsCollector, appLogger)
	app.resourceManager.RegisterFunc("retention", func() error {
		app.Retention.Stop()
		return nil
	})

	app.services = httpserver.Services{
		Processor:  app.Processor,
		Reconciler: app.Reconciler,
		Health:     app.Store,
		Metrics:    app.metricsCollector,
		Registry:   gatherer,
	}
	if app.Stripe != nil {
		app.services.Payments = app.Stripe
		app.services.StripeEvents = app.Stripe
	}
	if cfg.Webhook.Enabled() {
		app.services.Events = webhook.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.Tolerance.Duration)
	} else {
		appLogger.Warn().Msg("tokenvault.events_ingress_disabled")
	}
	if app.Stripe == nil {
		appLogger.Warn().Msg("tokenvault.purchase_confirm_disabled")
	}
	if deadLetters != nil {
		app.services.DeadLetters = deadLetters
	}

	app.router = optState.router
	if app.router == nil {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.services, appLogger)

	return app, nil
}

func (a *App) initStore(ctx context.Context, store storage.Store) error {
	if store != nil {
		a.Store = store
		return nil
	}

	storeCfg := storage.StoreConfigFrom(a.Config.Storage, a.metricsCollector)
	if storeCfg.Backend == "postgres" {
		pool, err := dbpool.NewSharedPool(ctx, storeCfg.PostgresURL, storeCfg.PostgresPool)
		if err != nil {
			return fmt.Errorf("init postgres pool: %w", err)
		}
		a.resourceManager.Register("postgres-pool", pool)
		s, err := storage.NewStoreWithDB(storeCfg, pool.DB())
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.Store = s
	} else {
		s, err := storage.NewStore(storeCfg)
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		a.Store = s
		a.logger.Warn().Msg("tokenvault: using in-memory store, balances are lost on restart")
	}
	a.resourceManager.Register("storage", a.Store)
	return nil
}

// initNotifier returns the publisher and, when failed deliveries are kept,
// the dead-letter surface for the admin API.
func (a *App) initNotifier(injected notify.Notifier, breakers *circuitbreaker.Manager) (notify.Notifier, httphandlers.DeadLetters, error) {
	if injected != nil {
		return injected, nil, nil
	}
	cfg := a.Config.Notify
	if cfg.URL == "" {
		return notify.NoopNotifier{}, nil, nil
	}

	clientOpts := []notify.RetryOption{
		notify.WithMetrics(a.metricsCollector),
		notify.WithBreaker(breakers),
		notify.WithRetryLogger(a.logger),
	}
	switch cfg.DLQBackend {
	case "mongodb":
		dlq, err := notify.NewMongoDLQStore(cfg.MongoDBURL, cfg.MongoDBDatabase, cfg.MongoDBCollection)
		if err != nil {
			return nil, nil, fmt.Errorf("init notify DLQ: %w", err)
		}
		a.resourceManager.Register("notify-dlq", dlq)
		clientOpts = append(clientOpts, notify.WithDLQStore(dlq))
	case "memory":
		clientOpts = append(clientOpts, notify.WithDLQStore(notify.NewMemoryDLQStore()))
	}

	client := notify.NewRetryableClient(cfg, clientOpts...)
	a.resourceManager.Register("notifier", client)
	if cfg.DLQBackend == "" || cfg.DLQBackend == "none" {
		return client, nil, nil
	}
	return client, client, nil
}

func (a *App) initAutoRefill(o options, breakers *circuitbreaker.Manager) {
	cfg := a.Config.AutoRefill
	if !cfg.Enabled {
		return
	}

	gateway := o.gateway
	if gateway == nil && a.Stripe != nil {
		gateway = a.Stripe
	}
	if gateway == nil {
		a.logger.Warn().Msg("tokenvault: auto_refill enabled without stripe, refills are off")
		return
	}

	prefs := o.preferences
	if prefs == nil {
		if cfg.PreferencesURL != "" {
			prefs = preferences.NewHTTPProvider(cfg, breakers)
		} else {
			prefs = preferences.NewStatic(cfg)
		}
		prefs = preferences.NewCached(prefs, cfg.PreferencesCacheTTL.Duration)
	}

	a.Monitor = autorefill.NewMonitor(cfg, prefs, gateway, a.Processor,
		autorefill.WithMetrics(a.metricsCollector),
		autorefill.WithLogger(a.logger),
	)
	a.Processor.SetSpendObserver(a.Monitor)
	a.resourceManager.Register("autorefill", a.Monitor)
}

// Start launches background jobs.
func (a *App) Start() error {
	return a.Retention.Start()
}

// Router returns the chi router with ledger routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Close stops background work and releases resources in reverse order of
// acquisition.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches ledger endpoints to router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.Config, app.services, app.logger)
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the ledger.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
