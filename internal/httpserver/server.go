package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/auth"
	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/httphandlers"
	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/ratelimit"
	"github.com/tokenvault/server/internal/webhook"
)

var serverStartTime = time.Now()

// PaymentVerifier confirms a client-reported payment before it is credited.
type PaymentVerifier interface {
	VerifyPaymentIntent(ctx context.Context, paymentIntentID, accountID string, tokens int64) error
}

// StripeEvents verifies and maps Stripe webhook deliveries.
type StripeEvents interface {
	ParseEvent(payload []byte, signature string) (webhook.Event, error)
}

// EventVerifier authenticates generic /events deliveries.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) error
}

// HealthChecker reports store reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Services are the dependencies handlers call. Optional fields may be nil.
type Services struct {
	Processor  *ledger.Processor
	Reconciler *webhook.Reconciler
	Health     HealthChecker

	Payments     PaymentVerifier          // optional: /v1/purchases/confirm is not mounted
	Events       EventVerifier            // optional: /events is not mounted
	StripeEvents StripeEvents             // optional: /webhook/stripe is not mounted
	DeadLetters  httphandlers.DeadLetters // optional: notify admin routes are not mounted

	Metrics  *metrics.Metrics
	Registry prometheus.Gatherer // optional: defaults to the global registry
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	services Services
	logger   zerolog.Logger
}

// New builds the HTTP server around a router prepared by ConfigureRouter.
func New(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches ledger routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, services Services, appLogger zerolog.Logger) {
	if router == nil {
		return
	}
	h := handlers{cfg: cfg, services: services, logger: appLogger}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID", webhook.SignatureHeader},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(metricsMiddleware(services.Metrics))

	limits := ratelimit.ConfigFrom(cfg.RateLimit, services.Metrics)
	router.Use(ratelimit.GlobalLimiter(limits))

	authn := auth.NewAuthenticator(auth.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		Issuer:        cfg.Auth.JWTIssuer,
		Leeway:        cfg.Auth.JWTLeeway.Duration,
		TrustedHeader: cfg.Auth.TrustedHeader,
	})
	admin := auth.AdminMiddleware(cfg.Auth.AdminKeyHash)

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", h.health)
		gatherer := services.Registry
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).
			Handle(prefix+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	})

	// Processor webhooks. Not versioned: processors need stable URLs.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(ratelimit.IPLimiter(limits))
		if services.Events != nil {
			r.Post(prefix+"/events", h.handleEvent)
		}
		if services.StripeEvents != nil {
			r.Post(prefix+"/webhook/stripe", h.handleStripeWebhook)
		}
	})

	// Account API
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(authn.Middleware)
		r.Use(ratelimit.AccountLimiter(limits))
		r.Get(prefix+"/v1/balance", h.getBalance)
		r.Post(prefix+"/v1/spend", h.spend)
		if services.Payments != nil {
			r.Post(prefix+"/v1/purchases/confirm", h.confirmPurchase)
		}
		r.Get(prefix+"/v1/transactions", h.listTransactions)
	})

	// Readable by the owning account or an operator.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(accountOrAdmin(authn, admin))
		r.Get(prefix+"/v1/transactions/{id}", h.getTransaction)
	})

	// Operator API
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(ratelimit.IPLimiter(limits))
		r.Use(admin)
		r.Post(prefix+"/v1/refunds", h.refund)
		r.Post(prefix+"/admin/v1/accounts", h.ensureAccount)
		r.Get(prefix+"/admin/v1/accounts/{accountID}/audit", h.auditAccount)
		if services.DeadLetters != nil {
			r.Route(prefix+"/admin/v1/notify/failed", httphandlers.NewNotifyAdminHandler(services.DeadLetters).Routes)
		}
	})
}

// accountOrAdmin admits operators presenting X-Admin-Key and otherwise
// requires account authentication.
func accountOrAdmin(authn *auth.Authenticator, admin func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		asAdmin := admin(next)
		asAccount := authn.Middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(auth.AdminHeader) != "" {
				asAdmin.ServeHTTP(w, r)
				return
			}
			asAccount.ServeHTTP(w, r)
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
