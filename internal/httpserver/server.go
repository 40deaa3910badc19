// Package httpserver exposes the facilitator over HTTP: the standard
// verify/settle endpoints, the merchant REST surface, and operational
// endpoints (health, metrics).
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZecPay/facilitator/internal/apikey"
	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/facilitator"
	"github.com/ZecPay/facilitator/internal/idempotency"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/internal/metrics"
	"github.com/ZecPay/facilitator/internal/money"
	"github.com/ZecPay/facilitator/internal/ratelimit"
	"github.com/ZecPay/facilitator/internal/storage"
)

// Node is the slice of the zcashd client the HTTP layer needs: liveness for
// the health check and balance lookups for merchants.
type Node interface {
	Ping(ctx context.Context) error
	BlockCount(ctx context.Context) (int64, error)
	AddressBalance(ctx context.Context, addr string) (money.Zatoshi, error)
}

// Options carries the server dependencies.
type Options struct {
	Config  *config.Config
	Store   storage.Store
	Service *facilitator.Service
	Node    Node
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
	idemStore  *idempotency.MemoryStore
}

type handlers struct {
	cfg     *config.Config
	store   storage.Store
	svc     *facilitator.Service
	node    Node
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(opts Options) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:     opts.Config,
			store:   opts.Store,
			svc:     opts.Service,
			node:    opts.Node,
			metrics: opts.Metrics,
			logger:  opts.Logger,
		},
		httpServer: &http.Server{
			Addr:         opts.Config.Server.Address,
			ReadTimeout:  opts.Config.Server.ReadTimeout.Duration,
			WriteTimeout: opts.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  opts.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
		idemStore: idempotency.NewMemoryStore(),
	}

	s.configureRouter(router)
	return s
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location", facilitator.HeaderPaymentResponse},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Logging before RequestID so the request-scoped logger propagates.
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       s.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with a 5s timeout: health, discovery, metrics.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", s.health)
		r.Get(prefix+"/supported", s.supported)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Payment endpoints with a 60s timeout: an authorization may trigger a
	// node scan before the response goes out.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post(prefix+"/verify-standard", s.verifyStandard)
		r.Post(prefix+"/settle-standard", s.settleStandard)
	})

	// Merchant REST surface, behind API key authentication. Mutations honor
	// Idempotency-Key so a retried create or refund replays the first answer.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(apikey.Middleware(s.store))
		r.Use(idempotency.Middleware(s.idemStore, idempotency.DefaultTTL))

		r.Post(prefix+"/intents", s.createIntent)
		r.Get(prefix+"/intents", s.listIntents)
		r.Get(prefix+"/intents/{id}", s.getIntent)
		r.Post(prefix+"/intents/{id}/refund", s.refundIntent)

		r.Put(prefix+"/merchant/webhook", s.updateMerchantWebhook)
		r.Get(prefix+"/merchant/balance", s.merchantBalance)

		r.Get(prefix+"/webhooks", s.listWebhooks)
		r.Post(prefix+"/webhooks/{id}/retry", s.retryWebhook)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.idemStore.Stop()
	return err
}
