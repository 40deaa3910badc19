// Package zecpay wires the facilitator components for standalone serving or
// embedding into a larger service.
package zecpay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/circuitbreaker"
	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/facilitator"
	"github.com/ZecPay/facilitator/internal/httpserver"
	"github.com/ZecPay/facilitator/internal/jobs"
	"github.com/ZecPay/facilitator/internal/lifecycle"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/internal/metrics"
	"github.com/ZecPay/facilitator/internal/monitor"
	"github.com/ZecPay/facilitator/internal/monitoring"
	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/internal/webhooks"
	"github.com/ZecPay/facilitator/internal/zcashd"
	"github.com/ZecPay/facilitator/pkg/x402"
)

// App owns every facilitator component: storage, the node client, the
// blockchain monitor, the payment service, webhook delivery, scheduled jobs,
// and the HTTP server. Construct with NewApp, then Start.
type App struct {
	Config  *config.Config
	Store   storage.Store
	Node    zcashd.NodeClient
	Service *facilitator.Service
	Monitor *monitor.Monitor

	webhookWorker  *webhooks.Worker
	jobRunner      *jobs.Runner
	balanceMonitor *monitoring.BalanceMonitor
	server         *httpserver.Server
	resources      *lifecycle.Manager
	collector      *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store storage.Store
	node  zcashd.NodeClient
}

// WithStore sets a custom storage backend, overriding the configured one.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNode injects a node client, overriding the configured RPC connection.
func WithNode(node zcashd.NodeClient) Option {
	return func(o *options) {
		o.node = node
	}
}

// NewApp assembles the facilitator. Nothing runs until Start is called.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("zecpay: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:    cfg,
		resources: lifecycle.NewManager(),
	}

	collector := metrics.New(prometheus.DefaultRegisterer)
	app.collector = collector

	store, err := app.buildStore(cfg, optState.store)
	if err != nil {
		return nil, err
	}
	app.Store = store

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	if optState.node != nil {
		app.Node = optState.node
	} else {
		client, err := zcashd.NewClient(cfg.Node, cfg.Protocol.Network, breakers, collector)
		if err != nil {
			return nil, fmt.Errorf("node client: %w", err)
		}
		app.Node = client
		app.resources.RegisterFunc("node-client", func() error {
			client.Close()
			return nil
		})
	}

	signer, err := x402.NewSigner([]byte(cfg.Protocol.SigningSecret))
	if err != nil {
		return nil, fmt.Errorf("challenge signer: %w", err)
	}

	app.Monitor = monitor.New(cfg.Monitor, cfg.Protocol, app.Node, app.Store, collector)

	app.Service = facilitator.New(facilitator.Options{
		Store:    app.Store,
		Scanner:  app.Monitor,
		Signer:   signer,
		Protocol: cfg.Protocol,
		Metrics:  collector,
	})

	app.webhookWorker = webhooks.NewWorker(webhooks.Options{
		Store:    app.Store,
		Config:   cfg.Webhooks,
		Breakers: breakers,
		Metrics:  collector,
	})

	app.jobRunner = jobs.New(jobs.Options{
		Store:        app.Store,
		Scanner:      app.Monitor,
		Config:       cfg.Jobs,
		ScanInterval: cfg.Monitor.BlockScanInterval.Duration,
		Metrics:      collector,
	})

	monitoringCfg := cfg.Monitoring
	if len(monitoringCfg.Addresses) == 0 && cfg.Protocol.PayToAddress != "" {
		monitoringCfg.Addresses = []string{cfg.Protocol.PayToAddress}
	}
	app.balanceMonitor, err = monitoring.NewBalanceMonitor(monitoringCfg, app.Node)
	if err != nil {
		return nil, fmt.Errorf("balance monitor: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "zecpay-facilitator",
		Environment: cfg.Logging.Environment,
	})

	app.server = httpserver.New(httpserver.Options{
		Config:  cfg,
		Store:   app.Store,
		Service: app.Service,
		Node:    app.Node,
		Metrics: collector,
		Logger:  appLogger,
	})

	return app, nil
}

func (a *App) buildStore(cfg *config.Config, override storage.Store) (storage.Store, error) {
	if override != nil {
		return override, nil
	}

	switch cfg.Storage.Backend {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		a.resources.Register("storage", store)
		return store, nil
	case "", "memory":
		store := storage.NewMemoryStore()
		a.resources.Register("storage", store)
		log.Warn().Msg("zecpay: using the in-memory store, state is lost on restart")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Start launches the background components: the blockchain monitor, webhook
// delivery, scheduled jobs, and low-balance alerting. The HTTP server is not
// started; call ListenAndServe or mount Handler yourself.
func (a *App) Start(ctx context.Context) error {
	if err := a.Monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	a.resources.RegisterFunc("monitor", func() error {
		a.Monitor.Stop()
		return nil
	})

	drainStop := make(chan struct{})
	go a.drainMonitorEvents(ctx, drainStop)
	a.resources.RegisterFunc("monitor-events", func() error {
		close(drainStop)
		return nil
	})

	a.webhookWorker.Start()
	a.resources.RegisterFunc("webhook-worker", func() error {
		a.webhookWorker.Stop()
		return nil
	})

	a.jobRunner.Start(ctx)
	a.resources.RegisterFunc("job-runner", func() error {
		a.jobRunner.Stop()
		return nil
	})

	a.balanceMonitor.Start(ctx)
	a.resources.RegisterFunc("balance-monitor", func() error {
		a.balanceMonitor.Stop()
		return nil
	})

	return nil
}

// drainMonitorEvents keeps the monitor's event channel flowing and surfaces
// the interesting ones in the log.
func (a *App) drainMonitorEvents(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev := <-a.Monitor.Events():
			switch ev.Type {
			case monitor.EventError:
				log.Error().Err(ev.Err).Str("intent_id", ev.IntentID).Msg("monitor.event_error")
			case monitor.EventTransactionLost:
				log.Warn().
					Str("intent_id", ev.IntentID).
					Str("txid", ev.TxID).
					Msg("monitor.transaction_lost")
			default:
				log.Debug().
					Str("event", string(ev.Type)).
					Str("intent_id", ev.IntentID).
					Str("txid", ev.TxID).
					Int("confirmations", ev.Confirmations).
					Msg("monitor.event")
			}
		}
	}
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (a *App) ListenAndServe() error {
	return a.server.ListenAndServe()
}

// Handler exposes the configured router for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Shutdown drains in-flight HTTP requests, then stops background components
// and releases resources in reverse start order.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	if closeErr := a.resources.Close(); closeErr != nil {
		if err == nil {
			err = closeErr
		} else {
			err = errors.Join(err, closeErr)
		}
	}
	return err
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the
// facilitator.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
