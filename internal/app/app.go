// Package app assembles the campaign engine from configuration.
package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/leadmail/internal/api"
	"github.com/foxzi/leadmail/internal/campaign"
	"github.com/foxzi/leadmail/internal/config"
	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/ipfilter"
	"github.com/foxzi/leadmail/internal/leads"
	"github.com/foxzi/leadmail/internal/metrics"
	"github.com/foxzi/leadmail/internal/provider"
	"github.com/foxzi/leadmail/internal/queue"
	"github.com/foxzi/leadmail/internal/ratelimit"
	"github.com/foxzi/leadmail/internal/sandbox"
	tlsconf "github.com/foxzi/leadmail/internal/tls"
)

// Version is set by the CLI at startup
var Version = "dev"

const certExpiryWarnDays = 14

// limiter is a send limiter owning background state
type limiter interface {
	dispatch.Limiter
	Stop() error
}

// App is the assembled engine
type App struct {
	config    *config.Config
	logger    *slog.Logger
	store     *queue.BoltStorage
	leadsDB   *sql.DB
	leads     *leads.Store
	limiter   limiter
	redis     *redis.Client
	sandbox   *sandbox.Storage
	providers *provider.Registry
	processor *dispatch.Processor
	service   *campaign.Service
	metrics   *metrics.Metrics
}

// New opens storage, builds providers and wires the engine
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = SetupLogger(cfg.Logging)
	}

	// released by the deferred Close on any error return
	a := &App{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	a.store, err = queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a.leadsDB, err = leads.Open(cfg.Leads.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lead database: %w", err)
	}
	a.leads = leads.NewStore(a.leadsDB)

	a.sandbox, err = sandbox.NewStorage(a.store.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	if err := a.setupLimiter(ctx); err != nil {
		return nil, err
	}

	a.providers = provider.NewRegistry()
	for name, pc := range cfg.Providers {
		creds, err := config.ProviderCredentials(name)
		if err != nil {
			return nil, err
		}
		p, err := provider.New(ctx, name, pc, creds, provider.Deps{DB: a.store.DB(), Logger: logger})
		if err != nil {
			return nil, err
		}
		a.providers.Register(name, p)
		logger.Debug("provider ready", "provider", name, "kind", string(pc.Kind))
	}

	a.metrics = metrics.New()
	metrics.SetGlobal(a.metrics)

	a.processor = dispatch.NewProcessor(
		a.store,
		a.limiter,
		campaign.NewResolver(catalog, a.leads),
		a.providers,
		cfg.Dispatch,
		logger.With("component", "dispatch"),
	)
	a.service = campaign.NewService(catalog, a.store, a.leads, a.processor, logger.With("component", "campaign"))

	return a, nil
}

func (a *App) setupLimiter(ctx context.Context) error {
	limits := a.config.Limits()

	switch a.config.RateLimit.Backend {
	case config.RateLimitRedis:
		client, err := ratelimit.ConnectRedis(ctx, a.config.RateLimit.Redis.URL, a.config.Secrets.RedisPassword)
		if err != nil {
			return err
		}
		a.redis = client
		a.limiter = ratelimit.NewRedisWindow(client, a.config.RateLimit.Redis.Prefix, limits)
		a.logger.Info("rate limiting shared through redis", "global", limits.Global, "window", limits.Window)
	default:
		l, err := ratelimit.NewLimiter(a.store.DB(), limits)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.limiter = l
		a.logger.Info("rate limiting enabled", "global", limits.Global, "window", limits.Window)
	}
	return nil
}

// Service returns the campaign service
func (a *App) Service() *campaign.Service {
	return a.service
}

// Leads returns the lead store
func (a *App) Leads() *leads.Store {
	return a.leads
}

// Sandbox returns the sandbox capture storage
func (a *App) Sandbox() *sandbox.Storage {
	return a.sandbox
}

// Providers returns the configured providers
func (a *App) Providers() *provider.Registry {
	return a.providers
}

// ProcessOnce runs one batch per worker and returns the summed result
func (a *App) ProcessOnce(ctx context.Context, opts dispatch.Options, workers int) (dispatch.Result, error) {
	if workers <= 0 {
		workers = a.config.Dispatch.Workers
	}
	return a.processor.Run(ctx, opts, workers)
}

// ProcessLoop dispatches on an interval until ctx is cancelled or a
// termination signal arrives
func (a *App) ProcessLoop(ctx context.Context, opts dispatch.Options, workers int, interval time.Duration) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runner := dispatch.NewRunner(a.processor, opts, workers, interval, a.logger.With("component", "runner"))
	runner.Start(ctx)
	<-ctx.Done()
	runner.Stop()
	return nil
}

// Serve runs interval dispatch, periodic follow-up scheduling, the control
// API and the metrics server until a termination signal arrives
func (a *App) Serve(ctx context.Context) error {
	cfg := a.config
	a.logger.Info("starting leadmail",
		"version", Version,
		"campaigns", len(cfg.Campaigns),
		"providers", a.providers.Names(),
		"workers", cfg.Dispatch.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	var apiServer *api.Server
	if cfg.API.Enabled {
		filter, err := ipfilter.New(cfg.API.AllowedIPs, cfg.API.TrustProxy, a.logger.With("component", "api"))
		if err != nil {
			return fmt.Errorf("api.allowed_ips: %w", err)
		}
		tlsConfig, err := a.apiTLS()
		if err != nil {
			return err
		}
		apiServer = api.NewServer(a.service, &cfg.API, cfg.Secrets.APIKey, a.logger.With("component", "api"),
			api.WithSandbox(a.sandbox),
			api.WithIPFilter(filter),
			api.WithTLS(tlsConfig),
			api.WithVersion(Version),
		)
		go func() {
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	var (
		metricsServer *metrics.Server
		collector     *metrics.Collector
	)
	if cfg.Metrics.Enabled {
		filter, err := ipfilter.New(cfg.Metrics.AllowedIPs, false, a.logger.With("component", "metrics"))
		if err != nil {
			return fmt.Errorf("metrics.allowed_ips: %w", err)
		}
		metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path, filter, a.logger.With("component", "metrics"))
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()

		collector = metrics.NewCollector(a.metrics, a.store, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		collector.Start(ctx)
	}

	runner := dispatch.NewRunner(a.processor, dispatch.Options{}, cfg.Dispatch.Workers, cfg.Dispatch.Interval, a.logger.With("component", "runner"))
	runner.Start(ctx)

	followUpsDone := make(chan struct{})
	go func() {
		defer close(followUpsDone)
		a.followUpLoop(ctx, cfg.FollowUp.Interval)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	runner.Stop()
	<-followUpsDone

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if collector != nil {
		collector.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	return nil
}

// apiTLS loads the API certificate and warns when a static one is close
// to expiry
func (a *App) apiTLS() (*tls.Config, error) {
	settings := a.config.API.TLS
	cfg, err := tlsconf.ServerConfig(settings)
	if err != nil {
		return nil, fmt.Errorf("api.tls: %w", err)
	}

	if settings.CertFile != "" {
		info, err := tlsconf.ReadCertificateInfo(settings.CertFile, time.Now())
		if err != nil {
			return nil, fmt.Errorf("api.tls: %w", err)
		}
		if info.DaysLeft < certExpiryWarnDays {
			a.logger.Warn("api certificate expires soon",
				"subject", info.Subject,
				"not_after", info.NotAfter,
				"days_left", info.DaysLeft,
			)
		}
	}
	return cfg, nil
}

func (a *App) followUpLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := a.service.ScheduleAllFollowUps(ctx); err != nil {
			a.logger.Error("follow-up scheduling failed", "error", err)
		} else if n > 0 {
			a.logger.Info("follow-ups scheduled", "created", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases storage and stops the limiter
func (a *App) Close() error {
	var errs []error
	if a.limiter != nil {
		if err := a.limiter.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("rate limiter stop: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.leadsDB != nil {
		if err := a.leadsDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("lead database close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}
