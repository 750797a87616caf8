package api

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/leadmail/internal/campaign"
	"github.com/foxzi/leadmail/internal/config"
	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/ipfilter"
	"github.com/foxzi/leadmail/internal/metrics"
	"github.com/foxzi/leadmail/internal/queue"
	"github.com/foxzi/leadmail/internal/sandbox"
)

// Engine is the campaign engine as driven over HTTP
type Engine interface {
	Catalog() *campaign.Catalog
	EnqueueCampaign(ctx context.Context, id string) (int, error)
	ScheduleFollowUps(ctx context.Context, id string) (int, error)
	ProcessBatch(ctx context.Context, opts dispatch.Options) (dispatch.Result, error)
	Entries(ctx context.Context, filter queue.ListFilter) ([]*queue.Entry, error)
	Entry(ctx context.Context, id string) (*queue.Entry, error)
	Retry(ctx context.Context, id string) (*queue.Entry, error)
	Stats(ctx context.Context, campaignID string) (*queue.Stats, error)
}

// Server is the HTTP control API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	engine     Engine
	sandbox    *sandbox.Storage
	filter     *ipfilter.Filter
	config     *config.APIConfig
	tlsConfig  *tls.Config
	apiKey     string
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// Option configures a Server
type Option func(*Server)

// WithSandbox exposes captured sandbox messages
func WithSandbox(storage *sandbox.Storage) Option {
	return func(s *Server) { s.sandbox = storage }
}

// WithIPFilter restricts API access to the filter's networks
func WithIPFilter(filter *ipfilter.Filter) Option {
	return func(s *Server) { s.filter = filter }
}

// WithTLS serves the API over TLS
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithVersion sets the version reported by /health
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new API server
func NewServer(engine Engine, cfg *config.APIConfig, apiKey string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		router:    chi.NewRouter(),
		engine:    engine,
		config:    cfg,
		apiKey:    apiKey,
		version:   "dev",
		logger:    logger,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	if s.filter != nil {
		s.router.Use(s.filter.Middleware)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/campaigns", s.handleCampaigns)
		r.Get("/campaigns/{id}/stats", s.handleCampaignStats)
		r.Post("/campaigns/{id}/enqueue", s.handleEnqueue)
		r.Post("/campaigns/{id}/followups", s.handleFollowUps)

		r.Post("/dispatch", s.handleDispatch)

		r.Get("/queue", s.handleQueue)
		r.Get("/queue/{id}", s.handleEntry)
		r.Post("/queue/{id}/retry", s.handleRetry)

		r.Get("/templates", s.handleTemplates)
		r.Post("/templates/{id}/preview", s.handlePreview)

		if s.sandbox != nil {
			s.registerSandboxRoutes(r)
		}
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		TLSConfig:      s.tlsConfig,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr, "tls", s.tlsConfig != nil)
	if s.tlsConfig != nil {
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
