// Package api serves the FunnelPipe HTTP surface: the turn endpoint for gateways,
// the Twilio webhook, lead administration, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/FunnelPipe/internal/memory"
	"github.com/BTreeMap/FunnelPipe/internal/metrics"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 10 * time.Second
	// maxBodyBytes bounds JSON request bodies.
	maxBodyBytes = 64 << 10
)

// TurnHandler runs one conversational turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req models.TurnRequest) (models.TurnResult, error)
}

// HealthCheck reports the state of one dependency; nil means healthy.
type HealthCheck func(ctx context.Context) error

// Opts configures the API server.
type Opts struct {
	Addr           string
	AllowedOrigins []string
	// TwilioWebhook serves POST /webhooks/twilio when set.
	TwilioWebhook http.Handler
	HealthChecks  map[string]HealthCheck
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins sets the CORS origins.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithTwilioWebhook mounts the Twilio inbound webhook.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithHealthCheck adds a named dependency check to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *Opts) {
		if o.HealthChecks == nil {
			o.HealthChecks = map[string]HealthCheck{}
		}
		o.HealthChecks[name] = check
	}
}

// Server is the HTTP API server.
type Server struct {
	turns   TurnHandler
	mem     *memory.Service
	opts    Opts
	started time.Time
	router  chi.Router
}

// NewServer builds the router over the turn handler and lead memory.
func NewServer(turns TurnHandler, mem *memory.Service, opts ...Option) (*Server, error) {
	if turns == nil || mem == nil {
		return nil, fmt.Errorf("api: turn handler and memory service are required")
	}
	cfg := Opts{Addr: DefaultAddr, AllowedOrigins: []string{"*"}}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{turns: turns, mem: mem, opts: cfg, started: time.Now()}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/turns", s.turnHandler)
	if s.opts.TwilioWebhook != nil {
		r.Method(http.MethodPost, "/webhooks/twilio", s.opts.TwilioWebhook)
	}
	r.Route("/leads/{userID}", func(r chi.Router) {
		r.Get("/", s.getLeadHandler)
		r.Post("/reset", s.resetLeadHandler)
		r.Post("/convert", s.convertLeadHandler)
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("API server listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		slog.Info("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
