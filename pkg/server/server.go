// Package server exposes the ops surface over HTTP: health, Prometheus
// metrics, the diagnostic event log, pending approvals, agents and the task
// archive. It is read-mostly; the only mutation is an approval decision.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fractalhq/fractal/pkg/agent"
	"github.com/fractalhq/fractal/pkg/auth"
	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/interceptor"
	"github.com/fractalhq/fractal/pkg/task"
)

// Config configures the ops server.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`

	// JWT guards the /v1 API when enabled; /healthz and /metrics stay open.
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig configures bearer-token validation.
type JWTConfig struct {
	Enabled bool `yaml:"enabled"`

	// JWKSURL serves the verification keys.
	JWKSURL string `yaml:"jwks_url,omitempty"`

	// Issuer and Audience are matched against token claims when set.
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// Deps are the runtime surfaces the server exposes.
type Deps struct {
	Agents    *agent.Registry
	Tasks     task.Store
	Events    *bus.Log
	Approvals *interceptor.Approvals

	// Validator guards /v1 routes; nil leaves them open.
	Validator *auth.Validator
}

// Server is the ops HTTP server.
type Server struct {
	cfg  Config
	deps Deps
	http *http.Server
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Validator != nil {
			r.Use(s.deps.Validator.Middleware)
		}
		r.Get("/agents", s.handleAgents)
		r.Get("/events", s.handleEvents)
		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{id}", s.handleTask)
		r.Get("/approvals", s.handleApprovals)
		r.Post("/approvals/{id}", s.handleApprovalDecision)
	})
	return r
}

// Start listens in the background; serve errors other than a clean close are
// logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.http.Addr, err)
	}
	slog.Info("ops server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
