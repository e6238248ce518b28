// Package api exposes the workflow executor over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semflow/capability"
	"github.com/c360studio/semflow/executor"
	"github.com/c360studio/semflow/workflow"
)

// HealthReporter reports provider health for /healthz.
type HealthReporter interface {
	Health() map[string]capability.ProviderHealth
}

// Server serves the workflow API.
type Server struct {
	exec     *executor.Executor
	catalog  *workflow.Catalog
	health   HealthReporter
	logger   *slog.Logger
	maxSteps int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for request logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHealth reports provider health on /healthz.
func WithHealth(h HealthReporter) Option {
	return func(s *Server) { s.health = h }
}

// WithMaxSteps caps ?drive= on the advance endpoint.
func WithMaxSteps(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

// New creates a Server.
func New(exec *executor.Executor, catalog *workflow.Catalog, opts ...Option) *Server {
	s := &Server{
		exec:     exec,
		catalog:  catalog,
		logger:   slog.Default(),
		maxSteps: executor.DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/templates", s.handleListTemplates)

	wf := api.Group("/workflows")
	wf.POST("", s.handleCreate)
	wf.GET("", s.handleList)
	wf.GET("/:id", s.handleGet)
	wf.POST("/:id/advance", s.handleAdvance)
	wf.POST("/:id/cancel", s.handleCancel)
	wf.PATCH("/:id/context", s.handleProvideInput)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
