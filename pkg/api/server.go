// Package api serves the read-only ops surface of the bot: health, the
// current engine state, resolved outcomes and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Hephaestus-V/PingPongBot/pkg/api/middleware"
	"github.com/Hephaestus-V/PingPongBot/pkg/engine"
	"github.com/Hephaestus-V/PingPongBot/pkg/outcome"
)

// SnapshotSource exposes the latest engine snapshot
type SnapshotSource interface {
	Snapshot() *engine.Snapshot
}

// OutcomeReader reads resolved outcomes
type OutcomeReader interface {
	Get(eventKey string) (outcome.Outcome, error)
	Recent(limit int) ([]outcome.Outcome, error)
}

// Server is the ops HTTP server
type Server struct {
	config     *Config
	logger     *zap.Logger
	source     SnapshotSource
	outcomes   OutcomeReader
	metrics    http.Handler
	router     *chi.Mux
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new ops server. outcomes and metrics may be nil when
// the journal or the metrics registry is disabled.
func NewServer(config *Config, logger *zap.Logger, source SnapshotSource, outcomes OutcomeReader, metrics http.Handler) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("snapshot source cannot be nil")
	}

	s := &Server{
		config:    config,
		logger:    logger,
		source:    source,
		outcomes:  outcomes,
		metrics:   metrics,
		router:    chi.NewRouter(),
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           config.Address,
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.LoggerWithLevel(s.logger))
	s.router.Use(chimiddleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/state", s.handleState)
	s.router.Get("/version", s.handleVersion)

	s.router.Route("/outcomes", func(r chi.Router) {
		r.Get("/", s.handleRecentOutcomes)
		r.Get("/{key}", s.handleOutcome)
	})

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
}

// Start starts the server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("address", s.config.Address))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("ops server stopped")
	return nil
}

// Router returns the chi router, for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
