// Package api serves the manager over HTTP.
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

	"github.com/mattjoyce/pt2/internal/auth"
	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/events"
	"github.com/mattjoyce/pt2/internal/manager"
	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/requestlog"
)

// Backends is the manager surface the API drives.
type Backends interface {
	List(country string) []manager.Snapshot
	Describe(id string) (manager.Snapshot, error)
	Launch(ctx context.Context, id string) error
	Stop(id string) error
	Kill(id string) error
	Request(ctx context.Context, id, op string, params any) (string, error)
	Call(ctx context.Context, id, op string, params any) (backend.Event, error)
}

// RequestLog looks up journaled requests.
type RequestLog interface {
	Get(ctx context.Context, requestID string) (requestlog.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access. With no key and no
	// tokens the API is unauthenticated.
	APIKey string
	Tokens []auth.TokenConfig
	// MaxWait caps ?wait= on synchronous requests.
	MaxWait time.Duration
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	backends   Backends
	requests   RequestLog
	hub        *events.Hub
	operations protocol.Table
	keys       *auth.Keyring
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a server. requests and hub may be nil.
func New(config Config, backends Backends, requests RequestLog, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxWait <= 0 {
		config.MaxWait = 2 * time.Minute
	}
	return &Server{
		config:     config,
		backends:   backends,
		requests:   requests,
		hub:        hub,
		operations: protocol.DefaultOperations(),
		keys:       auth.NewKeyring(config.APIKey, config.Tokens),
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Synchronous requests and SSE streams outlive a short write timeout.
		WriteTimeout: s.config.MaxWait + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/openapi.json", s.handleOpenAPI)

		r.With(s.requireScopes(auth.ScopeBackendsRO)).Get("/backends", s.handleListBackends)
		r.With(s.requireScopes(auth.ScopeBackendsRO)).Get("/backends/{id}", s.handleGetBackend)
		r.With(s.requireScopes(auth.ScopeBackendsRW)).Post("/backends/{id}/{action:launch|stop|kill}", s.handleLifecycle)
		r.With(s.requireScopes(auth.ScopeRequestsRW)).Post("/backends/{id}/requests/{operation}", s.handleRequest)
		r.With(s.requireScopes(auth.ScopeRequestsRO)).Get("/requests/{requestID}", s.handleGetRequest)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
