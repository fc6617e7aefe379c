// Package api exposes the store boundary over HTTP so workers and
// commanders on other hosts can share one queue, and streams worker events
// over SSE.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/radar/internal/events"
	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
)

// Backend is the store the server fronts.
type Backend interface {
	Submit(ctx context.Context, jobs []queue.Job) error
	Pull(ctx context.Context) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
	PutShare(ctx context.Context, rec queue.ShareRecord) error
	PopShare(ctx context.Context, filter queue.ShareFilter) ([]queue.ShareRecord, error)
	Persist(ctx context.Context, collection string, docs []state.Document) error
	Fetch(ctx context.Context, collection string, filter state.Filter) ([]state.Document, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey, when set, is required as a bearer token on every route but
	// /healthz.
	APIKey string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	store     Backend
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server. hub may be nil, in which case /events only sends
// keep-alives.
func New(config Config, store Backend, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		store:     store,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		if s.config.APIKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Post("/jobs", s.handleSubmit)
		r.Post("/jobs/pull", s.handlePull)
		r.Post("/shares", s.handlePutShare)
		r.Post("/shares/pop", s.handlePopShare)
		r.Post("/records/{collection}", s.handlePersist)
		r.Get("/records/{collection}", s.handleFetch)
		r.Get("/events", s.handleEvents)
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
