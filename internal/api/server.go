package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/farmdispatch/internal/dispatch"
	"github.com/mattjoyce/farmdispatch/internal/events"
	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/queue"
)

// ItemQueue is the submission side of the dispatcher.
type ItemQueue interface {
	Enqueue(items ...*queue.Item) error
	Results(group string) (queue.GroupResult, bool)
	TakeResults(group string) (queue.GroupResult, bool)
	Outstanding() int64
}

// StatusProvider reports the dispatcher's state.
type StatusProvider interface {
	Status() dispatch.Status
}

// InvocationLister reads the invocation journal.
type InvocationLister interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	Batches(ctx context.Context, invocationID string) ([]journal.Batch, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
	// MaxBodyBytes caps POST /items bodies. Defaults to 8 MiB.
	MaxBodyBytes int64
	CORSOrigins  []string
}

// Deps are the components the API serves. Events, Journal and Metrics are
// optional; their routes are only mounted when set.
type Deps struct {
	Queue   ItemQueue
	Status  StatusProvider
	Events  *events.Hub
	Journal InvocationLister
	Metrics http.Handler
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 8 << 20
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

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
	if len(s.config.CORSOrigins) > 0 {
		// Preflight requests carry no credentials, so this sits ahead of auth.
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		}).Handler)
	}

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/items", s.handleSubmit)
		r.Get("/results/{group}", s.handleResults)
		if s.deps.Journal != nil {
			r.Get("/invocations", s.handleInvocations)
			r.Get("/invocations/{id}/batches", s.handleInvocationBatches)
		}
		if s.deps.Events != nil {
			r.Get("/events", s.handleEvents)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
