// Package server provides the HTTP API over the change pipeline.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/database"
	"github.com/aristath/fundwatch/internal/domain"
	"github.com/aristath/fundwatch/internal/events"
	"github.com/aristath/fundwatch/internal/queue"
	"github.com/aristath/fundwatch/internal/retry"
	"github.com/aristath/fundwatch/internal/scheduler"
)

// FundStore reads and registers funds
type FundStore interface {
	Upsert(ctx context.Context, fund domain.Fund) error
	Get(ctx context.Context, fundID string) (*domain.Fund, error)
	ListActive(ctx context.Context) ([]domain.Fund, error)
}

// SnapshotReader reads stored holdings snapshots
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, fundID, date string) ([]domain.HoldingSnapshot, error)
	GetLatestDate(ctx context.Context, fundID string) (string, error)
	ListDates(ctx context.Context, fundID string, limit int) ([]string, error)
}

// ChangeReader reads the change ledger
type ChangeReader interface {
	GetChanges(ctx context.Context, fundID, date string) ([]domain.ChangeRecord, error)
	GetChangesByDate(ctx context.Context, date string) ([]domain.ChangeRecord, error)
	GetHoldingHistory(ctx context.Context, fundID, holdingID string, limit int) ([]domain.ChangeRecord, error)
}

// TaskStore exposes the analysis queue
type TaskStore interface {
	GetStats(ctx context.Context, analysisType string) (*queue.Stats, error)
	List(ctx context.Context, analysisType string, status queue.Status, limit int) ([]queue.Task, error)
	Get(ctx context.Context, id int64) (*queue.Task, error)
	Requeue(ctx context.Context, id int64) error
}

// ExecutionReader reads the job execution history
type ExecutionReader interface {
	Recent(ctx context.Context, jobName string, limit int) ([]scheduler.Execution, error)
}

// RetryReader lists retry entries
type RetryReader interface {
	List(ctx context.Context, status retry.Status, limit int) ([]retry.Entry, error)
}

// JobRunner runs registered jobs on demand
type JobRunner interface {
	RunNow(ctx context.Context, name string) (scheduler.Outcome, error)
	JobNames() []string
}

// Config holds server dependencies
type Config struct {
	Log       zerolog.Logger
	Databases map[string]*database.DB
	Funds     FundStore
	Snapshots SnapshotReader
	Changes   ChangeReader
	Tasks     TaskStore
	History   ExecutionReader
	Retries   RetryReader
	Artifacts domain.ArtifactStore
	Jobs      JobRunner
	EventBus  *events.Bus
	Port      int
	DevMode   bool
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    Config
	log    zerolog.Logger
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5, "application/json"))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Websocket upgrades and manual job runs must not sit behind the request timeout
		r.Get("/events/ws", NewEventsStreamHandler(s.cfg.EventBus, s.log).ServeHTTP)
		r.Post("/jobs/{name}/run", s.handleRunJob)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/funds", func(r chi.Router) {
				r.Get("/", s.handleListFunds)
				r.Post("/", s.handleUpsertFund)
				r.Get("/{fundID}", s.handleGetFund)
			})

			r.Get("/snapshots", s.handleGetSnapshot)
			r.Get("/snapshots/dates", s.handleListSnapshotDates)

			r.Get("/changes", s.handleGetChanges)
			r.Get("/changes/history", s.handleHoldingHistory)

			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", s.handleQueueStats)
				r.Get("/tasks", s.handleListTasks)
				r.Get("/tasks/{id}", s.handleGetTask)
				r.Post("/tasks/{id}/requeue", s.handleRequeueTask)
			})

			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/history", s.handleJobHistory)

			r.Get("/retries", s.handleListRetries)
			r.Get("/artifacts/{id}", s.handleGetArtifact)

			r.Get("/system/databases", s.handleDatabaseStats)
		})
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
