// Package api serves the public REST surface and the internal executor
// callback surface over one chi router.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/backend"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/dispatch"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/workspace"
)

// Server wires handlers to the core components.
type Server struct {
	store     storage.Store
	sched     *scheduler.Scheduler
	engine    *dispatch.Engine
	backend   backend.Backend
	artifacts workspace.ArtifactStore
	cfg       *config.Config
	validate  *validator.Validate
	client    *http.Client
	logger    zerolog.Logger

	httpServer *http.Server
}

// NewServer builds the server and its router.
func NewServer(store storage.Store, sched *scheduler.Scheduler, engine *dispatch.Engine,
	be backend.Backend, artifacts workspace.ArtifactStore, cfg *config.Config) *Server {
	s := &Server{
		store:     store,
		sched:     sched,
		engine:    engine,
		backend:   be,
		artifacts: artifacts,
		cfg:       cfg,
		validate:  validator.New(),
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Delete("/{id}", s.handleTerminateSession)
			r.Get("/{id}/logs", s.handleSessionLogs)
			r.Post("/{id}/files/upload", s.handleFileUpload)
			r.Get("/{id}/files/*", s.handleFileDownload)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Post("/sessions/{id}/execute", s.handleExecute)
			r.Get("/sessions/{id}/executions", s.handleListExecutions)
			r.Get("/{id}/status", s.handleExecutionStatus)
			r.Get("/{id}/result", s.handleExecutionResult)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Post("/containers/ready", s.handleContainerReady)
		r.Post("/containers/exited", s.handleContainerExited)
		r.Post("/executions/{id}/result", s.handleResult)
		r.Post("/executions/{id}/heartbeat", s.handleHeartbeat)
	})

	return r
}

// instrument records request metrics and echoes the request id.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("X-Request-Id", middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
