// Package api exposes the offline queue and the optimistic update
// coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appejv/storesync/internal/offline"
	"github.com/appejv/storesync/internal/optimistic"
	"github.com/appejv/storesync/internal/report"
	"github.com/appejv/storesync/internal/scheduler"
	"github.com/appejv/storesync/internal/security"
)

// Updates is the coordinator type served by the API. Update data travels as
// raw JSON so any record shape can be applied.
type Updates = optimistic.Coordinator[json.RawMessage]

// Deps are the components the server exposes.
type Deps struct {
	Queue     *offline.Queue
	Updates   *Updates
	Backend   offline.Backend
	Errors    *report.Tracker
	Scheduler *scheduler.Scheduler
	Gatherer  prometheus.Gatherer
	Version   string
}

// Server is the HTTP API server
type Server struct {
	port       int
	jwtSecret  []byte
	deps       Deps
	logger     *slog.Logger
	startedAt  time.Time
	httpServer *http.Server
}

// NewServer creates a new API server. A nil jwtSecret disables
// authentication.
func NewServer(port int, jwtSecret []byte, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{
		port:      port,
		jwtSecret: jwtSecret,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Browsers cannot set headers on a websocket upgrade, so the stream
	// authenticates itself from the query string.
	r.Get("/api/updates/stream", s.handleUpdateStream)

	r.Route("/api", func(r chi.Router) {
		r.Use(security.AuthMiddleware(s.jwtSecret, s.logger))
		r.Use(security.RequirePermission())
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/status", s.handleStatus)

		r.Get("/queue", s.handleListQueue)
		r.Post("/queue", s.handleEnqueue)
		r.Delete("/queue", s.handleClearQueue)
		r.Post("/queue/drain", s.handleDrain)

		r.Get("/updates", s.handleListUpdates)
		r.Post("/updates", s.handleApplyUpdate)
		r.Delete("/updates", s.handleClearUpdates)
		r.Post("/updates/retry", s.handleRetryUpdates)
		r.Post("/updates/{id}/rollback", s.handleRollback)

		r.Get("/errors", s.handleListErrors)
		r.Delete("/errors", s.handleClearErrors)
	})

	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStatus returns connectivity, queue depth and update counts.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"version": s.deps.Version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).Seconds(),
	}
	if q := s.deps.Queue; q != nil {
		status["online"] = q.IsOnline()
		status["queue_depth"] = q.Size()
	}
	if u := s.deps.Updates; u != nil {
		status["pending"] = len(u.Pending())
		status["failed"] = len(u.Failed())
		status["tracked"] = len(u.All())
	}
	if sched := s.deps.Scheduler; sched != nil {
		status["jobs"] = sched.ListJobs()
	}
	writeJSON(w, http.StatusOK, status)
}
