// Package api exposes the tool-invocation surface over JSON HTTP, plus the
// health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/scanopshq/scanopsd/internal/config"
	"github.com/scanopshq/scanopsd/internal/metrics"
	"github.com/scanopshq/scanopsd/internal/queue"
	"github.com/scanopshq/scanopsd/internal/registry"
	"github.com/scanopshq/scanopsd/internal/task"
	"github.com/scanopshq/scanopsd/internal/validate"
)

type Server struct {
	cfg       *config.Config
	store     *task.Store
	queue     *queue.Queue
	registry  *registry.Registry
	metrics   *metrics.Metrics
	validator *validate.Validator

	rateLimitMu  sync.Mutex
	rateLimiters map[string]*rateLimiterEntry
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(cfg *config.Config, store *task.Store, q *queue.Queue, reg *registry.Registry, m *metrics.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		store:        store,
		queue:        q,
		registry:     reg,
		metrics:      m,
		validator:    validate.New(cfg.Validation),
		rateLimiters: make(map[string]*rateLimiterEntry),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)
		r.Post("/tools/{tool}", s.handleTool)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type healthResponse struct {
	RedisHealthy      bool   `json:"redis_healthy"`
	FilesystemHealthy bool   `json:"filesystem_healthy"`
	Error             string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{RedisHealthy: true, FilesystemHealthy: true}

	if err := s.queue.Client().Ping(r.Context()).Err(); err != nil {
		resp.RedisHealthy = false
		resp.Error = err.Error()
	}
	if err := probeDataDir(s.cfg.DataDir); err != nil {
		resp.FilesystemHealthy = false
		if resp.Error == "" {
			resp.Error = err.Error()
		}
	}

	status := http.StatusOK
	if !resp.RedisHealthy || !resp.FilesystemHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// probeDataDir verifies the task directory is actually writable, not just
// present.
func probeDataDir(dataDir string) error {
	probe := filepath.Join(dataDir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
