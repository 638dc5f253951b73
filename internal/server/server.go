// Package server exposes the admin HTTP surface of an ingestion run:
// liveness, readiness, Prometheus metrics and dispatch progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/dispatcher"
	"github.com/JakeFAU/sentiment-ingest/internal/metrics"
)

// ProgressSource reports dispatch counters.
type ProgressSource interface {
	Progress() dispatcher.Progress
}

// Pinger checks a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires admin handlers onto a chi router.
type Server struct {
	router   chi.Router
	progress ProgressSource
	pingers  map[string]Pinger
	logger   *zap.Logger
	srv      *http.Server
}

// New constructs a Server. progress may be nil before dispatch starts.
func New(progress ProgressSource, pingers map[string]Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		progress: progress,
		pingers:  pingers,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/v1/progress", s.getProgress)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background. Listener errors other than a
// clean shutdown are logged.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info("admin server started", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the listener started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := make(map[string]string, len(s.pingers))
	status := http.StatusOK
	for name, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
}

func (s *Server) getProgress(w http.ResponseWriter, _ *http.Request) {
	var p dispatcher.Progress
	if s.progress != nil {
		p = s.progress.Progress()
	}
	writeJSON(w, http.StatusOK, p)
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("admin handler panicked", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
