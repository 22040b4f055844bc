package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

const defaultRequestTimeout = 10 * time.Second

// StatusSource reports the state of the running job. harvest.Orchestrator
// satisfies it.
type StatusSource interface {
	Snapshot() harvest.Snapshot
}

// Config controls the status server.
type Config struct {
	// APIKey protects the /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the running job.
type Server struct {
	router chi.Router
	status StatusSource
	events *EventLog
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events and
// cancel may be nil; their routes then answer 503.
func NewServer(status StatusSource, events *EventLog, cancel context.CancelFunc, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		status: status,
		events: events,
		cancel: cancel,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/status", s.getStatus)
		r.Get("/events", s.listEvents)
		r.Post("/cancel", s.cancelJob)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while the job has not reached a terminal state.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	state := s.status.Snapshot().State
	if state.Terminal() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "finished", "state": string(state)})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": string(state)})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no job attached")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": s.status.Snapshot()})
}

func (s *Server) cancelJob(w http.ResponseWriter, _ *http.Request) {
	if s.cancel == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cancel not supported")
		return
	}
	var jobID string
	if s.status != nil {
		snap := s.status.Snapshot()
		if snap.State.Terminal() {
			s.writeError(w, http.StatusConflict, "job already "+string(snap.State))
			return
		}
		jobID = snap.JobID
	}
	s.logger.Warn("cancel requested via API", zap.String("job_id", jobID))
	s.cancel()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeJSON(logger, w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(zap.NewNop(), w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(s.logger, w, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(s.logger, w, status, map[string]string{"error": msg})
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
