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

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/metrics"
	"github.com/JakeFAU/revision-crawler/internal/orchestrator"
	"github.com/JakeFAU/revision-crawler/internal/store"
)

// Syncer mirrors the workspace hierarchy.
type Syncer interface {
	SyncAll(ctx context.Context, cred *crawler.Credential) (crawler.SyncResult, error)
}

// Authenticator runs the interactive login and reports session readiness.
type Authenticator interface {
	Login(ctx context.Context, code string) (crawler.SessionBundle, error)
	Ready(ctx context.Context) bool
}

// Runner drives crawl runs.
type Runner interface {
	Start(ctx context.Context) error
	RunOne(ctx context.Context, recordID string) (crawler.RunSummary, error)
	Progress() orchestrator.Progress
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, is required on every request via X-API-Key or ?api_key=.
	APIKey string
	// RequestTimeout bounds each request. Blocking single-record crawls count.
	RequestTimeout time.Duration
}

// Deps are the collaborators behind the routes. Runs is optional.
type Deps struct {
	Syncer     Syncer
	Auth       Authenticator
	Runner     Runner
	Logs       crawler.ChangeLogStore
	Runs       store.RunRepository
	Credential *crawler.Credential
}

// Server wires HTTP handlers to the sync engine, login flow and orchestrator.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	runs := NewRunsHandler(deps.Runs, s.logger)
	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/sync", s.sync)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.login)
			r.Get("/status", s.authStatus)
		})
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/", s.crawlAll)
			r.Get("/progress", s.progress)
			r.Get("/runs", runs.ListRuns)
			r.Get("/runs/{run_id}", runs.GetRun)
			r.Post("/{record_id}", s.crawlOne)
		})
		r.Get("/records/{record_id}/changes", s.changes)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Syncer.SyncAll(r.Context(), s.deps.Credential)
	if err != nil {
		s.fail(w, "sync failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	bundle, err := s.deps.Auth.Login(r.Context(), req.Code)
	if err != nil {
		s.fail(w, "login failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"cookies":       len(bundle.Cookies),
		"captured_at":   bundle.CapturedAt,
	})
}

func (s *Server) authStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": s.deps.Auth.Ready(r.Context())})
}

func (s *Server) crawlAll(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request.
	if err := s.deps.Runner.Start(context.WithoutCancel(r.Context())); err != nil {
		s.fail(w, "start crawl failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) crawlOne(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")
	summary, err := s.deps.Runner.RunOne(r.Context(), recordID)
	if err != nil {
		s.fail(w, "crawl record failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Runner.Progress())
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")
	log, err := s.deps.Logs.GetChangeLog(r.Context(), recordID)
	if err != nil {
		s.fail(w, "load change log failed", err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// fail maps domain errors to status codes. Unclassified errors are logged
// and reported as 500.
func (s *Server) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Warn(msg, zap.Error(err), zap.Int("status", status))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, crawler.ErrSecondFactorRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, crawler.ErrRunInProgress), errors.Is(err, crawler.ErrLoginInProgress):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrFetchFailed), errors.Is(err, crawler.ErrAuthExpired):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type loginRequest struct {
	Code string `json:"code"`
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
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
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
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
