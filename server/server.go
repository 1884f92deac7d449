// Package server exposes the Session API (spec.md §6) over HTTP: create
// session, streaming query, history, and clear-history, behind an
// optional JWT middleware and instrumented with Prometheus/OpenTelemetry.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/finagent-ai/finagent/auth"
	"github.com/finagent-ai/finagent/observability"
	"github.com/finagent-ai/finagent/orchestrator"
	"github.com/finagent-ai/finagent/sessionstore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options configures a Server at construction time.
type Options struct {
	Addr string

	Orchestrator *orchestrator.Orchestrator
	Sessions     sessionstore.Store
	NewHistory   sessionstore.HistoryFactory

	// Validator, if non-nil, guards every Session API route behind
	// Bearer-token auth. A nil Validator leaves the API open.
	Validator *auth.Validator
	Metrics   *observability.Metrics
}

// Server is the Session API's HTTP surface.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
}

// New builds a Server and wires its routes. It does not start
// listening until Start is called.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("server: orchestrator is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("server: session store is required")
	}
	if opts.NewHistory == nil {
		return nil, fmt.Errorf("server: history factory is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	s := &Server{opts: opts}
	s.router = s.routes()
	s.http = &http.Server{Addr: opts.Addr, Handler: s.router}
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	h := &handlers{
		orch:       s.opts.Orchestrator,
		sessions:   s.opts.Sessions,
		newHistory: s.opts.NewHistory,
		metrics:    s.opts.Metrics,
	}

	r.Route("/sessions", func(r chi.Router) {
		if s.opts.Validator != nil {
			r.Use(s.opts.Validator.Middleware)
		}
		r.Post("/", h.createSession)
		r.Post("/{sessionID}/query", h.streamQuery)
		r.Get("/{sessionID}/history", h.getHistory)
		r.Delete("/{sessionID}/history", h.clearHistory)
	})

	r.Handle("/metrics", s.opts.Metrics.Handler())

	return r
}

// Start begins serving in the background and returns immediately; any
// bind error is returned synchronously.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(200 * time.Millisecond):
		slog.Info("session api listening", "addr", s.opts.Addr)
		return nil
	}
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight
// requests (including open SSE streams) to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// metricsMiddleware records one HTTP request's outcome and duration,
// keyed by chi's matched route pattern rather than the raw path so
// path parameters don't explode cardinality.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := routePattern(r)
		s.opts.Metrics.RecordHTTPRequest(r.Method, pattern, ww.Status(), time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
