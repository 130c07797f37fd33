// Package server exposes the tool executor over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
)

const (
	// maxBodyBytes bounds request bodies.
	maxBodyBytes = 1 << 20
	traceHeader  = "X-Trace-Id"
)

// Executor runs tool calls.
type Executor interface {
	Execute(ctx context.Context, call tool.Call) tool.Result
	ExecuteParallel(ctx context.Context, calls []tool.Call) []tool.Result
	ExecuteBatch(ctx context.Context, calls []tool.Call) map[string]tool.Result
}

// Tools lists the registered tool descriptors.
type Tools interface {
	ListTools() []tool.Descriptor
}

// SessionCloser is implemented by tool sources that hold per-session state.
// When the Tools passed to New implements it, DELETE /v1/sessions/{id} is
// served.
type SessionCloser interface {
	CloseSession(sessionID string) int
}

// Options configures a Server.
type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// RateLimitPerMinute bounds requests per client IP on /v1. Zero disables it.
	RateLimitPerMinute int
	// AuthSecret enables HS256 bearer token checks on /v1.
	AuthSecret string
	// MetricsPath mounts Metrics when both are set.
	MetricsPath string
	Metrics     http.Handler
}

// Server is the HTTP façade over an Executor.
type Server struct {
	options   Options
	executor  Executor
	tools     Tools
	router    chi.Router
	limiter   *rateLimiter
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server. Nothing listens until Start.
func New(options Options, executor Executor, tools Tools) (*Server, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if tools == nil {
		return nil, errors.New("tool lister is required")
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.ShutdownTimeout <= 0 {
		options.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		options:   options,
		executor:  executor,
		tools:     tools,
		startTime: time.Now(),
	}
	if options.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(options.RateLimitPerMinute, 5*time.Minute)
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(traceRequest)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}
		if s.options.AuthSecret != "" {
			r.Use(authenticate([]byte(s.options.AuthSecret)))
		}
		r.Get("/tools", s.handleListTools)
		r.Get("/tools/{name}", s.handleGetTool)
		r.Post("/tools/{name}/execute", s.handleExecute)
		r.Post("/execute/parallel", s.handleParallel)
		r.Post("/execute/batch", s.handleBatch)
		if closer, ok := s.tools.(SessionCloser); ok {
			r.Delete("/sessions/{id}", s.handleCloseSession(closer))
		}
	})
	if s.options.Metrics != nil && s.options.MetricsPath != "" {
		r.Method(http.MethodGet, s.options.MetricsPath, s.options.Metrics)
	}
	return r
}

// Start listens and serves until Stop. It returns once the listener is
// closed.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.options.Host, s.options.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("server is already running")
	}
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.options.ReadTimeout,
		WriteTimeout: s.options.WriteTimeout,
	}
	s.listener = ln
	srv := s.server
	s.mu.Unlock()

	log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests within the shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.close()
	}

	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.options.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	log.Info().Msg("HTTP server stopped")
	return nil
}

// traceRequest continues the caller's X-Trace-Id or starts a new trace.
func traceRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(traceHeader); id != "" {
			ctx = tracing.WithTraceID(ctx, id)
		} else {
			ctx = tracing.NewRequestContext(ctx)
		}
		w.Header().Set(traceHeader, tracing.GetTraceID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		tracing.Logger(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
