// Package server exposes page resolution and index administration over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	internal "github.com/ZanzyTHEbar/pageindex/pidx"
	"github.com/ZanzyTHEbar/pageindex/pidx/metrics"
	"github.com/ZanzyTHEbar/pageindex/pidx/registry"
	"github.com/ZanzyTHEbar/pageindex/pidx/resolver"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Server routes requests to the resolver and the registry.
type Server struct {
	registry *registry.Registry
	resolver *resolver.Resolver
	routes   resolver.RequestHandler
	ignore   IgnoreChecker
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	addr            string
	metricsPath     string
	languageHeader  string
	defaultLanguage int
	retryAfter      time.Duration

	mux        *http.ServeMux
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRoutes sets the handler that serves matched pages and application
// routes for paths the page tree does not match.
func WithRoutes(h resolver.RequestHandler) Option {
	return func(s *Server) { s.routes = h }
}

// WithIgnore makes matching request paths 404 before resolution.
func WithIgnore(ig IgnoreChecker) Option {
	return func(s *Server) { s.ignore = ig }
}

func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithMetricsPath sets where metrics are served. An empty path disables the endpoint.
func WithMetricsPath(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

func WithLanguageHeader(header string) Option {
	return func(s *Server) { s.languageHeader = header }
}

func WithDefaultLanguage(languageID int) Option {
	return func(s *Server) { s.defaultLanguage = languageID }
}

func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) { s.retryAfter = d }
}

// New builds the server and its routes. It does not start listening.
func New(reg *registry.Registry, res *resolver.Resolver, opts ...Option) *Server {
	s := &Server{
		registry:        reg,
		resolver:        res,
		logger:          internal.GetLogger(),
		addr:            internal.DefaultListenAddr,
		metricsPath:     internal.DefaultMetricsPath,
		languageHeader:  internal.DefaultLanguageHeader,
		defaultLanguage: internal.DefaultLanguageID,
		retryAfter:      internal.DefaultRetryAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "server").Logger()

	s.mux = http.NewServeMux()
	s.handle("GET /health", s.healthHandler)
	if s.metricsPath != "" {
		s.mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	s.handle("POST /api/index/rebuild", s.rebuildHandler)
	s.handle("GET /api/index/stats", s.statsHandler)
	s.handle("GET /api/pages/{id}", s.pageHandler)
	s.handle("GET /api/pages/{id}/children", s.childrenHandler)
	s.handle("GET /api/pages/{id}/path", s.pathHandler)
	s.handle("GET /", s.resolveHandler)
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.addr).Msg("page index server starting")
		// ListenAndServe returns ErrServerClosed on graceful shutdown.
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			s.logger.Error().Err(err).Msg("server failed unexpectedly")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info().Msg("shutting down page index server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	return nil
}

// handle registers fn and records every response under its pattern.
func (s *Server) handle(pattern string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.RecordHTTPRequest(pattern, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
