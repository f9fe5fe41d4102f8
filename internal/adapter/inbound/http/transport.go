// Package http provides the HTTP transport adapter for the decision service.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolgate/toolgate/internal/service"
)

// HTTPTransport is the inbound adapter serving the §4.7/§6 decision
// endpoint. It wires the decision orchestration service behind the §6 wire
// contract, plus the ambient health and metrics endpoints (§10).
type HTTPTransport struct {
	decisions         *service.DecisionService
	envResolver       EnvResolver
	maxPayloadBytes   int64
	requestDeadlineMs int64
	server            *http.Server
	addr              string
	certFile          string
	keyFile           string
	logger            *slog.Logger
	metrics           *Metrics
	healthChecker     *HealthChecker
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /healthz endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// WithRequestDeadline bounds every /runtime-check request's context to the
// given number of milliseconds (§5), so a slow store call cannot hold the
// session lock indefinitely. Zero (the default) leaves requests unbounded.
func WithRequestDeadline(ms int64) Option {
	return func(t *HTTPTransport) {
		t.requestDeadlineMs = ms
	}
}

// WithEnvResolver overrides how an authenticated API key maps to the
// environment ID its requests are scoped to. Defaults to DefaultEnvResolver.
func WithEnvResolver(r EnvResolver) Option {
	return func(t *HTTPTransport) {
		t.envResolver = r
	}
}

// NewHTTPTransport creates an HTTP transport adapter wrapping the given
// decision service.
func NewHTTPTransport(decisions *service.DecisionService, maxPayloadBytes int64, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		decisions:       decisions,
		maxPayloadBytes: maxPayloadBytes,
		addr:            "127.0.0.1:8080",
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting HTTP connections and serving the decision
// endpoint. It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	decisionHandler := NewDecisionHandler(t.decisions, t.envResolver, t.maxPayloadBytes, t.metrics)

	// Middleware order (outermost first): Metrics -> RequestID -> RealIP ->
	// CORS -> APIKey -> Deadline (when configured) -> Handler, mirroring the teacher's layering with
	// DNSRebindingProtection replaced by CORSMiddleware (§4.7: this is a
	// server-to-server API, not a browser-facing MCP transport).
	var runtimeCheck http.Handler = decisionHandler
	if t.requestDeadlineMs > 0 {
		runtimeCheck = DeadlineMiddleware(t.requestDeadlineMs)(runtimeCheck)
	}
	runtimeCheck = APIKeyMiddleware(runtimeCheck)
	runtimeCheck = CORSMiddleware(runtimeCheck)
	runtimeCheck = RealIPMiddleware(runtimeCheck)
	runtimeCheck = RequestIDMiddleware(t.logger)(runtimeCheck)
	runtimeCheck = MetricsMiddleware(t.metrics)(runtimeCheck)

	mux := http.NewServeMux()
	mux.Handle("POST /runtime-check", runtimeCheck)
	mux.Handle("OPTIONS /runtime-check", CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	if t.healthChecker != nil {
		mux.Handle("GET /healthz", t.healthChecker.Handler())
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: mux,
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
