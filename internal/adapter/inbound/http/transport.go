package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/keymint/keymint/internal/service"
)

// shutdownGrace bounds how long in-flight requests may run after the
// transport is told to stop.
const shutdownGrace = 10 * time.Second

// Transport is the inbound HTTP adapter. It owns the listener, the
// middleware chain, and the metrics registry.
type Transport struct {
	validation     *service.ValidationService
	admin          *service.AdminService
	server         *http.Server
	addr           string
	adminSecret    string
	requestTimeout time.Duration
	health         *HealthChecker
	metrics        *Metrics
	logger         *slog.Logger
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithAdminSecret sets the shared secret for the admin gate. With an
// empty secret, admin routes answer 503.
func WithAdminSecret(secret string) Option {
	return func(t *Transport) {
		t.adminSecret = secret
	}
}

// WithRequestTimeout sets the per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.requestTimeout = d
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) {
		t.health = hc
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates the HTTP transport over the two services.
func NewTransport(validation *service.ValidationService, admin *service.AdminService, opts ...Option) *Transport {
	t := &Transport{
		validation:     validation,
		admin:          admin,
		addr:           "127.0.0.1:8080",
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// buildHandler assembles the mux and the middleware chain. Outermost
// first: request ID, then the per-request deadline, then routing.
func (t *Transport) buildHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	if t.health == nil {
		t.health = NewHealthChecker(noPing{}, noPing{}, "")
	}

	h := NewHandler(t.validation, t.admin, t.health, t.metrics)
	var handler http.Handler = h.Routes(AdminGate(t.adminSecret))
	handler = TimeoutMiddleware(t.requestTimeout)(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	return handler
}

// Start begins serving and blocks until the context is cancelled or
// the listener fails. On cancellation, in-flight requests get a grace
// period before the server closes.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.buildHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return t.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop shuts the server down gracefully.
func (t *Transport) Stop() error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	t.logger.Info("shutting down HTTP server")
	return t.server.Shutdown(ctx)
}

// noPing is the health fallback when no checker is configured: always
// healthy.
type noPing struct{}

func (noPing) Ping(context.Context) error { return nil }
