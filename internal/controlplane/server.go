// Package controlplane is the scheduler's read-only HTTP surface: a
// health check, a JSON status snapshot, a websocket status stream, and
// a separate Prometheus metrics listener. It only ever reads from the
// engine's status sink; it cannot influence scheduling (spec §6: "a UI
// facing collaborator the engine calls but never reads from" — the
// control plane is the reader on the other end of that one-way link).
//
// Two independently started/stopped http.Server values, otelhttp
// tracing middleware, and a promhttp.Handler() metrics endpoint.
package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config carries the control plane's listener addresses and timeouts.
type Config struct {
	Addr            string
	MetricsAddr     string
	MetricsEnabled  bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server hosts the status/health HTTP server and, optionally, a
// separate metrics server.
type Server struct {
	logger        *logrus.Logger
	config        Config
	status        StatusSource
	httpServer    *http.Server
	metricsServer *http.Server
}

// NewServer constructs a Server. It does not start listening until
// Start is called.
func NewServer(cfg Config, status StatusSource, logger *logrus.Logger) *Server {
	return &Server{logger: logger, config: cfg, status: status}
}

// Start builds the router and begins serving both listeners in their
// own goroutines. It returns once both servers have been launched, not
// once they've accepted a connection.
func (s *Server) Start(ctx context.Context) error {
	router := mux.NewRouter()
	router.Use(recoveryMiddleware(s.logger))
	router.Use(loggingMiddleware(s.logger))
	router.Use(corsMiddleware())
	router.Use(rateLimitMiddleware(600, 20))
	router.Use(otelhttp.NewMiddleware("gpu-scheduler-controlplane"))

	registerRoutes(router, s.status)
	router.HandleFunc("/status/stream", handleStatusStream(s.status, s.logger))

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		s.logger.WithField("addr", s.httpServer.Addr).Info("control plane: listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("control plane: http server failed")
		}
	}()

	if s.config.MetricsEnabled {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Addr: s.config.MetricsAddr, Handler: metricsRouter}

		go func() {
			s.logger.WithField("addr", s.metricsServer.Addr).Info("control plane: metrics listening")
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.WithError(err).Error("control plane: metrics server failed")
			}
		}()
	}

	return nil
}

// Stop gracefully shuts down both listeners, bounded by
// config.ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http server shutdown: %w", err)
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	return firstErr
}
