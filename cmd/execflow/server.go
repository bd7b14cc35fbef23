package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/analytics"
	"github.com/BaSui01/execflow/api/handlers"
	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/execution"
	"github.com/BaSui01/execflow/internal/metrics"
	"github.com/BaSui01/execflow/maintenance"
)

// Server owns the HTTP listener, the retention sweeper, and the handlers.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	svc       *execution.Service
	agg       *analytics.Aggregator
	sweeper   *maintenance.Sweeper
	collector *metrics.Collector

	executionHandler *handlers.ExecutionHandler
	metricsHandler   *handlers.MetricsHandler
	streamHandler    *handlers.StreamHandler
	healthHandler    *handlers.HealthHandler

	httpServer    *http.Server
	sweeperCancel context.CancelFunc
	limiterCancel context.CancelFunc
	errCh         chan error
}

// NewServer wires the handlers over the already-constructed components.
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	svc *execution.Service,
	agg *analytics.Aggregator,
	sweeper *maintenance.Sweeper,
	collector *metrics.Collector,
	health *handlers.HealthHandler,
) *Server {
	return &Server{
		cfg:              cfg,
		logger:           logger,
		svc:              svc,
		agg:              agg,
		sweeper:          sweeper,
		collector:        collector,
		executionHandler: handlers.NewExecutionHandler(svc, logger),
		metricsHandler:   handlers.NewMetricsHandler(agg, logger),
		streamHandler:    handlers.NewStreamHandler(svc, logger),
		healthHandler:    health,
		errCh:            make(chan error, 1),
	}
}

// routes binds every API endpoint onto a method-and-path ServeMux.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/executions", s.executionHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/executions", s.executionHandler.HandleList)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.executionHandler.HandleGet)
	mux.HandleFunc("PATCH /api/v1/executions/{id}/status", s.executionHandler.HandleUpdateStatus)
	mux.HandleFunc("POST /api/v1/executions/{id}/start", s.executionHandler.HandleStart)
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.executionHandler.HandleCancel)
	mux.HandleFunc("POST /api/v1/executions/{id}/retry", s.executionHandler.HandleRetry)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", s.streamHandler.HandleStream)
	mux.HandleFunc("GET /api/v1/executions/{id}/metrics", s.metricsHandler.HandleExecutionMetrics)

	mux.HandleFunc("GET /api/v1/projects/{id}/metrics", s.metricsHandler.HandleProjectMetrics)
	mux.HandleFunc("GET /api/v1/projects/{id}/queue", s.executionHandler.HandleQueue)

	mux.HandleFunc("GET /api/v1/agents/{id}/metrics", s.metricsHandler.HandleAgentMetrics)

	return mux
}

// Start brings up the middleware chain, the HTTP listener, and the
// retention sweeper. It does not block.
func (s *Server) Start() error {
	skipAuthPaths := []string{"/health", "/ready", "/version", "/metrics"}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())
	s.limiterCancel = limiterCancel

	identity := HeaderIdentity()
	if s.cfg.Auth.Enabled {
		identity = JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger)
	} else {
		s.logger.Warn("authentication disabled, trusting X-Caller-ID header")
	}

	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		identity,
		RateLimiter(limiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  2 * s.cfg.Server.ReadTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	s.sweeperCancel = sweepCancel
	go s.sweeper.Run(sweepCtx)

	s.logger.Info("server started",
		zap.Int("port", s.cfg.Server.HTTPPort),
		zap.Bool("auth_enabled", s.cfg.Auth.Enabled),
		zap.Bool("retention_enabled", s.cfg.Retention.Enabled),
	)
	return nil
}

// WaitForShutdown blocks until a termination signal or a listener failure,
// then shuts everything down gracefully.
func (s *Server) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case v := <-sig:
		s.logger.Info("shutdown signal received", zap.String("signal", v.String()))
	case err := <-s.errCh:
		s.logger.Error("http server failed", zap.Error(err))
	}

	s.Shutdown()
}

// Shutdown stops accepting requests, waits for in-flight coordinators, and
// releases background goroutines, all bounded by the shutdown timeout.
func (s *Server) Shutdown() {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.sweeperCancel != nil {
		s.sweeperCancel()
	}
	if s.limiterCancel != nil {
		s.limiterCancel()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
	}
	if err := s.svc.Shutdown(ctx); err != nil {
		s.logger.Warn("executions still in flight at shutdown", zap.Error(err))
	}

	s.logger.Info("graceful shutdown completed")
}
