// =============================================================================
// ExecFlow entry point
// =============================================================================
// Execution lifecycle and metrics aggregation service.
//
// Usage:
//
//	execflow serve                       # start the server
//	execflow serve --config config.yaml  # with a config file
//	execflow version                     # print version info
//	execflow health                      # probe a running server
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/execflow/access"
	"github.com/BaSui01/execflow/analytics"
	"github.com/BaSui01/execflow/api/handlers"
	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/execution"
	"github.com/BaSui01/execflow/internal/cache"
	"github.com/BaSui01/execflow/internal/metrics"
	"github.com/BaSui01/execflow/internal/telemetry"
	"github.com/BaSui01/execflow/maintenance"
	"github.com/BaSui01/execflow/stats"
	"github.com/BaSui01/execflow/store"
)

// Injected at build time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// serve command
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting execflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	ctx := context.Background()
	health := handlers.NewHealthHandler(logger)

	st, closeStore, err := openStore(ctx, cfg.Store, logger, health)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	rollupCache, err := openCache(cfg.Cache, logger, health)
	if err != nil {
		logger.Fatal("failed to open cache", zap.Error(err))
	}

	collector := metrics.NewCollector("execflow", logger)
	guard := access.NewStoreGuard(st, st, logger)
	propagator := stats.NewPropagator(st, collector, logger)
	executor := execution.NewSimulatedExecutor(logger)

	svc := execution.NewService(st, guard, executor, propagator, cfg.Engine, logger,
		execution.WithMetrics(collector),
	)
	agg := analytics.NewAggregator(st, guard, rollupCache, collector, cfg.Analytics.CacheTTL, logger)
	sweeper := maintenance.NewSweeper(st, collector, cfg.Retention, logger)

	server := NewServer(cfg, logger, svc, agg, sweeper, collector, health)
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := rollupCache.Close(); err != nil {
		logger.Error("cache close error", zap.Error(err))
	}
	if err := closeStore(shutdownCtx); err != nil {
		logger.Error("store close error", zap.Error(err))
	}
	if otelProviders != nil {
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	logger.Info("execflow stopped")
}

// openStore builds the configured store backend and registers its readiness
// probe. The returned closer releases the backend's connections.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger, health *handlers.HealthHandler) (store.Store, func(context.Context) error, error) {
	switch cfg.Backend {
	case "mongo":
		ms, err := store.NewMongoStore(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, nil, err
		}
		health.RegisterCheck(handlers.CheckFunc{CheckName: "mongo", Ping: ms.Ping})
		return ms, ms.Close, nil
	case "memory":
		logger.Warn("using in-memory store, data is not persisted")
		return store.NewMemoryStore(), func(context.Context) error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

// openCache builds the configured rollup cache backend and registers its
// readiness probe when it has one.
func openCache(cfg config.CacheConfig, logger *zap.Logger, health *handlers.HealthHandler) (cache.Cache, error) {
	switch cfg.Backend {
	case "redis":
		rc, err := cache.NewRedisCache(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		health.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Ping: rc.Ping})
		return rc, nil
	case "memory":
		return cache.NewMemoryCache(logger), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}

// =============================================================================
// health command
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// version and help
// =============================================================================

func printVersion() {
	fmt.Printf("ExecFlow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ExecFlow - Execution Lifecycle & Metrics Engine

Usage:
  execflow <command> [options]

Commands:
  serve     Start the ExecFlow server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  execflow serve
  execflow serve --config /etc/execflow/config.yaml
  execflow health --addr http://localhost:8080
  execflow version`)
}

// =============================================================================
// logger initialization
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}

	return logger
}
