/*
Package main provides the ExecFlow server entry point.

# Overview

cmd/execflow is the executable entry of the execution lifecycle engine.
It serves the HTTP API, exposes Prometheus metrics, and runs the
background retention sweeper. Configuration is loaded from YAML with
environment overrides, and logging uses structured zap output.

# Core types

  - Server     owns the HTTP listener, sweeper, and graceful shutdown
  - Middleware is the func(http.Handler) http.Handler signature

# Capabilities

  - Subcommands: serve, version, health
  - Middleware chain: Recovery, RequestID, SecurityHeaders, OTelTracing,
    RequestLogger, MetricsMiddleware, JWTAuth (or HeaderIdentity when
    auth is disabled), RateLimiter (per caller with IP fallback)
  - Store backends: MongoDB or in-memory; cache backends: memory or Redis
  - Graceful shutdown: signal, stop sweeper, drain HTTP, wait for
    in-flight executions, close store and cache, flush telemetry
  - Build injection: Version, BuildTime, GitCommit via ldflags
*/
package main
