// Package observability provides structured logging, Prometheus metrics, health probes
// and OpenTelemetry tracing.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("agent_id", id).Info("api key issued")
//
// Request-scoped loggers are stored in the context by httputil.LoggingMiddleware
// and retrieved with FromContext.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCritical("database", store)
//	checker.AddOptional("redis", counters)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer providers.Shutdown(ctx)
package observability
