package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/agentgate/pkg/api"
	"github.com/platinummonkey/agentgate/pkg/async"
	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/billing"
	"github.com/platinummonkey/agentgate/pkg/config"
	"github.com/platinummonkey/agentgate/pkg/httputil"
	"github.com/platinummonkey/agentgate/pkg/identity"
	"github.com/platinummonkey/agentgate/pkg/maintenance"
	"github.com/platinummonkey/agentgate/pkg/middleware"
	"github.com/platinummonkey/agentgate/pkg/observability"
	"github.com/platinummonkey/agentgate/pkg/ratelimit"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "agentgate")
	logger.WithField("version", version).Info("Starting agentgate")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to flush OpenTelemetry")
		}
	}()

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	stores, err := openStores(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer stores.Close(logger)

	health := observability.NewHealthChecker(version)
	stores.RegisterHealth(health)

	// Usage counter increments run off the request path
	var pool *async.WorkerPool
	if cfg.RateLimit.UsageWorkers > 0 {
		pool = async.NewWorkerPool(ctx, logger, cfg.RateLimit.UsageWorkers, cfg.RateLimit.UsageQueueSize, "daily_usage", 5*time.Second)
		defer func() {
			if err := pool.Shutdown(10 * time.Second); err != nil {
				logger.WithError(err).Warn("Usage worker pool did not drain")
			}
		}()
	}

	table, err := loadTable(cfg.RateLimit.LimitsFile)
	if err != nil {
		return err
	}

	usage := ratelimit.NewUsageRecorder(stores.Counters, pool, logger)
	controller := ratelimit.NewController(stores.Counters, table,
		ratelimit.WithUsageRecorder(usage),
		ratelimit.WithMetrics(metrics),
		ratelimit.WithLogger(logger),
	)
	plans := billing.NewPlanResolver(stores.Secrets, cfg.PlanCache, metrics, logger)

	var capabilities *auth.CapabilityIssuer
	if cfg.Auth.CapabilitySecret != "" {
		capabilities = auth.NewCapabilityIssuer([]byte(cfg.Auth.CapabilitySecret), cfg.Auth.CapabilityIssuer, cfg.Auth.CapabilityTTL)
		logger.Warn("Deprecated capability tokens are enabled")
	}

	opts := identity.Options{
		Tokens:  auth.NewTokenGenerator(cfg.Auth.BcryptCost),
		Metrics: metrics,
		Logger:  logger,
	}
	proxies, err := httputil.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	audit := auth.NewAuditLogger(logger)
	verifier := identity.NewVerifier(stores.Secrets, capabilities, opts)

	server := api.NewServer(api.Services{
		Issuer:   identity.NewIssuer(stores.Secrets, capabilities, opts),
		Claims:   identity.NewClaimService(stores.Secrets, opts),
		Authn:    middleware.NewAuthMiddleware(verifier, controller, plans, audit, logger),
		Sessions: auth.NewSessionVerifier([]byte(cfg.Auth.SessionSecret)),
		Plans:    plans,
		Usage:    usage,
		Audit:    audit,
		Logger:   logger,
		Metrics:  metrics,
		Proxies:  proxies,
	})

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthRouter(health, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), healthServer.Shutdown(shutdownCtx))
	})

	if cfg.Maintenance.Enabled {
		janitor := maintenance.NewJanitor(stores.Counters, stores.Secrets, maintenance.Config{
			Schedule:            cfg.Maintenance.Schedule,
			CounterRetention:    cfg.Maintenance.CounterRetention,
			ClaimTokenRetention: cfg.Maintenance.ClaimTokenRetention,
		}, metrics, logger)
		g.Go(func() error { return janitor.Run(gctx) })
	}

	if cfg.RateLimit.WatchLimits {
		g.Go(func() error { return ratelimit.WatchFile(gctx, cfg.RateLimit.LimitsFile, table, logger) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("agentgate stopped")
	return nil
}

// loadTable builds the category table, applying the limits file when configured
func loadTable(path string) (*ratelimit.Table, error) {
	if path == "" {
		return ratelimit.NewTable(nil), nil
	}
	limits, err := ratelimit.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limits: %w", err)
	}
	return ratelimit.NewTable(limits), nil
}

// healthRouter serves probes and metrics on the internal port
func healthRouter(health *observability.HealthChecker, registry *prometheus.Registry) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health/live", health.Liveness).Methods("GET")
	router.HandleFunc("/health/ready", health.Readiness).Methods("GET")
	if registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	}
	return router
}
