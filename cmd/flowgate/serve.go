package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/flowgate-io/flowgate/internal/audit"
	"github.com/flowgate-io/flowgate/internal/cache"
	"github.com/flowgate-io/flowgate/internal/config"
	"github.com/flowgate-io/flowgate/internal/gateway/httpapi"
	"github.com/flowgate-io/flowgate/internal/observability"
	"github.com/flowgate-io/flowgate/internal/ratelimit"
	"github.com/flowgate-io/flowgate/internal/router"
	"github.com/flowgate-io/flowgate/internal/sandbox"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `flowgate --config path` and `flowgate serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServe starts the Flowgate gateway: provider router, response cache,
// sandbox engine, audit store, and the HTTP API.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("FLOWGATE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.HTTP.ListenAddr = servePort
	}

	logger.Info("starting flowgate", slog.String("config", serveConfigPath))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	}()

	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
	}

	// Provider registry.
	registry := router.NewRegistry(providerConfigs(cfg), logger)
	if registry.Len() == 0 {
		logger.Warn("no providers configured; only byok requests can be served")
	}
	if metrics != nil {
		for _, cd := range registry.Candidates() {
			cd.Provider = observability.NewInstrumentedProvider(cd.Provider, metrics, obs.TracerOrNil(), obs.Anomaly)
		}
	}

	// Response cache.
	var cacheRecorder cache.Recorder
	if metrics != nil {
		cacheRecorder = metrics
	}
	respCache := cache.New(cache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.Cache.DefaultTTL(),
	}, cacheRecorder, logger)

	// Usage audit: persistent store when configured, log-only sink otherwise.
	var usage router.UsageRecorder
	var auditStore *audit.Store
	if cfg.Audit != nil && cfg.Audit.Persist {
		auditStore, err = audit.Open(auditConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer func() {
			if err := auditStore.Close(); err != nil {
				logger.Error("closing audit store", slog.String("error", err.Error()))
			}
		}()
		usage = auditStore
		logger.Info("usage audit persistence enabled", slog.String("driver", cfg.StorageDriverName()))
	} else {
		usage = audit.NewLogger(logger)
	}
	if obs != nil {
		usage = observability.NewInstrumentedUsageRecorder(usage, metrics, obs.Anomaly)
	}

	// Router.
	var routerRecorder router.Recorder
	if metrics != nil {
		routerRecorder = metrics
	}
	rt := router.New(router.Config{
		AllowBYOK:       cfg.Router.AllowBYOK,
		CostPer1KTokens: cfg.Router.CostRate(),
		MaxTokens:       cfg.Router.MaxTokens,
		Temperature:     cfg.Router.Temperature,
	}, registry, respCache, routerRecorder, usage, logger)

	// Sandbox engine (optional).
	var engine *sandbox.Engine
	if cfg.Sandbox.Enabled {
		client := sandbox.NewHTTPEngineClient(cfg.Sandbox.EngineURL, cfg.Sandbox.EngineAPIKey, logger)
		var sandboxRecorder sandbox.Recorder
		if metrics != nil {
			sandboxRecorder = metrics
		}
		engine = sandbox.NewEngine(sandbox.Config{
			Enabled:          true,
			TTL:              cfg.Sandbox.TTL(),
			ExecutionTimeout: cfg.Sandbox.ExecutionTimeout(),
			SafeEndpoint:     cfg.Sandbox.SafeEndpoint,
		}, client, sandboxRecorder, logger)
		logger.Info("sandbox engine initialized",
			slog.String("engine_url", cfg.Sandbox.EngineURL),
			slog.String("ttl", cfg.Sandbox.TTL().String()),
			slog.String("execution_timeout", cfg.Sandbox.ExecutionTimeout().String()),
		)
	}

	// Readiness checks.
	registerHealthChecks(cfg, obs, auditStore, engine)

	// Per-tenant rate limiting.
	var limiter *ratelimit.Limiter
	if cfg.HTTP.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.HTTP.RateLimit.BurstSize,
		})
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic maintenance: cache expiry and sandbox sweeps.
	maint := cron.New()
	_, err = maint.AddFunc(fmt.Sprintf("@every %s", cfg.Cache.SweepInterval()), func() {
		if n := respCache.Cleanup(); n > 0 {
			logger.Info("cache sweep", slog.Int("removed", n))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling cache sweep: %w", err)
	}
	if engine != nil {
		_, err = maint.AddFunc(fmt.Sprintf("@every %s", cfg.Sandbox.SweepInterval()), func() {
			engine.Sweep(ctx)
		})
		if err != nil {
			return fmt.Errorf("scheduling sandbox sweep: %w", err)
		}
	}
	maint.Start()
	defer maint.Stop()

	// HTTP API gateway.
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeyTenantMapping,
		MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.Metrics
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}

	gw := httpapi.NewGateway(gwCfg, rt, respCache, limiter, logger)
	if engine != nil {
		gw.WithSandbox(engine)
	}
	if auditStore != nil {
		gw.WithUsage(auditStore)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	if engine != nil {
		engine.Shutdown(shutdownCtx)
	}

	return nil
}

// providerConfigs maps the enabled providers into registry entries,
// preserving fallback order.
func providerConfigs(cfg *config.Config) []router.ProviderConfig {
	var configs []router.ProviderConfig
	for _, name := range cfg.EnabledProviders() {
		switch name {
		case "openai":
			configs = append(configs, router.ProviderConfig{
				Name:    "openai",
				APIKey:  cfg.Providers.OpenAI.APIKey,
				BaseURL: cfg.Providers.OpenAI.BaseURL,
				Model:   cfg.Providers.OpenAI.Model,
			})
		case "anthropic":
			configs = append(configs, router.ProviderConfig{
				Name:   "anthropic",
				APIKey: cfg.Providers.Anthropic.APIKey,
				Model:  cfg.Providers.Anthropic.Model,
			})
		case "gemini":
			configs = append(configs, router.ProviderConfig{
				Name:    "gemini",
				APIKey:  cfg.Providers.Gemini.APIKey,
				BaseURL: cfg.Providers.Gemini.BaseURL,
				Model:   cfg.Providers.Gemini.Model,
			})
		case "ollama":
			configs = append(configs, router.ProviderConfig{
				Name:    "ollama",
				BaseURL: cfg.Providers.Ollama.BaseURL,
				Model:   cfg.Providers.Ollama.Model,
			})
		}
	}
	return configs
}

// auditConfig maps the storage config into the audit store config.
func auditConfig(cfg *config.Config) audit.Config {
	ac := audit.Config{
		Driver: cfg.StorageDriverName(),
		Path:   cfg.DatabasePath(),
	}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.Path != "" {
		ac.Path = cfg.Storage.SQLite.Path
	}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pg := cfg.Storage.Postgres
		ac.DSN = pg.DSN
		ac.MaxOpenConns = pg.MaxOpenConns
		ac.MaxIdleConns = pg.MaxIdleConns
		if pg.ConnMaxLifetimeS > 0 {
			ac.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
		}
	}
	return ac
}

// registerHealthChecks wires readiness checks for the configured backends.
func registerHealthChecks(cfg *config.Config, obs *observability.Observability, store *audit.Store, engine *sandbox.Engine) {
	if obs == nil || obs.Health == nil || cfg.Observability == nil || cfg.Observability.Health == nil {
		return
	}
	hc := cfg.Observability.Health

	if hc.IncludeDB && store != nil {
		obs.Health.AddCheck("database", store.Ping)
	}
	if hc.IncludeEngine && engine != nil {
		engineURL := cfg.Sandbox.EngineURL
		obs.Health.AddCheck("workflow_engine", func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, engineURL, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			return resp.Body.Close()
		})
	}
}
