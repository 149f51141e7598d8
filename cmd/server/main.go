// Package main is the entry point for the llmrelay proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmrelay/llmrelay/internal/adaptive"
	"github.com/llmrelay/llmrelay/internal/circuitbreaker"
	"github.com/llmrelay/llmrelay/internal/config"
	"github.com/llmrelay/llmrelay/internal/handler"
	"github.com/llmrelay/llmrelay/internal/keypool"
	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/internal/modelrouter"
	"github.com/llmrelay/llmrelay/internal/queue"
	"github.com/llmrelay/llmrelay/internal/ratecoordinator"
	"github.com/llmrelay/llmrelay/internal/tracer"
	"github.com/llmrelay/llmrelay/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}
	var logHandler slog.Handler = slog.NewJSONHandler(os.Stdout, logOpts)
	if cfg.Logging.Format == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, logOpts)
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)
	logger.Info("starting llmrelay", "port", cfg.Server.Port)

	pool := buildKeyPool(cfg)
	scheduler := keypool.NewScheduler(pool, keypool.StrategyLeastLoaded)

	coordinator := ratecoordinator.New(ratecoordinator.Config{
		BaseMs:           cfg.PoolCooldown.BaseMs,
		CapMs:            cfg.PoolCooldown.CapMs,
		DecayMs:          cfg.PoolCooldown.DecayMs,
		RetryJitterMs:    cfg.PoolCooldown.RetryJitterMs,
		SleepThresholdMs: cfg.PoolCooldown.SleepThresholdMs,
		Window:           time.Second,
	}, ratecoordinator.NewMemoryBackend(time.Second))

	admission := queue.New(cfg.Server.QueueMaxSize)
	traces := tracer.NewRing(1000)

	connPool := upstream.NewConnectionPool(upstream.DefaultPoolConfig())
	client := upstream.NewClient(connPool, cfg.Server.TargetHost+cfg.Server.TargetBasePath, cfg.Server.AuthHeader, cfg.Server.RequestTimeout)
	defer connPool.Close()

	var router *modelrouter.Router
	var adaptiveCtrl *adaptive.Controller
	if cfg.ModelRouting.Enabled {
		router = buildModelRouter(cfg)

		adaptiveCtrl = adaptive.New(adaptive.Config{
			Enabled:                cfg.AdaptiveConcurrency.Enabled,
			Mode:                   adaptive.Mode(cfg.AdaptiveConcurrency.Mode),
			MinConcurrency:         cfg.AdaptiveConcurrency.MinConcurrency,
			HardMax:                cfg.AdaptiveConcurrency.HardMax,
			MultiplicativeDecrease: cfg.AdaptiveConcurrency.MultiplicativeDecrease,
			AdditiveIncrease:       cfg.AdaptiveConcurrency.AdditiveIncrease,
			SampleWindow:           time.Duration(cfg.AdaptiveConcurrency.SampleWindowMs) * time.Millisecond,
			TickInterval:           time.Duration(cfg.AdaptiveConcurrency.SampleWindowMs) * time.Millisecond,
		}, logger)
		adaptiveCtrl.Start(context.Background(), router.AdaptiveTargets)
	}

	h := handler.New(handler.Config{
		MaxBodySize:      cfg.Server.MaxBodySize,
		MaxInFlight:      int64(cfg.Server.MaxInFlight),
		QueueTimeoutMs:   int64(cfg.Server.QueueTimeoutMs),
		RequestTimeoutMs: cfg.Server.RequestTimeout.Milliseconds(),
		AttemptTimeoutMs: cfg.Server.AttemptTimeoutMs,
		MaxRetries:       cfg.MaxRetries,
		KeyCooldown: keypool.CooldownConfig{
			BaseMs:  cfg.PoolCooldown.BaseMs,
			CapMs:   cfg.PoolCooldown.CapMs,
			DecayMs: cfg.PoolCooldown.DecayMs,
		},
	}, logger, scheduler, router, adaptiveCtrl, coordinator, admission, traces, client)

	samplerCtx, samplerCancel := context.WithCancel(context.Background())
	stopSampler := startMetricsSampler(samplerCtx, pool, router, coordinator, logger, 5*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", healthCheck)
	mux.HandleFunc("GET /health/ready", healthCheck)
	mux.Handle("/", h)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
		IdleTimeout:  cfg.Server.KeepAliveTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	admission.Clear(queue.ReasonShutdown)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if adaptiveCtrl != nil {
		adaptiveCtrl.Stop()
	}

	stopSampler()
	samplerCancel()

	logger.Info("server stopped")
	return nil
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func buildKeyPool(cfg *config.Config) *keypool.Pool {
	pool := keypool.NewPool()
	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		BaseCooldown:     cfg.CircuitBreaker.CooldownMs,
		MaxCooldown:      cfg.CircuitBreaker.MaxCooldownMs,
		SlowLatencyMs:    cfg.CircuitBreaker.SlowLatencyMs,
		SlowSampleRun:    cfg.CircuitBreaker.SlowSampleRun,
		MinSamples:       cfg.CircuitBreaker.MinSamples,
	}
	for _, k := range cfg.Keys {
		key := keypool.NewKey(k.ID, k.Credential, k.Provider, keypool.KeyConfig{
			RateLimitPerMinute: cfg.RateLimit.RateLimitPerMinute,
			RateLimitBurst:     cfg.RateLimit.RateLimitBurst,
			Breaker:            breakerCfg,
		})
		key.OnBreakerStateChange(func(from, to circuitbreaker.State) {
			metrics.CircuitTransitions.WithLabelValues(key.ID, from.String(), to.String()).Inc()
			metrics.CircuitState.WithLabelValues(key.ID).Set(metrics.CircuitStateValue(to.String()))
		})
		pool.Add(key)
	}
	return pool
}

func buildModelRouter(cfg *config.Config) *modelrouter.Router {
	cooldown := modelrouter.ModelCooldownConfig{
		BaseMs:  cfg.ModelRouting.Cooldown.BaseMs,
		CapMs:   cfg.ModelRouting.Cooldown.CapMs,
		DecayMs: cfg.ModelRouting.Cooldown.DecayMs,
		BurstK:  5,
		// BurstWindow isn't config-exposed; the teacher-grounded default
		// (10s) matches DefaultModelCooldownConfig.
		BurstWindow: 10 * time.Second,
	}

	tiers := make(map[string]*modelrouter.Tier)
	for _, tc := range cfg.ModelRouting.Tiers {
		models := make([]*modelrouter.Model, 0, len(tc.Models))
		for _, mc := range tc.Models {
			models = append(models, modelrouter.NewModel(mc.ID, tc.Name, mc.HardMax))
		}
		tiers[tc.Name] = modelrouter.NewTier(tc.Name, modelrouter.Strategy(tc.Strategy), models)
	}

	rules := make([]modelrouter.Rule, 0, len(cfg.ModelRouting.Rules))
	for _, rc := range cfg.ModelRouting.Rules {
		rules = append(rules, modelrouter.Rule{
			Match: modelrouter.Match{
				Model:           rc.Match.Model,
				HasTools:        rc.Match.HasTools,
				HasVision:       rc.Match.HasVision,
				MaxTokensGte:    rc.Match.MaxTokensGte,
				MessageCountGte: rc.Match.MessageCountGte,
				SystemLengthGte: rc.Match.SystemLengthGte,
			},
			Tier:     rc.Tier,
			CatchAll: rc.CatchAll,
		})
	}

	upgrade := modelrouter.ComplexityUpgrade{
		Enabled:         cfg.ModelRouting.ComplexityUpgrade.Enabled,
		AllowedFamilies: cfg.ModelRouting.ComplexityUpgrade.AllowedFamilies,
		HasTools:        cfg.ModelRouting.ComplexityUpgrade.HasTools,
		HasVision:       cfg.ModelRouting.ComplexityUpgrade.HasVision,
		MaxTokensGte:    cfg.ModelRouting.ComplexityUpgrade.MaxTokensGte,
		MessageCountGte: cfg.ModelRouting.ComplexityUpgrade.MessageCountGte,
		SystemLengthGte: cfg.ModelRouting.ComplexityUpgrade.SystemLengthGte,
	}

	return modelrouter.New(modelrouter.Config{
		Enabled:           cfg.ModelRouting.Enabled,
		Rules:             rules,
		ClientModelPolicy: modelrouter.ClientModelPolicy(cfg.ModelRouting.ClientModelPolicy),
		ComplexityUpgrade: upgrade,
		Cooldown:          cooldown,
	}, tiers)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
