package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/coordinator"
	"github.com/basket/go-conductor/internal/cron"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/gateway"
	"github.com/basket/go-conductor/internal/generator"
	"github.com/basket/go-conductor/internal/memory"
	"github.com/basket/go-conductor/internal/metrics"
	otelx "github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/relay"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const retentionInterval = time.Hour

func serveCmd(load configLoader) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conductor daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg, quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the home directory only")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, quiet bool) error {
	logger, logs, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logs.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_hash", cfg.Fingerprint())
	warnOpenBind(logger, cfg)

	prom := metrics.Default()
	otelProvider, err := otelx.Init(ctx, cfg.OTel, otelx.WithRegisterer(prom.Registerer()))
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	otelMetrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init otel metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	abandonedTasks, err := store.AbandonInFlightTasks(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	abandonedChains, err := store.AbandonRunningChains(ctx)
	if err != nil {
		return fmt.Errorf("recover chains: %w", err)
	}
	logger.Info("startup phase", "phase", "recovery_completed",
		"abandoned_tasks", abandonedTasks,
		"abandoned_chains", abandonedChains,
	)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	hub := bus.New(bus.Options{
		QueueSize: cfg.Engine.ObserverQueueSize,
		Journal:   store,
		Metrics:   prom,
		Logger:    logger,
	})

	sched, err := engine.New(engine.Options{
		Store:       store,
		Registry:    registry,
		Aggregator:  memory.NewAggregator(cfg.Engine.ContextLimit),
		Hub:         hub,
		Generator:   buildGenerator(ctx, cfg),
		TaskTimeout: cfg.TaskTimeout(),
		CancelGrace: cfg.CancelGrace(),
		Logger:      logger,
		Metrics:     prom,
		OTelMetrics: otelMetrics,
		Tracer:      otelProvider.Tracer,
	})
	if err != nil {
		return err
	}
	executor, err := coordinator.NewExecutor(coordinator.Options{
		Submitter:   sched,
		Store:       store,
		Registry:    registry,
		Hub:         hub,
		StepTimeout: cfg.StepTimeout(),
		Logger:      logger,
		Metrics:     prom,
		OTelMetrics: otelMetrics,
		Tracer:      otelProvider.Tracer,
	})
	if err != nil {
		return err
	}

	chains, err := coordinator.LoadChainsFromConfig(cfg.Chains, registry)
	if err != nil {
		return fmt.Errorf("load chains: %w", err)
	}
	schedules, err := cron.SchedulesFromConfig(cfg.Schedules, chains)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	cronSched, err := cron.NewScheduler(cron.Config{
		Starter:   executor,
		Schedules: schedules,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	logger.Info("startup phase", "phase", "engine_ready",
		"kinds", registry.Len(),
		"chains", len(chains),
		"schedules", len(schedules),
	)

	// The relay outlives the request context so events published while
	// draining still reach NATS.
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	var rel *relay.Relay
	if cfg.NATS.URL != "" {
		nc, err := relay.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		rel = relay.New(nc, relay.Options{
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Channels:      cfg.NATS.Channels,
			Logger:        logger,
		})
		hub.AddSink(rel)
		logger.Info("nats relay enabled", "url", shared.RedactURL(nc.ConnectedUrl()), "prefix", cfg.NATS.SubjectPrefix)
	}

	gw, err := gateway.New(gateway.Config{
		Scheduler:         sched,
		Executor:          executor,
		Hub:               hub,
		Transitions:       store,
		Chains:            chains,
		Schedules:         cronSched.List,
		Metrics:           prom.Handler(),
		OTelMetrics:       otelMetrics,
		Tracer:            otelProvider.Tracer,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           version,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// Streams hold their request open; ending the base context on shutdown
	// releases SSE and WebSocket handlers.
	baseCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(endStreams)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("listen on %s: address in use; another daemon may be running (try `conductor status`): %w", cfg.BindAddr, err)
		}
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws", "sse", "/api/stream")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})
	g.Go(func() error { return cronSched.Run(gctx) })
	if rel != nil {
		g.Go(func() error { return rel.Run(relayCtx) })
	}
	g.Go(func() error {
		runRetention(gctx, store, cfg.Retention, logger)
		return nil
	})
	g.Go(func() error {
		watchConfig(gctx, cfg, logs, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Stop intake first, then let chains and tasks settle.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		drain := cfg.DrainTimeout()
		if !executor.Drain(drain) {
			logger.Warn("chains cancelled at shutdown")
		}
		if !sched.Drain(drain) {
			logger.Warn("tasks cancelled at shutdown", "active", len(sched.ActiveTasks()))
		}
		stopRelay()
		return nil
	})

	err = g.Wait()
	if rel != nil {
		logger.Info("nats relay stopped", "sent", rel.Sent(), "dropped", rel.Dropped())
	}
	logger.Info("shutdown complete")
	return err
}

// buildGenerator returns the primary provider's generator, wrapped in a
// failover chain when fallback providers are configured.
func buildGenerator(ctx context.Context, cfg config.Config) engine.Generator {
	primary := cfg.LLM.Provider
	candidates := []generator.Named{{Name: primary, Generator: generator.New(ctx, providerConfig(cfg, primary))}}
	for _, p := range cfg.LLM.FallbackProviders {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || p == primary {
			continue
		}
		candidates = append(candidates, generator.Named{Name: p, Generator: generator.New(ctx, providerConfig(cfg, p))})
	}
	if len(candidates) == 1 {
		return candidates[0].Generator
	}
	return generator.NewFailover(candidates,
		cfg.LLM.FailoverThreshold,
		time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second,
	)
}

func providerConfig(cfg config.Config, provider string) generator.Config {
	gc := generator.Config{
		Provider:      provider,
		Model:         cfg.ProviderModel(provider),
		APIKey:        cfg.ProviderAPIKey(provider),
		ContextTokens: cfg.LLM.ContextTokens,
	}
	if provider == "openai_compatible" {
		gc.CompatibleProvider = cfg.LLM.OpenAICompatibleProvider
		gc.CompatibleBaseURL = cfg.LLM.OpenAICompatibleBaseURL
		if pc, ok := cfg.Providers[provider]; ok && pc.BaseURL != "" {
			gc.CompatibleBaseURL = pc.BaseURL
		}
	}
	return gc
}

func runRetention(ctx context.Context, store *persistence.Store, rc config.RetentionConfig, logger *slog.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.RunRetention(ctx, rc.StreamEventsDays, rc.TransitionsDays)
			if err != nil {
				logger.Error("retention job failed", "error", err)
				continue
			}
			if result.PurgedStreamEvents+result.PurgedTransitions > 0 {
				logger.Info("retention job completed",
					"purged_stream_events", result.PurgedStreamEvents,
					"purged_transitions", result.PurgedTransitions,
				)
			}
		}
	}
}

// watchConfig applies log_level edits live and reports any other change as
// needing a restart.
func watchConfig(ctx context.Context, running config.Config, logs *telemetry.Logs, logger *slog.Logger) {
	w := config.NewWatcher(running.HomeDir, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	fingerprint := running.Fingerprint()
	for r := range w.Reloads() {
		if r.Err != nil {
			continue
		}
		next := r.Config
		if telemetry.ParseLevel(next.LogLevel) != logs.Level() {
			logs.SetLevel(next.LogLevel)
			logger.Info("log level changed", "level", next.LogLevel)
		}
		if next.Fingerprint() != fingerprint {
			logger.Warn("config changed; restart to apply", "config_hash", next.Fingerprint())
		}
	}
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && len(cfg.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
	}
}
