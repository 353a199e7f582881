package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"tsukuyomi/gateway"
)

const (
	shutdownTimeout     = 5 * time.Second
	configWatchInterval = time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func runCmd(flags *rootFlags) *cobra.Command {
	var (
		shards      int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every shard and serve status and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			config, err := gateway.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("shards") {
				config.Manager.Shards = shards
			}
			if cmd.Flags().Changed("metrics-addr") {
				config.MetricsAddr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, logger, flags.configPath, config)
		},
	}

	cmd.Flags().IntVar(&shards, "shards", 0, "number of shards, 0 uses the gateway's recommendation")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address serving /metrics and /status")

	return cmd
}

func run(ctx context.Context, logger *zap.Logger, configPath string, config *gateway.Config) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	httpClient := gateway.NewHTTPClient()

	config.Manager.Logger = logger
	config.Manager.Registerer = registry
	config.Manager.HTTPClient = httpClient

	manager, err := gateway.NewManager(config.Manager)
	if err != nil {
		return err
	}
	subscribe(manager, logger, httpClient, config.WebhookURL)

	server := &http.Server{
		Addr:              config.MetricsAddr,
		Handler:           newRouter(manager, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving status", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server stopped", zap.Error(err))
		}
	}()

	if configPath != "" {
		go watchPresence(ctx, logger, configPath, manager, config.Manager.Presence)
	}

	if err := manager.Start(ctx); err != nil {
		logger.Error("some shards failed to start", zap.Error(err))
	}

	stopped := make(chan error, 1)
	go func() { stopped <- manager.Wait(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-stopped:
		if err != nil {
			logger.Error("all shards stopped", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	closeErr := manager.Close(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown", zap.Error(err))
	}
	return closeErr
}

func subscribe(manager *gateway.Manager, logger *zap.Logger, httpClient *fasthttp.Client, webhookURL string) {
	notify := func(content string) {
		if webhookURL == "" {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := gateway.PostWebhook(ctx, httpClient, webhookURL, content); err != nil {
				logger.Warn("failed to post webhook", zap.Error(err))
			}
		}()
	}

	manager.Subscribe(gateway.EventNameReady, func(p *gateway.Payload) error {
		logger.Info("shard ready", zap.Int("shard", p.ShardID))
		return nil
	})

	manager.Subscribe(gateway.EventNameResumed, func(p *gateway.Payload) error {
		logger.Info("shard resumed", zap.Int("shard", p.ShardID))
		return nil
	})

	manager.Subscribe(gateway.EventNameHeartbeat, func(p *gateway.Payload) error {
		logger.Debug("heartbeat acknowledged", zap.Int("shard", p.ShardID), zap.Duration("latency", p.Latency))
		return nil
	})

	manager.Subscribe(gateway.EventNameGuildOutage, func(p *gateway.Payload) error {
		logger.Warn("guild unavailable", zap.Int("shard", p.ShardID), zap.Stringer("guild", p.Entity.EntityID()))
		notify("Guild " + p.Entity.EntityID().String() + " is unavailable")
		return nil
	})

	manager.Subscribe(gateway.EventNameGuildRemove, func(p *gateway.Payload) error {
		logger.Info("removed from guild", zap.Int("shard", p.ShardID), zap.Stringer("guild", p.Entity.EntityID()))
		return nil
	})
}

func newRouter(manager *gateway.Manager, registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(manager.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		for _, status := range manager.Status() {
			if status.State == gateway.StateReady.String() {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	return r
}

func watchPresence(ctx context.Context, logger *zap.Logger, path string, manager *gateway.Manager, current *gateway.Presence) {
	updates := make(chan *gateway.Presence, 1)

	go func() {
		err := gateway.WatchConfig(ctx, path, configWatchInterval, logger, func(config *gateway.Config) {
			select {
			case updates <- config.Manager.Presence:
			default:
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case presence := <-updates:
			if gateway.SamePresence(current, presence) {
				continue
			}
			if err := manager.ChangePresence(ctx, presence); err != nil {
				logger.Warn("failed to update presence", zap.Error(err))
				continue
			}
			current = presence
			logger.Info("presence updated", zap.String("status", presence.Status))
		}
	}
}
