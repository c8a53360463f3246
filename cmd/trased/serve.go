package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trase-agent/internal/api"
	"trase-agent/internal/audit"
	"trase-agent/internal/auth"
	"trase-agent/internal/catalog"
	"trase-agent/internal/config"
	"trase-agent/internal/events"
	"trase-agent/internal/observability/metrics"
	"trase-agent/internal/observability/telemetry"
	"trase-agent/internal/taskrun"
	"trase-agent/pkg/logger"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the REST API together with the optional metrics listener and the
revoked token cleanup job. Relational drivers are migrated on startup.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("trased")

	provider, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("初始化 telemetry 失败: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("关闭 telemetry 失败", slog.Any("error", err))
		}
	}()

	store, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.close(); err != nil {
			log.Warn("关闭存储失败", slog.Any("error", err))
		}
	}()

	queue, err := events.Open(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭事件队列失败", slog.Any("error", err))
		}
	}()

	authCfg := cfg.Auth
	if authCfg.Mode == auth.ModeJWT && len(authCfg.Seeds) == 0 {
		log.Warn("未配置种子账号，写入开发账号")
		authCfg.Seeds = auth.DevSeeds()
	}
	authSvc, err := auth.NewService(ctx, authCfg, store.users, store.revocations)
	if err != nil {
		return err
	}

	alerts := newAlerts(cfg.Alerting)
	recorder := audit.NewRecorder()
	runs := taskrun.NewController(store.runs,
		taskrun.WithPublisher(queue),
		taskrun.WithTelemetry(provider),
		taskrun.WithAlerts(alerts),
	)

	server := api.NewServer(cfg.Server.Address, api.Services{
		Catalog: catalog.NewService(store.catalog, recorder),
		Runs:    runs,
		Audits:  audit.NewQueryService(store.audits),
		Auth:    authSvc,
	},
		api.WithAlerts(alerts),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout),
		rateLimitOption(cfg.Server.RateLimit),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			log.Info("metrics 服务启动", slog.String("addr", cfg.Metrics.Address))
			return metrics.StartServer(gctx, cfg.Metrics.Address)
		})
	}
	if authSvc.Enabled() {
		cleaner, err := auth.NewRevocationCleaner(store.revocations, cfg.Auth.RevocationCleanupCron)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return cleaner.Run(gctx)
		})
	}

	log.Info("trased 已启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("auth", string(authSvc.Mode())),
	)
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("trased 已停止")
	return nil
}

func rateLimitOption(cfg config.RateLimitConfig) api.Option {
	if !cfg.Enabled {
		return nil
	}
	return api.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst)
}
