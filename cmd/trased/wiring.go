package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trase-agent/internal/audit"
	"trase-agent/internal/auth"
	"trase-agent/internal/catalog"
	"trase-agent/internal/config"
	"trase-agent/internal/observability/alerting"
	"trase-agent/internal/storage/memory"
	"trase-agent/internal/storage/mysql"
	"trase-agent/internal/storage/rdbms"
	"trase-agent/internal/storage/sqlite"
	"trase-agent/internal/taskrun"
	"trase-agent/pkg/logger"
)

// backend 汇总某一存储驱动提供的全部仓储。
type backend struct {
	catalog     catalog.Store
	runs        taskrun.Store
	audits      audit.Store
	users       auth.Store
	revocations auth.RevocationStore
	close       func() error
}

// openBackend 按配置打开存储。关系型驱动会先执行内嵌迁移。
func openBackend(ctx context.Context, cfg config.StorageConfig) (*backend, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		store := memory.New()
		users := auth.NewMemoryStore()
		return &backend{
			catalog:     store.Catalog(),
			runs:        store.Runs(),
			audits:      store.Audits(),
			users:       users,
			revocations: users,
			close:       store.Close,
		}, nil
	case config.StorageMySQL, config.StorageSQLite:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		applied, err := db.Migrate(ctx)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if len(applied) > 0 {
			logger.L().Info("数据库迁移完成", slog.String("driver", cfg.Driver), slog.Any("applied", applied))
		}
		users := db.Auth()
		return &backend{
			catalog:     db.Catalog(),
			runs:        db.Runs(),
			audits:      db.Audits(),
			users:       users,
			revocations: users,
			close:       db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
	}
}

func openDatabase(ctx context.Context, cfg config.StorageConfig) (*rdbms.DB, error) {
	switch cfg.Driver {
	case config.StorageMySQL:
		return mysql.Open(ctx, cfg.MySQL)
	case config.StorageSQLite:
		return sqlite.Open(ctx, cfg.SQLite)
	default:
		return nil, fmt.Errorf("存储驱动 %s 不需要迁移", cfg.Driver)
	}
}

// newAlerts 总是记录日志，配置了 webhook 时同时外发。
func newAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: 5 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}
