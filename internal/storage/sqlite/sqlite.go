// Package sqlite opens the embedded SQLite store used for single node
// deployments and tests. It uses the pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"trase-agent/deploy/migrations"
	"trase-agent/internal/storage/rdbms"
)

const memoryPath = ":memory:"

// Config 描述 SQLite 数据库文件位置。
type Config struct {
	Path string `mapstructure:"path" yaml:"path"`
	// BusyTimeoutMillis bounds how long a writer waits for the database lock.
	BusyTimeoutMillis int `mapstructure:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// Dialect 返回 SQLite 方言。写事务以 IMMEDIATE 方式开启，天然串行化。
func Dialect() rdbms.Dialect {
	return rdbms.Dialect{
		Name:              "sqlite",
		IsUniqueViolation: IsUniqueViolation,
		Migrations:        migrations.SQLite(),
	}
}

// IsUniqueViolation 判断错误是否为唯一约束或主键冲突。
func IsUniqueViolation(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	default:
		return false
	}
}

// Open 打开（必要时创建）数据库文件并返回存储。
func Open(ctx context.Context, cfg Config) (*rdbms.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("SQLite 路径不能为空")
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path, cfg.BusyTimeoutMillis))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	if path == memoryPath {
		// 每个连接都是独立的内存库。
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法打开 SQLite: %w", err)
	}
	return rdbms.New(db, Dialect()), nil
}

func buildDSN(path string, busyTimeout int) string {
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	params.Add("_pragma", "foreign_keys(1)")
	if path != memoryPath {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	params.Set("_txlock", "immediate")
	return "file:" + path + "?" + params.Encode()
}
