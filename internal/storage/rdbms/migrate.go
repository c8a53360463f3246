package rdbms

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

const createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

// migration 是一个 NNNN_name.sql 文件，版本取下划线前的前缀。
type migration struct {
	version    string
	file       string
	statements []string
}

type migrator struct {
	db   *sql.DB
	fsys fs.FS
	now  func() time.Time
}

// Migrate applies every migration in fsys that is not yet recorded in
// schema_migrations and returns the versions it applied.
func Migrate(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	m := migrator{db: db, fsys: fsys, now: time.Now}
	pending, err := m.pending(ctx)
	if err != nil {
		return nil, err
	}
	var done []string
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return done, err
		}
		done = append(done, mig.version)
	}
	return done, nil
}

// Pending lists the versions Migrate would apply, without applying them.
func Pending(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	pending, err := migrator{db: db, fsys: fsys}.pending(ctx)
	if err != nil {
		return nil, err
	}
	versions := make([]string, len(pending))
	for i, mig := range pending {
		versions[i] = mig.version
	}
	return versions, nil
}

func (m migrator) pending(ctx context.Context) ([]migration, error) {
	if m.fsys == nil {
		return nil, errors.New("no migrations configured")
	}
	if _, err := m.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return nil, fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	all, err := loadMigrationFiles(m.fsys)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(mig migration) bool {
		_, ok := applied[mig.version]
		return ok
	}), nil
}

func (m migrator) applied(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		seen[version] = true
	}
	return seen, rows.Err()
}

// apply runs one file in a transaction. MySQL commits DDL implicitly, so a
// failed file may be partially applied; every statement must be re-runnable.
func (m migrator) apply(ctx context.Context, mig migration) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range mig.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", mig.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		mig.version, m.now().UnixMilli()); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var out []migration
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		out = append(out, migration{version: versionOf(name), file: name, statements: statements})
	}
	slices.SortFunc(out, func(a, b migration) int {
		return cmp.Or(cmp.Compare(a.version, b.version), cmp.Compare(a.file, b.file))
	})
	return out, nil
}

// splitStatements splits on ';'. Files must not put semicolons inside
// string literals.
func splitStatements(content string) []string {
	var out []string
	for _, stmt := range strings.Split(content, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func versionOf(file string) string {
	base := strings.TrimSuffix(file, path.Ext(file))
	if prefix, _, ok := strings.Cut(base, "_"); ok && prefix != "" {
		return prefix
	}
	return base
}
