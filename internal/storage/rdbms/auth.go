package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"trase-agent/internal/auth"
)

// AuthStore persists users, roles and revoked tokens.
type AuthStore struct {
	d *DB
}

var (
	_ auth.Store           = (*AuthStore)(nil)
	_ auth.SeedWriter      = (*AuthStore)(nil)
	_ auth.RevocationStore = (*AuthStore)(nil)
)

// FindUserByUsername implements auth.Store.
func (s *AuthStore) FindUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	const query = `SELECT id, username, password_hash, enabled FROM users WHERE username = ?`
	var (
		user    auth.User
		enabled int
	)
	err := s.d.db.QueryRowContext(ctx, query, strings.TrimSpace(username)).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户失败: %w", err)
	}
	user.Enabled = enabled == 1

	const rolesQuery = `SELECT r.name FROM roles r
JOIN user_roles ur ON ur.role_id = r.id
WHERE ur.user_id = ?`
	rows, err := s.d.db.QueryContext(ctx, rolesQuery, user.ID)
	if err != nil {
		return nil, fmt.Errorf("查询用户角色失败: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("解析用户角色失败: %w", err)
		}
		user.Roles = append(user.Roles, strings.ToUpper(strings.TrimSpace(role)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历用户角色失败: %w", err)
	}
	sort.Strings(user.Roles)
	return &user, nil
}

// ApplySeed creates a bootstrap account. Existing users are left untouched.
func (s *AuthStore) ApplySeed(ctx context.Context, seed auth.Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	passwordHash, err := auth.HashPassword(seed.Password)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	return s.d.withinTx(ctx, func(t *tx) error {
		var existing int64
		err := t.q.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("查询用户失败: %w", err)
		}

		enabled := 1
		if seed.Disabled {
			enabled = 0
		}
		userID, err := t.insert(ctx, "保存用户", `INSERT INTO users (username, password_hash, enabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			username, passwordHash, enabled, now, now)
		if err != nil {
			return err
		}

		for _, role := range dedupeValues(seed.Roles) {
			roleID, err := t.roleID(ctx, role)
			if err != nil {
				return err
			}
			if _, err := t.q.ExecContext(ctx, `INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)`, userID, roleID); err != nil {
				return fmt.Errorf("绑定用户角色失败: %w", err)
			}
		}
		return nil
	})
}

func (t *tx) roleID(ctx context.Context, role string) (int64, error) {
	var id int64
	err := t.q.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = ?`, role).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("查询角色失败: %w", err)
	}
	return t.insert(ctx, "保存角色", `INSERT INTO roles (name) VALUES (?)`, role)
}

// RevokeToken implements auth.RevocationStore. Revoking a known jti is a no-op.
func (s *AuthStore) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.d.db.ExecContext(ctx, `INSERT INTO revoked_tokens (jti, revoked_at, expires_at) VALUES (?, ?, ?)`,
		jti, time.Now().UnixMilli(), expiresAt.UnixMilli())
	if err != nil && !s.d.dialect.uniqueViolation(err) {
		return fmt.Errorf("吊销令牌失败: %w", err)
	}
	return nil
}

// IsTokenRevoked implements auth.RevocationStore.
func (s *AuthStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if strings.TrimSpace(jti) == "" {
		return false, nil
	}
	var n int64
	if err := s.d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM revoked_tokens WHERE jti = ?`, jti).Scan(&n); err != nil {
		return false, fmt.Errorf("查询吊销令牌失败: %w", err)
	}
	return n > 0, nil
}

// PurgeExpiredTokens implements auth.RevocationStore.
func (s *AuthStore) PurgeExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.d.db.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("清理吊销令牌失败: %w", err)
	}
	return res.RowsAffected()
}

func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToUpper(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
