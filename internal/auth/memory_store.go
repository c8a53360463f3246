package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore provides in-memory user and revocation storage, intended for
// development and testing scenarios.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	revoked map[string]time.Time
	nextID  int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		revoked: make(map[string]time.Time),
		nextID:  1,
	}
}

// ApplySeed implements the SeedWriter interface.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed username cannot be empty")
	}
	s.mu.RLock()
	_, exists := s.users[username]
	s.mu.RUnlock()
	if exists {
		return nil
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return nil
	}
	s.users[username] = &User{
		ID:           s.nextID,
		Username:     username,
		PasswordHash: hashed,
		Enabled:      !seed.Disabled,
		Roles:        dedupeRoles(seed.Roles),
	}
	s.nextID++
	return nil
}

// FindUserByUsername retrieves the user record.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[strings.TrimSpace(username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *user
	clone.Roles = append([]string(nil), user.Roles...)
	return &clone, nil
}

// RevokeToken implements RevocationStore.
func (s *MemoryStore) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.revoked[jti]; !ok {
		s.revoked[jti] = expiresAt
	}
	return nil
}

// IsTokenRevoked implements RevocationStore.
func (s *MemoryStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	if strings.TrimSpace(jti) == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// PurgeExpiredTokens implements RevocationStore.
func (s *MemoryStore) PurgeExpiredTokens(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for jti, expiresAt := range s.revoked {
		if expiresAt.Before(cutoff) {
			delete(s.revoked, jti)
			removed++
		}
	}
	return removed, nil
}

func dedupeRoles(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = normaliseRole(value)
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
