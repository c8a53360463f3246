package auth

import (
	"context"
	"strings"
	"time"

	xerrors "trase-agent/internal/errors"
)

const (
	CodeInvalidCredentials xerrors.Code = "INVALID_CREDENTIALS"
	CodeMissingToken       xerrors.Code = "MISSING_TOKEN"
	CodeInvalidToken       xerrors.Code = "INVALID_TOKEN"
	CodeTokenRevoked       xerrors.Code = "TOKEN_REVOKED"
	CodePermissionDenied   xerrors.Code = "PERMISSION_DENIED"
	CodeUserNotFound       xerrors.Code = "USER_NOT_FOUND"
)

// 认证子系统的通用错误。
var (
	ErrInvalidCredentials = xerrors.New(CodeInvalidCredentials, "Invalid credentials")
	ErrMissingToken       = xerrors.New(CodeMissingToken, "Missing bearer token")
	ErrInvalidToken       = xerrors.New(CodeInvalidToken, "Invalid token")
	ErrTokenRevoked       = xerrors.New(CodeTokenRevoked, "Token revoked")
	ErrPermissionDenied   = xerrors.New(CodePermissionDenied, "Access denied")
	ErrUserNotFound       = xerrors.New(CodeUserNotFound, "user not found")
)

func init() {
	unauthorized := xerrors.Attributes{Severity: xerrors.SeverityInfo, Category: xerrors.CategoryUnauthorized}
	for code, msg := range map[xerrors.Code]string{
		CodeInvalidCredentials: "Invalid credentials",
		CodeMissingToken:       "Missing bearer token",
		CodeInvalidToken:       "Invalid token",
		CodeTokenRevoked:       "Token revoked",
	} {
		attr := unauthorized
		attr.Message = msg
		xerrors.Register(code, attr)
	}
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "Access denied",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryForbidden,
	})
	xerrors.Register(CodeUserNotFound, xerrors.Attributes{
		Message:  "user not found",
		Severity: xerrors.SeverityInfo,
		Category: xerrors.CategoryNotFound,
	})
}

// 系统内置角色。
const (
	RoleAdmin    = "ADMIN"
	RoleOperator = "OPERATOR"
	RoleRunner   = "RUNNER"
	RoleReader   = "READER"
)

// AllRoles lists every built-in role in a stable order.
var AllRoles = []string{RoleAdmin, RoleOperator, RoleRunner, RoleReader}

// Store abstracts the persistent user catalogue. Implementations must be
// safe for concurrent use and return ErrUserNotFound for unknown users.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
}

// SeedWriter is implemented by stores that can create bootstrap accounts.
// Existing users are left untouched.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// RevocationStore records revoked token ids until they expire.
type RevocationStore interface {
	// RevokeToken is idempotent: revoking a known jti is a no-op.
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	// PurgeExpiredTokens deletes entries whose expiry is before cutoff.
	PurgeExpiredTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// User represents a persisted account with credentials.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Enabled      bool
	Roles        []string
}

// Subject 是访问令牌中携带、并通过上下文传递给处理器的调用者身份。
type Subject struct {
	ID        int64
	Username  string
	Roles     []string
	TokenID   string
	ExpiresAt time.Time

	roleSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.roleSet != nil {
		return
	}
	s.roleSet = make(map[string]struct{}, len(s.Roles))
	for _, role := range s.Roles {
		s.roleSet[normaliseRole(role)] = struct{}{}
	}
}

// HasAnyRole reports whether the subject holds at least one of roles.
func (s *Subject) HasAnyRole(roles ...string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	for _, role := range roles {
		if _, ok := s.roleSet[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

// Clone creates a copy of the subject.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		ID:        s.ID,
		Username:  s.Username,
		Roles:     append([]string(nil), s.Roles...),
		TokenID:   s.TokenID,
		ExpiresAt: s.ExpiresAt,
	}
	clone.normalise()
	return clone
}

func normaliseRole(role string) string {
	role = strings.ToUpper(strings.TrimSpace(role))
	return strings.TrimPrefix(role, "ROLE_")
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
	UserID      int64     `json:"userId"`
	Roles       []string  `json:"roles"`
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode  Mode       `mapstructure:"mode" yaml:"mode"`
	JWT   JWTOptions `mapstructure:"jwt" yaml:"jwt"`
	Seeds []Seed     `mapstructure:"seeds" yaml:"seeds"`
	// RevocationCleanupCron uses the six field (seconds first) cron syntax.
	RevocationCleanupCron string `mapstructure:"revocation_cleanup_cron" yaml:"revocation_cleanup_cron"`
}

// JWTOptions contains parameters for local JWT issuance.
type JWTOptions struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// Seed defines a bootstrap account.
type Seed struct {
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
	Roles    []string `mapstructure:"roles" yaml:"roles"`
	Disabled bool     `mapstructure:"disabled" yaml:"disabled"`
}

// DevSeeds returns the development accounts, one per built-in role.
func DevSeeds() []Seed {
	return []Seed{
		{Username: "admin", Password: "admin123!", Roles: []string{RoleAdmin}},
		{Username: "ops", Password: "ops123!", Roles: []string{RoleOperator}},
		{Username: "runner", Password: "runner123!", Roles: []string{RoleRunner}},
		{Username: "reader", Password: "reader123!", Roles: []string{RoleReader}},
	}
}
