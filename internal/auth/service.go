package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "trase-agent/internal/errors"
	"trase-agent/pkg/logger"
)

const (
	defaultTokenTTL = time.Hour
	defaultIssuer   = "trase"
	tokenTypeBearer = "Bearer"
)

// Service 负责登录、注销以及请求级别的令牌校验。
type Service struct {
	mode        Mode
	store       Store
	revocations RevocationStore
	tokens      *tokenManager
	audit       *slog.Logger
	now         func() time.Time
}

// Option customises the service.
type Option func(*Service)

// WithClock overrides the time source used for issuing and verifying tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造身份认证服务实例，并写入配置中的种子账号。
func NewService(ctx context.Context, cfg Config, store Store, revocations RevocationStore, opts ...Option) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:        mode,
		store:       store,
		revocations: revocations,
		audit:       logger.Audit(),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode requires a user store")
		}
		if revocations == nil {
			return nil, errors.New("jwt mode requires a revocation store")
		}
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		ttl := cfg.JWT.TokenTTL
		if ttl <= 0 {
			ttl = defaultTokenTTL
		}
		issuer := cfg.JWT.Issuer
		if issuer == "" {
			issuer = defaultIssuer
		}
		svc.tokens = &tokenManager{secret: []byte(cfg.JWT.Secret), issuer: issuer, ttl: ttl}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if writer, ok := store.(SeedWriter); ok {
		for _, seed := range cfg.Seeds {
			if err := writer.ApplySeed(ctx, seed); err != nil {
				return nil, fmt.Errorf("apply seed %s: %w", seed.Username, err)
			}
		}
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Enabled reports whether requests must carry a bearer token.
func (s *Service) Enabled() bool {
	return s.Mode() != ModeDisabled
}

// Login 校验用户名和密码并签发访问令牌。禁用的账号与错误密码返回相同错误。
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if !s.Enabled() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "authentication is disabled")
	}
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load user")
	}
	if !user.Enabled || !verifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	token, subject, err := s.tokens.issue(user, s.now())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "issue token")
	}
	s.audit.Info("login",
		slog.Int64("user_id", subject.ID),
		slog.String("username", subject.Username),
		slog.String("jti", subject.TokenID),
	)
	return &LoginResult{
		AccessToken: token,
		TokenType:   tokenTypeBearer,
		ExpiresAt:   subject.ExpiresAt,
		UserID:      subject.ID,
		Roles:       append([]string(nil), subject.Roles...),
	}, nil
}

// Logout 吊销调用者当前使用的令牌。没有令牌时静默返回。
func (s *Service) Logout(ctx context.Context, subject *Subject) error {
	if !s.Enabled() || subject == nil || strings.TrimSpace(subject.TokenID) == "" {
		return nil
	}
	if subject.ExpiresAt.IsZero() {
		return nil
	}
	if err := s.revocations.RevokeToken(ctx, subject.TokenID, subject.ExpiresAt); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "revoke token")
	}
	s.audit.Info("logout",
		slog.Int64("user_id", subject.ID),
		slog.String("username", subject.Username),
		slog.String("jti", subject.TokenID),
	)
	return nil
}

// AuthenticateRequest 验证 Authorization 头并返回调用者身份。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, err := s.tokens.verify(token, s.now())
	if err != nil {
		return nil, err
	}
	revoked, err := s.revocations.IsTokenRevoked(ctx, subject.TokenID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "check token revocation")
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return subject, nil
}
