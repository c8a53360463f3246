package auth

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// claims 定义访问令牌的声明结构。
type claims struct {
	UserID int64    `json:"uid"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// tokenManager 负责访问令牌的签名和验证。
type tokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func (m *tokenManager) issue(user *User, now time.Time) (string, *Subject, error) {
	if user == nil {
		return "", nil, errors.New("user required")
	}
	roles := append([]string(nil), user.Roles...)
	sort.Strings(roles)
	expiresAt := now.Add(m.ttl)
	jti := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: user.ID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.Username,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	subject := &Subject{
		ID:        user.ID,
		Username:  user.Username,
		Roles:     roles,
		TokenID:   jti,
		ExpiresAt: expiresAt,
	}
	subject.normalise()
	return signed, subject, nil
}

// verify 校验签名、签发者和有效期，并从声明中还原调用者身份。
func (m *tokenManager) verify(raw string, now time.Time) (*Subject, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.ID == "" {
		return nil, ErrInvalidToken
	}
	subject := &Subject{
		ID:       parsed.UserID,
		Username: parsed.Subject,
		Roles:    parsed.Roles,
		TokenID:  parsed.ID,
	}
	if parsed.ExpiresAt != nil {
		subject.ExpiresAt = parsed.ExpiresAt.Time
	}
	subject.normalise()
	return subject, nil
}

func (s *Subject) String() string {
	if s == nil {
		return "anonymous"
	}
	return s.Username + "#" + strconv.FormatInt(s.ID, 10)
}
