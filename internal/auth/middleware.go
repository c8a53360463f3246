package auth

import (
	"log/slog"
	"net/http"
	"time"

	"trase-agent/pkg/logger"
)

// ErrorWriter renders an authentication or authorization failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// OnError 负责输出错误响应，为空时使用纯文本响应。
	OnError ErrorWriter
	// Public 中的路径无需令牌即可访问。
	Public map[string]bool
}

// Middleware 返回一个 HTTP 中间件，校验令牌并把调用者身份写入上下文。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	onError := cfg.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() || cfg.Public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				s.audit.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("error", err.Error()),
				)
				onError(w, r, err)
				return
			}
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			logger.FromContext(ctx).Debug("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Username),
			)
		})
	}
}

// RequireRoles 拒绝不具备任一指定角色的调用者。认证关闭时直接放行。
func (s *Service) RequireRoles(onError ErrorWriter, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject := SubjectFromContext(r.Context())
			if subject == nil {
				onError(w, r, ErrMissingToken)
				return
			}
			if !subject.HasAnyRole(roles...) {
				s.audit.Warn("permission_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("user", subject.Username),
					slog.Any("required", roles),
				)
				onError(w, r, ErrPermissionDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
