package api

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/observability/metrics"
	"trase-agent/pkg/logger"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLength matches the request_id audit columns.
const maxRequestIDLength = 64

// requestID 复用调用方提供的请求 ID；缺失、超长或含不可见字符时生成 UUID。
// ID 同时写入 chi 的上下文键与请求级日志。
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if !acceptableRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		ctx = logger.WithContext(ctx, logger.L().With(slog.String("request_id", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func acceptableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// rateLimiter 是全局令牌桶，所有客户端共享同一配额。
type rateLimiter struct {
	limiter *rate.Limiter
	onError func(http.ResponseWriter, *http.Request, error)
}

var errRateLimited = xerrors.New(xerrors.CodeRateLimited, "Rate limit exceeded")

func newRateLimiter(rps float64, burst int, onError func(http.ResponseWriter, *http.Request, error)) *rateLimiter {
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst), onError: onError}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		if l.limiter.AllowN(now, 1) {
			next.ServeHTTP(w, r)
			return
		}
		remaining := int(math.Max(0, math.Floor(l.limiter.TokensAt(now))))
		reset := 0
		if limit := float64(l.limiter.Limit()); limit > 0 {
			reset = int(math.Ceil(1 / limit))
		}
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(l.limiter.Burst()))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(reset))
		h.Set("Retry-After", strconv.Itoa(max(reset, 1)))
		logger.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		l.onError(w, r, errRateLimited)
	})
}

// observeRequests 以路由模板为维度记录请求指标，避免路径参数造成维度爆炸。
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
