package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"trase-agent/internal/audit"
	"trase-agent/internal/auth"
	"trase-agent/internal/catalog"
	"trase-agent/internal/observability/alerting"
	"trase-agent/internal/taskrun"
	"trase-agent/pkg/logger"
)

// Services 汇总 API 依赖的业务服务。
type Services struct {
	Catalog *catalog.Service
	Runs    *taskrun.Controller
	Audits  *audit.QueryService
	Auth    *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr              string
	catalog           *catalog.Service
	runs              *taskrun.Controller
	audits            *audit.QueryService
	auth              *auth.Service
	alerts            alerting.Dispatcher
	corsOrigins       []string
	limiter           *rateLimiter
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	now               func() time.Time
	handler           http.Handler
}

// Option customises the server.
type Option func(*Server)

// WithAlerts 在出现需要告警的内部错误时发送通知。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Server) {
		s.alerts = d
	}
}

// WithCORSOrigins sets the allowed origins. Empty means no CORS handling.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = append([]string(nil), origins...)
	}
}

// WithRateLimit enables the global token bucket.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(s *Server) {
		if requestsPerSecond > 0 && burst > 0 {
			s.limiter = newRateLimiter(requestsPerSecond, burst, s.writeError)
		}
	}
}

// WithTimeouts overrides the header read and graceful shutdown timeouts.
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithClock overrides the clock used for error timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		catalog:           svc.Catalog,
		runs:              svc.Runs,
		audits:            svc.Audits,
		auth:              svc.Auth,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		now:               time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handler = s.routes()
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observeRequests)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyKeyHeader, RequestIDHeader},
			ExposedHeaders: []string{RequestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			MaxAge:         300,
		}).Handler)
	}
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}
	r.Use(s.auth.Middleware(auth.MiddlewareConfig{
		OnError: s.writeError,
		Public: map[string]bool{
			"/auth/login": true,
			"/healthz":    true,
		},
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(s.writeMethodNotAllowed)

	r.Get("/healthz", s.handleHealth)
	r.Post("/auth/login", s.handleLogin)

	anyRole := s.auth.RequireRoles(s.writeError, auth.AllRoles...)
	editors := s.auth.RequireRoles(s.writeError, auth.RoleAdmin, auth.RoleOperator)
	runners := s.auth.RequireRoles(s.writeError, auth.RoleAdmin, auth.RoleOperator, auth.RoleRunner)
	admins := s.auth.RequireRoles(s.writeError, auth.RoleAdmin)

	r.With(anyRole).Post("/auth/logout", s.handleLogout)

	r.Route("/agents", func(r chi.Router) {
		r.With(anyRole).Get("/", s.handleListAgents)
		r.With(editors).Post("/", s.handleCreateAgent)
		r.With(anyRole).Get("/{id}", s.handleGetAgent)
		r.With(editors).Put("/{id}", s.handleUpdateAgent)
		r.With(editors).Delete("/{id}", s.handleDeleteAgent)
	})

	tasks := func(r chi.Router) {
		r.With(anyRole).Get("/", s.handleListTasks)
		r.With(editors).Post("/", s.handleCreateTask)
		r.With(anyRole).Get("/{id}", s.handleGetTask)
		r.With(editors).Put("/{id}", s.handleUpdateTask)
		r.With(editors).Delete("/{id}", s.handleDeleteTask)
	}
	r.Route("/tasks", tasks)
	r.Route("/task", tasks)

	r.Route("/task-runs", func(r chi.Router) {
		r.With(anyRole).Get("/", s.handleListRuns)
		r.With(runners).Post("/", s.handleStartRun)
		r.With(anyRole).Get("/{id}", s.handleGetRun)
		r.With(runners).Patch("/{id}", s.handleUpdateRun)
	})

	r.Route("/audits", func(r chi.Router) {
		r.Use(admins)
		r.Get("/agents", s.auditHandler(audit.KindAgent))
		r.Get("/tasks", s.auditHandler(audit.KindTask))
		r.Get("/task-runs", s.auditHandler(audit.KindTaskRun))
	})

	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L().Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}
