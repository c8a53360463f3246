package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/observability/alerting"
	"trase-agent/pkg/logger"
)

// errorBody 是所有错误响应共用的结构。
type errorBody struct {
	Timestamp        time.Time         `json:"timestamp"`
	Status           int               `json:"status"`
	Error            string            `json:"error"`
	Message          string            `json:"message"`
	Path             string            `json:"path"`
	ValidationErrors map[string]string `json:"validationErrors,omitempty"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L().Error("编码响应失败", slog.Any("error", err))
	}
}

// writeError 将错误映射为 HTTP 状态码并输出统一错误体。内部错误不会暴露细节。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	err = xerrors.Ensure(xerrors.CodeUnknown, err, "unexpected error")
	status := xerrors.HTTPStatus(err)
	log := logger.FromContext(r.Context())

	body := errorBody{
		Timestamp: s.now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Path:      r.URL.Path,
	}

	// 可重试的错误提示客户端退避；限流中间件已给出更精确的值时保留。
	if xerrors.RetryableError(err) && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}

	xe, _ := xerrors.From(err)
	switch {
	case status >= http.StatusInternalServerError:
		body.Message = "Unexpected error"
		log.Error("unexpected error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		if s.alerts != nil && xerrors.ShouldAlert(err) {
			evt := alerting.FromError("api", middleware.GetReqID(r.Context()), err)
			if alertErr := s.alerts.Notify(r.Context(), evt); alertErr != nil {
				log.Warn("发送告警失败", slog.Any("error", alertErr))
			}
		}
	case xe.Code() == xerrors.CodeValidationFailed:
		body.Message = xe.Message()
		body.ValidationErrors = xe.Metadata()
		log.Info("validation failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	default:
		body.Message = xe.Message()
		log.Info("request rejected",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("code", string(xe.Code())),
		)
	}

	respondJSON(w, status, body)
}

var errRouteNotFound = xerrors.New(xerrors.CodeNotFound, "No handler found")

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusMethodNotAllowed, errorBody{
		Timestamp: s.now().UTC(),
		Status:    http.StatusMethodNotAllowed,
		Error:     http.StatusText(http.StatusMethodNotAllowed),
		Message:   "Request method '" + r.Method + "' is not supported",
		Path:      r.URL.Path,
	})
}
