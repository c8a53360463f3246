package api

import (
	"log/slog"
	"net/http"
	"strings"

	"trase-agent/internal/taskrun"
	"trase-agent/pkg/logger"
)

// IdempotencyKeyHeader 携带可选的幂等键。
const IdempotencyKeyHeader = "Idempotency-Key"

type startRunRequest struct {
	TaskID  int64 `json:"taskId"`
	AgentID int64 `json:"agentId"`
}

type updateRunRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeBody(r, schemaTaskRunStart, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Debug("start task run request",
		slog.Int64("task_id", req.TaskID),
		slog.Int64("agent_id", req.AgentID),
	)
	view, err := s.runs.Start(r.Context(), taskrun.StartRequest{
		TaskID:         req.TaskID,
		AgentID:        req.AgentID,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pageOpts, err := pagingOptions(r, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts := []taskrun.ListOption{taskrun.WithPaging(pageOpts...)}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := taskrun.ParseStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		opts = append(opts, taskrun.WithStatus(status))
	}
	views, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []*taskrun.View{}
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.runs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateRunRequest
	if err := decodeBody(r, schemaTaskRunStatus, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := taskrun.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.runs.UpdateStatus(r.Context(), id, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}
