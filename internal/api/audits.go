package api

import (
	"net/http"
	"time"

	"trase-agent/internal/audit"
)

// auditView 对三类审计共用，subject id 按类别输出为 agentId、taskId 或 taskRunId。
type auditView struct {
	ID            int64     `json:"id"`
	AgentID       *int64    `json:"agentId,omitempty"`
	TaskID        *int64    `json:"taskId,omitempty"`
	TaskRunID     *int64    `json:"taskRunId,omitempty"`
	Action        string    `json:"action"`
	Status        *string   `json:"status,omitempty"`
	ActorUserID   *int64    `json:"actorUserId"`
	ActorUsername *string   `json:"actorUsername"`
	RequestID     *string   `json:"requestId"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func toAuditView(rec *audit.Record) auditView {
	subject := rec.SubjectID
	view := auditView{
		ID:            rec.ID,
		Action:        string(rec.Action),
		ActorUserID:   rec.Actor.UserID,
		ActorUsername: rec.Actor.Username,
		RequestID:     rec.Actor.RequestID,
		OccurredAt:    rec.OccurredAt.UTC(),
	}
	switch rec.Kind {
	case audit.KindAgent:
		view.AgentID = &subject
	case audit.KindTask:
		view.TaskID = &subject
	case audit.KindTaskRun:
		view.TaskRunID = &subject
		view.Status = rec.Status
	}
	return view
}

func (s *Server) auditHandler(kind audit.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := pagingOptions(r, false)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		records, err := s.audits.List(r.Context(), kind, opts...)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		views := make([]auditView, 0, len(records))
		for _, rec := range records {
			views = append(views, toAuditView(rec))
		}
		respondJSON(w, http.StatusOK, views)
	}
}
