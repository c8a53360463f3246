// Package audit records an append-only trail of every mutation on agents,
// tasks and task runs.
//
// Records are written through the caller's transactional Writer so that a
// rolled back unit of work leaves no trace.
package audit

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"trase-agent/internal/auth"
)

// Kind selects which audit trail a record belongs to.
type Kind string

const (
	KindAgent   Kind = "agent"
	KindTask    Kind = "task"
	KindTaskRun Kind = "task_run"
)

// Valid reports whether k is a known trail.
func (k Kind) Valid() bool {
	switch k {
	case KindAgent, KindTask, KindTaskRun:
		return true
	default:
		return false
	}
}

// Action is the mutation being recorded.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionStart        Action = "START"
	ActionStatusUpdate Action = "STATUS_UPDATE"
)

// Actor identifies who caused a mutation. Every field is optional.
type Actor struct {
	UserID    *int64
	Username  *string
	RequestID *string
}

// Record is a single audit entry.
type Record struct {
	ID         int64
	Kind       Kind
	SubjectID  int64
	Action     Action
	Status     *string
	Actor      Actor
	OccurredAt time.Time
}

// Writer persists audit records inside an open unit of work.
type Writer interface {
	InsertAudit(ctx context.Context, rec *Record) error
}

// ActorFromContext extracts the authenticated user and the request id. Both
// are optional and missing values are left nil.
func ActorFromContext(ctx context.Context) Actor {
	var actor Actor
	if subject := auth.SubjectFromContext(ctx); subject != nil {
		if subject.ID != 0 {
			id := subject.ID
			actor.UserID = &id
		}
		if subject.Username != "" {
			name := subject.Username
			actor.Username = &name
		}
	}
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		actor.RequestID = &reqID
	}
	return actor
}

// Recorder stamps and writes audit records.
type Recorder struct {
	now func() time.Time
}

// NewRecorder returns a recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// NewRecorderWithClock returns a recorder using the supplied clock.
func NewRecorderWithClock(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{now: now}
}

// Record writes one entry through w. status is only meaningful for task runs.
func (r *Recorder) Record(ctx context.Context, w Writer, kind Kind, subjectID int64, action Action, status *string) error {
	rec := &Record{
		Kind:       kind,
		SubjectID:  subjectID,
		Action:     action,
		Status:     status,
		Actor:      ActorFromContext(ctx),
		OccurredAt: r.now().UTC(),
	}
	return w.InsertAudit(ctx, rec)
}
