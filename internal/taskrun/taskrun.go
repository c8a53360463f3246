// Package taskrun implements the task run lifecycle: idempotent starts,
// monotonic status transitions and run listing.
package taskrun

import (
	"fmt"
	"strings"
	"time"

	xerrors "trase-agent/internal/errors"
)

const (
	CodeTaskRunNotFound       xerrors.Code = "TASK_RUN_NOT_FOUND"
	CodeAgentNotSupported     xerrors.Code = "AGENT_NOT_SUPPORTED"
	CodeInvalidIdempotencyKey xerrors.Code = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyConflict   xerrors.Code = "IDEMPOTENCY_CONFLICT"
	CodeInvalidRunTransition  xerrors.Code = "INVALID_RUN_TRANSITION"
	CodeInvalidRunStatus      xerrors.Code = "INVALID_RUN_STATUS"
	// CodeIdempotencyKeyTaken signals the storage uniqueness violation on the
	// idempotency key. Stores wrap the driver error with this code.
	CodeIdempotencyKeyTaken xerrors.Code = "IDEMPOTENCY_KEY_TAKEN"
)

var (
	ErrTaskRunNotFound       = xerrors.New(CodeTaskRunNotFound, "Task run not found")
	ErrAgentNotSupported     = xerrors.New(CodeAgentNotSupported, "Agent is not supported for task")
	ErrInvalidIdempotencyKey = xerrors.New(CodeInvalidIdempotencyKey, "Idempotency key too long")
	ErrIdempotencyConflict   = xerrors.New(CodeIdempotencyConflict, "Idempotency key already used for different request")
	ErrInvalidRunTransition  = xerrors.New(CodeInvalidRunTransition, "Invalid task run transition")
	ErrInvalidRunStatus      = xerrors.New(CodeInvalidRunStatus, "Invalid task run status")
	ErrIdempotencyKeyTaken   = xerrors.New(CodeIdempotencyKeyTaken, "Idempotency key already registered")
)

func init() {
	badRequest := func(msg string) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Severity: xerrors.SeverityInfo, Category: xerrors.CategoryBadRequest}
	}
	xerrors.Register(CodeTaskRunNotFound, xerrors.Attributes{Message: "Task run not found", Severity: xerrors.SeverityInfo, Category: xerrors.CategoryNotFound})
	xerrors.Register(CodeAgentNotSupported, badRequest("Agent is not supported for task"))
	xerrors.Register(CodeInvalidIdempotencyKey, badRequest("Idempotency key too long"))
	xerrors.Register(CodeIdempotencyConflict, badRequest("Idempotency key already used for different request"))
	xerrors.Register(CodeInvalidRunTransition, badRequest("Invalid task run transition"))
	xerrors.Register(CodeInvalidRunStatus, badRequest("Invalid task run status"))
	xerrors.Register(CodeIdempotencyKeyTaken, xerrors.Attributes{
		Message:  "Idempotency key already registered",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
		Category: xerrors.CategoryInternal,
	})
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", xerrors.New(CodeInvalidRunStatus, fmt.Sprintf("Invalid task run status: %q", raw))
	}
	return status, nil
}

// Run is a persisted task run.
type Run struct {
	ID          int64
	TaskID      int64
	AgentID     int64
	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	clone := *r
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		clone.CompletedAt = &ts
	}
	return &clone
}

// View is the externally visible snapshot of a run.
type View struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"taskId"`
	AgentID     int64      `json:"agentId"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// ToView converts a run to its view.
func ToView(r *Run) *View {
	if r == nil {
		return nil
	}
	c := r.Clone()
	return &View{
		ID:          c.ID,
		TaskID:      c.TaskID,
		AgentID:     c.AgentID,
		Status:      c.Status,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
}

// IdempotencyRecord maps a client supplied key to the run it created.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	RunID       int64
	CreatedAt   time.Time
}
