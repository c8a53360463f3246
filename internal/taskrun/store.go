package taskrun

import (
	"context"
	"time"

	"trase-agent/internal/audit"
	"trase-agent/internal/paging"
)

// Tx is the unit of work used by the run lifecycle. Getters return nil
// without error when the row does not exist.
type Tx interface {
	audit.Writer
	SupportChecker

	ActiveTaskExists(ctx context.Context, taskID int64) (bool, error)
	ActiveAgentExists(ctx context.Context, agentID int64) (bool, error)

	InsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	// TransitionRun moves a run out of from into to, setting completed_at to
	// at only when it is still null. It reports false when the run was no
	// longer in from.
	TransitionRun(ctx context.Context, id int64, from, to Status, at time.Time) (bool, error)

	FindIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	// InsertIdempotency returns an error matching ErrIdempotencyKeyTaken when
	// the key already exists.
	InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error
}

// Filter narrows a run listing.
type Filter struct {
	Status *Status
	Page   paging.Page
}

// Store persists runs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	ListRuns(ctx context.Context, filter Filter) ([]*Run, error)
}
