package catalog

import (
	"context"

	"trase-agent/internal/audit"
	"trase-agent/internal/paging"
)

// Tx is the unit of work used by catalog mutations. Getters return nil
// without error when the row does not exist.
type Tx interface {
	audit.Writer

	GetAgent(ctx context.Context, id int64) (*Agent, error)
	AgentNameTaken(ctx context.Context, name string, excludeID int64) (bool, error)
	InsertAgent(ctx context.Context, agent *Agent) error
	UpdateAgent(ctx context.Context, agent *Agent) error
	// ActiveAgentIDs returns the subset of ids that reference non-deleted agents.
	ActiveAgentIDs(ctx context.Context, ids []int64) ([]int64, error)

	GetTask(ctx context.Context, id int64) (*Task, error)
	InsertTask(ctx context.Context, task *Task) error
	// UpdateTask rewrites the task row and replaces its support set.
	UpdateTask(ctx context.Context, task *Task) error
}

// Store persists agents and tasks.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// ListAgents and ListTasks only return non-deleted rows.
	ListAgents(ctx context.Context, page paging.Page) ([]*Agent, error)
	ListTasks(ctx context.Context, page paging.Page) ([]*Task, error)
}
