package taskrun

import (
	"context"
	"fmt"

	"trase-agent/internal/catalog"
	xerrors "trase-agent/internal/errors"
)

// SupportChecker answers membership in the task/agent support relation.
type SupportChecker interface {
	IsAgentSupported(ctx context.Context, taskID, agentID int64) (bool, error)
}

// Resolver decides whether an agent may run a task.
type Resolver struct{}

// IsSupported is a pure lookup. An absent relation is false, not an error.
func (Resolver) IsSupported(ctx context.Context, q SupportChecker, taskID, agentID int64) (bool, error) {
	return q.IsAgentSupported(ctx, taskID, agentID)
}

// Check resolves the task and the agent among non-deleted rows, then the
// support relation, failing with the matching not-found or not-supported error.
func (r Resolver) Check(ctx context.Context, tx Tx, taskID, agentID int64) error {
	ok, err := tx.ActiveTaskExists(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return catalog.TaskNotFound(taskID)
	}
	if ok, err = tx.ActiveAgentExists(ctx, agentID); err != nil {
		return err
	}
	if !ok {
		return catalog.AgentNotFound(agentID)
	}
	if ok, err = r.IsSupported(ctx, tx, taskID, agentID); err != nil {
		return err
	}
	if !ok {
		return xerrors.New(CodeAgentNotSupported, fmt.Sprintf("Agent %d is not supported for task %d", agentID, taskID))
	}
	return nil
}
