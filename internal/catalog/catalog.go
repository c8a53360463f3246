// Package catalog manages the agents and tasks a run can be started for.
package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "trase-agent/internal/errors"
)

const (
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeTaskNotFound    xerrors.Code = "TASK_NOT_FOUND"
	CodeAgentNameTaken  xerrors.Code = "AGENT_NAME_TAKEN"
	CodeUnknownAgentIDs xerrors.Code = "UNKNOWN_AGENT_IDS"
)

var (
	ErrAgentNotFound   = xerrors.New(CodeAgentNotFound, "Agent not found")
	ErrTaskNotFound    = xerrors.New(CodeTaskNotFound, "Task not found")
	ErrAgentNameTaken  = xerrors.New(CodeAgentNameTaken, "Agent name already exists")
	ErrUnknownAgentIDs = xerrors.New(CodeUnknownAgentIDs, "Unknown agent ids")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "Agent not found", Severity: xerrors.SeverityInfo, Category: xerrors.CategoryNotFound})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{Message: "Task not found", Severity: xerrors.SeverityInfo, Category: xerrors.CategoryNotFound})
	xerrors.Register(CodeAgentNameTaken, xerrors.Attributes{Message: "Agent name already exists", Severity: xerrors.SeverityInfo, Category: xerrors.CategoryBadRequest})
	xerrors.Register(CodeUnknownAgentIDs, xerrors.Attributes{Message: "Unknown agent ids", Severity: xerrors.SeverityInfo, Category: xerrors.CategoryBadRequest})
}

// AgentNotFound builds the not-found error for a specific agent id.
func AgentNotFound(id int64) error {
	return xerrors.New(CodeAgentNotFound, "Agent not found: "+strconv.FormatInt(id, 10))
}

// TaskNotFound builds the not-found error for a specific task id.
func TaskNotFound(id int64) error {
	return xerrors.New(CodeTaskNotFound, "Task not found: "+strconv.FormatInt(id, 10))
}

func unknownAgentIDs(ids []int64) error {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return xerrors.New(CodeUnknownAgentIDs, fmt.Sprintf("Unknown agent ids: [%s]", strings.Join(parts, ", ")),
		xerrors.WithMetadata("agentIds", strings.Join(parts, ",")))
}

// Agent is a worker that can execute tasks.
type Agent struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Deleted reports whether the agent was soft deleted.
func (a *Agent) Deleted() bool {
	return a != nil && a.DeletedAt != nil
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if a.DeletedAt != nil {
		ts := *a.DeletedAt
		clone.DeletedAt = &ts
	}
	return &clone
}

// Task is a unit of work restricted to a set of supporting agents.
type Task struct {
	ID                int64
	Title             string
	Description       string
	SupportedAgentIDs []int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// Deleted reports whether the task was soft deleted.
func (t *Task) Deleted() bool {
	return t != nil && t.DeletedAt != nil
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.SupportedAgentIDs = append([]int64(nil), t.SupportedAgentIDs...)
	if t.DeletedAt != nil {
		ts := *t.DeletedAt
		clone.DeletedAt = &ts
	}
	return &clone
}

// SingleAgentID returns the only supporting agent, when there is exactly one.
func (t *Task) SingleAgentID() *int64 {
	if t == nil || len(t.SupportedAgentIDs) != 1 {
		return nil
	}
	id := t.SupportedAgentIDs[0]
	return &id
}

// AgentInput carries the mutable fields of an agent.
type AgentInput struct {
	Name        string
	Description string
}

// TaskInput carries the mutable fields of a task. SupportedAgentID is merged
// into SupportedAgentIDs.
type TaskInput struct {
	Title             string
	Description       string
	SupportedAgentIDs []int64
	SupportedAgentID  *int64
}

// agentIDs returns the merged, deduplicated and sorted support set.
func (in TaskInput) agentIDs() []int64 {
	seen := make(map[int64]struct{}, len(in.SupportedAgentIDs)+1)
	for _, id := range in.SupportedAgentIDs {
		seen[id] = struct{}{}
	}
	if in.SupportedAgentID != nil {
		seen[*in.SupportedAgentID] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
