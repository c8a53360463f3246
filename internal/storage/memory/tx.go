package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trase-agent/internal/audit"
	"trase-agent/internal/catalog"
	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/taskrun"
)

// tx 同时实现 catalog.Tx、taskrun.Tx 与 audit.Writer。调用方已持有 Store 的锁。
type tx struct {
	st *state
}

var (
	_ catalog.Tx   = (*tx)(nil)
	_ taskrun.Tx   = (*tx)(nil)
	_ audit.Writer = (*tx)(nil)
)

func (t *tx) GetAgent(_ context.Context, id int64) (*catalog.Agent, error) {
	return t.st.agents[id].Clone(), nil
}

func (t *tx) AgentNameTaken(_ context.Context, name string, excludeID int64) (bool, error) {
	for _, a := range t.st.agents {
		if a.ID != excludeID && !a.Deleted() && a.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertAgent(_ context.Context, agent *catalog.Agent) error {
	t.st.nextAgent++
	agent.ID = t.st.nextAgent
	t.st.agents[agent.ID] = agent.Clone()
	return nil
}

func (t *tx) UpdateAgent(_ context.Context, agent *catalog.Agent) error {
	if _, ok := t.st.agents[agent.ID]; !ok {
		return fmt.Errorf("agent %d does not exist", agent.ID)
	}
	t.st.agents[agent.ID] = agent.Clone()
	return nil
}

func (t *tx) ActiveAgentIDs(_ context.Context, ids []int64) ([]int64, error) {
	active := make([]int64, 0, len(ids))
	for _, id := range ids {
		if a, ok := t.st.agents[id]; ok && !a.Deleted() {
			active = append(active, id)
		}
	}
	return active, nil
}

func (t *tx) GetTask(_ context.Context, id int64) (*catalog.Task, error) {
	return t.st.tasks[id].Clone(), nil
}

func (t *tx) InsertTask(_ context.Context, task *catalog.Task) error {
	t.st.nextTask++
	task.ID = t.st.nextTask
	t.st.tasks[task.ID] = normaliseTask(task)
	return nil
}

func (t *tx) UpdateTask(_ context.Context, task *catalog.Task) error {
	if _, ok := t.st.tasks[task.ID]; !ok {
		return fmt.Errorf("task %d does not exist", task.ID)
	}
	t.st.tasks[task.ID] = normaliseTask(task)
	return nil
}

func normaliseTask(task *catalog.Task) *catalog.Task {
	clone := task.Clone()
	sort.Slice(clone.SupportedAgentIDs, func(i, j int) bool {
		return clone.SupportedAgentIDs[i] < clone.SupportedAgentIDs[j]
	})
	return clone
}

func (t *tx) IsAgentSupported(_ context.Context, taskID, agentID int64) (bool, error) {
	task, ok := t.st.tasks[taskID]
	if !ok {
		return false, nil
	}
	for _, id := range task.SupportedAgentIDs {
		if id == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) ActiveTaskExists(_ context.Context, taskID int64) (bool, error) {
	task, ok := t.st.tasks[taskID]
	return ok && !task.Deleted(), nil
}

func (t *tx) ActiveAgentExists(_ context.Context, agentID int64) (bool, error) {
	agent, ok := t.st.agents[agentID]
	return ok && !agent.Deleted(), nil
}

func (t *tx) InsertRun(_ context.Context, run *taskrun.Run) error {
	t.st.nextRun++
	run.ID = t.st.nextRun
	t.st.runs[run.ID] = run.Clone()
	return nil
}

func (t *tx) GetRun(_ context.Context, id int64) (*taskrun.Run, error) {
	return t.st.runs[id].Clone(), nil
}

func (t *tx) TransitionRun(_ context.Context, id int64, from, to taskrun.Status, at time.Time) (bool, error) {
	run, ok := t.st.runs[id]
	if !ok || run.Status != from {
		return false, nil
	}
	run.Status = to
	if run.CompletedAt == nil {
		ts := at
		run.CompletedAt = &ts
	}
	return true, nil
}

func (t *tx) FindIdempotency(_ context.Context, key string) (*taskrun.IdempotencyRecord, error) {
	rec, ok := t.st.idempotency[key]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (t *tx) InsertIdempotency(_ context.Context, rec *taskrun.IdempotencyRecord) error {
	if _, ok := t.st.idempotency[rec.Key]; ok {
		return xerrors.New(taskrun.CodeIdempotencyKeyTaken, "duplicate idempotency key "+rec.Key)
	}
	copied := *rec
	t.st.idempotency[rec.Key] = &copied
	return nil
}

func (t *tx) InsertAudit(_ context.Context, rec *audit.Record) error {
	if !rec.Kind.Valid() {
		return fmt.Errorf("unknown audit kind %q", rec.Kind)
	}
	t.st.nextAudit++
	rec.ID = t.st.nextAudit
	copied := *rec
	t.st.audits[rec.Kind] = append(t.st.audits[rec.Kind], &copied)
	return nil
}
