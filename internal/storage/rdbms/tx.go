package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"trase-agent/internal/audit"
	"trase-agent/internal/catalog"
	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/taskrun"
)

const (
	selectAgentSQL      = `SELECT id, name, description, created_at, updated_at, deleted_at FROM agents WHERE id = ?`
	agentNameTakenSQL   = `SELECT COUNT(1) FROM agents WHERE name = ? AND id <> ? AND deleted_at IS NULL`
	insertAgentSQL      = `INSERT INTO agents (name, description, created_at, updated_at, deleted_at) VALUES (?, ?, ?, ?, ?)`
	updateAgentSQL      = `UPDATE agents SET name = ?, description = ?, updated_at = ?, deleted_at = ? WHERE id = ?`
	activeAgentSQL      = `SELECT COUNT(1) FROM agents WHERE id = ? AND deleted_at IS NULL`
	selectTaskSQL       = `SELECT id, title, description, created_at, updated_at, deleted_at FROM tasks WHERE id = ?`
	insertTaskSQL       = `INSERT INTO tasks (title, description, created_at, updated_at, deleted_at) VALUES (?, ?, ?, ?, ?)`
	updateTaskSQL       = `UPDATE tasks SET title = ?, description = ?, updated_at = ?, deleted_at = ? WHERE id = ?`
	activeTaskSQL       = `SELECT COUNT(1) FROM tasks WHERE id = ? AND deleted_at IS NULL`
	selectSupportSQL    = `SELECT agent_id FROM task_supported_agents WHERE task_id = ? ORDER BY agent_id`
	deleteSupportSQL    = `DELETE FROM task_supported_agents WHERE task_id = ?`
	insertSupportSQL    = `INSERT INTO task_supported_agents (task_id, agent_id) VALUES (?, ?)`
	isSupportedSQL      = `SELECT COUNT(1) FROM task_supported_agents WHERE task_id = ? AND agent_id = ?`
	insertRunSQL        = `INSERT INTO task_runs (task_id, agent_id, status, started_at, completed_at) VALUES (?, ?, ?, ?, ?)`
	selectRunSQL        = `SELECT id, task_id, agent_id, status, started_at, completed_at FROM task_runs WHERE id = ?`
	transitionRunSQL    = `UPDATE task_runs SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ? AND status = ?`
	selectIdemSQL       = `SELECT idempotency_key, request_hash, task_run_id, created_at FROM task_run_idempotency WHERE idempotency_key = ?`
	insertIdemSQL       = `INSERT INTO task_run_idempotency (idempotency_key, request_hash, task_run_id, created_at) VALUES (?, ?, ?, ?)`
	insertRunAuditSQL   = `INSERT INTO task_runs_audit (task_run_id, action, status, actor_user_id, actor_username, request_id, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	insertAgentAuditSQL = `INSERT INTO agents_audit (agent_id, action, actor_user_id, actor_username, request_id, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`
	insertTaskAuditSQL  = `INSERT INTO tasks_audit (task_id, action, actor_user_id, actor_username, request_id, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`
)

// tx implements catalog.Tx, taskrun.Tx and audit.Writer on one sql.Tx.
type tx struct {
	q       *sql.Tx
	dialect Dialect
}

var (
	_ catalog.Tx   = (*tx)(nil)
	_ taskrun.Tx   = (*tx)(nil)
	_ audit.Writer = (*tx)(nil)
)

func (t *tx) count(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	if err := t.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, storageErr(op, err)
	}
	return n, nil
}

func (t *tx) insert(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return id, nil
}

func (t *tx) GetAgent(ctx context.Context, id int64) (*catalog.Agent, error) {
	var (
		agent            catalog.Agent
		created, updated int64
		deleted          sql.NullInt64
	)
	err := t.q.QueryRowContext(ctx, selectAgentSQL, id).
		Scan(&agent.ID, &agent.Name, &agent.Description, &created, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get agent", err)
	}
	agent.CreatedAt, agent.UpdatedAt, agent.DeletedAt = fromMillis(created), fromMillis(updated), timePtr(deleted)
	return &agent, nil
}

func (t *tx) AgentNameTaken(ctx context.Context, name string, excludeID int64) (bool, error) {
	n, err := t.count(ctx, "check agent name", agentNameTakenSQL, name, excludeID)
	return n > 0, err
}

func (t *tx) InsertAgent(ctx context.Context, agent *catalog.Agent) error {
	id, err := t.insert(ctx, "insert agent", insertAgentSQL,
		agent.Name, agent.Description, toMillis(agent.CreatedAt), toMillis(agent.UpdatedAt), nullMillis(agent.DeletedAt))
	if err != nil {
		return err
	}
	agent.ID = id
	return nil
}

func (t *tx) UpdateAgent(ctx context.Context, agent *catalog.Agent) error {
	_, err := t.q.ExecContext(ctx, updateAgentSQL,
		agent.Name, agent.Description, toMillis(agent.UpdatedAt), nullMillis(agent.DeletedAt), agent.ID)
	if err != nil {
		return storageErr("update agent", err)
	}
	return nil
}

func (t *tx) ActiveAgentIDs(ctx context.Context, ids []int64) ([]int64, error) {
	active := make([]int64, 0, len(ids))
	if len(ids) == 0 {
		return active, nil
	}
	query := `SELECT id FROM agents WHERE deleted_at IS NULL AND id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	rows, err := t.q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, storageErr("resolve agent ids", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("resolve agent ids", err)
		}
		active = append(active, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("resolve agent ids", err)
	}
	return active, nil
}

func (t *tx) ActiveAgentExists(ctx context.Context, agentID int64) (bool, error) {
	n, err := t.count(ctx, "check agent", activeAgentSQL, agentID)
	return n > 0, err
}

func (t *tx) GetTask(ctx context.Context, id int64) (*catalog.Task, error) {
	var (
		task             catalog.Task
		created, updated int64
		deleted          sql.NullInt64
	)
	err := t.q.QueryRowContext(ctx, selectTaskSQL, id).
		Scan(&task.ID, &task.Title, &task.Description, &created, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	task.CreatedAt, task.UpdatedAt, task.DeletedAt = fromMillis(created), fromMillis(updated), timePtr(deleted)

	rows, err := t.q.QueryContext(ctx, selectSupportSQL, id)
	if err != nil {
		return nil, storageErr("get task agents", err)
	}
	defer rows.Close()
	task.SupportedAgentIDs = []int64{}
	for rows.Next() {
		var agentID int64
		if err := rows.Scan(&agentID); err != nil {
			return nil, storageErr("get task agents", err)
		}
		task.SupportedAgentIDs = append(task.SupportedAgentIDs, agentID)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get task agents", err)
	}
	return &task, nil
}

func (t *tx) InsertTask(ctx context.Context, task *catalog.Task) error {
	id, err := t.insert(ctx, "insert task", insertTaskSQL,
		task.Title, task.Description, toMillis(task.CreatedAt), toMillis(task.UpdatedAt), nullMillis(task.DeletedAt))
	if err != nil {
		return err
	}
	task.ID = id
	return t.writeSupport(ctx, task)
}

func (t *tx) UpdateTask(ctx context.Context, task *catalog.Task) error {
	if _, err := t.q.ExecContext(ctx, updateTaskSQL,
		task.Title, task.Description, toMillis(task.UpdatedAt), nullMillis(task.DeletedAt), task.ID); err != nil {
		return storageErr("update task", err)
	}
	if _, err := t.q.ExecContext(ctx, deleteSupportSQL, task.ID); err != nil {
		return storageErr("clear task agents", err)
	}
	return t.writeSupport(ctx, task)
}

func (t *tx) writeSupport(ctx context.Context, task *catalog.Task) error {
	for _, agentID := range task.SupportedAgentIDs {
		if _, err := t.q.ExecContext(ctx, insertSupportSQL, task.ID, agentID); err != nil {
			return storageErr("insert task agent", err)
		}
	}
	return nil
}

func (t *tx) ActiveTaskExists(ctx context.Context, taskID int64) (bool, error) {
	n, err := t.count(ctx, "check task", activeTaskSQL, taskID)
	return n > 0, err
}

func (t *tx) IsAgentSupported(ctx context.Context, taskID, agentID int64) (bool, error) {
	n, err := t.count(ctx, "check task agent", isSupportedSQL, taskID, agentID)
	return n > 0, err
}

func (t *tx) InsertRun(ctx context.Context, run *taskrun.Run) error {
	id, err := t.insert(ctx, "insert task run", insertRunSQL,
		run.TaskID, run.AgentID, string(run.Status), toMillis(run.StartedAt), nullMillis(run.CompletedAt))
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

func (t *tx) GetRun(ctx context.Context, id int64) (*taskrun.Run, error) {
	run, err := scanRun(t.q.QueryRowContext(ctx, selectRunSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get task run", err)
	}
	return run, nil
}

func (t *tx) TransitionRun(ctx context.Context, id int64, from, to taskrun.Status, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, transitionRunSQL, string(to), toMillis(at), id, string(from))
	if err != nil {
		return false, storageErr("transition task run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("transition task run", err)
	}
	return n > 0, nil
}

func (t *tx) FindIdempotency(ctx context.Context, key string) (*taskrun.IdempotencyRecord, error) {
	var (
		rec     taskrun.IdempotencyRecord
		created int64
	)
	err := t.q.QueryRowContext(ctx, selectIdemSQL, key).Scan(&rec.Key, &rec.RequestHash, &rec.RunID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find idempotency key", err)
	}
	rec.CreatedAt = fromMillis(created)
	return &rec, nil
}

func (t *tx) InsertIdempotency(ctx context.Context, rec *taskrun.IdempotencyRecord) error {
	_, err := t.q.ExecContext(ctx, insertIdemSQL, rec.Key, rec.RequestHash, rec.RunID, toMillis(rec.CreatedAt))
	if t.dialect.uniqueViolation(err) {
		return xerrors.Wrap(taskrun.CodeIdempotencyKeyTaken, err, "duplicate idempotency key")
	}
	if err != nil {
		return storageErr("insert idempotency key", err)
	}
	return nil
}

func (t *tx) InsertAudit(ctx context.Context, rec *audit.Record) error {
	actor := rec.Actor
	common := []any{nullInt(actor.UserID), nullString(actor.Username), nullString(actor.RequestID), toMillis(rec.OccurredAt)}
	var (
		query string
		args  []any
	)
	switch rec.Kind {
	case audit.KindAgent:
		query, args = insertAgentAuditSQL, append([]any{rec.SubjectID, string(rec.Action)}, common...)
	case audit.KindTask:
		query, args = insertTaskAuditSQL, append([]any{rec.SubjectID, string(rec.Action)}, common...)
	case audit.KindTaskRun:
		query, args = insertRunAuditSQL, append([]any{rec.SubjectID, string(rec.Action), nullString(rec.Status)}, common...)
	default:
		return fmt.Errorf("unknown audit kind %q", rec.Kind)
	}
	id, err := t.insert(ctx, "insert audit", query, args...)
	if err != nil {
		return err
	}
	rec.ID = id
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*taskrun.Run, error) {
	var (
		run       taskrun.Run
		status    string
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.TaskID, &run.AgentID, &status, &started, &completed); err != nil {
		return nil, err
	}
	run.Status = taskrun.Status(status)
	run.StartedAt = fromMillis(started)
	run.CompletedAt = timePtr(completed)
	return &run, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
