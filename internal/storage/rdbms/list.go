package rdbms

import (
	"context"
	"database/sql"
	"strings"

	"trase-agent/internal/audit"
	"trase-agent/internal/catalog"
	"trase-agent/internal/paging"
	"trase-agent/internal/taskrun"
)

// Sort fields accepted from clients, mapped to columns. Anything else sorts
// by id.
var (
	agentColumns = map[string]string{"id": "id", "name": "name", "createdAt": "created_at", "updatedAt": "updated_at"}
	taskColumns  = map[string]string{"id": "id", "title": "title", "createdAt": "created_at", "updatedAt": "updated_at"}
	runColumns   = map[string]string{
		"id":          "id",
		"taskId":      "task_id",
		"agentId":     "agent_id",
		"status":      "status",
		"startedAt":   "started_at",
		"completedAt": "completed_at",
	}
	auditColumns = map[string]string{"id": "id", "occurredAt": "occurred_at"}
)

type auditTable struct {
	name    string
	subject string
	status  bool
}

var auditTables = map[audit.Kind]auditTable{
	audit.KindAgent:   {name: "agents_audit", subject: "agent_id"},
	audit.KindTask:    {name: "tasks_audit", subject: "task_id"},
	audit.KindTaskRun: {name: "task_runs_audit", subject: "task_run_id", status: true},
}

// selectBuilder assembles a paged SELECT with positional arguments.
type selectBuilder struct {
	sb    strings.Builder
	args  []any
	where []string
}

func newSelect(columns, table string) *selectBuilder {
	b := &selectBuilder{}
	b.sb.WriteString("SELECT " + columns + " FROM " + table)
	return b
}

func (b *selectBuilder) filter(cond string, args ...any) *selectBuilder {
	b.where = append(b.where, cond)
	b.args = append(b.args, args...)
	return b
}

// page appends the cursor, ordering and window clauses.
func (b *selectBuilder) page(page paging.Page, columns map[string]string) (string, []any) {
	if page.Keyset() {
		b.filter("id > ?", *page.AfterID)
	}
	if len(b.where) > 0 {
		b.sb.WriteString(" WHERE " + strings.Join(b.where, " AND "))
	}
	b.sb.WriteString(" ORDER BY " + orderClause(page, columns))
	b.sb.WriteString(" LIMIT ? OFFSET ?")
	b.args = append(b.args, page.Size, page.Offset())
	return b.sb.String(), b.args
}

func orderClause(page paging.Page, columns map[string]string) string {
	dir := "ASC"
	if page.SortDesc && !page.Keyset() {
		dir = "DESC"
	}
	column, ok := columns[page.SortField]
	if !ok || page.Keyset() {
		column = "id"
	}
	if column == "id" {
		return "id " + dir
	}
	return column + " " + dir + ", id " + dir
}

func (c catalogStore) ListAgents(ctx context.Context, page paging.Page) ([]*catalog.Agent, error) {
	query, args := newSelect("id, name, description, created_at, updated_at, deleted_at", "agents").
		filter("deleted_at IS NULL").
		page(page, agentColumns)
	rows, err := c.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list agents", err)
	}
	defer rows.Close()

	agents := make([]*catalog.Agent, 0, page.Size)
	for rows.Next() {
		var (
			agent            catalog.Agent
			created, updated int64
			deleted          sql.NullInt64
		)
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Description, &created, &updated, &deleted); err != nil {
			return nil, storageErr("list agents", err)
		}
		agent.CreatedAt, agent.UpdatedAt, agent.DeletedAt = fromMillis(created), fromMillis(updated), timePtr(deleted)
		agents = append(agents, &agent)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list agents", err)
	}
	return agents, nil
}

func (c catalogStore) ListTasks(ctx context.Context, page paging.Page) ([]*catalog.Task, error) {
	query, args := newSelect("id, title, description, created_at, updated_at, deleted_at", "tasks").
		filter("deleted_at IS NULL").
		page(page, taskColumns)
	rows, err := c.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]*catalog.Task, 0, page.Size)
	byID := make(map[int64]*catalog.Task)
	for rows.Next() {
		var (
			task             catalog.Task
			created, updated int64
			deleted          sql.NullInt64
		)
		if err := rows.Scan(&task.ID, &task.Title, &task.Description, &created, &updated, &deleted); err != nil {
			return nil, storageErr("list tasks", err)
		}
		task.CreatedAt, task.UpdatedAt, task.DeletedAt = fromMillis(created), fromMillis(updated), timePtr(deleted)
		task.SupportedAgentIDs = []int64{}
		tasks = append(tasks, &task)
		byID[task.ID] = &task
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tasks", err)
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	ids := make([]int64, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	supportQuery := `SELECT task_id, agent_id FROM task_supported_agents WHERE task_id IN (` + placeholders(len(ids)) + `) ORDER BY task_id, agent_id`
	supportRows, err := c.d.db.QueryContext(ctx, supportQuery, int64Args(ids)...)
	if err != nil {
		return nil, storageErr("list task agents", err)
	}
	defer supportRows.Close()
	for supportRows.Next() {
		var taskID, agentID int64
		if err := supportRows.Scan(&taskID, &agentID); err != nil {
			return nil, storageErr("list task agents", err)
		}
		if task, ok := byID[taskID]; ok {
			task.SupportedAgentIDs = append(task.SupportedAgentIDs, agentID)
		}
	}
	if err := supportRows.Err(); err != nil {
		return nil, storageErr("list task agents", err)
	}
	return tasks, nil
}

func (r runStore) ListRuns(ctx context.Context, filter taskrun.Filter) ([]*taskrun.Run, error) {
	b := newSelect("id, task_id, agent_id, status, started_at, completed_at", "task_runs")
	if filter.Status != nil {
		b.filter("status = ?", string(*filter.Status))
	}
	query, args := b.page(filter.Page, runColumns)
	rows, err := r.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list task runs", err)
	}
	defer rows.Close()

	runs := make([]*taskrun.Run, 0, filter.Page.Size)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, storageErr("list task runs", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list task runs", err)
	}
	return runs, nil
}

func (a auditStore) ListAudits(ctx context.Context, kind audit.Kind, page paging.Page) ([]*audit.Record, error) {
	table, ok := auditTables[kind]
	if !ok {
		return []*audit.Record{}, nil
	}
	statusColumn := "NULL"
	if table.status {
		statusColumn = "status"
	}
	columns := "id, " + table.subject + ", action, " + statusColumn + ", actor_user_id, actor_username, request_id, occurred_at"
	query, args := newSelect(columns, table.name).page(page, auditColumns)
	rows, err := a.d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list audits", err)
	}
	defer rows.Close()

	records := make([]*audit.Record, 0, page.Size)
	for rows.Next() {
		var (
			rec       = audit.Record{Kind: kind}
			action    string
			status    sql.NullString
			userID    sql.NullInt64
			username  sql.NullString
			requestID sql.NullString
			occurred  int64
		)
		if err := rows.Scan(&rec.ID, &rec.SubjectID, &action, &status, &userID, &username, &requestID, &occurred); err != nil {
			return nil, storageErr("list audits", err)
		}
		rec.Action = audit.Action(action)
		rec.Status = stringPtr(status)
		rec.Actor = audit.Actor{UserID: intPtr(userID), Username: stringPtr(username), RequestID: stringPtr(requestID)}
		rec.OccurredAt = fromMillis(occurred)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list audits", err)
	}
	return records, nil
}
