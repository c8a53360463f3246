package catalog

import (
	"context"
	"log/slog"
	"time"

	"trase-agent/internal/audit"
	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/paging"
	"trase-agent/pkg/logger"
)

var listDefaults = paging.Defaults{SortField: "id", Sortable: []string{"id", "name", "title", "createdAt", "updatedAt"}}

// Service 提供 agent 与 task 的增删改查，每次变更都会写入审计记录。
type Service struct {
	store    Store
	recorder *audit.Recorder
	now      func() time.Time
	log      *slog.Logger
}

// NewService 构造目录服务。
func NewService(store Store, recorder *audit.Recorder) *Service {
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	return &Service{store: store, recorder: recorder, now: time.Now, log: logger.Named("catalog")}
}

// ListAgents 返回未删除的 agent，支持 offset 与 keyset 两种分页方式。
func (s *Service) ListAgents(ctx context.Context, opts ...paging.Option) ([]*Agent, error) {
	page := paging.Build(listDefaults, opts)
	agents, err := s.store.ListAgents(ctx, page)
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "list agents")
	}
	s.log.Debug("listing agents", slog.Int("count", len(agents)))
	return agents, nil
}

// GetAgent 返回未删除的 agent。
func (s *Service) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	var agent *Agent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		agent, err = activeAgent(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "get agent")
	}
	return agent, nil
}

// CreateAgent 创建 agent，名称在未删除的 agent 中必须唯一。
func (s *Service) CreateAgent(ctx context.Context, in AgentInput) (*Agent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var created *Agent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := assertUniqueName(ctx, tx, in.Name, 0); err != nil {
			return err
		}
		now := s.now().UTC()
		agent := &Agent{Name: in.Name, Description: in.Description, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertAgent(ctx, agent); err != nil {
			return err
		}
		if err := s.recorder.Record(ctx, tx, audit.KindAgent, agent.ID, audit.ActionCreate, nil); err != nil {
			return err
		}
		created = agent
		return nil
	})
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "create agent")
	}
	s.committed(ctx, "agent created", audit.KindAgent, created.ID)
	return created, nil
}

// UpdateAgent 更新 agent 的名称和描述。
func (s *Service) UpdateAgent(ctx context.Context, id int64, in AgentInput) (*Agent, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var updated *Agent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		agent, err := activeAgent(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := assertUniqueName(ctx, tx, in.Name, id); err != nil {
			return err
		}
		agent.Name = in.Name
		agent.Description = in.Description
		agent.UpdatedAt = s.now().UTC()
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}
		if err := s.recorder.Record(ctx, tx, audit.KindAgent, agent.ID, audit.ActionUpdate, nil); err != nil {
			return err
		}
		updated = agent
		return nil
	})
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "update agent")
	}
	s.committed(ctx, "agent updated", audit.KindAgent, id)
	return updated, nil
}

// DeleteAgent 软删除 agent。已删除的 agent 直接返回，不再写审计。
func (s *Service) DeleteAgent(ctx context.Context, id int64) error {
	deleted := false
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		agent, err := tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if agent == nil {
			return AgentNotFound(id)
		}
		if agent.Deleted() {
			return nil
		}
		now := s.now().UTC()
		agent.DeletedAt = &now
		agent.UpdatedAt = now
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}
		deleted = true
		return s.recorder.Record(ctx, tx, audit.KindAgent, agent.ID, audit.ActionDelete, nil)
	})
	if err != nil {
		return xerrors.Ensure(xerrors.CodeStorageFailure, err, "delete agent")
	}
	if deleted {
		s.committed(ctx, "agent soft deleted", audit.KindAgent, id)
	}
	return nil
}

// ListTasks 返回未删除的 task。
func (s *Service) ListTasks(ctx context.Context, opts ...paging.Option) ([]*Task, error) {
	page := paging.Build(listDefaults, opts)
	tasks, err := s.store.ListTasks(ctx, page)
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "list tasks")
	}
	s.log.Debug("listing tasks", slog.Int("count", len(tasks)))
	return tasks, nil
}

// GetTask 返回未删除的 task。
func (s *Service) GetTask(ctx context.Context, id int64) (*Task, error) {
	var task *Task
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		task, err = activeTask(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "get task")
	}
	return task, nil
}

// CreateTask 创建 task，所有支持的 agent 必须存在且未删除。
func (s *Service) CreateTask(ctx context.Context, in TaskInput) (*Task, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var created *Task
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		ids, err := resolveAgents(ctx, tx, in.agentIDs())
		if err != nil {
			return err
		}
		now := s.now().UTC()
		task := &Task{Title: in.Title, Description: in.Description, SupportedAgentIDs: ids, CreatedAt: now, UpdatedAt: now}
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		if err := s.recorder.Record(ctx, tx, audit.KindTask, task.ID, audit.ActionCreate, nil); err != nil {
			return err
		}
		created = task
		return nil
	})
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "create task")
	}
	s.committed(ctx, "task created", audit.KindTask, created.ID)
	return created, nil
}

// UpdateTask 更新 task 及其支持的 agent 集合。
func (s *Service) UpdateTask(ctx context.Context, id int64, in TaskInput) (*Task, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	var updated *Task
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := activeTask(ctx, tx, id)
		if err != nil {
			return err
		}
		ids, err := resolveAgents(ctx, tx, in.agentIDs())
		if err != nil {
			return err
		}
		task.Title = in.Title
		task.Description = in.Description
		task.SupportedAgentIDs = ids
		task.UpdatedAt = s.now().UTC()
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		if err := s.recorder.Record(ctx, tx, audit.KindTask, task.ID, audit.ActionUpdate, nil); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "update task")
	}
	s.committed(ctx, "task updated", audit.KindTask, id)
	return updated, nil
}

// DeleteTask 软删除 task，重复删除为幂等操作。
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	deleted := false
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return TaskNotFound(id)
		}
		if task.Deleted() {
			return nil
		}
		now := s.now().UTC()
		task.DeletedAt = &now
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		deleted = true
		return s.recorder.Record(ctx, tx, audit.KindTask, task.ID, audit.ActionDelete, nil)
	})
	if err != nil {
		return xerrors.Ensure(xerrors.CodeStorageFailure, err, "delete task")
	}
	if deleted {
		s.committed(ctx, "task soft deleted", audit.KindTask, id)
	}
	return nil
}

func (s *Service) committed(ctx context.Context, msg string, kind audit.Kind, id int64) {
	actor := audit.ActorFromContext(ctx)
	attrs := []any{slog.String("kind", string(kind)), slog.Int64("id", id)}
	if actor.Username != nil {
		attrs = append(attrs, slog.String("user", *actor.Username))
	}
	if actor.RequestID != nil {
		attrs = append(attrs, slog.String("request_id", *actor.RequestID))
	}
	logger.Audit().Info(msg, attrs...)
}

func activeAgent(ctx context.Context, tx Tx, id int64) (*Agent, error) {
	agent, err := tx.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.Deleted() {
		return nil, AgentNotFound(id)
	}
	return agent, nil
}

func activeTask(ctx context.Context, tx Tx, id int64) (*Task, error) {
	task, err := tx.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil || task.Deleted() {
		return nil, TaskNotFound(id)
	}
	return task, nil
}

func assertUniqueName(ctx context.Context, tx Tx, name string, excludeID int64) error {
	taken, err := tx.AgentNameTaken(ctx, name, excludeID)
	if err != nil {
		return err
	}
	if taken {
		return xerrors.New(CodeAgentNameTaken, "Agent name already exists: "+name)
	}
	return nil
}

func resolveAgents(ctx context.Context, tx Tx, ids []int64) ([]int64, error) {
	found, err := tx.ActiveAgentIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	known := make(map[int64]struct{}, len(found))
	for _, id := range found {
		known[id] = struct{}{}
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, unknownAgentIDs(missing)
	}
	return ids, nil
}
