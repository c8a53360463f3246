package taskrun

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"trase-agent/internal/audit"
	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/events"
	"trase-agent/internal/observability/alerting"
	"trase-agent/internal/observability/metrics"
	"trase-agent/internal/observability/telemetry"
	"trase-agent/pkg/logger"
)

// StartRequest 是一次启动请求的输入。
type StartRequest struct {
	TaskID         int64
	AgentID        int64
	IdempotencyKey string
}

// Controller 负责任务运行的创建、状态流转与查询。
type Controller struct {
	store     Store
	guard     *Guard
	resolver  Resolver
	recorder  *audit.Recorder
	publisher events.Publisher
	alerts    alerting.Dispatcher
	tracer    trace.Tracer
	metrics   *telemetry.RunInstruments
	now       func() time.Time
	log       *slog.Logger
}

// Option 定义控制器的可选配置。
type Option func(*Controller)

// WithPublisher 设置事务提交后的事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithTelemetry 接入链路追踪与指标。
func WithTelemetry(p *telemetry.Provider) Option {
	return func(c *Controller) {
		if p == nil {
			return
		}
		c.tracer = p.Tracer
		if m, err := telemetry.NewRunInstruments(p.Meter); err == nil {
			c.metrics = m
		}
	}
}

// WithClock 替换时间来源，测试中使用。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithAlerts 在提交后事件投递失败时发送告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Controller) {
		if d != nil {
			c.alerts = d
		}
	}
}

// NewController 构造运行生命周期控制器。
func NewController(store Store, opts ...Option) *Controller {
	noop := telemetry.Noop()
	c := &Controller{
		store:     store,
		guard:     NewGuard(),
		publisher: events.Discard{},
		tracer:    noop.Tracer,
		now:       time.Now,
		log:       logger.Named("taskrun"),
	}
	c.metrics, _ = telemetry.NewRunInstruments(noop.Meter)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.guard.now = c.now
	c.recorder = audit.NewRecorderWithClock(c.now)
	return c
}

// Start 创建一次任务运行。携带幂等键时，相同键与相同请求返回同一运行。
func (c *Controller) Start(ctx context.Context, req StartRequest) (*View, error) {
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "taskrun.start",
		telemetry.AttrTaskID.Int64(req.TaskID),
		telemetry.AttrAgentID.Int64(req.AgentID),
	)
	defer span.End()

	key, hasKey, err := NormalizeKey(req.IdempotencyKey)
	if err != nil {
		return nil, c.fail(ctx, span, err)
	}
	fingerprint := Fingerprint(req.TaskID, req.AgentID)

	var (
		result  *Run
		created bool
		replay  bool
	)
	err = c.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if hasKey {
			existing, err := c.guard.Lookup(ctx, tx, key, fingerprint)
			if err != nil {
				return err
			}
			if existing != nil {
				result, replay = existing, true
				return nil
			}
		}
		if err := c.resolver.Check(ctx, tx, req.TaskID, req.AgentID); err != nil {
			return err
		}
		run := &Run{
			TaskID:    req.TaskID,
			AgentID:   req.AgentID,
			Status:    StatusRunning,
			StartedAt: c.now().UTC(),
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		final := run
		if hasKey {
			winner, err := c.guard.Register(ctx, tx, key, fingerprint, run)
			if err != nil {
				return err
			}
			final = winner
		}
		status := string(final.Status)
		if err := c.recorder.Record(ctx, tx, audit.KindTaskRun, final.ID, audit.ActionStart, &status); err != nil {
			return err
		}
		result, created = final, final.ID == run.ID
		return nil
	})
	if err != nil {
		return nil, c.fail(ctx, span, xerrors.Ensure(xerrors.CodeStorageFailure, err, "start task run"))
	}

	span.SetAttributes(telemetry.AttrRunID.Int64(result.ID), telemetry.AttrReplay.Bool(replay))
	if replay {
		c.metrics.Replayed.Add(ctx, 1)
		metrics.ObserveRunReplayed()
		c.log.Debug("idempotent replay", slog.Int64("run_id", result.ID), slog.String("idempotency_key", key))
		return ToView(result), nil
	}
	c.committed(ctx, "task run started", result)
	if created {
		c.metrics.Started.Add(ctx, 1)
		metrics.ObserveRunStarted()
		c.publish(ctx, events.TypeRunStarted, result)
	}
	return ToView(result), nil
}

// UpdateStatus 将运行从 RUNNING 迁移到终态。终态不可再迁移，目标也不能是 RUNNING。
func (c *Controller) UpdateStatus(ctx context.Context, runID int64, target Status) (*View, error) {
	ctx, span := telemetry.StartSpan(ctx, c.tracer, "taskrun.update_status",
		telemetry.AttrRunID.Int64(runID),
		telemetry.AttrRunStatus.String(string(target)),
	)
	defer span.End()

	if !target.Valid() {
		return nil, c.fail(ctx, span, xerrors.New(CodeInvalidRunStatus, fmt.Sprintf("Invalid task run status: %q", target)))
	}

	var updated *Run
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return runNotFound(runID)
		}
		if err := checkTransition(run, target); err != nil {
			return err
		}
		now := c.now().UTC()
		moved, err := tx.TransitionRun(ctx, runID, StatusRunning, target, now)
		if err != nil {
			return err
		}
		if !moved {
			return notRunning(runID)
		}
		run.Status = target
		if run.CompletedAt == nil {
			run.CompletedAt = &now
		}
		status := string(target)
		if err := c.recorder.Record(ctx, tx, audit.KindTaskRun, runID, audit.ActionStatusUpdate, &status); err != nil {
			return err
		}
		updated = run
		return nil
	})
	if err != nil {
		return nil, c.fail(ctx, span, xerrors.Ensure(xerrors.CodeStorageFailure, err, "update task run status"))
	}

	c.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(telemetry.AttrRunStatus.String(string(target))))
	metrics.ObserveRunTransition(string(target))
	c.committed(ctx, "task run status updated", updated)
	c.publish(ctx, events.TypeRunStatusChanged, updated)
	return ToView(updated), nil
}

// Get 返回单个运行。
func (c *Controller) Get(ctx context.Context, runID int64) (*View, error) {
	var run *Run
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		run, err = tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return runNotFound(runID)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "get task run")
	}
	return ToView(run), nil
}

// List 返回运行列表，提供 afterId 游标时使用 keyset 分页。
func (c *Controller) List(ctx context.Context, opts ...ListOption) ([]*View, error) {
	filter := buildFilter(opts)
	runs, err := c.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, xerrors.Ensure(xerrors.CodeStorageFailure, err, "list task runs")
	}
	views := make([]*View, 0, len(runs))
	for _, run := range runs {
		views = append(views, ToView(run))
	}
	c.log.Debug("listing task runs", slog.Int("count", len(views)), slog.Bool("keyset", filter.Page.Keyset()))
	return views, nil
}

// checkTransition 只允许 RUNNING 迁移到终态；重复当前终态或以 RUNNING
// 为目标都会被拒绝。
func checkTransition(run *Run, target Status) error {
	if run.Status != StatusRunning {
		return notRunning(run.ID)
	}
	if target == StatusRunning {
		return xerrors.New(CodeInvalidRunTransition, fmt.Sprintf("Task run %d is already RUNNING", run.ID))
	}
	return nil
}

func notRunning(id int64) error {
	return xerrors.New(CodeInvalidRunTransition, fmt.Sprintf("Task run %d is not running", id))
}

func runNotFound(id int64) error {
	return xerrors.New(CodeTaskRunNotFound, fmt.Sprintf("Task run not found: %d", id))
}

func (c *Controller) fail(ctx context.Context, span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(xerrors.CodeOf(err)))
	c.metrics.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(xerrors.CodeOf(err)))))
	return err
}

func (c *Controller) committed(ctx context.Context, msg string, run *Run) {
	logger.Audit().Info(msg,
		slog.Int64("run_id", run.ID),
		slog.Int64("task_id", run.TaskID),
		slog.Int64("agent_id", run.AgentID),
		slog.String("status", string(run.Status)),
		slog.String("request_id", middleware.GetReqID(ctx)),
	)
}

// publish 在事务提交后投递事件，失败只记录日志，不影响调用方。
func (c *Controller) publish(ctx context.Context, typ events.Type, run *Run) {
	evt := events.New(typ, run.ID, run.TaskID, run.AgentID, string(run.Status), middleware.GetReqID(ctx), c.now())
	if err := c.publisher.Publish(ctx, evt); err != nil {
		c.log.Error("publish task run event failed",
			slog.Any("error", err),
			slog.String("type", string(typ)),
			slog.Int64("run_id", run.ID),
		)
		if c.alerts == nil {
			return
		}
		// 运行已提交，事件丢失降级为 warning。
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "publish task run event",
			xerrors.WithSeverity(xerrors.SeverityWarning),
			xerrors.WithMetadata("run_id", strconv.FormatInt(run.ID, 10)),
			xerrors.WithMetadata("event_type", string(typ)),
		)
		evt := alerting.FromError("taskrun.publish", middleware.GetReqID(ctx), wrapped)
		if alertErr := c.alerts.Notify(ctx, evt); alertErr != nil {
			c.log.Warn("dispatch alert failed", slog.Any("error", alertErr))
		}
	}
}
