package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"trase-agent/internal/audit"
	"trase-agent/internal/auth"
	"trase-agent/internal/catalog"
	"trase-agent/internal/paging"
	"trase-agent/internal/storage/rdbms"
	"trase-agent/internal/taskrun"
)

func openTestDB(t *testing.T) *rdbms.DB {
	t.Helper()
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "trase.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	applied, err := db.Migrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0001", "0002"}, applied)
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	applied, err := db.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)

	pending, err := db.PendingMigrations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingMigrationsOnFreshDatabase(t *testing.T) {
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "fresh.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pending, err := db.PendingMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0001", "0002"}, pending)
}

func TestRunLifecycleRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	catalogSvc := catalog.NewService(db.Catalog(), nil)
	agent, err := catalogSvc.CreateAgent(ctx, catalog.AgentInput{Name: "builder", Description: "runs builds"})
	require.NoError(t, err)
	other, err := catalogSvc.CreateAgent(ctx, catalog.AgentInput{Name: "tester", Description: "runs tests"})
	require.NoError(t, err)
	task, err := catalogSvc.CreateTask(ctx, catalog.TaskInput{Title: "compile", Description: "compile the tree", SupportedAgentIDs: []int64{agent.ID}})
	require.NoError(t, err)

	stored, err := catalogSvc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{agent.ID}, stored.SupportedAgentIDs)

	controller := taskrun.NewController(db.Runs())
	first, err := controller.Start(ctx, taskrun.StartRequest{TaskID: task.ID, AgentID: agent.ID, IdempotencyKey: "abc"})
	require.NoError(t, err)
	replay, err := controller.Start(ctx, taskrun.StartRequest{TaskID: task.ID, AgentID: agent.ID, IdempotencyKey: " abc "})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	_, err = controller.Start(ctx, taskrun.StartRequest{TaskID: task.ID, AgentID: other.ID, IdempotencyKey: "abc"})
	require.ErrorIs(t, err, taskrun.ErrIdempotencyConflict)
	_, err = controller.Start(ctx, taskrun.StartRequest{TaskID: task.ID, AgentID: other.ID})
	require.ErrorIs(t, err, taskrun.ErrAgentNotSupported)

	done, err := controller.UpdateStatus(ctx, first.ID, taskrun.StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	_, err = controller.UpdateStatus(ctx, first.ID, taskrun.StatusFailed)
	require.ErrorIs(t, err, taskrun.ErrInvalidRunTransition)

	second, err := controller.Start(ctx, taskrun.StartRequest{TaskID: task.ID, AgentID: agent.ID})
	require.NoError(t, err)

	running, err := controller.List(ctx, taskrun.WithStatus(taskrun.StatusRunning))
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second.ID, running[0].ID)

	after, err := controller.List(ctx, taskrun.WithPaging(paging.WithAfterID(first.ID)))
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, second.ID, after[0].ID)

	trail, err := audit.NewQueryService(db.Audits()).ListRunAudits(ctx)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, audit.ActionStart, trail[0].Action)
	assert.Equal(t, audit.ActionStatusUpdate, trail[1].Action)
	require.NotNil(t, trail[1].Status)
	assert.Equal(t, "COMPLETED", *trail[1].Status)

	agentTrail, err := audit.NewQueryService(db.Audits()).ListAgentAudits(ctx)
	require.NoError(t, err)
	assert.Len(t, agentTrail, 2)
	for _, rec := range agentTrail {
		assert.Nil(t, rec.Status)
	}
}

func TestConcurrentStartsShareOneRun(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	catalogSvc := catalog.NewService(db.Catalog(), nil)
	agent, err := catalogSvc.CreateAgent(ctx, catalog.AgentInput{Name: "builder", Description: "runs builds"})
	require.NoError(t, err)
	task, err := catalogSvc.CreateTask(ctx, catalog.TaskInput{Title: "compile", Description: "compile", SupportedAgentIDs: []int64{agent.ID}})
	require.NoError(t, err)

	controller := taskrun.NewController(db.Runs())
	const callers = 16
	ids := make([]int64, callers)
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			view, err := controller.Start(ctx, taskrun.StartRequest{TaskID: task.ID, AgentID: agent.ID, IdempotencyKey: "same-key"})
			if err != nil {
				return err
			}
			ids[i] = view.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	runs, err := controller.List(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	trail, err := audit.NewQueryService(db.Audits()).ListRunAudits(ctx)
	require.NoError(t, err)
	assert.Len(t, trail, 1, "replays must not be audited")
}

func TestDuplicateIdempotencyKeyIsUniqueViolation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	catalogSvc := catalog.NewService(db.Catalog(), nil)
	agent, err := catalogSvc.CreateAgent(ctx, catalog.AgentInput{Name: "a", Description: "a"})
	require.NoError(t, err)
	task, err := catalogSvc.CreateTask(ctx, catalog.TaskInput{Title: "t", Description: "t", SupportedAgentIDs: []int64{agent.ID}})
	require.NoError(t, err)

	err = db.Runs().WithinTx(ctx, func(ctx context.Context, tx taskrun.Tx) error {
		run := &taskrun.Run{TaskID: task.ID, AgentID: agent.ID, Status: taskrun.StatusRunning, StartedAt: time.Now()}
		require.NoError(t, tx.InsertRun(ctx, run))
		rec := &taskrun.IdempotencyRecord{Key: "dup", RequestHash: "h", RunID: run.ID, CreatedAt: time.Now()}
		require.NoError(t, tx.InsertIdempotency(ctx, rec))
		return tx.InsertIdempotency(ctx, rec)
	})
	require.ErrorIs(t, err, taskrun.ErrIdempotencyKeyTaken)

	runs, err := db.Runs().ListRuns(ctx, taskrun.Filter{Page: paging.Build(paging.Defaults{SortField: "id"}, nil)})
	require.NoError(t, err)
	assert.Empty(t, runs, "failed unit of work must roll back")
}

func TestAuthStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := db.Auth()

	require.NoError(t, store.ApplySeed(ctx, auth.Seed{Username: "ops", Password: "ops123!", Roles: []string{"operator", "RUNNER"}}))
	require.NoError(t, store.ApplySeed(ctx, auth.Seed{Username: "ops", Password: "other", Roles: []string{"ADMIN"}}))

	user, err := store.FindUserByUsername(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, user.Enabled)
	assert.Equal(t, []string{"OPERATOR", "RUNNER"}, user.Roles)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("ops123!")))

	_, err = store.FindUserByUsername(ctx, "ghost")
	require.ErrorIs(t, err, auth.ErrUserNotFound)

	now := time.Now()
	require.NoError(t, store.RevokeToken(ctx, "jti-1", now.Add(-time.Minute)))
	require.NoError(t, store.RevokeToken(ctx, "jti-1", now.Add(-time.Minute)))
	require.NoError(t, store.RevokeToken(ctx, "jti-2", now.Add(time.Hour)))

	revoked, err := store.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	purged, err := store.PurgeExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	revoked, err = store.IsTokenRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.True(t, revoked)
}
