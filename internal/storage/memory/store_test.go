package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trase-agent/internal/audit"
	"trase-agent/internal/catalog"
	"trase-agent/internal/paging"
	"trase-agent/internal/taskrun"
)

func seedRuns(t *testing.T, s *Store, statuses ...taskrun.Status) {
	t.Helper()
	err := s.Runs().WithinTx(context.Background(), func(ctx context.Context, tx taskrun.Tx) error {
		for i, status := range statuses {
			run := &taskrun.Run{TaskID: 1, AgentID: int64(i%2 + 1), Status: status, StartedAt: time.Unix(int64(100-i), 0)}
			if err := tx.InsertRun(ctx, run); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func runIDs(runs []*taskrun.Run) []int64 {
	ids := make([]int64, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := New()
	boom := errors.New("boom")

	err := s.Catalog().WithinTx(context.Background(), func(ctx context.Context, tx catalog.Tx) error {
		require.NoError(t, tx.InsertAgent(ctx, &catalog.Agent{Name: "a"}))
		require.NoError(t, tx.InsertAudit(ctx, &audit.Record{Kind: audit.KindAgent, SubjectID: 1, Action: audit.ActionCreate}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	agents, err := s.Catalog().ListAgents(context.Background(), paging.Build(paging.Defaults{SortField: "id"}, nil))
	require.NoError(t, err)
	assert.Empty(t, agents)

	audits, err := s.Audits().ListAudits(context.Background(), audit.KindAgent, paging.Build(paging.Defaults{SortField: "id"}, nil))
	require.NoError(t, err)
	assert.Empty(t, audits)

	// ids are not consumed by a rolled back unit of work
	require.NoError(t, s.Catalog().WithinTx(context.Background(), func(ctx context.Context, tx catalog.Tx) error {
		agent := &catalog.Agent{Name: "b"}
		require.NoError(t, tx.InsertAgent(ctx, agent))
		assert.Equal(t, int64(1), agent.ID)
		return nil
	}))
}

func TestTransitionRunOnlyFromExpectedStatus(t *testing.T) {
	s := New()
	seedRuns(t, s, taskrun.StatusRunning)
	at := time.Unix(500, 0)

	require.NoError(t, s.Runs().WithinTx(context.Background(), func(ctx context.Context, tx taskrun.Tx) error {
		moved, err := tx.TransitionRun(ctx, 1, taskrun.StatusRunning, taskrun.StatusCompleted, at)
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = tx.TransitionRun(ctx, 1, taskrun.StatusRunning, taskrun.StatusFailed, at.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, moved)

		run, err := tx.GetRun(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, taskrun.StatusCompleted, run.Status)
		require.NotNil(t, run.CompletedAt)
		assert.True(t, run.CompletedAt.Equal(at))
		return nil
	}))
}

func TestInsertIdempotencyDuplicate(t *testing.T) {
	s := New()
	err := s.Runs().WithinTx(context.Background(), func(ctx context.Context, tx taskrun.Tx) error {
		require.NoError(t, tx.InsertIdempotency(ctx, &taskrun.IdempotencyRecord{Key: "k", RequestHash: "h", RunID: 1}))
		return tx.InsertIdempotency(ctx, &taskrun.IdempotencyRecord{Key: "k", RequestHash: "h", RunID: 2})
	})
	require.ErrorIs(t, err, taskrun.ErrIdempotencyKeyTaken)
}

func TestListRunsOffsetAndKeyset(t *testing.T) {
	s := New()
	seedRuns(t, s,
		taskrun.StatusRunning, taskrun.StatusCompleted, taskrun.StatusRunning,
		taskrun.StatusFailed, taskrun.StatusRunning,
	)
	defaults := paging.Defaults{SortField: "id", Sortable: []string{"id", "startedAt"}}
	ctx := context.Background()

	runs, err := s.Runs().ListRuns(ctx, taskrun.Filter{Page: paging.Build(defaults, []paging.Option{paging.WithSize(2), paging.WithPage(1)})})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, runIDs(runs))

	runs, err = s.Runs().ListRuns(ctx, taskrun.Filter{Page: paging.Build(defaults, []paging.Option{paging.WithSort("startedAt", false)})})
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, runIDs(runs))

	running := taskrun.StatusRunning
	runs, err = s.Runs().ListRuns(ctx, taskrun.Filter{
		Status: &running,
		Page:   paging.Build(defaults, []paging.Option{paging.WithAfterID(1), paging.WithSort("startedAt", true), paging.WithPage(3)}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, runIDs(runs))

	runs, err = s.Runs().ListRuns(ctx, taskrun.Filter{Page: paging.Build(defaults, []paging.Option{paging.WithPage(10)})})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestListAgentsSkipsDeleted(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Catalog().WithinTx(ctx, func(ctx context.Context, tx catalog.Tx) error {
		for _, name := range []string{"b", "a", "c"} {
			require.NoError(t, tx.InsertAgent(ctx, &catalog.Agent{Name: name}))
		}
		agent, err := tx.GetAgent(ctx, 3)
		require.NoError(t, err)
		now := time.Now()
		agent.DeletedAt = &now
		return tx.UpdateAgent(ctx, agent)
	}))

	agents, err := s.Catalog().ListAgents(ctx, paging.Build(paging.Defaults{SortField: "id", Sortable: []string{"name"}}, []paging.Option{paging.WithSort("name", false)}))
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].Name)
	assert.Equal(t, "b", agents[1].Name)

	require.NoError(t, s.Catalog().WithinTx(ctx, func(ctx context.Context, tx catalog.Tx) error {
		taken, err := tx.AgentNameTaken(ctx, "c", 0)
		require.NoError(t, err)
		assert.False(t, taken, "deleted agents release their name")
		ids, err := tx.ActiveAgentIDs(ctx, []int64{1, 3, 9})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, ids)
		return nil
	}))
}

func TestListAuditsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Runs().WithinTx(ctx, func(ctx context.Context, tx taskrun.Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.InsertAudit(ctx, &audit.Record{Kind: audit.KindTaskRun, SubjectID: int64(i), Action: audit.ActionStart}); err != nil {
				return err
			}
		}
		return tx.InsertAudit(ctx, &audit.Record{Kind: audit.KindTask, SubjectID: 1, Action: audit.ActionCreate})
	}))

	records, err := s.Audits().ListAudits(ctx, audit.KindTaskRun, paging.Build(paging.Defaults{SortField: "id", SortDesc: true}, nil))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(3), records[0].ID)
	assert.Equal(t, int64(1), records[2].ID)
}
