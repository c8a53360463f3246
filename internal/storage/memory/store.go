// Package memory 提供进程内的存储实现，供开发环境和测试使用。
//
// 所有工作单元由一把互斥锁串行化，失败时整体恢复到进入前的快照，
// 因此具备与 SQL 事务一致的原子语义。
package memory

import (
	"context"
	"sort"
	"sync"

	"trase-agent/internal/audit"
	"trase-agent/internal/catalog"
	"trase-agent/internal/paging"
	"trase-agent/internal/taskrun"
)

type state struct {
	agents      map[int64]*catalog.Agent
	tasks       map[int64]*catalog.Task
	runs        map[int64]*taskrun.Run
	idempotency map[string]*taskrun.IdempotencyRecord
	audits      map[audit.Kind][]*audit.Record

	nextAgent int64
	nextTask  int64
	nextRun   int64
	nextAudit int64
}

func newState() *state {
	return &state{
		agents:      make(map[int64]*catalog.Agent),
		tasks:       make(map[int64]*catalog.Task),
		runs:        make(map[int64]*taskrun.Run),
		idempotency: make(map[string]*taskrun.IdempotencyRecord),
		audits:      make(map[audit.Kind][]*audit.Record),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, a := range s.agents {
		c.agents[id] = a.Clone()
	}
	for id, t := range s.tasks {
		c.tasks[id] = t.Clone()
	}
	for id, r := range s.runs {
		c.runs[id] = r.Clone()
	}
	for key, rec := range s.idempotency {
		copied := *rec
		c.idempotency[key] = &copied
	}
	for kind, records := range s.audits {
		c.audits[kind] = append([]*audit.Record(nil), records...)
	}
	c.nextAgent, c.nextTask, c.nextRun, c.nextAudit = s.nextAgent, s.nextTask, s.nextRun, s.nextAudit
	return c
}

// Store 是内存存储的根对象，通过 Catalog、Runs、Audits 暴露各领域的存储接口。
type Store struct {
	mu    sync.Mutex
	state *state
}

// New 创建空的内存存储。
func New() *Store {
	return &Store{state: newState()}
}

// Catalog 返回 agent/task 存储视图。
func (s *Store) Catalog() catalog.Store { return catalogStore{s} }

// Runs 返回任务运行存储视图。
func (s *Store) Runs() taskrun.Store { return runStore{s} }

// Audits 返回审计查询视图。
func (s *Store) Audits() audit.Store { return auditStore{s} }

// Close 实现 io.Closer，内存存储无需释放资源。
func (s *Store) Close() error { return nil }

// withinTx 串行执行 fn，fn 返回错误时回滚到快照。
func (s *Store) withinTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.state.clone()
	t := &tx{st: s.state}
	if err := fn(t); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *Store) read(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

type catalogStore struct{ s *Store }

func (c catalogStore) WithinTx(ctx context.Context, fn func(context.Context, catalog.Tx) error) error {
	return c.s.withinTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (c catalogStore) ListAgents(_ context.Context, page paging.Page) ([]*catalog.Agent, error) {
	var out []*catalog.Agent
	c.s.read(func(st *state) {
		for _, a := range st.agents {
			if !a.Deleted() && afterCursor(page, a.ID) {
				out = append(out, a.Clone())
			}
		}
	})
	sortPage(out, page, func(a *catalog.Agent) int64 { return a.ID }, agentLess(page.SortField))
	return window(out, page), nil
}

func (c catalogStore) ListTasks(_ context.Context, page paging.Page) ([]*catalog.Task, error) {
	var out []*catalog.Task
	c.s.read(func(st *state) {
		for _, t := range st.tasks {
			if !t.Deleted() && afterCursor(page, t.ID) {
				out = append(out, t.Clone())
			}
		}
	})
	sortPage(out, page, func(t *catalog.Task) int64 { return t.ID }, taskLess(page.SortField))
	return window(out, page), nil
}

type runStore struct{ s *Store }

func (r runStore) WithinTx(ctx context.Context, fn func(context.Context, taskrun.Tx) error) error {
	return r.s.withinTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (r runStore) ListRuns(_ context.Context, filter taskrun.Filter) ([]*taskrun.Run, error) {
	var out []*taskrun.Run
	r.s.read(func(st *state) {
		for _, run := range st.runs {
			if filter.Status != nil && run.Status != *filter.Status {
				continue
			}
			if afterCursor(filter.Page, run.ID) {
				out = append(out, run.Clone())
			}
		}
	})
	sortPage(out, filter.Page, func(run *taskrun.Run) int64 { return run.ID }, runLess(filter.Page.SortField))
	return window(out, filter.Page), nil
}

type auditStore struct{ s *Store }

func (a auditStore) ListAudits(_ context.Context, kind audit.Kind, page paging.Page) ([]*audit.Record, error) {
	var out []*audit.Record
	a.s.read(func(st *state) {
		for _, rec := range st.audits[kind] {
			if afterCursor(page, rec.ID) {
				copied := *rec
				out = append(out, &copied)
			}
		}
	})
	sortPage(out, page, func(rec *audit.Record) int64 { return rec.ID }, auditLess(page.SortField))
	return window(out, page), nil
}

func afterCursor(page paging.Page, id int64) bool {
	return !page.Keyset() || id > *page.AfterID
}

// sortPage orders items by less, breaking ties by id in the same direction.
// Keyset pages always walk ids ascending.
func sortPage[T any](items []T, page paging.Page, id func(T) int64, less func(a, b T) int) {
	sort.SliceStable(items, func(i, j int) bool {
		cmp := 0
		if !page.Keyset() && less != nil {
			cmp = less(items[i], items[j])
		}
		if cmp == 0 {
			cmp = compareInt(id(items[i]), id(items[j]))
		}
		if page.SortDesc && !page.Keyset() {
			return cmp > 0
		}
		return cmp < 0
	})
}

func window[T any](items []T, page paging.Page) []T {
	start := page.Offset()
	if start < 0 || start >= len(items) {
		return []T{}
	}
	end := start + page.Size
	if end < start || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
