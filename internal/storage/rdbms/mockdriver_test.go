package rdbms

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// scriptDriver is a database/sql driver that serves a fixed script of
// expected calls in order. Any call that deviates from the script fails with
// an error naming the step, which surfaces through the code under test.

type stepKind string

const (
	stepBegin    stepKind = "BEGIN"
	stepCommit   stepKind = "COMMIT"
	stepRollback stepKind = "ROLLBACK"
	stepExec     stepKind = "EXEC"
	stepQuery    stepKind = "QUERY"
)

type step struct {
	kind     stepKind
	sql      string
	args     []driver.Value
	checkArg bool
	insertID int64
	affected int64
	columns  []string
	rows     [][]driver.Value
	err      error
}

func expectBegin() *step    { return &step{kind: stepBegin} }
func expectCommit() *step   { return &step{kind: stepCommit} }
func expectRollback() *step { return &step{kind: stepRollback} }

func expectExec(query string) *step  { return &step{kind: stepExec, sql: query} }
func expectQuery(query string) *step { return &step{kind: stepQuery, sql: query} }

// withArgs pins the bound arguments after database/sql conversion.
func (s *step) withArgs(args ...driver.Value) *step {
	s.args, s.checkArg = args, true
	return s
}

func (s *step) returns(insertID, affected int64) *step {
	s.insertID, s.affected = insertID, affected
	return s
}

func (s *step) yields(columns []string, rows ...[]driver.Value) *step {
	s.columns, s.rows = columns, rows
	return s
}

func (s *step) fails(err error) *step {
	s.err = err
	return s
}

type scriptDriver struct {
	mu    sync.Mutex
	steps []*step
	pos   int
}

var scriptSeq atomic.Int64

func newScriptDB(t *testing.T, steps ...*step) *sql.DB {
	t.Helper()
	drv := &scriptDriver{steps: steps}
	name := fmt.Sprintf("script-%d", scriptSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open script db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.pos != len(drv.steps) {
			t.Errorf("script stopped at step %d of %d", drv.pos, len(drv.steps))
		}
	})
	return db
}

func (d *scriptDriver) advance(kind stepKind, query string, args []driver.NamedValue) (*step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.steps) {
		return nil, fmt.Errorf("unscripted %s %q", kind, query)
	}
	s := d.steps[d.pos]
	if s.kind != kind {
		return nil, fmt.Errorf("step %d: want %s, got %s %q", d.pos, s.kind, kind, query)
	}
	if s.sql != "" && squash(s.sql) != squash(query) {
		return nil, fmt.Errorf("step %d: want %q, got %q", d.pos, squash(s.sql), squash(query))
	}
	if s.checkArg {
		got := make([]driver.Value, len(args))
		for i, a := range args {
			got[i] = a.Value
		}
		if !reflect.DeepEqual(got, s.args) {
			return nil, fmt.Errorf("step %d: want args %v, got %v", d.pos, s.args, got)
		}
	}
	d.pos++
	return s, s.err
}

func (d *scriptDriver) Open(string) (driver.Conn, error) { return scriptConn{d}, nil }

type scriptConn struct{ d *scriptDriver }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not scripted: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.d.advance(stepBegin, "", nil); err != nil {
		return nil, err
	}
	return scriptTx(c), nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	s, err := c.d.advance(stepExec, query, args)
	if err != nil {
		return nil, err
	}
	return scriptResult{s}, nil
}

func (c scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	s, err := c.d.advance(stepQuery, query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: s.columns, rows: s.rows}, nil
}

type scriptTx struct{ d *scriptDriver }

func (t scriptTx) Commit() error {
	_, err := t.d.advance(stepCommit, "", nil)
	return err
}

func (t scriptTx) Rollback() error {
	_, err := t.d.advance(stepRollback, "", nil)
	return err
}

type scriptResult struct{ s *step }

func (r scriptResult) LastInsertId() (int64, error) { return r.s.insertID, nil }
func (r scriptResult) RowsAffected() (int64, error) { return r.s.affected, nil }

type scriptRows struct {
	columns []string
	rows    [][]driver.Value
	next    int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

func squash(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
