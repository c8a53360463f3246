package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	driver "github.com/go-sql-driver/mysql"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	dup := &driver.MySQLError{Number: 1062, Message: "Duplicate entry 'k' for key 'uk_task_run_idempotency_key'"}
	if !IsUniqueViolation(fmt.Errorf("insert: %w", dup)) {
		t.Fatalf("expected wrapped 1062 to be a unique violation")
	}
	if IsUniqueViolation(&driver.MySQLError{Number: 1452}) {
		t.Fatalf("foreign key failure is not a unique violation")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
}

func TestDialectUsesReadCommitted(t *testing.T) {
	t.Parallel()

	d := Dialect()
	if d.TxOptions == nil || d.TxOptions.Isolation != sql.LevelReadCommitted {
		t.Fatalf("unexpected tx options %+v", d.TxOptions)
	}
	if d.Migrations == nil {
		t.Fatalf("expected embedded migrations")
	}
}

func TestNormalizeDSNAddsCharset(t *testing.T) {
	t.Parallel()

	dsn, err := normalizeDSN("trase:secret@tcp(127.0.0.1:3306)/trase")
	if err != nil {
		t.Fatalf("normalizeDSN: %v", err)
	}
	if !strings.Contains(dsn, "charset=utf8mb4") {
		t.Fatalf("charset not added: %s", dsn)
	}
	if _, err := normalizeDSN("not a dsn"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
