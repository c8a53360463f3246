package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"trase-agent/internal/auth"
	"trase-agent/internal/paging"
)

type captureWriter struct {
	records []*Record
	err     error
}

func (w *captureWriter) InsertAudit(_ context.Context, rec *Record) error {
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, rec)
	return nil
}

func TestRecordCapturesActorAndRequestID(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	recorder := NewRecorderWithClock(func() time.Time { return fixed })
	ctx := auth.WithSubject(context.Background(), &auth.Subject{ID: 7, Username: "ops"})
	ctx = context.WithValue(ctx, middleware.RequestIDKey, "req-42")

	w := &captureWriter{}
	status := "COMPLETED"
	if err := recorder.Record(ctx, w, KindTaskRun, 11, ActionStatusUpdate, &status); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(w.records) != 1 {
		t.Fatalf("expected one record, got %d", len(w.records))
	}
	rec := w.records[0]
	if rec.Kind != KindTaskRun || rec.SubjectID != 11 || rec.Action != ActionStatusUpdate || *rec.Status != "COMPLETED" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Actor.UserID == nil || *rec.Actor.UserID != 7 || *rec.Actor.Username != "ops" || *rec.Actor.RequestID != "req-42" {
		t.Fatalf("unexpected actor %+v", rec.Actor)
	}
	if !rec.OccurredAt.Equal(fixed) {
		t.Fatalf("unexpected timestamp %v", rec.OccurredAt)
	}
}

func TestRecordWithoutActorLeavesNulls(t *testing.T) {
	t.Parallel()

	w := &captureWriter{}
	if err := NewRecorder().Record(context.Background(), w, KindAgent, 1, ActionCreate, nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	actor := w.records[0].Actor
	if actor.UserID != nil || actor.Username != nil || actor.RequestID != nil {
		t.Fatalf("expected empty actor, got %+v", actor)
	}
}

func TestRecordPropagatesWriterError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := NewRecorder().Record(context.Background(), &captureWriter{err: boom}, KindTask, 1, ActionDelete, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected writer error, got %v", err)
	}
}

type pageStore struct {
	kind Kind
	page paging.Page
}

func (s *pageStore) ListAudits(_ context.Context, kind Kind, page paging.Page) ([]*Record, error) {
	s.kind, s.page = kind, page
	return nil, nil
}

func TestQueryServiceDefaultsToNewestFirst(t *testing.T) {
	t.Parallel()

	store := &pageStore{}
	svc := NewQueryService(store)
	if _, err := svc.ListRunAudits(context.Background(), paging.WithPage(2)); err != nil {
		t.Fatalf("ListRunAudits: %v", err)
	}
	if store.kind != KindTaskRun || store.page.SortField != "id" || !store.page.SortDesc || store.page.Size != paging.DefaultSize || store.page.Page != 2 {
		t.Fatalf("unexpected page %+v for %s", store.page, store.kind)
	}
	if _, err := svc.List(context.Background(), Kind("users")); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}
