package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := New(TypeRunStarted, 9, 3, 4, "RUNNING", "req-1", at)
	payload, err := Encode(evt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.OccurredAt.Equal(evt.OccurredAt) {
		t.Fatalf("timestamp mismatch: %v != %v", got.OccurredAt, evt.OccurredAt)
	}
	got.OccurredAt = evt.OccurredAt
	if got != evt {
		t.Fatalf("round trip mismatch: %+v != %+v", got, evt)
	}
	if _, err := Decode([]byte(`{"runId":1}`)); err == nil {
		t.Fatalf("expected missing type to fail")
	}
}

func TestMemoryQueueDeliversInOrder(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(4)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := q.Publish(ctx, New(TypeRunStatusChanged, i, 1, 1, "COMPLETED", "", time.Now())); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Publish(ctx, Event{Type: TypeRunStarted}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed queue error, got %v", err)
	}

	var seen []int64
	if err := q.Consume(ctx, func(_ context.Context, evt Event) error {
		seen = append(seen, evt.RunID)
		return nil
	}); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected delivery order %v", seen)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), Event{Type: TypeRunStarted}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Publish(ctx, Event{Type: TypeRunStarted}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation on full queue, got %v", err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	t.Parallel()

	q, err := Open(context.Background(), Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := q.(*MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}
	q, err = Open(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := q.Consume(context.Background(), nil); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("expected no driver error, got %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "kafka"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: "redis"}); err == nil {
		t.Fatalf("expected redis without address to fail")
	}
	if _, err := Open(context.Background(), Config{Driver: "rabbitmq"}); err == nil {
		t.Fatalf("expected rabbitmq without url to fail")
	}
}
