// Package events publishes task run lifecycle notifications after the
// owning transaction has committed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type names an event.
type Type string

const (
	TypeRunStarted       Type = "task_run.started"
	TypeRunStatusChanged Type = "task_run.status_changed"
)

// Event is the wire payload published to every driver.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	RunID      int64     `json:"runId"`
	TaskID     int64     `json:"taskId"`
	AgentID    int64     `json:"agentId"`
	Status     string    `json:"status"`
	RequestID  string    `json:"requestId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// New builds an event with a fresh id.
func New(typ Type, runID, taskID, agentID int64, status, requestID string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		RunID:      runID,
		TaskID:     taskID,
		AgentID:    agentID,
		Status:     status,
		RequestID:  requestID,
		OccurredAt: at.UTC(),
	}
}

// Encode serialises the event.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode parses an event payload.
func Decode(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if evt.Type == "" {
		return Event{}, errors.New("decode event: missing type")
	}
	return evt, nil
}

// Handler 处理来自队列的事件。
type Handler func(ctx context.Context, evt Event) error

//go:generate mockgen -destination=eventsmock/publisher.go -package=eventsmock trase-agent/internal/events Publisher

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Publisher
	Consumer
}

// ErrNoDriver is returned when consuming without a configured driver.
var ErrNoDriver = errors.New("no event driver configured")

// Discard drops every event. It is used when no driver is configured.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }

// Consume implements Consumer.
func (Discard) Consume(context.Context, Handler) error { return ErrNoDriver }

// Close implements Publisher.
func (Discard) Close() error { return nil }
