package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrRunID     = attribute.Key("trase.run.id")
	AttrTaskID    = attribute.Key("trase.task.id")
	AttrAgentID   = attribute.Key("trase.agent.id")
	AttrRunStatus = attribute.Key("trase.run.status")
	AttrReplay    = attribute.Key("trase.run.idempotent_replay")
)

// RunInstruments holds the counters recorded by the run lifecycle.
type RunInstruments struct {
	Started     metric.Int64Counter
	Replayed    metric.Int64Counter
	Transitions metric.Int64Counter
	Rejections  metric.Int64Counter
}

// NewRunInstruments creates the run lifecycle instruments from meter.
func NewRunInstruments(meter metric.Meter) (*RunInstruments, error) {
	m := &RunInstruments{}
	var err error

	m.Started, err = meter.Int64Counter("trase.run.started",
		metric.WithDescription("Task runs created"),
	)
	if err != nil {
		return nil, err
	}
	m.Replayed, err = meter.Int64Counter("trase.run.replayed",
		metric.WithDescription("Start requests answered from an idempotency key"),
	)
	if err != nil {
		return nil, err
	}
	m.Transitions, err = meter.Int64Counter("trase.run.transitions",
		metric.WithDescription("Accepted task run status transitions"),
	)
	if err != nil {
		return nil, err
	}
	m.Rejections, err = meter.Int64Counter("trase.run.rejections",
		metric.WithDescription("Rejected task run operations by error code"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
