package audit

import (
	"context"

	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/paging"
)

// Store lists persisted audit records.
type Store interface {
	ListAudits(ctx context.Context, kind Kind, page paging.Page) ([]*Record, error)
}

var listDefaults = paging.Defaults{SortField: "id", SortDesc: true, Sortable: []string{"id", "occurredAt"}}

// QueryService exposes read access to the three audit trails.
type QueryService struct {
	store Store
}

// NewQueryService wires the query service to a store.
func NewQueryService(store Store) *QueryService {
	return &QueryService{store: store}
}

// List returns one page of the trail for kind, newest first unless a sort is given.
func (s *QueryService) List(ctx context.Context, kind Kind, opts ...paging.Option) ([]*Record, error) {
	if !kind.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown audit kind "+string(kind))
	}
	page := paging.Build(listDefaults, opts)
	records, err := s.store.ListAudits(ctx, kind, page)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list audits")
	}
	return records, nil
}

// ListAgentAudits lists the agent trail.
func (s *QueryService) ListAgentAudits(ctx context.Context, opts ...paging.Option) ([]*Record, error) {
	return s.List(ctx, KindAgent, opts...)
}

// ListTaskAudits lists the task trail.
func (s *QueryService) ListTaskAudits(ctx context.Context, opts ...paging.Option) ([]*Record, error) {
	return s.List(ctx, KindTask, opts...)
}

// ListRunAudits lists the task run trail.
func (s *QueryService) ListRunAudits(ctx context.Context, opts ...paging.Option) ([]*Record, error) {
	return s.List(ctx, KindTaskRun, opts...)
}
