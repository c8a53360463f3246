package taskrun

import "trase-agent/internal/paging"

var listDefaults = paging.Defaults{
	SortField: "id",
	Sortable:  []string{"id", "taskId", "agentId", "status", "startedAt", "completedAt"},
}

// ListOptions controls how runs are selected when listing.
type ListOptions struct {
	Status *Status
	Paging []paging.Option
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithStatus filters runs by status. It applies in both paging modes.
func WithStatus(status Status) ListOption {
	return func(opts *ListOptions) {
		opts.Status = &status
	}
}

// WithPaging forwards page, size, sort or cursor options.
func WithPaging(opts ...paging.Option) ListOption {
	return func(o *ListOptions) {
		o.Paging = append(o.Paging, opts...)
	}
}

// buildFilter applies option functions on top of defaults.
func buildFilter(opts []ListOption) Filter {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return Filter{Status: options.Status, Page: paging.Build(listDefaults, options.Paging)}
}
