// Package paging holds the list options shared by every listing endpoint.
//
// Two modes exist. Offset mode pages through a sorted result set with
// page/size. Keyset mode is selected by AfterID and always walks the id
// column ascending, ignoring page and sort.
package paging

import (
	"math"
	"strings"
)

const (
	// DefaultSize is used when the caller does not ask for a page size.
	DefaultSize = 50
	// MaxSize caps the page size requested by clients.
	MaxSize = 200
	// MaxPage keeps Page*Size inside int for any accepted size.
	MaxPage = math.MaxInt / MaxSize
)

// Page describes a page request.
type Page struct {
	Page      int
	Size      int
	SortField string
	SortDesc  bool
	AfterID   *int64
}

// Keyset reports whether the request walks the id cursor.
func (p Page) Keyset() bool {
	return p.AfterID != nil
}

// Offset returns the number of rows to skip in offset mode.
func (p Page) Offset() int {
	if p.Keyset() {
		return 0
	}
	return p.Page * p.Size
}

// Option mutates a Page.
type Option func(*Page)

// WithPage selects the zero based page number.
func WithPage(page int) Option {
	return func(p *Page) {
		p.Page = page
	}
}

// WithSize selects the page size.
func WithSize(size int) Option {
	return func(p *Page) {
		p.Size = size
	}
}

// WithSort orders offset pages by field.
func WithSort(field string, desc bool) Option {
	return func(p *Page) {
		p.SortField = field
		p.SortDesc = desc
	}
}

// WithAfterID switches to keyset mode.
func WithAfterID(id int64) Option {
	return func(p *Page) {
		p.AfterID = &id
	}
}

// Defaults describes the sort applied when none (or an unknown field) is requested.
type Defaults struct {
	SortField string
	SortDesc  bool
	Sortable  []string
}

// Build applies opts on top of the defaults and sanitizes the result.
func Build(defaults Defaults, opts []Option) Page {
	page := Page{}
	for _, opt := range opts {
		if opt != nil {
			opt(&page)
		}
	}
	page.applyDefaults(defaults)
	return page
}

func (p *Page) applyDefaults(defaults Defaults) {
	if p.Size <= 0 {
		p.Size = DefaultSize
	}
	if p.Size > MaxSize {
		p.Size = MaxSize
	}
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Keyset() {
		p.Page = 0
		p.SortField = "id"
		p.SortDesc = false
		return
	}
	if !contains(defaults.Sortable, p.SortField) {
		p.SortField = defaults.SortField
		p.SortDesc = defaults.SortDesc
	}
}

// ParseSort parses the "field,dir" notation used by query strings. The
// direction defaults to ascending.
func ParseSort(raw string) (field string, desc bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	field, dir, _ := strings.Cut(raw, ",")
	return strings.TrimSpace(field), strings.EqualFold(strings.TrimSpace(dir), "desc")
}

func contains(values []string, target string) bool {
	if target == "" {
		return false
	}
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
