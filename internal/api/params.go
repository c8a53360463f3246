package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	xerrors "trase-agent/internal/errors"
	"trase-agent/internal/paging"
)

func invalidParam(name, raw string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, "Invalid value '"+raw+"' for parameter '"+name+"'")
}

// pathID 解析路由中的 {id}。
func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, invalidParam("id", raw)
	}
	return id, nil
}

// pagingOptions reads page, size, sort and afterId. Absent parameters fall
// back to the listing's defaults.
func pagingOptions(r *http.Request, withCursor bool) ([]paging.Option, error) {
	q := r.URL.Query()
	var opts []paging.Option

	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalidParam("page", raw)
		}
		opts = append(opts, paging.WithPage(page))
	}
	if raw := strings.TrimSpace(q.Get("size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return nil, invalidParam("size", raw)
		}
		opts = append(opts, paging.WithSize(size))
	}
	if raw := q.Get("sort"); raw != "" {
		field, desc := paging.ParseSort(raw)
		opts = append(opts, paging.WithSort(field, desc))
	}
	if withCursor {
		if raw := strings.TrimSpace(q.Get("afterId")); raw != "" {
			after, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, invalidParam("afterId", raw)
			}
			opts = append(opts, paging.WithAfterID(after))
		}
	}
	return opts, nil
}
