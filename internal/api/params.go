package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func userIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid("user id %q is not a telegram id", raw)
	}
	return id, nil
}

// queryInt64 reads an optional non-negative integer query value.
func queryInt64(r *http.Request, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, invalid("%s must be a non-negative number", name)
	}
	return v, nil
}

func pageSize(r *http.Request) (int64, error) {
	limit, err := queryInt64(r, "limit", defaultPageSize)
	if err != nil {
		return 0, err
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, nil
}
