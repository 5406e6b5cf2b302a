package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ecmwf/open-ecpds-sub002/internal/catalog"
)

type requestBodyTooLargeError struct {
	Limit int64
}

func (e *requestBodyTooLargeError) Error() string {
	return fmt.Sprintf("request body too large (max %d bytes)", e.Limit)
}

// DecodeBody decodes the JSON request body into v, rejecting unknown fields.
func DecodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: must contain a single JSON value")
	}
	return nil
}

// PathParam extracts a named path parameter from the request URL.
// Works with Go 1.22+ ServeMux pattern matching (e.g. /destinations/{dest}).
func PathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// ParseListOrder reads sort_by and sort_order from query parameters and maps
// them onto catalog listing order.
func ParseListOrder(r *http.Request) (catalog.Sort, catalog.Order, error) {
	s := catalog.SortByTarget
	switch v := r.URL.Query().Get("sort_by"); v {
	case "", "target":
	case "scheduled_time":
		s = catalog.SortByScheduledTime
	case "size":
		s = catalog.SortBySize
	default:
		return s, catalog.OrderAsc, fmt.Errorf("sort_by: must be one of [target scheduled_time size]")
	}
	o := catalog.OrderAsc
	switch v := r.URL.Query().Get("sort_order"); v {
	case "", "asc":
	case "desc":
		o = catalog.OrderDesc
	default:
		return s, o, fmt.Errorf("sort_order: must be 'asc' or 'desc'")
	}
	return s, o, nil
}

// ParseIntQuery parses an optional integer query parameter with a default.
func ParseIntQuery(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal, fmt.Errorf("%s: must be a non-negative integer", key)
	}
	return n, nil
}

// ParseInt64Query parses an optional int64 query parameter with a default.
func ParseInt64Query(r *http.Request, key string, defaultVal int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return defaultVal, fmt.Errorf("%s: must be a non-negative integer", key)
	}
	return n, nil
}
