// Package handlers implements the HTTP request handlers of the management API.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blobmirror/blobmirror/internal/apierr"
	"github.com/blobmirror/blobmirror/internal/backend"
	"github.com/blobmirror/blobmirror/internal/query"
)

const (
	metaHeaderPrefix = "x-blobmirror-meta-"
	tagHeaderPrefix  = "x-blobmirror-tag-"
)

// parseQueryOptions reads the listing options ($filter, $orderby, $select,
// $top, $skip) from the request. Validation of filter syntax and field names
// happens later in the query engine; only the integer shape is checked here.
func parseQueryOptions(r *http.Request) (query.Options, error) {
	q := r.URL.Query()
	opts := query.Options{
		Filter:  q.Get("$filter"),
		OrderBy: q.Get("$orderby"),
		Select:  q.Get("$select"),
		Path:    r.URL.Path,
	}
	if raw := q.Get("$top"); raw != "" {
		top, err := strconv.Atoi(raw)
		if err != nil {
			return opts, apierr.Validation("$top must be an integer, got %q", raw)
		}
		opts.Top = &top
	}
	if raw := q.Get("$skip"); raw != "" {
		skip, err := strconv.Atoi(raw)
		if err != nil {
			return opts, apierr.Validation("$skip must be an integer, got %q", raw)
		}
		opts.Skip = skip
	}
	return opts, nil
}

// parseRangeHeader parses a single-range "bytes=start-end" header into a
// backend byte window. An open end ("bytes=N-") reads to the end of the
// blob. Suffix ranges ("bytes=-N") and multi-range are not supported.
func parseRangeHeader(header string) (*backend.Range, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, apierr.Validation("range header must start with bytes=")
	}
	if strings.Contains(spec, ",") {
		return nil, apierr.Validation("multi-range requests are not supported")
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, apierr.Validation("invalid range spec %q", spec)
	}
	if startStr == "" {
		return nil, apierr.Validation("suffix ranges are not supported")
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, apierr.Validation("invalid range start %q", startStr)
	}
	if endStr == "" {
		return &backend.Range{Offset: start}, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, apierr.Validation("invalid range end %q", endStr)
	}
	return &backend.Range{Offset: start, Count: end - start + 1}, nil
}

// extractPrefixedHeaders collects request headers carrying the given prefix
// into a map keyed by the lowercased remainder. Returns nil when none match.
func extractPrefixedHeaders(r *http.Request, prefix string) map[string]string {
	var out map[string]string
	for key, values := range r.Header {
		lower := strings.ToLower(key)
		rest, ok := strings.CutPrefix(lower, prefix)
		if !ok || rest == "" || len(values) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[rest] = values[0]
	}
	return out
}

// setEntityHeaders writes the validator headers every entity response
// carries.
func setEntityHeaders(w http.ResponseWriter, etag string, lastModified time.Time) {
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	if !lastModified.IsZero() {
		w.Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// contentRangeValue renders a Content-Range header for a partial response.
func contentRangeValue(rng *backend.Range, contentLength int64) string {
	end := rng.Offset + contentLength - 1
	return fmt.Sprintf("bytes %d-%d/*", rng.Offset, end)
}
