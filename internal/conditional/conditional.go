// Package conditional evaluates HTTP conditional request headers against a
// resource's current ETag and modification time, following the RFC 7232
// precedence rules.
package conditional

import (
	"net/http"
	"strings"
	"time"
)

// Outcome is the evaluation verdict.
type Outcome int

const (
	// Proceed means every present precondition passed.
	Proceed Outcome = iota
	// NotModified means a read request should short-circuit with 304.
	NotModified
	// PreconditionFailed means the request must be rejected with 412.
	PreconditionFailed
)

// String returns a short name for the outcome, for logs.
func (o Outcome) String() string {
	switch o {
	case NotModified:
		return "not-modified"
	case PreconditionFailed:
		return "precondition-failed"
	}
	return "proceed"
}

// Conditions carries the four conditional headers of a request. Zero-valued
// fields mean the header was absent.
type Conditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
}

// FromRequest extracts the conditional headers from an HTTP request.
// Unparseable date headers are ignored, as RFC 7232 directs.
func FromRequest(r *http.Request) Conditions {
	c := Conditions{
		IfMatch:     r.Header.Get("If-Match"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
	}
	if v := r.Header.Get("If-Modified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfModifiedSince = &t
		}
	}
	if v := r.Header.Get("If-Unmodified-Since"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			c.IfUnmodifiedSince = &t
		}
	}
	return c
}

// Empty reports whether no conditional header was present.
func (c Conditions) Empty() bool {
	return c.IfMatch == "" && c.IfNoneMatch == "" &&
		c.IfModifiedSince == nil && c.IfUnmodifiedSince == nil
}

// Evaluate applies the preconditions to a resource with the given ETag and
// last-modified time. The readOnly flag selects the verdict when
// If-None-Match (or If-Modified-Since) indicates an unchanged resource:
// reads get NotModified, mutations get PreconditionFailed.
//
// Precedence follows RFC 7232 §6: If-Match is authoritative over
// If-Unmodified-Since, and If-None-Match over If-Modified-Since.
func Evaluate(etag string, lastModified time.Time, c Conditions, readOnly bool) Outcome {
	current := normalizeETag(etag)

	// Step 1: If-Match.
	if c.IfMatch != "" {
		if !etagListMatches(c.IfMatch, current) {
			return PreconditionFailed
		}
	} else if c.IfUnmodifiedSince != nil {
		// Step 2: If-Unmodified-Since, only when If-Match is absent.
		if lastModified.Truncate(time.Second).After(c.IfUnmodifiedSince.Truncate(time.Second)) {
			return PreconditionFailed
		}
	}

	// Step 3: If-None-Match.
	if c.IfNoneMatch != "" {
		if etagListMatches(c.IfNoneMatch, current) {
			if readOnly {
				return NotModified
			}
			return PreconditionFailed
		}
		return Proceed
	}

	// Step 4: If-Modified-Since, only when If-None-Match is absent, and
	// only meaningful for reads.
	if readOnly && c.IfModifiedSince != nil {
		if !lastModified.Truncate(time.Second).After(c.IfModifiedSince.Truncate(time.Second)) {
			return NotModified
		}
	}

	return Proceed
}

// normalizeETag strips surrounding quotes and any weak-validator prefix so
// comparisons are insensitive to the caller's quoting style.
func normalizeETag(e string) string {
	e = strings.TrimSpace(e)
	e = strings.TrimPrefix(e, "W/")
	return strings.Trim(e, `"`)
}

// etagListMatches reports whether the header value, which may be "*" or a
// comma-separated ETag list, matches the current ETag.
func etagListMatches(header, current string) bool {
	if header == "*" {
		return true
	}
	for _, tag := range strings.Split(header, ",") {
		if normalizeETag(tag) == current {
			return true
		}
	}
	return false
}
