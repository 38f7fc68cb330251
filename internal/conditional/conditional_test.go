package conditional

import (
	"net/http/httptest"
	"testing"
	"time"
)

var (
	etag     = `"0xABCD"`
	modified = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluateNoConditions(t *testing.T) {
	if got := Evaluate(etag, modified, Conditions{}, true); got != Proceed {
		t.Errorf("Evaluate(empty, read) = %v, want Proceed", got)
	}
	if got := Evaluate(etag, modified, Conditions{}, false); got != Proceed {
		t.Errorf("Evaluate(empty, write) = %v, want Proceed", got)
	}
}

func TestIfMatch(t *testing.T) {
	cases := []struct {
		name    string
		ifMatch string
		want    Outcome
	}{
		{"exact", `"0xABCD"`, Proceed},
		{"unquoted", `0xABCD`, Proceed},
		{"wildcard", `*`, Proceed},
		{"list hit", `"0x1", "0xABCD"`, Proceed},
		{"mismatch", `"0x1"`, PreconditionFailed},
		{"list miss", `"0x1", "0x2"`, PreconditionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(etag, modified, Conditions{IfMatch: tc.ifMatch}, false)
			if got != tc.want {
				t.Errorf("Evaluate = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIfMatchOverridesIfUnmodifiedSince(t *testing.T) {
	// A passing If-Match must suppress a failing If-Unmodified-Since.
	before := modified.Add(-time.Hour)
	c := Conditions{IfMatch: etag, IfUnmodifiedSince: timePtr(before)}
	if got := Evaluate(etag, modified, c, false); got != Proceed {
		t.Errorf("Evaluate = %v, want Proceed (If-Match authoritative)", got)
	}

	// And a failing If-Match must fail even when If-Unmodified-Since passes.
	after := modified.Add(time.Hour)
	c = Conditions{IfMatch: `"0xother"`, IfUnmodifiedSince: timePtr(after)}
	if got := Evaluate(etag, modified, c, false); got != PreconditionFailed {
		t.Errorf("Evaluate = %v, want PreconditionFailed", got)
	}
}

func TestIfUnmodifiedSince(t *testing.T) {
	after := modified.Add(time.Hour)
	if got := Evaluate(etag, modified, Conditions{IfUnmodifiedSince: timePtr(after)}, false); got != Proceed {
		t.Errorf("unmodified since later = %v, want Proceed", got)
	}
	before := modified.Add(-time.Hour)
	if got := Evaluate(etag, modified, Conditions{IfUnmodifiedSince: timePtr(before)}, false); got != PreconditionFailed {
		t.Errorf("modified after cutoff = %v, want PreconditionFailed", got)
	}
	// Equal timestamps pass; the comparison has one-second resolution.
	same := modified.Add(500 * time.Millisecond)
	if got := Evaluate(etag, modified, Conditions{IfUnmodifiedSince: timePtr(same)}, false); got != Proceed {
		t.Errorf("same second = %v, want Proceed", got)
	}
}

func TestIfNoneMatch(t *testing.T) {
	// Matching If-None-Match: 304 for reads, 412 for writes.
	c := Conditions{IfNoneMatch: etag}
	if got := Evaluate(etag, modified, c, true); got != NotModified {
		t.Errorf("read = %v, want NotModified", got)
	}
	if got := Evaluate(etag, modified, c, false); got != PreconditionFailed {
		t.Errorf("write = %v, want PreconditionFailed", got)
	}

	// Wildcard matches any existing resource.
	c = Conditions{IfNoneMatch: "*"}
	if got := Evaluate(etag, modified, c, false); got != PreconditionFailed {
		t.Errorf("wildcard write = %v, want PreconditionFailed", got)
	}

	// Non-matching passes.
	c = Conditions{IfNoneMatch: `"0xother"`}
	if got := Evaluate(etag, modified, c, true); got != Proceed {
		t.Errorf("non-matching = %v, want Proceed", got)
	}
}

func TestIfNoneMatchOverridesIfModifiedSince(t *testing.T) {
	// Non-matching If-None-Match wins over an If-Modified-Since that would
	// have produced 304.
	after := modified.Add(time.Hour)
	c := Conditions{IfNoneMatch: `"0xother"`, IfModifiedSince: timePtr(after)}
	if got := Evaluate(etag, modified, c, true); got != Proceed {
		t.Errorf("Evaluate = %v, want Proceed (If-None-Match authoritative)", got)
	}
}

func TestIfModifiedSince(t *testing.T) {
	after := modified.Add(time.Hour)
	if got := Evaluate(etag, modified, Conditions{IfModifiedSince: timePtr(after)}, true); got != NotModified {
		t.Errorf("not modified since = %v, want NotModified", got)
	}
	before := modified.Add(-time.Hour)
	if got := Evaluate(etag, modified, Conditions{IfModifiedSince: timePtr(before)}, true); got != Proceed {
		t.Errorf("modified since = %v, want Proceed", got)
	}
	// If-Modified-Since is ignored on mutations.
	if got := Evaluate(etag, modified, Conditions{IfModifiedSince: timePtr(after)}, false); got != Proceed {
		t.Errorf("write with If-Modified-Since = %v, want Proceed", got)
	}
}

func TestWeakValidatorNormalization(t *testing.T) {
	c := Conditions{IfMatch: `W/"0xABCD"`}
	if got := Evaluate(etag, modified, c, false); got != Proceed {
		t.Errorf("weak validator = %v, want Proceed", got)
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/containers/x", nil)
	r.Header.Set("If-Match", `"0x1"`)
	r.Header.Set("If-Modified-Since", "Sun, 01 Mar 2026 12:00:00 GMT")
	r.Header.Set("If-Unmodified-Since", "not a date")

	c := FromRequest(r)
	if c.IfMatch != `"0x1"` {
		t.Errorf("IfMatch = %q", c.IfMatch)
	}
	if c.IfModifiedSince == nil || !c.IfModifiedSince.Equal(modified) {
		t.Errorf("IfModifiedSince = %v, want %v", c.IfModifiedSince, modified)
	}
	// Garbage dates are dropped, not errors.
	if c.IfUnmodifiedSince != nil {
		t.Errorf("IfUnmodifiedSince = %v, want nil", c.IfUnmodifiedSince)
	}
	if c.Empty() {
		t.Error("Empty() = true with headers set")
	}
	if !FromRequest(httptest.NewRequest("GET", "/", nil)).Empty() {
		t.Error("Empty() = false with no headers")
	}
}
