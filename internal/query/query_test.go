package query

import (
	"fmt"
	"testing"
	"time"

	"github.com/blobmirror/blobmirror/internal/apierr"
)

type testBlob struct {
	Name          string
	ContentLength int64
	LastModified  time.Time
	LegalHold     bool
}

func blobFields() FieldSet[testBlob] {
	return FieldSet[testBlob]{
		"name":          {Kind: String, Get: func(b testBlob) any { return b.Name }},
		"contentLength": {Kind: Int, Get: func(b testBlob) any { return b.ContentLength }},
		"lastModified": {
			Kind:   Time,
			Get:    func(b testBlob) any { return b.LastModified },
			Render: func(v any) any { return v.(time.Time).UTC().Format(time.RFC3339) },
		},
		"legalHold": {Kind: Bool, Get: func(b testBlob) any { return b.LegalHold }},
	}
}

func testLimits() Limits { return Limits{DefaultTop: 50, MaxTop: 500} }

func intPtr(n int) *int { return &n }

func sampleBlobs() []testBlob {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return []testBlob{
		{Name: "alpha.txt", ContentLength: 3, LastModified: base},
		{Name: "test-1.log", ContentLength: 10, LastModified: base.Add(time.Hour)},
		{Name: "test-2.log", ContentLength: 4, LastModified: base.Add(2 * time.Hour)},
		{Name: "test-3.log", ContentLength: 20, LastModified: base.Add(3 * time.Hour), LegalHold: true},
		{Name: "zeta.bin", ContentLength: 100, LastModified: base.Add(4 * time.Hour)},
	}
}

func TestApplyNoOptions(t *testing.T) {
	page, err := Apply(sampleBlobs(), blobFields(), Options{Path: "/api/c/x/blobs"}, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(page.Items) != 5 {
		t.Errorf("len(Items) = %d, want 5", len(page.Items))
	}
	if page.TotalCount != 5 || page.FilteredCount != 5 {
		t.Errorf("counts = (%d, %d), want (5, 5)", page.TotalCount, page.FilteredCount)
	}
	if page.NextLink != nil || page.PrevLink != nil {
		t.Errorf("links = (%v, %v), want (nil, nil)", page.NextLink, page.PrevLink)
	}
}

func TestFilterStartsWithAndComparison(t *testing.T) {
	opts := Options{
		Filter: "startswith(name,'test') and contentLength gt 5",
		Path:   "/api/c/x/blobs",
	}
	page, err := Apply(sampleBlobs(), blobFields(), opts, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if page.FilteredCount != 2 {
		t.Fatalf("FilteredCount = %d, want 2", page.FilteredCount)
	}
	want := map[string]bool{"test-1.log": true, "test-3.log": true}
	for _, it := range page.Items {
		b := it.(testBlob)
		if !want[b.Name] {
			t.Errorf("unexpected item %q", b.Name)
		}
	}
	if page.TotalCount != 5 {
		t.Errorf("TotalCount = %d, want 5", page.TotalCount)
	}
}

func TestFilterKinds(t *testing.T) {
	blobs := sampleBlobs()
	cases := []struct {
		filter string
		want   int
	}{
		{"name eq 'zeta.bin'", 1},
		{"name ne 'zeta.bin'", 4},
		{"contentLength ge 10", 3},
		{"contentLength le 4", 2},
		{"legalHold eq true", 1},
		{"legalHold ne true", 4},
		{"lastModified gt '2026-03-01T02:00:00Z'", 2},
		{"(contentLength gt 5) and (contentLength lt 50)", 2},
	}
	for _, tc := range cases {
		t.Run(tc.filter, func(t *testing.T) {
			page, err := Apply(blobs, blobFields(), Options{Filter: tc.filter}, testLimits())
			if err != nil {
				t.Fatalf("Apply(%q): %v", tc.filter, err)
			}
			if page.FilteredCount != tc.want {
				t.Errorf("FilteredCount = %d, want %d", page.FilteredCount, tc.want)
			}
		})
	}
}

func TestFilterValidationErrors(t *testing.T) {
	cases := []string{
		"unknown eq 'x'",
		"name like 'x'",
		"name eq 42",
		"contentLength eq 'big'",
		"legalHold gt true",
		"startswith(contentLength,'1')",
		"startswith(name,'x'",
		"name eq 'unterminated",
		"name eq 'a' or name eq 'b'",
		"lastModified gt 'yesterday'",
	}
	for _, filter := range cases {
		t.Run(filter, func(t *testing.T) {
			_, err := Apply(sampleBlobs(), blobFields(), Options{Filter: filter}, testLimits())
			if err == nil {
				t.Fatalf("Apply(%q) succeeded, want validation error", filter)
			}
			if !apierr.IsValidation(err) {
				t.Errorf("error = %v, want validation", err)
			}
		})
	}
}

func TestStringEscape(t *testing.T) {
	blobs := []testBlob{{Name: "it's.txt"}}
	page, err := Apply(blobs, blobFields(), Options{Filter: "name eq 'it''s.txt'"}, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if page.FilteredCount != 1 {
		t.Errorf("FilteredCount = %d, want 1", page.FilteredCount)
	}
}

func TestOrderBy(t *testing.T) {
	page, err := Apply(sampleBlobs(), blobFields(), Options{OrderBy: "contentLength desc"}, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := page.Items[0].(testBlob)
	if first.Name != "zeta.bin" {
		t.Errorf("first = %q, want zeta.bin", first.Name)
	}
	last := page.Items[len(page.Items)-1].(testBlob)
	if last.Name != "alpha.txt" {
		t.Errorf("last = %q, want alpha.txt", last.Name)
	}

	if _, err := Apply(sampleBlobs(), blobFields(), Options{OrderBy: "nosuch"}, testLimits()); !apierr.IsValidation(err) {
		t.Errorf("unknown orderby field error = %v, want validation", err)
	}
	if _, err := Apply(sampleBlobs(), blobFields(), Options{OrderBy: "name sideways"}, testLimits()); !apierr.IsValidation(err) {
		t.Errorf("bad direction error = %v, want validation", err)
	}
}

func TestOrderByStable(t *testing.T) {
	// Equal sort keys keep their snapshot order.
	blobs := []testBlob{
		{Name: "b", ContentLength: 1},
		{Name: "a", ContentLength: 1},
		{Name: "c", ContentLength: 1},
	}
	page, err := Apply(blobs, blobFields(), Options{OrderBy: "contentLength"}, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := []string{}
	for _, it := range page.Items {
		got = append(got, it.(testBlob).Name)
	}
	want := []string{"b", "a", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestSelectProjection(t *testing.T) {
	page, err := Apply(sampleBlobs(), blobFields(), Options{Select: "name, contentLength"}, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	row, ok := page.Items[0].(map[string]any)
	if !ok {
		t.Fatalf("item type = %T, want map", page.Items[0])
	}
	if len(row) != 2 {
		t.Errorf("len(row) = %d, want 2", len(row))
	}
	if row["name"] != "alpha.txt" {
		t.Errorf("name = %v", row["name"])
	}
	if row["contentLength"] != int64(3) {
		t.Errorf("contentLength = %v", row["contentLength"])
	}
	if _, present := row["lastModified"]; present {
		t.Error("unselected field present in projection")
	}

	if _, err := Apply(sampleBlobs(), blobFields(), Options{Select: "name,bogus"}, testLimits()); !apierr.IsValidation(err) {
		t.Errorf("unknown select field error = %v, want validation", err)
	}
}

func TestSelectRender(t *testing.T) {
	page, err := Apply(sampleBlobs(), blobFields(), Options{Select: "lastModified"}, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	row := page.Items[0].(map[string]any)
	if row["lastModified"] != "2026-03-01T00:00:00Z" {
		t.Errorf("lastModified = %v, want RFC 3339 string", row["lastModified"])
	}
}

// Paging exactness: every (top, skip) window over a known snapshot yields
// exactly the right slice and link nullability.
func TestPagingExactness(t *testing.T) {
	var blobs []testBlob
	for i := 0; i < 10; i++ {
		blobs = append(blobs, testBlob{Name: fmt.Sprintf("b-%02d", i), ContentLength: int64(i)})
	}

	cases := []struct {
		top, skip      int
		wantLen        int
		wantFirst      string
		wantNext       bool
		wantPrev       bool
	}{
		{3, 0, 3, "b-00", true, false},
		{3, 3, 3, "b-03", true, true},
		{3, 9, 1, "b-09", false, true},
		{10, 0, 10, "b-00", false, false},
		{4, 8, 2, "b-08", false, true},
		{5, 20, 0, "", false, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("top=%d,skip=%d", tc.top, tc.skip), func(t *testing.T) {
			opts := Options{Top: intPtr(tc.top), Skip: tc.skip, Path: "/api/containers"}
			page, err := Apply(blobs, blobFields(), opts, testLimits())
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if len(page.Items) != tc.wantLen {
				t.Errorf("len = %d, want %d", len(page.Items), tc.wantLen)
			}
			if tc.wantLen > 0 && page.Items[0].(testBlob).Name != tc.wantFirst {
				t.Errorf("first = %q, want %q", page.Items[0].(testBlob).Name, tc.wantFirst)
			}
			if (page.NextLink != nil) != tc.wantNext {
				t.Errorf("NextLink = %v, want present=%v", page.NextLink, tc.wantNext)
			}
			if (page.PrevLink != nil) != tc.wantPrev {
				t.Errorf("PrevLink = %v, want present=%v", page.PrevLink, tc.wantPrev)
			}
		})
	}
}

func TestPagingLinksPreserveOptions(t *testing.T) {
	opts := Options{
		Filter:  "contentLength gt 1",
		OrderBy: "name desc",
		Select:  "name",
		Top:     intPtr(2),
		Skip:    2,
		Path:    "/api/containers/docs/blobs",
	}
	page, err := Apply(sampleBlobs(), blobFields(), opts, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if page.NextLink == nil {
		t.Fatal("NextLink = nil, want present")
	}
	next := *page.NextLink
	for _, want := range []string{
		"%24filter=contentLength+gt+1",
		"%24orderby=name+desc",
		"%24select=name",
		"%24top=2",
		"%24skip=4",
	} {
		if !containsParam(next, want) {
			t.Errorf("NextLink %q missing %q", next, want)
		}
	}
	if page.PrevLink == nil {
		t.Fatal("PrevLink = nil, want present")
	}
	if !containsParam(*page.PrevLink, "%24skip=0") {
		t.Errorf("PrevLink %q missing $skip=0", *page.PrevLink)
	}
}

func containsParam(link, param string) bool {
	for i := 0; i+len(param) <= len(link); i++ {
		if link[i:i+len(param)] == param {
			return true
		}
	}
	return false
}

func TestTopBounds(t *testing.T) {
	var blobs []testBlob
	for i := 0; i < 600; i++ {
		blobs = append(blobs, testBlob{Name: fmt.Sprintf("b-%03d", i)})
	}

	// Requested top above the cap is a bad request, not a silent truncation.
	if _, err := Apply(blobs, blobFields(), Options{Top: intPtr(9999)}, testLimits()); !apierr.IsValidation(err) {
		t.Errorf("top=9999 error = %v, want validation", err)
	}

	// The cap itself is still honored.
	page, err := Apply(blobs, blobFields(), Options{Top: intPtr(500)}, testLimits())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(page.Items) != 500 {
		t.Errorf("len = %d, want 500", len(page.Items))
	}

	// Default applies when absent.
	page, _ = Apply(blobs, blobFields(), Options{}, testLimits())
	if len(page.Items) != 50 {
		t.Errorf("default len = %d, want 50", len(page.Items))
	}

	// Zero and negative are rejected.
	if _, err := Apply(blobs, blobFields(), Options{Top: intPtr(0)}, testLimits()); !apierr.IsValidation(err) {
		t.Errorf("top=0 error = %v, want validation", err)
	}
	if _, err := Apply(blobs, blobFields(), Options{Skip: -1}, testLimits()); !apierr.IsValidation(err) {
		t.Errorf("skip=-1 error = %v, want validation", err)
	}
}
