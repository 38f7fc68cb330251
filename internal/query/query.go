// Package query implements the list-endpoint query options: $filter,
// $orderby, $select, $top and $skip, applied in that fixed order, with
// NextLink/PrevLink paging over the filtered result.
package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/blobmirror/blobmirror/internal/apierr"
)

// Kind is the comparison type of a queryable field.
type Kind int

const (
	String Kind = iota
	Int
	Bool
	Time
)

// Field describes one queryable field of an item type. Get returns the
// field's native value: string, int64, bool or time.Time per Kind. Render,
// when set, converts the native value to its JSON form for $select
// projection; otherwise the native value is used as-is.
type Field[T any] struct {
	Kind   Kind
	Get    func(T) any
	Render func(any) any
}

// FieldSet maps the public field names of an item type to accessors.
// Names are matched case-sensitively; unknown names are validation errors.
type FieldSet[T any] map[string]Field[T]

// Options are the raw query options from the request.
type Options struct {
	Filter  string
	OrderBy string
	Select  string
	Top     *int
	Skip    int
	// Path is the request path used to build paging links.
	Path string
}

// Limits bound the page size.
type Limits struct {
	DefaultTop int
	MaxTop     int
}

// Page is the result of applying query options to a snapshot.
type Page struct {
	// Items holds the page contents: T values normally, or
	// map[string]any projections when $select was given.
	Items []any `json:"value"`
	// TotalCount is the snapshot size before filtering.
	TotalCount int `json:"totalCount"`
	// FilteredCount is the match count after $filter, before paging.
	FilteredCount int `json:"filteredCount"`
	// NextLink is null exactly when skip+top reaches FilteredCount.
	NextLink *string `json:"nextLink"`
	// PrevLink is null exactly when skip is zero.
	PrevLink *string `json:"prevLink"`
}

// Apply runs the full pipeline over an in-memory snapshot: filter, then
// order, then page, then project. The snapshot is not mutated.
func Apply[T any](items []T, fields FieldSet[T], opts Options, limits Limits) (*Page, error) {
	if opts.Skip < 0 {
		return nil, apierr.Validation("$skip must not be negative")
	}

	top := limits.DefaultTop
	if opts.Top != nil {
		top = *opts.Top
	}
	if top <= 0 {
		return nil, apierr.Validation("$top must be a positive integer")
	}
	if top > limits.MaxTop {
		return nil, apierr.Validation("$top must not exceed %d", limits.MaxTop)
	}

	// $filter.
	matched := items
	if opts.Filter != "" {
		expr, err := parseFilter(opts.Filter, kindsOf(fields))
		if err != nil {
			return nil, err
		}
		matched = make([]T, 0, len(items))
		for _, it := range items {
			ok, err := expr.eval(accessorOf(fields, it))
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, it)
			}
		}
	} else {
		matched = append([]T(nil), items...)
	}

	// $orderby.
	if opts.OrderBy != "" {
		if err := sortItems(matched, fields, opts.OrderBy); err != nil {
			return nil, err
		}
	}

	// $skip / $top window.
	filtered := len(matched)
	start := opts.Skip
	if start > filtered {
		start = filtered
	}
	end := start + top
	if end > filtered {
		end = filtered
	}
	window := matched[start:end]

	// $select projection.
	var selected []string
	if opts.Select != "" {
		for _, name := range strings.Split(opts.Select, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := fields[name]; !ok {
				return nil, apierr.Validation("unknown $select field %q", name)
			}
			selected = append(selected, name)
		}
	}

	page := &Page{
		Items:         make([]any, 0, len(window)),
		TotalCount:    len(items),
		FilteredCount: filtered,
	}
	for _, it := range window {
		if selected == nil {
			page.Items = append(page.Items, it)
			continue
		}
		row := make(map[string]any, len(selected))
		for _, name := range selected {
			f := fields[name]
			v := f.Get(it)
			if f.Render != nil {
				v = f.Render(v)
			}
			row[name] = v
		}
		page.Items = append(page.Items, row)
	}

	if opts.Skip+top < filtered {
		link := buildLink(opts, top, opts.Skip+top)
		page.NextLink = &link
	}
	if opts.Skip > 0 {
		prev := opts.Skip - top
		if prev < 0 {
			prev = 0
		}
		link := buildLink(opts, top, prev)
		page.PrevLink = &link
	}
	return page, nil
}

// sortItems applies an "$orderby" clause of the form "field" or
// "field desc". The sort is stable so equal keys keep snapshot order.
func sortItems[T any](items []T, fields FieldSet[T], orderBy string) error {
	parts := strings.Fields(orderBy)
	if len(parts) == 0 || len(parts) > 2 {
		return apierr.Validation("malformed $orderby %q", orderBy)
	}
	name := parts[0]
	desc := false
	if len(parts) == 2 {
		switch strings.ToLower(parts[1]) {
		case "asc":
		case "desc":
			desc = true
		default:
			return apierr.Validation("malformed $orderby direction %q", parts[1])
		}
	}
	f, ok := fields[name]
	if !ok {
		return apierr.Validation("unknown $orderby field %q", name)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			i, j = j, i
		}
		return lessValues(f.Kind, f.Get(items[i]), f.Get(items[j]))
	})
	return nil
}

func lessValues(kind Kind, a, b any) bool {
	switch kind {
	case Int:
		return a.(int64) < b.(int64)
	case Bool:
		return !a.(bool) && b.(bool)
	case Time:
		return a.(time.Time).Before(b.(time.Time))
	default:
		return a.(string) < b.(string)
	}
}

// buildLink renders a paging link preserving $filter, $orderby and $select.
func buildLink(opts Options, top, skip int) string {
	q := url.Values{}
	if opts.Filter != "" {
		q.Set("$filter", opts.Filter)
	}
	if opts.OrderBy != "" {
		q.Set("$orderby", opts.OrderBy)
	}
	if opts.Select != "" {
		q.Set("$select", opts.Select)
	}
	q.Set("$top", strconv.Itoa(top))
	q.Set("$skip", strconv.Itoa(skip))
	return fmt.Sprintf("%s?%s", opts.Path, q.Encode())
}

func kindsOf[T any](fields FieldSet[T]) map[string]Kind {
	kinds := make(map[string]Kind, len(fields))
	for name, f := range fields {
		kinds[name] = f.Kind
	}
	return kinds
}

// accessorOf adapts a FieldSet lookup on one item to the evaluator's
// field-name interface.
func accessorOf[T any](fields FieldSet[T], item T) func(string) (Kind, any) {
	return func(name string) (Kind, any) {
		f := fields[name]
		return f.Kind, f.Get(item)
	}
}
