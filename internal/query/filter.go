package query

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/blobmirror/blobmirror/internal/apierr"
)

// The filter grammar is deliberately small:
//
//	expr   := term { "and" term }
//	term   := "(" expr ")"
//	        | "startswith" "(" field "," string ")"
//	        | field op literal
//	op     := eq | ne | gt | ge | lt | le
//
// Literals are single-quoted strings (with '' as the escape), integers, or
// the booleans true/false. String literals compared against time fields are
// parsed as RFC 3339. Type checking happens at parse time, so an invalid
// filter is rejected before any item is inspected.

type filterExpr interface {
	eval(get func(string) (Kind, any)) (bool, error)
}

type andExpr struct {
	left, right filterExpr
}

func (e *andExpr) eval(get func(string) (Kind, any)) (bool, error) {
	ok, err := e.left.eval(get)
	if err != nil || !ok {
		return false, err
	}
	return e.right.eval(get)
}

type cmpExpr struct {
	field string
	op    string
	kind  Kind
	// Exactly one of these carries the literal, per kind.
	str  string
	num  int64
	b    bool
	time time.Time
}

func (e *cmpExpr) eval(get func(string) (Kind, any)) (bool, error) {
	_, v := get(e.field)
	var c int
	switch e.kind {
	case Int:
		c = compareInt(v.(int64), e.num)
	case Bool:
		c = compareBool(v.(bool), e.b)
	case Time:
		c = compareTime(v.(time.Time), e.time)
	default:
		c = strings.Compare(v.(string), e.str)
	}
	switch e.op {
	case "eq":
		return c == 0, nil
	case "ne":
		return c != 0, nil
	case "gt":
		return c > 0, nil
	case "ge":
		return c >= 0, nil
	case "lt":
		return c < 0, nil
	case "le":
		return c <= 0, nil
	}
	return false, apierr.Validation("unknown operator %q", e.op)
}

type startsWithExpr struct {
	field  string
	prefix string
}

func (e *startsWithExpr) eval(get func(string) (Kind, any)) (bool, error) {
	_, v := get(e.field)
	return strings.HasPrefix(v.(string), e.prefix), nil
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	}
	return 1
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

// ---- Lexer ----

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lexFilter(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		ch := rune(input[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case ch == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case ch == '\'':
			var sb strings.Builder
			i++
			closed := false
			for i < len(input) {
				if input[i] == '\'' {
					// '' inside a literal is an escaped quote.
					if i+1 < len(input) && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, apierr.Validation("unterminated string literal in $filter")
			}
			toks = append(toks, token{tokString, sb.String()})
		case ch == '-' || unicode.IsDigit(ch):
			start := i
			i++
			for i < len(input) && unicode.IsDigit(rune(input[i])) {
				i++
			}
			toks = append(toks, token{tokNumber, input[start:i]})
		case unicode.IsLetter(ch) || ch == '_':
			start := i
			for i < len(input) {
				r := rune(input[i])
				if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
					break
				}
				i++
			}
			toks = append(toks, token{tokIdent, input[start:i]})
		default:
			return nil, apierr.Validation("unexpected character %q in $filter", string(ch))
		}
	}
	return append(toks, token{tokEOF, ""}), nil
}

// ---- Parser ----

type filterParser struct {
	toks  []token
	pos   int
	kinds map[string]Kind
}

func parseFilter(input string, kinds map[string]Kind) (filterExpr, error) {
	toks, err := lexFilter(input)
	if err != nil {
		return nil, err
	}
	p := &filterParser{toks: toks, kinds: kinds}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, apierr.Validation("unexpected trailing input in $filter at %q", p.peek().text)
	}
	return expr, nil
}

func (p *filterParser) peek() token { return p.toks[p.pos] }

func (p *filterParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *filterParser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return token{}, apierr.Validation("expected %s in $filter, got %q", what, t.text)
	}
	return t, nil
}

func (p *filterParser) parseExpr() (filterExpr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseTerm() (filterExpr, error) {
	t := p.peek()
	switch {
	case t.kind == tokLParen:
		p.next()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "closing parenthesis"); err != nil {
			return nil, err
		}
		return expr, nil
	case t.kind == tokIdent && t.text == "startswith":
		return p.parseStartsWith()
	case t.kind == tokIdent:
		return p.parseComparison()
	}
	return nil, apierr.Validation("expected expression in $filter, got %q", t.text)
}

func (p *filterParser) parseStartsWith() (filterExpr, error) {
	p.next() // startswith
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	field, err := p.expect(tokIdent, "field name")
	if err != nil {
		return nil, err
	}
	kind, ok := p.kinds[field.text]
	if !ok {
		return nil, apierr.Validation("unknown $filter field %q", field.text)
	}
	if kind != String {
		return nil, apierr.Validation("startswith requires a string field, got %q", field.text)
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	lit, err := p.expect(tokString, "string literal")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return &startsWithExpr{field: field.text, prefix: lit.text}, nil
}

func (p *filterParser) parseComparison() (filterExpr, error) {
	field, _ := p.expect(tokIdent, "field name")
	kind, ok := p.kinds[field.text]
	if !ok {
		return nil, apierr.Validation("unknown $filter field %q", field.text)
	}

	op, err := p.expect(tokIdent, "comparison operator")
	if err != nil {
		return nil, err
	}
	switch op.text {
	case "eq", "ne", "gt", "ge", "lt", "le":
	default:
		return nil, apierr.Validation("unknown $filter operator %q", op.text)
	}
	if kind == Bool && op.text != "eq" && op.text != "ne" {
		return nil, apierr.Validation("operator %q is not defined for boolean field %q", op.text, field.text)
	}

	expr := &cmpExpr{field: field.text, op: op.text, kind: kind}
	lit := p.next()
	switch kind {
	case Int:
		if lit.kind != tokNumber {
			return nil, apierr.Validation("field %q requires an integer literal", field.text)
		}
		n, err := strconv.ParseInt(lit.text, 10, 64)
		if err != nil {
			return nil, apierr.Validation("invalid integer literal %q", lit.text)
		}
		expr.num = n
	case Bool:
		if lit.kind != tokIdent || (lit.text != "true" && lit.text != "false") {
			return nil, apierr.Validation("field %q requires true or false", field.text)
		}
		expr.b = lit.text == "true"
	case Time:
		if lit.kind != tokString {
			return nil, apierr.Validation("field %q requires a quoted timestamp", field.text)
		}
		ts, err := time.Parse(time.RFC3339, lit.text)
		if err != nil {
			return nil, apierr.Validation("invalid timestamp literal %q", lit.text)
		}
		expr.time = ts
	default:
		if lit.kind != tokString {
			return nil, apierr.Validation("field %q requires a quoted string literal", field.text)
		}
		expr.str = lit.text
	}
	return expr, nil
}
