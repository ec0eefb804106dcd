// Package rql compiles the query half of a document — a PRQL-like transform
// pipeline — into SQLite SQL, while preserving the module of helper
// definitions that the render half expands against.
//
// The supported pipeline is deliberately small: `let` helper definitions,
// `from`, `filter`, `select`, `sort`, `take`. Named $parameters pass through
// into the generated SQL and are bound at execution time by the storage
// layer's BindParams.
package rql

import (
	"strings"

	"github.com/nightscape/knowledge/internal/render"
	"github.com/nightscape/knowledge/internal/types"
)

// Query is a compiled query half.
type Query struct {
	SQL     string
	Table   string   // source table of the main query; empty when no `from`
	Columns []string // selected columns in order; nil means every column
	Params  []string // $name parameters in order of first appearance
	Module  render.Module
}

// SelectsColumn reports whether the query exposes the named column. With no
// explicit select, every source column is exposed.
func (q Query) SelectsColumn(name string) bool {
	if q.Columns == nil {
		return true
	}
	for _, c := range q.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// SplitRender splits a document at the top-level `render` keyword. The prefix
// is the query half; the suffix (starting inside render's argument list) is
// the render half. Bracket depth and string literals are respected so a
// helper body mentioning "render" does not split early.
func SplitRender(input string) (queryHalf, renderHalf string, err error) {
	depth := 0
	inStr := byte(0)
	lineStart := true

	for i := 0; i < len(input); i++ {
		ch := input[i]
		if inStr != 0 {
			if ch == inStr {
				inStr = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			inStr = ch
			lineStart = false
		case '(', '[', '{':
			depth++
			lineStart = false
		case ')', ']', '}':
			depth--
			lineStart = false
		case '\n':
			lineStart = true
		case ' ', '\t', '\r':
		default:
			if lineStart && depth == 0 && ch == 'r' &&
				strings.HasPrefix(input[i:], "render") {
				rest := input[i+len("render"):]
				if rest == "" || !isWordByte(rest[0]) {
					return input[:i], rest, nil
				}
			}
			lineStart = false
		}
	}
	return "", "", &types.CompileError{Msg: "no render expression found"}
}

func isWordByte(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}

type sortTerm struct {
	column string
	desc   bool
}

// Compile parses and compiles the query half.
func Compile(queryHalf string) (Query, error) {
	q := Query{Module: render.NewModule()}

	p, err := render.NewParser(queryHalf)
	if err != nil {
		return q, err
	}

	var filters []render.Expr
	var sorts []sortTerm
	take := int64(-1)

	for {
		p.SkipNewlines()
		tok := p.Tok()
		if tok.Kind == render.TokEOF {
			break
		}
		if tok.Kind != render.TokIdent {
			return q, compileErrf(tok, "expected transform, found %s", tok)
		}

		switch tok.Text {
		case "let":
			if err := p.Next(); err != nil {
				return q, err
			}
			h, err := parseHelper(p)
			if err != nil {
				return q, err
			}
			q.Module.Helpers[h.Name] = h

		case "from":
			if err := p.Next(); err != nil {
				return q, err
			}
			t := p.Tok()
			if t.Kind != render.TokIdent {
				return q, compileErrf(t, "expected table name, found %s", t)
			}
			q.Table = t.Text
			if err := p.Next(); err != nil {
				return q, err
			}

		case "filter":
			if err := p.Next(); err != nil {
				return q, err
			}
			e, err := p.Expression()
			if err != nil {
				return q, err
			}
			filters = append(filters, e)

		case "select":
			if err := p.Next(); err != nil {
				return q, err
			}
			cols, err := parseColumnList(p)
			if err != nil {
				return q, err
			}
			q.Columns = cols

		case "sort":
			if err := p.Next(); err != nil {
				return q, err
			}
			ts, err := parseSortTerms(p)
			if err != nil {
				return q, err
			}
			sorts = append(sorts, ts...)

		case "take":
			if err := p.Next(); err != nil {
				return q, err
			}
			e, err := p.Expression()
			if err != nil {
				return q, err
			}
			lit, ok := e.(*render.Literal)
			if !ok {
				return q, compileErrf(tok, "take expects an integer")
			}
			n, isInt := lit.Value.Int()
			if !isInt || n < 0 {
				return q, compileErrf(tok, "take expects a non-negative integer")
			}
			take = n

		default:
			return q, compileErrf(tok, "unknown transform %q", tok.Text)
		}
	}

	if q.Table == "" && len(filters) == 0 && q.Columns == nil && len(sorts) == 0 {
		// pure module document: helpers only, no runnable query
		return q, nil
	}
	if q.Table == "" {
		return q, &types.CompileError{Msg: "pipeline has no `from` transform"}
	}

	sql, params, err := renderSQL(q, filters, sorts, take)
	if err != nil {
		return q, err
	}
	q.SQL = sql
	q.Params = params
	return q, nil
}

func compileErrf(tok render.Token, format string, args ...interface{}) error {
	return &types.CompileError{Line: tok.Line, Col: tok.Col,
		Msg: sprintf(format, args...)}
}

// parseHelper parses `name param... = body` after the let keyword. The body
// extends to the end of the logical line.
func parseHelper(p *render.Parser) (render.Helper, error) {
	h := render.Helper{}
	t := p.Tok()
	if t.Kind != render.TokIdent {
		return h, compileErrf(t, "expected helper name, found %s", t)
	}
	h.Name = t.Text
	if err := p.Next(); err != nil {
		return h, err
	}
	for p.Tok().Kind == render.TokIdent {
		h.Params = append(h.Params, p.Tok().Text)
		if err := p.Next(); err != nil {
			return h, err
		}
	}
	if p.Tok().Kind != render.TokAssign {
		return h, compileErrf(p.Tok(), "expected = in helper definition, found %s", p.Tok())
	}
	if err := p.Next(); err != nil {
		return h, err
	}
	body, err := p.Expression()
	if err != nil {
		return h, err
	}
	h.Body = body
	return h, nil
}

func parseColumnList(p *render.Parser) ([]string, error) {
	e, err := p.Expression()
	if err != nil {
		return nil, err
	}
	arr, ok := e.(*render.Array)
	if !ok {
		if ref, isRef := e.(*render.ColumnRef); isRef {
			return []string{ref.Name}, nil
		}
		return nil, &types.CompileError{Msg: "select expects a column list"}
	}
	cols := make([]string, 0, len(arr.Items))
	for _, item := range arr.Items {
		ref, isRef := item.(*render.ColumnRef)
		if !isRef {
			return nil, &types.CompileError{Msg: "select expects column names"}
		}
		cols = append(cols, ref.Name)
	}
	return cols, nil
}

// parseSortTerms parses `[-a, b]` or a single bare term. A leading minus
// means descending order.
func parseSortTerms(p *render.Parser) ([]sortTerm, error) {
	bracketed := p.Tok().Kind == render.TokLBracket
	if bracketed {
		if err := p.Next(); err != nil {
			return nil, err
		}
	}
	var terms []sortTerm
	for {
		desc := false
		if p.Tok().Kind == render.TokOp && p.Tok().Text == "-" {
			desc = true
			if err := p.Next(); err != nil {
				return nil, err
			}
		}
		t := p.Tok()
		if t.Kind != render.TokIdent {
			return nil, compileErrf(t, "expected sort column, found %s", t)
		}
		terms = append(terms, sortTerm{column: t.Text, desc: desc})
		if err := p.Next(); err != nil {
			return nil, err
		}
		if bracketed && p.Tok().Kind == render.TokComma {
			if err := p.Next(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if bracketed {
		if p.Tok().Kind != render.TokRBracket {
			return nil, compileErrf(p.Tok(), "expected ] in sort list, found %s", p.Tok())
		}
		if err := p.Next(); err != nil {
			return nil, err
		}
	}
	return terms, nil
}
