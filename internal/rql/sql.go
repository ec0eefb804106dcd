package rql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nightscape/knowledge/internal/render"
	"github.com/nightscape/knowledge/internal/types"
)

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// sqlWriter accumulates the generated statement and the parameter list in
// order of first appearance.
type sqlWriter struct {
	b      strings.Builder
	params []string
}

func (w *sqlWriter) str(s string) { w.b.WriteString(s) }

func (w *sqlWriter) quote(ident string) {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if i > 0 {
			w.b.WriteByte('.')
		}
		w.b.WriteByte('"')
		w.b.WriteString(p)
		w.b.WriteByte('"')
	}
}

func (w *sqlWriter) param(name string) {
	w.b.WriteByte('$')
	w.b.WriteString(name)
	for _, p := range w.params {
		if p == name {
			return
		}
	}
	w.params = append(w.params, name)
}

func renderSQL(q Query, filters []render.Expr, sorts []sortTerm, take int64) (string, []string, error) {
	w := &sqlWriter{}

	w.str("SELECT ")
	if q.Columns == nil {
		w.str("*")
	} else {
		for i, c := range q.Columns {
			if i > 0 {
				w.str(", ")
			}
			w.quote(c)
		}
	}
	w.str(" FROM ")
	w.quote(q.Table)

	if len(filters) > 0 {
		w.str(" WHERE ")
		for i, f := range filters {
			if i > 0 {
				w.str(" AND ")
			}
			if err := writeExpr(w, f); err != nil {
				return "", nil, err
			}
		}
	}

	if len(sorts) > 0 {
		w.str(" ORDER BY ")
		for i, s := range sorts {
			if i > 0 {
				w.str(", ")
			}
			w.quote(s.column)
			if s.desc {
				w.str(" DESC")
			} else {
				w.str(" ASC")
			}
		}
	}

	if take >= 0 {
		w.str(" LIMIT ")
		w.str(strconv.FormatInt(take, 10))
	}

	return w.b.String(), w.params, nil
}

var sqlOps = map[string]string{
	"==": "=",
	"!=": "<>",
	"&&": "AND",
	"||": "OR",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
	"+":  "+",
	"-":  "-",
	"*":  "*",
	"/":  "/",
}

func writeExpr(w *sqlWriter, e render.Expr) error {
	switch n := e.(type) {
	case *render.ColumnRef:
		if strings.HasPrefix(n.Name, "this.") {
			return &types.CompileError{
				Msg: sprintf("this.%s is only valid in the render half",
					n.Name[len("this."):])}
		}
		w.quote(n.Name)
		return nil

	case *render.Param:
		w.param(n.Name)
		return nil

	case *render.Literal:
		return writeLiteral(w, n.Value)

	case *render.BinaryOp:
		op, ok := sqlOps[n.Op]
		if !ok {
			return &types.CompileError{Msg: sprintf("operator %q has no SQL form", n.Op)}
		}
		// comparisons against null use IS [NOT] NULL
		if lit, isLit := n.Right.(*render.Literal); isLit && lit.Value.IsNull() {
			switch n.Op {
			case "==":
				if err := writeExpr(w, n.Left); err != nil {
					return err
				}
				w.str(" IS NULL")
				return nil
			case "!=":
				if err := writeExpr(w, n.Left); err != nil {
					return err
				}
				w.str(" IS NOT NULL")
				return nil
			}
		}
		w.str("(")
		if err := writeExpr(w, n.Left); err != nil {
			return err
		}
		w.str(" " + op + " ")
		if err := writeExpr(w, n.Right); err != nil {
			return err
		}
		w.str(")")
		return nil

	case *render.FunctionCall:
		// a small allow-list of scalar SQL functions passes through
		switch strings.ToLower(n.Name) {
		case "lower", "upper", "length", "abs", "coalesce":
			w.str(strings.ToLower(n.Name))
			w.str("(")
			for i, a := range n.Args {
				if i > 0 {
					w.str(", ")
				}
				if err := writeExpr(w, a.Value); err != nil {
					return err
				}
			}
			w.str(")")
			return nil
		}
		return &types.CompileError{Msg: sprintf("function %q is not valid in a filter", n.Name)}
	}
	return &types.CompileError{Msg: sprintf("expression %s is not valid in a filter", e)}
}

func writeLiteral(w *sqlWriter, v types.Value) error {
	switch v.Kind() {
	case types.KindNull:
		w.str("NULL")
	case types.KindString:
		s, _ := v.Str()
		w.str("'" + strings.ReplaceAll(s, "'", "''") + "'")
	case types.KindInteger:
		n, _ := v.Int()
		w.str(strconv.FormatInt(n, 10))
	case types.KindFloat:
		f, _ := v.Flt()
		w.str(strconv.FormatFloat(f, 'g', -1, 64))
	case types.KindBoolean:
		b, _ := v.Bool()
		if b {
			w.str("1")
		} else {
			w.str("0")
		}
	default:
		return &types.CompileError{Msg: sprintf("literal %s is not valid in a filter", v)}
	}
	return nil
}
