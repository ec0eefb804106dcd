package render

import (
	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
)

// ExpandHelpers inlines module helper functions referenced by the render
// tree. Expansion is pure and recursive: a helper body may itself call other
// helpers. Parameter references in the body are substituted with the call's
// arguments; positional arguments bind in declaration order, named arguments
// by parameter name. A helper that expands to an Array splices into the
// surrounding argument or item list, which is how drop_zones(...) expands to
// its three drop-zone primitives.
//
// Cycles are detected and rejected with ErrExpansionCycle.
func ExpandHelpers(e Expr, mod Module) (Expr, error) {
	return expand(e, mod, nil)
}

func expand(e Expr, mod Module, stack []string) (Expr, error) {
	switch n := e.(type) {
	case *FunctionCall:
		if h, ok := mod.Helpers[n.Name]; ok {
			for _, s := range stack {
				if s == n.Name {
					return nil, errors.Wrapf(types.ErrExpansionCycle,
						"helper %q", n.Name)
				}
			}
			bound, err := bindArgs(h, n.Args)
			if err != nil {
				return nil, err
			}
			body := substitute(h.Body, bound)
			return expand(body, mod, append(stack, n.Name))
		}

		out := &FunctionCall{Name: n.Name, Operations: n.Operations}
		for _, a := range n.Args {
			v, err := expand(a.Value, mod, stack)
			if err != nil {
				return nil, err
			}
			// a helper expanding to an array splices into the argument list
			if arr, ok := v.(*Array); ok && a.Name == "" && isHelperCall(a.Value, mod) {
				for _, item := range arr.Items {
					out.Args = append(out.Args, Arg{Value: item})
				}
				continue
			}
			out.Args = append(out.Args, Arg{Name: a.Name, Value: v})
		}
		return out, nil

	case *BinaryOp:
		l, err := expand(n.Left, mod, stack)
		if err != nil {
			return nil, err
		}
		r, err := expand(n.Right, mod, stack)
		if err != nil {
			return nil, err
		}
		return &BinaryOp{Op: n.Op, Left: l, Right: r}, nil

	case *Array:
		out := &Array{}
		for _, item := range n.Items {
			v, err := expand(item, mod, stack)
			if err != nil {
				return nil, err
			}
			if arr, ok := v.(*Array); ok && isHelperCall(item, mod) {
				out.Items = append(out.Items, arr.Items...)
				continue
			}
			out.Items = append(out.Items, v)
		}
		return out, nil

	case *Object:
		out := &Object{}
		for _, f := range n.Fields {
			v, err := expand(f.Value, mod, stack)
			if err != nil {
				return nil, err
			}
			out.Fields = append(out.Fields, Arg{Name: f.Name, Value: v})
		}
		return out, nil

	default:
		return e, nil
	}
}

func isHelperCall(e Expr, mod Module) bool {
	fc, ok := e.(*FunctionCall)
	if !ok {
		return false
	}
	_, ok = mod.Helpers[fc.Name]
	return ok
}

func bindArgs(h Helper, args []Arg) (map[string]Expr, error) {
	bound := map[string]Expr{}
	pos := 0
	for _, a := range args {
		if a.Name != "" {
			found := false
			for _, p := range h.Params {
				if p == a.Name {
					found = true
					break
				}
			}
			if !found {
				return nil, errors.Errorf(
					"helper %q has no parameter %q", h.Name, a.Name)
			}
			bound[a.Name] = a.Value
			continue
		}
		if pos >= len(h.Params) {
			return nil, errors.Errorf(
				"helper %q takes %d arguments", h.Name, len(h.Params))
		}
		bound[h.Params[pos]] = a.Value
		pos++
	}
	return bound, nil
}

// substitute replaces bare parameter references in a helper body with the
// bound argument expressions. Dotted references (this.x) never match a
// parameter name.
func substitute(e Expr, bound map[string]Expr) Expr {
	switch n := e.(type) {
	case *ColumnRef:
		if v, ok := bound[n.Name]; ok {
			return v
		}
		return n
	case *FunctionCall:
		out := &FunctionCall{Name: n.Name, Operations: n.Operations}
		for _, a := range n.Args {
			out.Args = append(out.Args, Arg{Name: a.Name, Value: substitute(a.Value, bound)})
		}
		return out
	case *BinaryOp:
		return &BinaryOp{Op: n.Op,
			Left:  substitute(n.Left, bound),
			Right: substitute(n.Right, bound)}
	case *Array:
		out := &Array{}
		for _, item := range n.Items {
			out.Items = append(out.Items, substitute(item, bound))
		}
		return out
	case *Object:
		out := &Object{}
		for _, f := range n.Fields {
			out.Fields = append(out.Fields, Arg{Name: f.Name, Value: substitute(f.Value, bound)})
		}
		return out
	default:
		return e
	}
}
