// Package render implements the UI-agnostic half of the query language: the
// expression AST shared by query filters and render trees, its parser, and
// pure helper-function expansion. No variant names a UI primitive; "list",
// "checkbox" and friends are plain function names the frontend interprets.
package render

import (
	"fmt"
	"strings"

	"github.com/nightscape/knowledge/internal/types"
)

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// Expr is one node of the render AST.
type Expr interface {
	exprNode()
	String() string
}

// Arg is one argument of a function call; Name is empty for positional
// arguments.
type Arg struct {
	Name  string
	Value Expr
}

// FunctionCall is a named call such as list(...) or checkbox(this.completed).
// Operations carries the wirings attached by operation inference.
type FunctionCall struct {
	Name       string
	Args       []Arg
	Operations []types.OperationWiring
}

// ColumnRef references a column produced by the companion SQL. A "this."
// prefix marks a reference to the current row's field.
type ColumnRef struct {
	Name string
}

// Literal is a constant value.
type Literal struct {
	Value types.Value
}

// BinaryOp applies Op to Left and Right.
type BinaryOp struct {
	Op    string
	Left  Expr
	Right Expr
}

// Array is an ordered list of expressions.
type Array struct {
	Items []Expr
}

// Object is a keyed set of expressions.
type Object struct {
	Fields []Arg
}

// Param is a $name runtime parameter reference.
type Param struct {
	Name string
}

func (*FunctionCall) exprNode() {}
func (*ColumnRef) exprNode()    {}
func (*Literal) exprNode()      {}
func (*BinaryOp) exprNode()     {}
func (*Array) exprNode()        {}
func (*Object) exprNode()       {}
func (*Param) exprNode()        {}

func (e *FunctionCall) String() string {
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		if a.Name != "" {
			parts[i] = a.Name + "=" + a.Value.String()
		} else {
			parts[i] = a.Value.String()
		}
	}
	return e.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (e *ColumnRef) String() string { return e.Name }
func (e *Literal) String() string   { return e.Value.String() }
func (e *BinaryOp) String() string {
	return "(" + e.Left.String() + " " + e.Op + " " + e.Right.String() + ")"
}
func (e *Array) String() string {
	parts := make([]string, len(e.Items))
	for i, it := range e.Items {
		parts[i] = it.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
func (e *Object) String() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Name + "=" + f.Value.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
func (e *Param) String() string { return "$" + e.Name }

// IsThisRef reports whether the column reference targets a field of the
// current row, and returns the bare field name.
func (e *ColumnRef) IsThisRef() (string, bool) {
	if strings.HasPrefix(e.Name, "this.") {
		return e.Name[len("this."):], true
	}
	return "", false
}

// Walk visits every node of the tree depth-first, parents before children.
// Returning false from fn stops descent below that node.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case *FunctionCall:
		for _, a := range n.Args {
			Walk(a.Value, fn)
		}
	case *BinaryOp:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *Array:
		for _, it := range n.Items {
			Walk(it, fn)
		}
	case *Object:
		for _, f := range n.Fields {
			Walk(f.Value, fn)
		}
	}
}

// RenderSpec is the compiled render tree plus any nested sub-queries.
type RenderSpec struct {
	Root       Expr
	SubQueries []SubQuery
	// Warnings records non-fatal compile conditions, e.g. wirings attached
	// with a placeholder descriptor.
	Warnings []string
}

// SubQuery is a nested query block referenced by the render tree.
type SubQuery struct {
	Name string
	SQL  string
}

// Helper is one module-level helper function definition.
type Helper struct {
	Name   string
	Params []string
	Body   Expr
}

// Module is the set of helper definitions preserved from the query half.
type Module struct {
	Helpers map[string]Helper
}

// NewModule returns an empty module.
func NewModule() Module { return Module{Helpers: map[string]Helper{}} }
