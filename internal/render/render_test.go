package render

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/nightscape/knowledge/internal/types"
)

func TestParseExpr(t *testing.T) {
	e, err := ParseExpr(`list(
		row(checkbox(this.completed), editable_text(this.content)),
		spacing = 8,
		[1, 2.5, "three", true, null],
		{align = "start", wrap = false}
	)`)
	require.NoError(t, err)

	fc, ok := e.(*FunctionCall)
	require.True(t, ok)
	require.Equal(t, "list", fc.Name)
	require.Len(t, fc.Args, 4)

	row, ok := fc.Args[0].Value.(*FunctionCall)
	require.True(t, ok)
	require.Equal(t, "row", row.Name)

	cb := row.Args[0].Value.(*FunctionCall)
	ref := cb.Args[0].Value.(*ColumnRef)
	field, isThis := ref.IsThisRef()
	require.True(t, isThis)
	require.Equal(t, "completed", field)

	require.Equal(t, "spacing", fc.Args[1].Name)
	lit := fc.Args[1].Value.(*Literal)
	n, _ := lit.Value.Int()
	require.EqualValues(t, 8, n)

	arr := fc.Args[2].Value.(*Array)
	require.Len(t, arr.Items, 5)
	require.True(t, arr.Items[4].(*Literal).Value.IsNull())

	obj := fc.Args[3].Value.(*Object)
	require.Len(t, obj.Fields, 2)
	require.Equal(t, "align", obj.Fields[0].Name)
}

func TestParseExprErrors(t *testing.T) {
	for _, in := range []string{
		"list(",
		"list(a,, b)",
		"'unterminated",
		"{key}",
		"1 +",
	} {
		_, err := ParseExpr(in)
		require.Error(t, err, in)
		var ce *types.CompileError
		require.True(t, errors.As(err, &ce), in)
	}
}

func helperMod(t *testing.T, defs map[string]string) Module {
	t.Helper()
	mod := NewModule()
	for sig, body := range defs {
		var name string
		var params []string
		p, err := NewParser(sig)
		require.NoError(t, err)
		name = p.Tok().Text
		require.NoError(t, p.Next())
		for p.Tok().Kind == TokIdent {
			params = append(params, p.Tok().Text)
			require.NoError(t, p.Next())
		}
		b, err := ParseExpr(body)
		require.NoError(t, err)
		mod.Helpers[name] = Helper{Name: name, Params: params, Body: b}
	}
	return mod
}

func TestExpandHelpers(t *testing.T) {
	mod := helperMod(t, map[string]string{
		"todo_item x": "row(checkbox(this.completed), editable_text(x))",
	})

	e, err := ParseExpr("list(todo_item(this.content))")
	require.NoError(t, err)

	out, err := ExpandHelpers(e, mod)
	require.NoError(t, err)

	list := out.(*FunctionCall)
	row := list.Args[0].Value.(*FunctionCall)
	require.Equal(t, "row", row.Name)
	et := row.Args[1].Value.(*FunctionCall)
	require.Equal(t, "editable_text", et.Name)
	ref := et.Args[0].Value.(*ColumnRef)
	require.Equal(t, "this.content", ref.Name)
}

func TestExpandHelpersNested(t *testing.T) {
	mod := helperMod(t, map[string]string{
		"inner x": "text(x)",
		"outer y": "box(inner(y))",
	})
	e, err := ParseExpr("outer(this.title)")
	require.NoError(t, err)
	out, err := ExpandHelpers(e, mod)
	require.NoError(t, err)
	box := out.(*FunctionCall)
	require.Equal(t, "box", box.Name)
	text := box.Args[0].Value.(*FunctionCall)
	require.Equal(t, "text", text.Name)
}

// A helper expanding to an array splices into the surrounding argument list.
func TestExpandHelpersArraySplice(t *testing.T) {
	mod := helperMod(t, map[string]string{
		"drop_zones id": "[drop_before(id), drop_into(id), drop_after(id)]",
	})
	e, err := ParseExpr("row(editable_text(this.content), drop_zones(this.id))")
	require.NoError(t, err)
	out, err := ExpandHelpers(e, mod)
	require.NoError(t, err)

	row := out.(*FunctionCall)
	require.Len(t, row.Args, 4)
	require.Equal(t, "drop_before", row.Args[1].Value.(*FunctionCall).Name)
	require.Equal(t, "drop_into", row.Args[2].Value.(*FunctionCall).Name)
	require.Equal(t, "drop_after", row.Args[3].Value.(*FunctionCall).Name)
}

func TestExpandHelpersCycle(t *testing.T) {
	mod := helperMod(t, map[string]string{
		"a x": "b(x)",
		"b x": "a(x)",
	})
	e, err := ParseExpr("a(1)")
	require.NoError(t, err)
	_, err = ExpandHelpers(e, mod)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrExpansionCycle))
}

func TestExpandHelpersNamedArgs(t *testing.T) {
	mod := helperMod(t, map[string]string{
		"pair a b": "row(a, b)",
	})
	e, err := ParseExpr("pair(b = text(2), a = text(1))")
	require.NoError(t, err)
	out, err := ExpandHelpers(e, mod)
	require.NoError(t, err)
	row := out.(*FunctionCall)
	one := row.Args[0].Value.(*FunctionCall).Args[0].Value.(*Literal)
	n, _ := one.Value.Int()
	require.EqualValues(t, 1, n)
}

// Unknown render function names are carried through untouched.
func TestUnknownFunctionsPassThrough(t *testing.T) {
	e, err := ParseExpr("hologram(this.content)")
	require.NoError(t, err)
	out, err := ExpandHelpers(e, NewModule())
	require.NoError(t, err)
	require.Equal(t, "hologram", out.(*FunctionCall).Name)
}
