package lineage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightscape/knowledge/internal/render"
	"github.com/nightscape/knowledge/internal/rql"
	"github.com/nightscape/knowledge/internal/types"
)

type fakeRegistry map[string]types.OperationDescriptor

func (r fakeRegistry) FindFieldOperation(table, field string) (types.OperationDescriptor, bool) {
	d, ok := r[table+"."+field]
	return d, ok
}

func registry() fakeRegistry {
	return fakeRegistry{
		"tasks.completed": {
			EntityName: "task", Table: "tasks", IDColumn: "id",
			Name: "set_completion", DisplayName: "Set completion",
		},
	}
}

func parse(t *testing.T, src string) render.Expr {
	t.Helper()
	e, err := render.ParseExpr(src)
	require.NoError(t, err)
	return e
}

func TestAnnotateTree(t *testing.T) {
	q := rql.Query{Table: "tasks", Columns: []string{"id", "completed", "content"}}
	root := parse(t, "list(row(checkbox(this.completed), editable_text(this.content)))")

	warnings := AnnotateTree(root, q, "id", registry())

	var checkbox, editable *render.FunctionCall
	render.Walk(root, func(e render.Expr) bool {
		if fc, ok := e.(*render.FunctionCall); ok {
			switch fc.Name {
			case "checkbox":
				checkbox = fc
			case "editable_text":
				editable = fc
			}
		}
		return true
	})

	require.NotNil(t, checkbox)
	require.Len(t, checkbox.Operations, 1)
	w := checkbox.Operations[0]
	require.Equal(t, "checkbox", w.WidgetType)
	require.Equal(t, "completed", w.ModifiedParam)
	require.Equal(t, "set_completion", w.Descriptor.Name)
	require.False(t, w.Placeholder)
	require.False(t, w.NotUpdatable)

	// no operation registered for tasks.content: placeholder plus warning
	require.NotNil(t, editable)
	require.Len(t, editable.Operations, 1)
	require.True(t, editable.Operations[0].Placeholder)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "tasks.content")
}

func TestAnnotateTreeNotUpdatable(t *testing.T) {
	// primary key not selected: wiring attaches but is inactive
	q := rql.Query{Table: "tasks", Columns: []string{"completed"}}
	root := parse(t, "checkbox(this.completed)")
	AnnotateTree(root, q, "id", registry())
	fc := root.(*render.FunctionCall)
	require.Len(t, fc.Operations, 1)
	require.True(t, fc.Operations[0].NotUpdatable)

	// referenced field not selected
	q = rql.Query{Table: "tasks", Columns: []string{"id"}}
	root = parse(t, "checkbox(this.completed)")
	AnnotateTree(root, q, "id", registry())
	require.True(t, root.(*render.FunctionCall).Operations[0].NotUpdatable)
}

func TestAnnotateTreeSkippedWithoutSource(t *testing.T) {
	root := parse(t, "checkbox(this.completed)")
	warnings := AnnotateTree(root, rql.Query{}, "id", registry())
	require.Empty(t, warnings)
	require.Empty(t, root.(*render.FunctionCall).Operations)
}

func TestAnnotateTreePlainColumnsIgnored(t *testing.T) {
	q := rql.Query{Table: "tasks"}
	root := parse(t, "label(title)")
	AnnotateTree(root, q, "id", registry())
	require.Empty(t, root.(*render.FunctionCall).Operations)
}
