// Package lineage walks a render tree and attaches operation wirings to the
// function calls that reference fields of the current row. The single-table
// rule applies: the `from` table of the main query is authoritative, and
// `this.<field>` means "field <field> of one row of that table, identified by
// its primary key". Columns originating in joined tables are out of scope and
// any wiring inferred for them must be marked inactive by the caller.
package lineage

import (
	"fmt"

	"github.com/nightscape/knowledge/internal/render"
	"github.com/nightscape/knowledge/internal/rql"
	"github.com/nightscape/knowledge/internal/types"
)

// Registry resolves the operation responsible for mutating one field of one
// table. The provider façade implements it.
type Registry interface {
	FindFieldOperation(table, field string) (types.OperationDescriptor, bool)
}

// AnnotateTree attaches OperationWiring entries to every FunctionCall in the
// tree that has a this.-prefixed ColumnRef argument. It mutates the tree in
// place and returns the warnings recorded for placeholder wirings.
//
// When the query has no source table, inference is skipped entirely, the
// tree is left unchanged and no warnings are returned.
func AnnotateTree(root render.Expr, q rql.Query, pk string, reg Registry) []string {
	if q.Table == "" {
		return nil
	}
	if pk == "" {
		pk = "id"
	}

	var warnings []string
	render.Walk(root, func(e render.Expr) bool {
		fc, ok := e.(*render.FunctionCall)
		if !ok {
			return true
		}
		for _, arg := range fc.Args {
			ref, ok := arg.Value.(*render.ColumnRef)
			if !ok {
				continue
			}
			field, ok := ref.IsThisRef()
			if !ok {
				continue
			}

			wiring := types.OperationWiring{
				WidgetType:    fc.Name,
				ModifiedParam: field,
			}

			if desc, found := reg.FindFieldOperation(q.Table, field); found {
				wiring.Descriptor = desc
			} else {
				wiring.Placeholder = true
				wiring.Descriptor = placeholderDescriptor(q.Table, pk, field)
				warnings = append(warnings, fmt.Sprintf(
					"no operation registered for %s.%s; attached placeholder",
					q.Table, field))
			}

			// the query must select both the primary key and the field for
			// the operation to be executable against a rendered row
			if !q.SelectsColumn(pk) || !q.SelectsColumn(field) {
				wiring.NotUpdatable = true
			}

			fc.Operations = append(fc.Operations, wiring)
		}
		return true
	})
	return warnings
}

func placeholderDescriptor(table, pk, field string) types.OperationDescriptor {
	return types.OperationDescriptor{
		EntityName:  table,
		Table:       table,
		IDColumn:    pk,
		Name:        "set_" + field,
		DisplayName: "Set " + field,
		Description: "placeholder: no registered operation",
		RequiredParams: []types.OperationParam{
			{Name: "id", Type: types.ParamEntityID, EntityName: table},
			{Name: field, Type: types.ParamString},
		},
	}
}
