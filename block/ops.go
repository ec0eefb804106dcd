package block

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
	"github.com/nightscape/knowledge/provider"
)

// EntityName is the block entity's dispatch name.
const EntityName = "block"

// Operations is the block store's operation dispatcher for the provider
// façade.
type Operations struct {
	store *Store
}

// NewOperations wraps a store.
func NewOperations(store *Store) *Operations { return &Operations{store: store} }

// EntityName implements provider.Executor.
func (o *Operations) EntityName() string { return EntityName }

// Operations implements provider.Executor.
func (o *Operations) Operations() []types.OperationDescriptor {
	idParam := types.OperationParam{Name: "id", Type: types.ParamEntityID, EntityName: EntityName}
	return []types.OperationDescriptor{
		{
			EntityName: EntityName, Table: Table, IDColumn: "id",
			Name: "create_block", DisplayName: "Create block",
			Description:    "Create a block under an optional parent",
			RequiredParams: []types.OperationParam{{Name: "content", Type: types.ParamString}},
		},
		{
			EntityName: EntityName, Table: Table, IDColumn: "id",
			Name: "set_content", DisplayName: "Edit content",
			Description: "Replace the block's text",
			RequiredParams: []types.OperationParam{idParam,
				{Name: "content", Type: types.ParamString}},
		},
		{
			EntityName: EntityName, Table: Table, IDColumn: "id",
			Name: "delete_block", DisplayName: "Delete block",
			Description:    "Tombstone the block and its descendants",
			RequiredParams: []types.OperationParam{idParam},
		},
		{
			EntityName: EntityName, Table: Table, IDColumn: "id",
			Name: "move_block", DisplayName: "Move block",
			Description:    "Reorder or reparent the block",
			RequiredParams: []types.OperationParam{idParam},
		},
		{
			EntityName: EntityName, Table: Table, IDColumn: "id",
			Name: "indent_block", DisplayName: "Indent block",
			Description:    "Make the block a child of its preceding sibling",
			RequiredParams: []types.OperationParam{idParam},
		},
		{
			EntityName: EntityName, Table: Table, IDColumn: "id",
			Name: "outdent_block", DisplayName: "Outdent block",
			Description:    "Move the block up one level",
			RequiredParams: []types.OperationParam{idParam},
		},
	}
}

// Execute implements provider.Executor.
func (o *Operations) Execute(ctx context.Context, opName string, params types.Entity) error {
	id := params.GetString("id")
	switch opName {
	case "create_block":
		_, err := o.store.Create(ctx, params)
		return err

	case "set_content":
		return o.store.EditContent(ctx, id, params.GetString("content"))

	case "delete_block":
		return o.store.Delete(ctx, id)

	case "move_block":
		afterID := params.GetString("after_id")
		var newParent *string
		if params.Has("new_parent") {
			p := params.GetString("new_parent")
			newParent = &p
		}
		if afterID == "" && !params.Has("after_id") {
			afterID = MoveLast
		}
		return o.store.Move(ctx, id, newParent, afterID)

	case "indent_block":
		return provider.IndentBlock[Block](ctx, o.store, id)

	case "outdent_block":
		return provider.OutdentBlock[Block](ctx, o.store, id)
	}
	return errors.Wrapf(types.ErrUnknownOperation, "block op %q", opName)
}

var _ provider.Executor = (*Operations)(nil)
