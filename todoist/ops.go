package todoist

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
	"github.com/nightscape/knowledge/provider"
)

// TaskEntityName is the task entity's dispatch name.
const TaskEntityName = "task"

// TaskOperations dispatches task operations against a task cache. The
// priority precondition is first-class data on the descriptor and is checked
// by the façade before any state change.
type TaskOperations struct {
	cache *provider.QueryableCache[Task]
}

// NewTaskOperations wraps a task cache.
func NewTaskOperations(cache *provider.QueryableCache[Task]) *TaskOperations {
	return &TaskOperations{cache: cache}
}

// EntityName implements provider.Executor.
func (o *TaskOperations) EntityName() string { return TaskEntityName }

// Operations implements provider.Executor.
func (o *TaskOperations) Operations() []types.OperationDescriptor {
	idParam := types.OperationParam{Name: "id", Type: types.ParamEntityID, EntityName: TaskEntityName}
	return []types.OperationDescriptor{
		{
			EntityName: TaskEntityName, Table: TaskSchema.Table, IDColumn: "id",
			Name: "create_task", DisplayName: "Create task",
			RequiredParams: []types.OperationParam{{Name: "content", Type: types.ParamString}},
		},
		{
			EntityName: TaskEntityName, Table: TaskSchema.Table, IDColumn: "id",
			Name: "set_completion", DisplayName: "Set completion",
			RequiredParams: []types.OperationParam{idParam,
				{Name: "completed", Type: types.ParamBool}},
		},
		{
			EntityName: TaskEntityName, Table: TaskSchema.Table, IDColumn: "id",
			Name: "set_priority", DisplayName: "Set priority",
			RequiredParams: []types.OperationParam{idParam,
				{Name: "priority", Type: types.ParamNumber}},
			Precondition: &types.Precondition{
				Name: "priority in 1..=4",
				Check: func(params types.Entity) bool {
					p := params.GetInt("priority")
					return p >= 1 && p <= 4
				},
			},
		},
		{
			EntityName: TaskEntityName, Table: TaskSchema.Table, IDColumn: "id",
			Name: "set_due_date", DisplayName: "Set due date",
			RequiredParams: []types.OperationParam{idParam},
		},
		{
			EntityName: TaskEntityName, Table: TaskSchema.Table, IDColumn: "id",
			Name: "set_content", DisplayName: "Edit content",
			RequiredParams: []types.OperationParam{idParam,
				{Name: "content", Type: types.ParamString}},
		},
		{
			EntityName: TaskEntityName, Table: TaskSchema.Table, IDColumn: "id",
			Name: "delete_task", DisplayName: "Delete task",
			RequiredParams: []types.OperationParam{idParam},
		},
	}
}

// Execute implements provider.Executor.
func (o *TaskOperations) Execute(ctx context.Context, opName string, params types.Entity) error {
	id := params.GetString("id")
	switch opName {
	case "create_task":
		_, err := o.cache.Create(ctx, params)
		return err

	case "set_completion":
		return provider.SetCompletion[Task](ctx, o.cache, id, params.GetBool("completed"))

	case "set_priority":
		return provider.SetPriority[Task](ctx, o.cache, id, params.GetInt("priority"))

	case "set_due_date":
		v, ok := params["due_date"]
		if !ok || v.IsNull() {
			return provider.SetDueDate[Task](ctx, o.cache, id, nil)
		}
		t, isTime := v.Time()
		if !isTime {
			return errors.Wrap(types.ErrValidationFailed, "due_date must be a datetime")
		}
		return provider.SetDueDate[Task](ctx, o.cache, id, &t)

	case "set_content":
		return o.cache.SetField(ctx, id, "content", params["content"])

	case "delete_task":
		return o.cache.Delete(ctx, id)
	}
	return errors.Wrapf(types.ErrUnknownOperation, "task op %q", opName)
}

var _ provider.Executor = (*TaskOperations)(nil)
