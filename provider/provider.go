// Package provider implements the operation provider protocol: the
// capability-layered datasource interfaces, the hierarchical and task
// operations every conforming datasource gets for free, the operation
// dispatch façade, the write-through QueryableCache, and the typed change
// broadcast used by provider stream hubs.
package provider

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/fracindex"
	"github.com/nightscape/knowledge/internal/types"
)

// DataSource is the read-only capability of an entity provider.
type DataSource[T any] interface {
	GetAll(ctx context.Context) ([]T, error)
	// GetByID returns nil when the entity does not exist.
	GetByID(ctx context.Context, id string) (*T, error)
	GetChildren(ctx context.Context, parentID string) ([]T, error)
}

// CrudOperationProvider is the fire-and-forget write capability. Create
// returns the newly assigned id immediately; full data for the new entity
// arrives later on the provider's change stream.
type CrudOperationProvider[T any] interface {
	SetField(ctx context.Context, id, field string, value types.Value) error
	Create(ctx context.Context, fields types.Entity) (string, error)
	Delete(ctx context.Context, id string) error
}

// ReadWriteDataSource combines the read and write capabilities. Any type
// satisfying it whose item type carries the block or task capability gets the
// corresponding hierarchical or task operations below.
type ReadWriteDataSource[T any] interface {
	DataSource[T]
	CrudOperationProvider[T]
}

// BlockEntity is the capability marker of hierarchical items.
type BlockEntity interface {
	BlockID() string
	BlockParentID() string
	BlockSortKey() string
	BlockDepth() int
}

// TaskEntity is the capability marker of task items.
type TaskEntity interface {
	TaskID() string
	TaskCompleted() bool
	TaskPriority() int64
	TaskDueDate() *time.Time
}

// -- hierarchical operations ------------------------------------------------
//
// These free functions are the composition device standing in for blanket
// implementations: every ReadWriteDataSource over a BlockEntity gets them
// without writing a line.

// MoveBlock reorders id among its current siblings, placing it directly
// after afterID, or first when afterID is empty. It computes one fractional
// sort key between the two neighbors and issues a single SetField.
func MoveBlock[T BlockEntity](ctx context.Context, ds ReadWriteDataSource[T], id string, afterID string) error {
	item, err := ds.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errors.Wrapf(types.ErrNotFound, "block %s", id)
	}

	siblings, err := ds.GetChildren(ctx, (*item).BlockParentID())
	if err != nil {
		return err
	}

	prev, next, err := neighborKeys(siblings, id, afterID)
	if err != nil {
		return err
	}
	key, err := fracindex.KeyBetween(prev, next)
	if err != nil {
		return err
	}
	return ds.SetField(ctx, id, "sort_key", types.String(key))
}

// IndentBlock makes the block a child of its preceding sibling, placed last
// among that sibling's children.
func IndentBlock[T BlockEntity](ctx context.Context, ds ReadWriteDataSource[T], id string) error {
	item, err := ds.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errors.Wrapf(types.ErrNotFound, "block %s", id)
	}

	siblings, err := ds.GetChildren(ctx, (*item).BlockParentID())
	if err != nil {
		return err
	}
	var prevSibling *T
	for i := range siblings {
		if siblings[i].BlockID() == id {
			break
		}
		prevSibling = &siblings[i]
	}
	if prevSibling == nil {
		return errors.Wrap(types.ErrInvalidArgument, "first sibling cannot be indented")
	}

	newSiblings, err := ds.GetChildren(ctx, (*prevSibling).BlockID())
	if err != nil {
		return err
	}
	prev := ""
	if len(newSiblings) > 0 {
		prev = newSiblings[len(newSiblings)-1].BlockSortKey()
	}
	key, err := fracindex.KeyBetween(prev, "")
	if err != nil {
		return err
	}
	if err := ds.SetField(ctx, id, "sort_key", types.String(key)); err != nil {
		return err
	}
	return ds.SetField(ctx, id, "parent_id", types.String((*prevSibling).BlockID()))
}

// OutdentBlock moves the block up one level, placing it directly after its
// former parent.
func OutdentBlock[T BlockEntity](ctx context.Context, ds ReadWriteDataSource[T], id string) error {
	item, err := ds.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errors.Wrapf(types.ErrNotFound, "block %s", id)
	}
	parentID := (*item).BlockParentID()
	if parentID == "" {
		return errors.Wrap(types.ErrInvalidArgument, "root block cannot be outdented")
	}
	parent, err := ds.GetByID(ctx, parentID)
	if err != nil {
		return err
	}
	if parent == nil {
		return errors.Wrapf(types.ErrNotFound, "parent %s", parentID)
	}

	grandSiblings, err := ds.GetChildren(ctx, (*parent).BlockParentID())
	if err != nil {
		return err
	}
	prev, next, err := neighborKeys(grandSiblings, id, parentID)
	if err != nil {
		return err
	}
	key, err := fracindex.KeyBetween(prev, next)
	if err != nil {
		return err
	}
	if err := ds.SetField(ctx, id, "sort_key", types.String(key)); err != nil {
		return err
	}
	return ds.SetField(ctx, id, "parent_id", types.String((*parent).BlockParentID()))
}

// neighborKeys returns the sort keys bracketing the position directly after
// afterID in an ordered sibling list. The moving block itself is skipped so a
// same-parent move never collides with its own key.
func neighborKeys[T BlockEntity](siblings []T, movingID, afterID string) (prev, next string, err error) {
	rest := make([]T, 0, len(siblings))
	for _, s := range siblings {
		if s.BlockID() != movingID {
			rest = append(rest, s)
		}
	}
	if afterID == "" {
		if len(rest) > 0 {
			next = rest[0].BlockSortKey()
		}
		return prev, next, nil
	}
	for i, s := range rest {
		if s.BlockID() == afterID {
			prev = s.BlockSortKey()
			if i+1 < len(rest) {
				next = rest[i+1].BlockSortKey()
			}
			return prev, next, nil
		}
	}
	return "", "", errors.Wrapf(types.ErrNotFound, "sibling %s", afterID)
}

// -- task operations ---------------------------------------------------------

// SetCompletion marks a task complete or incomplete.
func SetCompletion[T TaskEntity](ctx context.Context, ds ReadWriteDataSource[T], id string, completed bool) error {
	return ds.SetField(ctx, id, "completed", types.Boolean(completed))
}

// SetPriority sets the task priority.
func SetPriority[T TaskEntity](ctx context.Context, ds ReadWriteDataSource[T], id string, priority int64) error {
	return ds.SetField(ctx, id, "priority", types.Integer(priority))
}

// SetDueDate sets or clears the task due date.
func SetDueDate[T TaskEntity](ctx context.Context, ds ReadWriteDataSource[T], id string, due *time.Time) error {
	if due == nil {
		return ds.SetField(ctx, id, "due_date", types.Null)
	}
	return ds.SetField(ctx, id, "due_date", types.DateTime(*due))
}
