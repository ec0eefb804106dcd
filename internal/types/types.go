// Package types contains the data types and interfaces shared by the major
// functional blocks of the knowledge engine: the generic entity/value model,
// entity schemas, change-data-capture events, provider change streams and the
// typed error kinds. Placing them here keeps the storage, compiler, cache and
// provider packages free of import cycles.
package types

import (
	"time"
)

// FieldType enumerates the storable value kinds of an entity field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInteger
	FieldFloat
	FieldBoolean
	FieldDateTime
	FieldJSON
	FieldReference
)

func (ft FieldType) String() string {
	switch ft {
	case FieldString:
		return "string"
	case FieldInteger:
		return "integer"
	case FieldFloat:
		return "float"
	case FieldBoolean:
		return "boolean"
	case FieldDateTime:
		return "datetime"
	case FieldJSON:
		return "json"
	case FieldReference:
		return "reference"
	}
	return "unknown"
}

// FieldSchema describes one column of an entity table.
type FieldSchema struct {
	Name     string
	Type     FieldType
	Required bool
	Indexed  bool
}

// EntitySchema is the declarative table definition for one entity type.
// The primary key must name one of the fields.
type EntitySchema struct {
	Table      string
	Fields     []FieldSchema
	PrimaryKey string
}

// Field returns the schema of the named field.
func (s EntitySchema) Field(name string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// ChangeType labels a row-change event.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

func (ct ChangeType) String() string {
	switch ct {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

// RowChange is one CDC event. Data always carries the entity's primary-key
// field; consumers key on that, never on RowID. RowIDs are unique per table
// only and may be reused after deletes.
type RowChange struct {
	Type  ChangeType
	Table string
	RowID int64
	Data  Entity
}

// Key returns the primary-key value of the changed row.
func (rc RowChange) Key(pkField string) (Value, bool) {
	v, ok := rc.Data[pkField]
	return v, ok
}

// Change is one typed entry of a provider change stream.
// A zero Deleted means Upsert carries the item; otherwise Deleted names the
// removed entity's id.
type Change[T any] struct {
	Upsert  *T
	Deleted string
}

// ChangeUpsert wraps an item as an upsert change.
func ChangeUpsert[T any](item T) Change[T] { return Change[T]{Upsert: &item} }

// ChangeDelete wraps an id as a delete change.
func ChangeDelete[T any](id string) Change[T] { return Change[T]{Deleted: id} }

// IsDelete returns true if the change removes an entity.
func (c Change[T]) IsDelete() bool { return c.Deleted != "" }

// OperationIntent is a queued write that survives process restarts.
// The storage assigns the monotone ID on enqueue.
type OperationIntent struct {
	ID         int64
	EntityName string
	OpName     string
	Params     Entity
	Timestamp  time.Time
}

// MappingState tracks the lifecycle of an id mapping.
type MappingState string

const (
	MappingPending MappingState = "pending"
	MappingSynced  MappingState = "synced"
	MappingFailed  MappingState = "failed"
)

// IDMapping relates a stable internal UUID to the id assigned by an external
// system. Foreign keys in local tables always store the internal id; the
// external id is consulted only at the API boundary.
type IDMapping struct {
	InternalID string
	ExternalID string
	Source     string
	CommandID  string
	State      MappingState
}

// ParamType is the type hint of one operation parameter.
type ParamType int

const (
	ParamBool ParamType = iota
	ParamString
	ParamNumber
	ParamEntityID
)

// OperationParam describes one required parameter of an operation.
type OperationParam struct {
	Name string    `json:"name"`
	Type ParamType `json:"type"`
	// EntityName is set for ParamEntityID hints.
	EntityName string `json:"entity_name,omitempty"`
}

// Precondition is a total boolean predicate over the operation params,
// evaluated before any state change. It must not perform I/O.
type Precondition struct {
	Name  string
	Check func(params Entity) bool
}

// OperationDescriptor is the metadata for one invocable operation.
type OperationDescriptor struct {
	EntityName     string           `json:"entity_name"`
	Table          string           `json:"table"`
	IDColumn       string           `json:"id_column"`
	Name           string           `json:"name"`
	DisplayName    string           `json:"display_name"`
	Description    string           `json:"description,omitempty"`
	RequiredParams []OperationParam `json:"required_params,omitempty"`
	Precondition   *Precondition    `json:"-"`
}

// QualifiedName returns the dispatch key of the operation.
func (d OperationDescriptor) QualifiedName() string {
	return d.EntityName + "." + d.Name
}

// OperationWiring connects a render function call to the operation that
// mutates the referenced field.
type OperationWiring struct {
	WidgetType    string              `json:"widget_type"`
	ModifiedParam string              `json:"modified_param"`
	Descriptor    OperationDescriptor `json:"descriptor"`
	// NotUpdatable marks wirings whose query does not select the primary
	// key or the referenced field, or whose column originates in a joined
	// table.
	NotUpdatable bool `json:"not_updatable,omitempty"`
	// Placeholder marks wirings attached without a registry match.
	Placeholder bool `json:"placeholder,omitempty"`
}
