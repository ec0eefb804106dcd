// Package todoist implements the external system integration: a sync-API
// client speaking the batch command protocol, and the provider stream hub
// that drains queued operations, reconciles shadow ids and fans typed change
// streams out to the entity caches.
package todoist

import (
	"time"

	"github.com/nightscape/knowledge/internal/types"
)

// Source tags this provider's id mappings.
const Source = "todoist"

// Due is the wire shape of a task due date.
type Due struct {
	Date string `json:"date"`
}

// Task is one todoist item, shaped for both the wire (json tags) and the
// local mirror (db tags).
type Task struct {
	ID        string `json:"id" db:"id"`
	ProjectID string `json:"project_id" db:"project_id"`
	SectionID string `json:"section_id" db:"section_id"`
	ParentID  string `json:"parent_id" db:"parent_id"`
	Content   string `json:"content" db:"content"`
	Priority  int64  `json:"priority" db:"priority"`
	Completed bool   `json:"checked" db:"completed"`
	Due       *Due   `json:"due" db:"-"`
	DueDate   *time.Time `json:"-" db:"due_date"`
	IsDeleted bool   `json:"is_deleted" db:"-"`
}

// normalize derives the local fields from the wire shape.
func (t *Task) normalize() {
	if t.Due != nil && t.Due.Date != "" {
		if d, err := time.Parse("2006-01-02", t.Due.Date); err == nil {
			t.DueDate = &d
		}
	}
}

// TaskID implements the task capability.
func (t Task) TaskID() string { return t.ID }

// TaskCompleted implements the task capability.
func (t Task) TaskCompleted() bool { return t.Completed }

// TaskPriority implements the task capability.
func (t Task) TaskPriority() int64 { return t.Priority }

// TaskDueDate implements the task capability.
func (t Task) TaskDueDate() *time.Time { return t.DueDate }

// Project is one todoist project.
type Project struct {
	ID        string `json:"id" db:"id"`
	ParentID  string `json:"parent_id" db:"parent_id"`
	Name      string `json:"name" db:"name"`
	IsDeleted bool   `json:"is_deleted" db:"-"`
}

// Section is one todoist section.
type Section struct {
	ID        string `json:"id" db:"id"`
	ProjectID string `json:"project_id" db:"project_id"`
	Name      string `json:"name" db:"name"`
	IsDeleted bool   `json:"is_deleted" db:"-"`
}

// TaskSchema is the local mirror table for tasks. Foreign keys store
// internal ids only.
var TaskSchema = types.EntitySchema{
	Table:      "todoist_tasks",
	PrimaryKey: "id",
	Fields: []types.FieldSchema{
		{Name: "id", Type: types.FieldString, Required: true},
		{Name: "project_id", Type: types.FieldString, Indexed: true},
		{Name: "section_id", Type: types.FieldString, Indexed: true},
		{Name: "parent_id", Type: types.FieldString, Indexed: true},
		{Name: "content", Type: types.FieldString, Required: true},
		{Name: "priority", Type: types.FieldInteger, Indexed: true},
		{Name: "completed", Type: types.FieldBoolean, Indexed: true},
		{Name: "due_date", Type: types.FieldDateTime, Indexed: true},
	},
}

// ProjectSchema is the local mirror table for projects.
var ProjectSchema = types.EntitySchema{
	Table:      "todoist_projects",
	PrimaryKey: "id",
	Fields: []types.FieldSchema{
		{Name: "id", Type: types.FieldString, Required: true},
		{Name: "parent_id", Type: types.FieldString, Indexed: true},
		{Name: "name", Type: types.FieldString, Required: true},
	},
}

// SectionSchema is the local mirror table for sections.
var SectionSchema = types.EntitySchema{
	Table:      "todoist_sections",
	PrimaryKey: "id",
	Fields: []types.FieldSchema{
		{Name: "id", Type: types.FieldString, Required: true},
		{Name: "project_id", Type: types.FieldString, Indexed: true},
		{Name: "name", Type: types.FieldString, Required: true},
	},
}
