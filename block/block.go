// Package block implements the hierarchical outline store: tombstoned,
// fractionally ordered blocks with CRDT-mergeable content, backed by the
// storage engine. The store is a local provider: it satisfies the same
// datasource contracts as any external system's cache, so the hierarchical
// operations compose onto it for free.
package block

import (
	"time"

	"github.com/nightscape/knowledge/internal/types"
)

// Table is the block entity table.
const Table = "blocks"

// Schema is the block table definition. parent_id is the empty string for
// roots; deleted_at is the tombstone flag; content_state carries the
// serialized CRDT document and is opaque to everything but the edit
// operations.
var Schema = types.EntitySchema{
	Table:      Table,
	PrimaryKey: "id",
	Fields: []types.FieldSchema{
		{Name: "id", Type: types.FieldString, Required: true},
		{Name: "parent_id", Type: types.FieldString, Indexed: true},
		{Name: "sort_key", Type: types.FieldString, Required: true, Indexed: true},
		{Name: "content", Type: types.FieldString},
		{Name: "content_state", Type: types.FieldJSON},
		{Name: "deleted_at", Type: types.FieldDateTime, Indexed: true},
		{Name: "depth", Type: types.FieldInteger, Required: true},
	},
}

// Block is one outline entry. The ID is the block's entity URL and never
// changes for the entity's lifetime, external reconciliation included.
type Block struct {
	ID        string     `db:"id"`
	ParentID  string     `db:"parent_id"`
	SortKey   string     `db:"sort_key"`
	Content   string     `db:"content"`
	DeletedAt *time.Time `db:"deleted_at"`
	Depth     int64      `db:"depth"`
}

// BlockID implements the block capability.
func (b Block) BlockID() string { return b.ID }

// BlockParentID implements the block capability.
func (b Block) BlockParentID() string { return b.ParentID }

// BlockSortKey implements the block capability.
func (b Block) BlockSortKey() string { return b.SortKey }

// BlockDepth implements the block capability.
func (b Block) BlockDepth() int { return int(b.Depth) }

// IsDeleted reports whether the block is tombstoned.
func (b Block) IsDeleted() bool { return b.DeletedAt != nil }

// URL returns the block's entity URL.
func (b Block) URL() types.EntityURL { return types.EntityURL(b.ID) }
