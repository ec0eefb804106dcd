package storage

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
)

// Metadata columns added to every entity table.
const (
	ColOperationSource = "_operation_source"
	ColVersion         = "_version"
	ColCreatedAt       = "created_at"
	ColUpdatedAt       = "updated_at"
)

// OperationSourceReal marks rows confirmed by their source of truth.
// Optimistic rows carry "fake:op-<queue id>" until confirmed.
const OperationSourceReal = "real"

// FakeOperationSource returns the optimistic-source tag for a queued
// operation id.
func FakeOperationSource(queueID int64) string {
	return fmt.Sprintf("fake:op-%d", queueID)
}

func sqliteType(ft types.FieldType) string {
	switch ft {
	case types.FieldInteger, types.FieldBoolean:
		return "INTEGER"
	case types.FieldFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

// createTableSQL renders the idempotent DDL for an entity schema: one column
// per field plus the metadata columns, and one index per indexed field.
func createTableSQL(s types.EntitySchema) ([]string, error) {
	if s.Table == "" || len(s.Fields) == 0 {
		return nil, errors.Wrap(types.ErrInvalidArgument, "empty schema")
	}
	if _, ok := s.Field(s.PrimaryKey); !ok {
		return nil, errors.Wrapf(types.ErrInvalidArgument,
			"primary key %q is not a field of %q", s.PrimaryKey, s.Table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %q (\n", s.Table)
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "    %q %s", f.Name, sqliteType(f.Type))
		if f.Name == s.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		} else if f.Required {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "    %s TEXT NOT NULL DEFAULT '%s',\n", ColOperationSource, OperationSourceReal)
	fmt.Fprintf(&b, "    %s TEXT,\n", ColVersion)
	fmt.Fprintf(&b, "    %s TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')),\n", ColCreatedAt)
	fmt.Fprintf(&b, "    %s TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))\n", ColUpdatedAt)
	b.WriteString(")")

	stmts := []string{b.String()}
	for _, f := range s.Fields {
		if f.Indexed && f.Name != s.PrimaryKey {
			stmts = append(stmts, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %q ON %q (%q)",
				"idx_"+s.Table+"_"+f.Name, s.Table, f.Name))
		}
	}
	return stmts, nil
}

// selectColumns lists the field columns of a schema in declaration order.
func selectColumns(s types.EntitySchema) []string {
	cols := make([]string, 0, len(s.Fields)+2)
	for _, f := range s.Fields {
		cols = append(cols, f.Name)
	}
	cols = append(cols, ColOperationSource, ColVersion)
	return cols
}
