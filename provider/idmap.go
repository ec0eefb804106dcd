package provider

import (
	"context"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
)

// IDMapTable is the shadow-id mapping table.
const IDMapTable = "id_mappings"

// IDMapSchema is the persistence schema of the id mapping. Foreign keys in
// every other local table store internal_id; external_id is consulted only at
// the external-API boundary and internal ids never change once assigned.
var IDMapSchema = types.EntitySchema{
	Table:      IDMapTable,
	PrimaryKey: "internal_id",
	Fields: []types.FieldSchema{
		{Name: "internal_id", Type: types.FieldString, Required: true},
		{Name: "external_id", Type: types.FieldString, Indexed: true},
		{Name: "source", Type: types.FieldString, Required: true, Indexed: true},
		{Name: "command_id", Type: types.FieldString},
		{Name: "state", Type: types.FieldString, Required: true},
	},
}

// IDMapper maintains the stable-UUID shadow-id mapping for one backend.
type IDMapper struct {
	db *storage.Backend
}

// NewIDMapper binds the mapper to its store, creating the table.
func NewIDMapper(ctx context.Context, db *storage.Backend) (*IDMapper, error) {
	if err := db.CreateEntity(ctx, IDMapSchema); err != nil {
		return nil, err
	}
	return &IDMapper{db: db}, nil
}

// CreatePendingTx inserts a pending mapping inside an open transaction,
// atomically with the optimistic entity insert.
func (m *IDMapper) CreatePendingTx(ctx context.Context, tx *storage.Tx, internalID, source, commandID string) error {
	return tx.Insert(ctx, IDMapTable, types.Entity{
		"internal_id": types.String(internalID),
		"source":      types.String(source),
		"command_id":  types.String(commandID),
		"state":       types.String(string(types.MappingPending)),
	})
}

// Get returns the mapping for an internal id.
func (m *IDMapper) Get(ctx context.Context, internalID string) (*types.IDMapping, error) {
	e, err := m.db.Get(ctx, IDMapTable, types.String(internalID))
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	mp := decodeMapping(e)
	return &mp, nil
}

// MarkSynced records the external id assigned by the source. No foreign key
// anywhere else is rewritten.
func (m *IDMapper) MarkSynced(ctx context.Context, internalID, externalID string) error {
	return m.db.Update(ctx, IDMapTable, types.String(internalID), types.Entity{
		"external_id": types.String(externalID),
		"state":       types.String(string(types.MappingSynced)),
	})
}

// MarkFailed records a permanent rejection.
func (m *IDMapper) MarkFailed(ctx context.Context, internalID string) error {
	return m.db.Update(ctx, IDMapTable, types.String(internalID), types.Entity{
		"state": types.String(string(types.MappingFailed)),
	})
}

// ResolveExternal resolves an internal id to its external id. Only call at
// the API boundary, at the last possible step before the external request.
// An id with no mapping is returned verbatim (it belongs to an entity the
// external system already owns).
func (m *IDMapper) ResolveExternal(ctx context.Context, internalID string) (string, error) {
	mp, err := m.Get(ctx, internalID)
	if err != nil {
		return "", err
	}
	if mp == nil || mp.ExternalID == "" {
		return internalID, nil
	}
	return mp.ExternalID, nil
}

// ResolveInternal resolves an external id back to the internal id, when a
// mapping exists. The second return is false for unmapped ids.
func (m *IDMapper) ResolveInternal(ctx context.Context, source, externalID string) (string, bool, error) {
	rows, err := m.db.Query(ctx, IDMapTable, types.Entity{
		"external_id": types.String(externalID),
		"source":      types.String(source),
	})
	if err != nil {
		return "", false, err
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].GetString("internal_id"), true, nil
}

// ApplyTempIDMapping applies a batch temp_id -> real_id response map in one
// pass, transitioning each touched mapping to synced.
func (m *IDMapper) ApplyTempIDMapping(ctx context.Context, mapping map[string]string) error {
	for internalID, externalID := range mapping {
		if err := m.MarkSynced(ctx, internalID, externalID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

func decodeMapping(e types.Entity) types.IDMapping {
	return types.IDMapping{
		InternalID: e.GetString("internal_id"),
		ExternalID: e.GetString("external_id"),
		Source:     e.GetString("source"),
		CommandID:  e.GetString("command_id"),
		State:      types.MappingState(e.GetString("state")),
	}
}
