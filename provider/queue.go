package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
)

// QueueTable is the operation-intent table.
const QueueTable = "operation_queue"

// QueueSchema is the schema of the persisted operation queue.
var QueueSchema = types.EntitySchema{
	Table:      QueueTable,
	PrimaryKey: "id",
	Fields: []types.FieldSchema{
		{Name: "id", Type: types.FieldInteger, Required: true},
		{Name: "entity_name", Type: types.FieldString, Required: true, Indexed: true},
		{Name: "op_name", Type: types.FieldString, Required: true},
		{Name: "params_json", Type: types.FieldJSON, Required: true},
		{Name: "timestamp", Type: types.FieldDateTime, Required: true},
	},
}

// Queue persists operation intents for offline replay. Intents survive
// process restarts and are removed on confirmation or permanent failure.
type Queue struct {
	db *storage.Backend
}

// NewQueue binds the queue to its backing store, creating the table.
func NewQueue(ctx context.Context, db *storage.Backend) (*Queue, error) {
	if err := db.CreateEntity(ctx, QueueSchema); err != nil {
		return nil, err
	}
	return &Queue{db: db}, nil
}

// EnqueueTx appends an intent inside an open transaction and returns its
// monotone id. Intended to run in the same transaction as the optimistic
// state change.
func (q *Queue) EnqueueTx(ctx context.Context, tx *storage.Tx, intent types.OperationIntent) (int64, error) {
	rows, err := tx.QuerySQL(ctx,
		"SELECT COALESCE(MAX(id), 0) AS max_id FROM operation_queue", nil)
	if err != nil {
		return 0, err
	}
	id := int64(1)
	if len(rows) > 0 {
		id = rows[0].GetInt("max_id") + 1
	}

	params, err := json.Marshal(intent.Params)
	if err != nil {
		return 0, types.NewStorageError(types.StorageSerialization, "enqueue", err)
	}
	ts := intent.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err = tx.Insert(ctx, QueueTable, types.Entity{
		"id":          types.Integer(id),
		"entity_name": types.String(intent.EntityName),
		"op_name":     types.String(intent.OpName),
		"params_json": types.JSON(params),
		"timestamp":   types.DateTime(ts),
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Enqueue appends an intent in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, intent types.OperationIntent) (int64, error) {
	var id int64
	err := q.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		id, err = q.EnqueueTx(ctx, tx, intent)
		return err
	})
	return id, err
}

// Remove deletes a confirmed or permanently failed intent.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	return q.db.Delete(ctx, QueueTable, types.Integer(id))
}

// RemoveTx deletes an intent inside an open transaction.
func (q *Queue) RemoveTx(ctx context.Context, tx *storage.Tx, id int64) error {
	return tx.Delete(ctx, QueueTable, types.Integer(id))
}

// Pending returns every queued intent in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]types.OperationIntent, error) {
	rows, err := q.db.Query(ctx, QueueTable, nil)
	if err != nil {
		return nil, err
	}
	out := make([]types.OperationIntent, 0, len(rows))
	for _, e := range rows {
		intent, err := decodeIntent(e)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, nil
}

// PendingFor returns queued intents of one entity type in enqueue order.
func (q *Queue) PendingFor(ctx context.Context, entityName string) ([]types.OperationIntent, error) {
	rows, err := q.db.Query(ctx, QueueTable,
		types.Entity{"entity_name": types.String(entityName)})
	if err != nil {
		return nil, err
	}
	out := make([]types.OperationIntent, 0, len(rows))
	for _, e := range rows {
		intent, err := decodeIntent(e)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, nil
}

func decodeIntent(e types.Entity) (types.OperationIntent, error) {
	intent := types.OperationIntent{
		ID:         e.GetInt("id"),
		EntityName: e.GetString("entity_name"),
		OpName:     e.GetString("op_name"),
	}
	if v, ok := e["timestamp"]; ok {
		if t, isT := v.Time(); isT {
			intent.Timestamp = t
		}
	}
	if v, ok := e["params_json"]; ok {
		if raw, isJSON := v.RawJSON(); isJSON {
			params := types.Entity{}
			if err := json.Unmarshal(raw, &params); err != nil {
				return intent, types.NewStorageError(types.StorageSerialization, "dequeue", err)
			}
			intent.Params = params
		}
	}
	return intent, nil
}
