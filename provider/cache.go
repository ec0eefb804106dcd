package provider

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
)

const delegateAttempts = 4

// QueryableCache is a write-through proxy over an external datasource. Reads
// come from the local mirror table; writes delegate to the wrapped datasource
// and are applied optimistically under a fake operation source until
// confirmed. Change streams ingested from the provider reconcile the mirror.
//
// The cache implements both DataSource[T] and CrudOperationProvider[T], so
// for any T carrying the BlockEntity or TaskEntity capability it composes
// with the hierarchical and task operations of this package.
type QueryableCache[T any] struct {
	inner  ReadWriteDataSource[T]
	db     *storage.Backend
	schema types.EntitySchema
	codec  Codec[T]
	source string
	idmap  *IDMapper
	queue  *Queue
	log    *zap.SugaredLogger

	newID func() string

	errs chan error
	wg   sync.WaitGroup
}

// NewQueryableCache wraps datasource with a local mirror in db shaped by
// schema. source tags this provider's id mappings.
func NewQueryableCache[T any](
	ctx context.Context,
	datasource ReadWriteDataSource[T],
	db *storage.Backend,
	schema types.EntitySchema,
	source string,
	log *zap.SugaredLogger,
) (*QueryableCache[T], error) {
	if err := db.CreateEntity(ctx, schema); err != nil {
		return nil, err
	}
	idmap, err := NewIDMapper(ctx, db)
	if err != nil {
		return nil, err
	}
	queue, err := NewQueue(ctx, db)
	if err != nil {
		return nil, err
	}
	return &QueryableCache[T]{
		inner:  datasource,
		db:     db,
		schema: schema,
		codec:  Codec[T]{Schema: schema},
		source: source,
		idmap:  idmap,
		queue:  queue,
		log:    log,
		newID:  uuid.NewString,
		errs:   make(chan error, 16),
	}, nil
}

// SetIDGenerator overrides internal-id generation. The deterministic
// reference stores used in property tests install a seeded counter here so
// shrinking replays produce identical id streams.
func (c *QueryableCache[T]) SetIDGenerator(fn func() string) { c.newID = fn }

// Errors is the one-shot side channel for permanent write failures.
func (c *QueryableCache[T]) Errors() <-chan error { return c.errs }

// Table returns the mirror table name.
func (c *QueryableCache[T]) Table() string { return c.schema.Table }

// IDMap exposes the shadow-id mapper, for the provider sync that resolves
// ids at the API boundary.
func (c *QueryableCache[T]) IDMap() *IDMapper { return c.idmap }

// Queue exposes the persisted operation queue.
func (c *QueryableCache[T]) Queue() *Queue { return c.queue }

// -- reads (DataSource) ------------------------------------------------------

// GetAll lists every non-tombstoned mirrored entity.
func (c *QueryableCache[T]) GetAll(ctx context.Context) ([]T, error) {
	rows, err := c.db.Query(ctx, c.schema.Table, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeRows(rows)
}

// GetByID reads one entity from the mirror; nil when absent or tombstoned.
func (c *QueryableCache[T]) GetByID(ctx context.Context, id string) (*T, error) {
	e, err := c.db.Get(ctx, c.schema.Table, types.String(id))
	if err != nil {
		return nil, err
	}
	if e == nil || c.tombstoned(e) {
		return nil, nil
	}
	return c.codec.Decode(e)
}

// GetChildren lists the entities whose parent_id equals parentID, in
// sort-key order when the schema has one.
func (c *QueryableCache[T]) GetChildren(ctx context.Context, parentID string) ([]T, error) {
	rows, err := c.db.Query(ctx, c.schema.Table,
		types.Entity{"parent_id": types.String(parentID)})
	if err != nil {
		return nil, err
	}
	if _, hasSort := c.schema.Field("sort_key"); hasSort {
		sortBySortKey(rows)
	}
	return c.decodeRows(rows)
}

func (c *QueryableCache[T]) decodeRows(rows []types.Entity) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, e := range rows {
		if c.tombstoned(e) {
			continue
		}
		item, err := c.codec.Decode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, nil
}

func (c *QueryableCache[T]) tombstoned(e types.Entity) bool {
	if _, ok := c.schema.Field("deleted_at"); !ok {
		return false
	}
	return e.Has("deleted_at")
}

func sortBySortKey(rows []types.Entity) {
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].GetString("sort_key") > rows[j].GetString("sort_key"); j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
}

// -- writes (CrudOperationProvider) ------------------------------------------

// SetField optimistically updates the mirror and the operation queue in one
// transaction, then delegates to the wrapped datasource.
func (c *QueryableCache[T]) SetField(ctx context.Context, id, field string, value types.Value) error {
	var queueID int64
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		queueID, err = c.queue.EnqueueTx(ctx, tx, types.OperationIntent{
			EntityName: c.schema.Table,
			OpName:     "set_field",
			Params: types.Entity{
				"id":    types.String(id),
				"field": types.String(field),
				"value": value,
			},
		})
		if err != nil {
			return err
		}
		return tx.Update(ctx, c.schema.Table, types.String(id), types.Entity{
			field:                      value,
			storage.ColOperationSource: types.String(storage.FakeOperationSource(queueID)),
		})
	})
	if err != nil {
		return err
	}
	return c.delegate(ctx, queueID, id, func() error {
		return c.inner.SetField(ctx, id, field, value)
	})
}

// Create assigns a stable internal UUID, inserts the optimistic row and its
// pending id mapping atomically, then delegates. The internal id is returned
// immediately; the external id only ever lands in the mapping table.
func (c *QueryableCache[T]) Create(ctx context.Context, fields types.Entity) (string, error) {
	internalID := c.newID()
	commandID := xid.New().String()

	row := fields.Clone()
	row[c.schema.PrimaryKey] = types.String(internalID)

	var queueID int64
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		queueID, err = c.queue.EnqueueTx(ctx, tx, types.OperationIntent{
			EntityName: c.schema.Table,
			OpName:     "create",
			Params:     row,
		})
		if err != nil {
			return err
		}
		if err := c.idmap.CreatePendingTx(ctx, tx, internalID, c.source, commandID); err != nil {
			return err
		}
		optimistic := row.Clone()
		optimistic[storage.ColOperationSource] = types.String(storage.FakeOperationSource(queueID))
		return tx.Insert(ctx, c.schema.Table, optimistic)
	})
	if err != nil {
		return "", err
	}

	err = c.delegate(ctx, queueID, internalID, func() error {
		_, err := c.inner.Create(ctx, row)
		return err
	})
	if err != nil {
		return "", err
	}
	return internalID, nil
}

// Delete removes the mirror row optimistically and delegates.
func (c *QueryableCache[T]) Delete(ctx context.Context, id string) error {
	var queueID int64
	err := c.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		queueID, err = c.queue.EnqueueTx(ctx, tx, types.OperationIntent{
			EntityName: c.schema.Table,
			OpName:     "delete",
			Params:     types.Entity{"id": types.String(id)},
		})
		if err != nil {
			return err
		}
		return tx.Delete(ctx, c.schema.Table, types.String(id))
	})
	if err != nil {
		return err
	}
	return c.delegate(ctx, queueID, id, func() error {
		return c.inner.Delete(ctx, id)
	})
}

// delegate runs the datasource call with backoff. Confirmed writes refresh
// the mirror and clear the queue entry; transient exhaustion leaves the
// optimistic row and the intent queued for the next provider sync; permanent
// failures roll the optimistic row back and surface on the error channel.
func (c *QueryableCache[T]) delegate(ctx context.Context, queueID int64, id string, call func() error) error {
	err := retry.Do(call,
		retry.RetryIf(types.IsTransient),
		retry.Attempts(delegateAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	switch {
	case err == nil:
		if id != "" {
			c.refresh(ctx, id)
		}
		if err := c.queue.Remove(ctx, queueID); err != nil {
			c.log.Warnw("dequeue after confirmation failed", "queue_id", queueID, "err", err)
		}
		return nil

	case types.IsTransient(err):
		c.log.Infow("delegate unavailable, operation stays queued",
			"table", c.schema.Table, "queue_id", queueID, "err", err)
		return nil

	default:
		c.rollback(ctx, queueID, id)
		if err := c.queue.Remove(ctx, queueID); err != nil {
			c.log.Warnw("dequeue after rejection failed", "queue_id", queueID, "err", err)
		}
		if id != "" {
			if merr := c.idmap.MarkFailed(ctx, id); merr != nil && !errors.Is(merr, types.ErrNotFound) {
				c.log.Warnw("marking mapping failed", "id", id, "err", merr)
			}
		}
		select {
		case c.errs <- err:
		default:
		}
		return err
	}
}

// refresh implements the post-operation cache refresh: after an acknowledged
// write naming an id, the datasource's view of that entity is fetched and
// upserted so CDC fires within one database round trip even when the
// upstream system emits no synchronous change event.
func (c *QueryableCache[T]) refresh(ctx context.Context, id string) {
	item, err := c.inner.GetByID(ctx, id)
	if err != nil {
		c.log.Warnw("post-operation refresh failed", "id", id, "err", err)
		return
	}
	if item == nil {
		// the datasource has not materialized the entity yet; the change
		// stream reconciles it later
		return
	}
	if err := c.upsert(ctx, *item, storage.OperationSourceReal); err != nil {
		c.log.Warnw("post-operation upsert failed", "id", id, "err", err)
	}
}

// rollback removes optimistic rows tagged with the failed operation and
// restores the datasource's view of the entity when it still exists.
func (c *QueryableCache[T]) rollback(ctx context.Context, queueID int64, id string) {
	fake := storage.FakeOperationSource(queueID)
	rows, err := c.db.Query(ctx, c.schema.Table,
		types.Entity{storage.ColOperationSource: types.String(fake)})
	if err != nil {
		c.log.Warnw("rollback query failed", "queue_id", queueID, "err", err)
		return
	}
	for _, e := range rows {
		pk := e[c.schema.PrimaryKey]
		if err := c.db.Delete(ctx, c.schema.Table, pk); err != nil {
			c.log.Warnw("rollback delete failed", "queue_id", queueID, "err", err)
		}
	}
	if id == "" {
		return
	}
	item, err := c.inner.GetByID(ctx, id)
	if err != nil || item == nil {
		return
	}
	if err := c.upsert(ctx, *item, storage.OperationSourceReal); err != nil {
		c.log.Warnw("rollback restore failed", "id", id, "err", err)
	}
}

// Discard removes the mirror row of a permanently rejected queued operation
// and marks its id mapping failed. The provider sync calls this when a
// replayed command is rejected.
func (c *QueryableCache[T]) Discard(ctx context.Context, id string) error {
	if err := c.db.Delete(ctx, c.schema.Table, types.String(id)); err != nil &&
		!errors.Is(err, types.ErrNotFound) {
		return err
	}
	if err := c.idmap.MarkFailed(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}

// upsert writes an item into the mirror with the given operation source.
func (c *QueryableCache[T]) upsert(ctx context.Context, item T, source string) error {
	e, err := c.codec.Encode(item)
	if err != nil {
		return err
	}
	e[storage.ColOperationSource] = types.String(source)
	pk, ok := e[c.schema.PrimaryKey]
	if !ok {
		return errors.Wrapf(types.ErrInvalidArgument,
			"encoded %s item is missing %s", c.schema.Table, c.schema.PrimaryKey)
	}

	return c.db.WithTx(ctx, func(tx *storage.Tx) error {
		existing, err := tx.Get(ctx, c.schema.Table, pk)
		if err != nil {
			return err
		}
		if existing == nil {
			return tx.Insert(ctx, c.schema.Table, e)
		}
		fields := e.Clone()
		delete(fields, c.schema.PrimaryKey)
		return tx.Update(ctx, c.schema.Table, pk, fields)
	})
}

// -- stream ingestion --------------------------------------------------------

// IngestStream spawns the background task that applies the provider's typed
// change stream to the mirror. The task exits when ctx ends or the stream
// closes; Wait blocks until every ingestion task has exited.
func (c *QueryableCache[T]) IngestStream(ctx context.Context, sub *BroadcastSub[T]) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case lost, ok := <-sub.Lagged():
				if !ok {
					return
				}
				c.log.Warnw("change stream lagged, resyncing",
					"table", c.schema.Table, "lost", lost)
				if err := c.Resync(ctx); err != nil {
					c.log.Errorw("resync failed", "table", c.schema.Table, "err", err)
				}
			case batch, ok := <-sub.Changes():
				if !ok {
					return
				}
				c.applyBatch(ctx, batch)
			}
		}
	}()
}

// Wait blocks until every spawned ingestion task has exited.
func (c *QueryableCache[T]) Wait() { c.wg.Wait() }

func (c *QueryableCache[T]) applyBatch(ctx context.Context, batch []types.Change[T]) {
	for _, ch := range batch {
		if ch.IsDelete() {
			if err := c.db.Delete(ctx, c.schema.Table, types.String(ch.Deleted)); err != nil &&
				!errors.Is(err, types.ErrNotFound) {
				c.log.Warnw("ingest delete failed", "id", ch.Deleted, "err", err)
			}
			continue
		}
		if ch.Upsert == nil {
			continue
		}
		if err := c.upsert(ctx, *ch.Upsert, storage.OperationSourceReal); err != nil {
			c.log.Warnw("ingest upsert failed", "table", c.schema.Table, "err", err)
		}
	}
}

// Resync replaces the mirror's confirmed rows with the datasource's full
// state. Optimistic rows awaiting confirmation are left in place.
func (c *QueryableCache[T]) Resync(ctx context.Context) error {
	items, err := c.inner.GetAll(ctx)
	if err != nil {
		return err
	}

	fresh := map[string]bool{}
	for _, item := range items {
		e, err := c.codec.Encode(item)
		if err != nil {
			return err
		}
		fresh[e.GetString(c.schema.PrimaryKey)] = true
		if err := c.upsert(ctx, item, storage.OperationSourceReal); err != nil {
			return err
		}
	}

	rows, err := c.db.Query(ctx, c.schema.Table, nil)
	if err != nil {
		return err
	}
	for _, e := range rows {
		id := e.GetString(c.schema.PrimaryKey)
		if fresh[id] {
			continue
		}
		if e.GetString(storage.ColOperationSource) != storage.OperationSourceReal {
			continue
		}
		if err := c.db.Delete(ctx, c.schema.Table, types.String(id)); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ DataSource[struct{}]            = (*QueryableCache[struct{}])(nil)
	_ CrudOperationProvider[struct{}] = (*QueryableCache[struct{}])(nil)
)
