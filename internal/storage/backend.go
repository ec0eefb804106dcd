// Package storage implements the relational store behind the knowledge
// engine: a SQLite database with schema-driven entity tables, prepared
// statement execution, named-parameter binding, optional materialized views,
// and per-transaction row-change batches for change data capture.
//
// All writes funnel through this package, which is what makes it the CDC
// source of truth: SQLite's update hooks only observe the connection they are
// registered on, so the backend itself emits one batch of raw RowChange
// events per committed transaction to every registered subscription.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/types"
)

// Config carries backend construction options.
type Config struct {
	// Path of the database file; ":memory:" for an in-memory store.
	Path string
	// EnableMaterializedViews gates CreateMaterializedView.
	EnableMaterializedViews bool
}

type matview struct {
	name      string
	selectSQL string
	pk        string
}

// Backend is the storage engine. Writers serialize on an internal mutex;
// reads go straight to the pool.
type Backend struct {
	db  *sql.DB
	log *zap.SugaredLogger

	writeMu sync.Mutex

	mu       sync.RWMutex
	schemas  map[string]types.EntitySchema
	matviews map[string]matview
	stmts    map[string]*sql.Stmt

	enableMatviews bool

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// Open opens (creating if necessary) the database at conf.Path.
func Open(conf Config, log *zap.SugaredLogger) (*Backend, error) {
	dsn := conf.Path + "?_fk=true&_journal_mode=WAL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.NewStorageError(types.StorageConnection, "open", err)
	}
	// a single writer keeps sqlite happy; reads multiplex fine
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, types.NewStorageError(types.StorageConnection, "open", err)
	}
	return &Backend{
		db:             db,
		log:            log,
		schemas:        map[string]types.EntitySchema{},
		matviews:       map[string]matview{},
		stmts:          map[string]*sql.Stmt{},
		enableMatviews: conf.EnableMaterializedViews,
		subs:           map[*Subscription]struct{}{},
	}, nil
}

// Close closes every subscription and the database.
func (b *Backend) Close() error {
	b.subMu.Lock()
	for s := range b.subs {
		close(s.done)
		close(s.ch)
		close(s.status)
	}
	b.subs = map[*Subscription]struct{}{}
	b.subMu.Unlock()

	b.mu.Lock()
	for _, st := range b.stmts {
		st.Close() //nolint:errcheck
	}
	b.stmts = map[string]*sql.Stmt{}
	b.mu.Unlock()

	return b.db.Close()
}

// Schema returns the registered schema for a table.
func (b *Backend) Schema(table string) (types.EntitySchema, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.schemas[table]
	return s, ok
}

// CreateEntity creates the entity table and its indexes. Idempotent.
func (b *Backend) CreateEntity(ctx context.Context, schema types.EntitySchema) error {
	stmts, err := createTableSQL(schema)
	if err != nil {
		return types.NewStorageError(types.StorageSchema, "create_entity", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	for _, s := range stmts {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			return types.NewStorageError(types.StorageSchema, "create_entity", err)
		}
	}
	b.mu.Lock()
	b.schemas[schema.Table] = schema
	b.mu.Unlock()
	return nil
}

// RowChanges registers a new CDC subscription with the given channel bound
// (0 means DefaultSubscriptionBuffer). The returned handle must be closed.
func (b *Backend) RowChanges(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	s := &Subscription{
		backend: b,
		ch:      make(chan []types.RowChange, buffer),
		status:  make(chan error, 8),
		done:    make(chan struct{}),
	}
	b.subMu.Lock()
	b.subs[s] = struct{}{}
	b.subMu.Unlock()
	return s
}

func (b *Backend) unsubscribe(s *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.done)
	close(s.ch)
	close(s.status)
}

func (b *Backend) publish(batch []types.RowChange) {
	if len(batch) == 0 {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for s := range b.subs {
		s.deliver(batch)
	}
}

// prepare returns a cached prepared statement for sql.
func (b *Backend) prepare(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	b.mu.RLock()
	st, ok := b.stmts[sqlText]
	b.mu.RUnlock()
	if ok {
		return st, nil
	}
	st, err := b.db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "prepare", err)
	}
	b.mu.Lock()
	if old, ok := b.stmts[sqlText]; ok {
		b.mu.Unlock()
		st.Close() //nolint:errcheck
		return old, nil
	}
	b.stmts[sqlText] = st
	b.mu.Unlock()
	return st, nil
}

// Tx is one storage transaction. Row changes collect while the transaction is
// open and publish as a single batch on commit.
type Tx struct {
	b       *Backend
	tx      *sql.Tx
	pending []types.RowChange
}

// WithTx runs fn inside a single transaction. On success the collected row
// changes are published as one batch; on error or panic the transaction rolls
// back and nothing is published.
func (b *Backend) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	stx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return types.NewStorageError(types.StorageConnection, "begin", err)
	}
	tx := &Tx{b: b, tx: stx}

	defer func() {
		if p := recover(); p != nil {
			stx.Rollback() //nolint:errcheck
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		stx.Rollback() //nolint:errcheck
		return err
	}
	if err := stx.Commit(); err != nil {
		return types.NewStorageError(types.StorageQuery, "commit", err)
	}
	b.publish(tx.pending)
	return nil
}

func (t *Tx) schema(table string) (types.EntitySchema, error) {
	s, ok := t.b.Schema(table)
	if !ok {
		return s, types.NewStorageError(types.StorageSchema, "lookup",
			errors.Errorf("no schema for table %q", table))
	}
	return s, nil
}

// stmt prepares on the transaction's own connection. Going through the pool
// here would deadlock: the open transaction holds the backend's single
// connection. Transaction-scoped statements close with the transaction.
func (t *Tx) stmt(ctx context.Context, sqlText string) (*sql.Stmt, error) {
	st, err := t.tx.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "prepare", err)
	}
	return st, nil
}

// Insert inserts an entity and records the Insert row change.
func (t *Tx) Insert(ctx context.Context, table string, e types.Entity) error {
	s, err := t.schema(table)
	if err != nil {
		return err
	}
	if !e.Has(s.PrimaryKey) {
		return types.NewStorageError(types.StorageQuery, "insert",
			errors.Wrapf(types.ErrInvalidArgument, "missing primary key %q", s.PrimaryKey))
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	cols := []string{}
	args := []interface{}{}
	for _, f := range s.Fields {
		if v, ok := e[f.Name]; ok {
			cols = append(cols, fmt.Sprintf("%q", f.Name))
			args = append(args, v.Driver())
		}
	}
	src := OperationSourceReal
	if v, ok := e[ColOperationSource]; ok {
		src, _ = v.Str()
	}
	cols = append(cols, ColOperationSource, ColCreatedAt, ColUpdatedAt)
	args = append(args, src, now, now)
	if v, ok := e[ColVersion]; ok {
		cols = append(cols, ColVersion)
		args = append(args, v.Driver())
	}

	q := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders(len(cols)))
	st, err := t.stmt(ctx, q)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, args...); err != nil {
		return types.NewStorageError(types.StorageQuery, "insert", err)
	}

	rowid, data, err := t.fetchRow(ctx, s, e[s.PrimaryKey])
	if err != nil {
		return err
	}
	t.pending = append(t.pending, types.RowChange{
		Type: types.Insert, Table: table, RowID: rowid, Data: data,
	})
	return nil
}

// Update updates the given fields of the row identified by id and records the
// Update row change with the row's full post-write data.
func (t *Tx) Update(ctx context.Context, table string, id types.Value, fields types.Entity) error {
	s, err := t.schema(table)
	if err != nil {
		return err
	}
	sets := []string{}
	args := []interface{}{}
	for _, f := range s.Fields {
		if f.Name == s.PrimaryKey {
			continue
		}
		if v, ok := fields[f.Name]; ok {
			sets = append(sets, fmt.Sprintf("%q = ?", f.Name))
			args = append(args, v.Driver())
		}
	}
	for _, meta := range []string{ColOperationSource, ColVersion} {
		if v, ok := fields[meta]; ok {
			sets = append(sets, fmt.Sprintf("%s = ?", meta))
			args = append(args, v.Driver())
		}
	}
	if len(sets) == 0 {
		return types.NewStorageError(types.StorageQuery, "update",
			errors.Wrap(types.ErrInvalidArgument, "no fields to update"))
	}
	sets = append(sets, ColUpdatedAt+" = ?")
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, id.Driver())

	q := fmt.Sprintf("UPDATE %q SET %s WHERE %q = ?",
		table, strings.Join(sets, ", "), s.PrimaryKey)
	st, err := t.stmt(ctx, q)
	if err != nil {
		return err
	}
	res, err := st.ExecContext(ctx, args...)
	if err != nil {
		return types.NewStorageError(types.StorageQuery, "update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewStorageError(types.StorageQuery, "update",
			errors.Wrapf(types.ErrNotFound, "%s %s", table, id))
	}

	rowid, data, err := t.fetchRow(ctx, s, id)
	if err != nil {
		return err
	}
	t.pending = append(t.pending, types.RowChange{
		Type: types.Update, Table: table, RowID: rowid, Data: data,
	})
	return nil
}

// Delete removes the row identified by id and records the Delete row change
// carrying the row's last data.
func (t *Tx) Delete(ctx context.Context, table string, id types.Value) error {
	s, err := t.schema(table)
	if err != nil {
		return err
	}
	rowid, data, err := t.fetchRow(ctx, s, id)
	if err != nil {
		return err
	}

	q := fmt.Sprintf("DELETE FROM %q WHERE %q = ?", table, s.PrimaryKey)
	st, err := t.stmt(ctx, q)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, id.Driver()); err != nil {
		return types.NewStorageError(types.StorageQuery, "delete", err)
	}
	t.pending = append(t.pending, types.RowChange{
		Type: types.Delete, Table: table, RowID: rowid, Data: data,
	})
	return nil
}

// ExecSQL runs a parameterized statement inside the transaction without
// recording row changes. Reserved for maintenance statements whose effects
// are reported separately.
func (t *Tx) ExecSQL(ctx context.Context, sqlText string, params map[string]types.Value) error {
	positional, args, err := BindParams(sqlText, params)
	if err != nil {
		return types.NewStorageError(types.StorageQuery, "exec", err)
	}
	st, err := t.stmt(ctx, positional)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, args...); err != nil {
		return types.NewStorageError(types.StorageQuery, "exec", err)
	}
	return nil
}

// QuerySQL runs a parameterized query inside the transaction and decodes the
// rows generically.
func (t *Tx) QuerySQL(ctx context.Context, sqlText string, params map[string]types.Value) ([]types.Entity, error) {
	positional, args, err := BindParams(sqlText, params)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "query", err)
	}
	st, err := t.stmt(ctx, positional)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "query", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanGeneric(rows)
}

// Record appends a synthetic row change to the transaction's batch. Used by
// maintenance paths (materialized view refresh) that bypass the entity
// writers.
func (t *Tx) Record(rc types.RowChange) {
	t.pending = append(t.pending, rc)
}

// Get returns one entity inside the transaction, or nil when absent.
func (t *Tx) Get(ctx context.Context, table string, id types.Value) (types.Entity, error) {
	s, err := t.schema(table)
	if err != nil {
		return nil, err
	}
	_, data, err := t.fetchRow(ctx, s, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (t *Tx) fetchRow(ctx context.Context, s types.EntitySchema, id types.Value) (int64, types.Entity, error) {
	cols := selectColumns(s)
	q := fmt.Sprintf("SELECT rowid, %s FROM %q WHERE %q = ?",
		quoteAll(cols), s.Table, s.PrimaryKey)
	st, err := t.stmt(ctx, q)
	if err != nil {
		return 0, nil, err
	}
	row := st.QueryRowContext(ctx, id.Driver())
	return scanEntityRow(row, s, cols)
}

// -- backend-level reads and writes ----------------------------------------

// Insert inserts one entity in its own transaction.
func (b *Backend) Insert(ctx context.Context, table string, e types.Entity) error {
	return b.WithTx(ctx, func(tx *Tx) error { return tx.Insert(ctx, table, e) })
}

// Update updates one entity in its own transaction.
func (b *Backend) Update(ctx context.Context, table string, id types.Value, fields types.Entity) error {
	return b.WithTx(ctx, func(tx *Tx) error { return tx.Update(ctx, table, id, fields) })
}

// Delete removes one entity in its own transaction.
func (b *Backend) Delete(ctx context.Context, table string, id types.Value) error {
	return b.WithTx(ctx, func(tx *Tx) error { return tx.Delete(ctx, table, id) })
}

// Get returns the entity with the given primary key, or nil when absent.
func (b *Backend) Get(ctx context.Context, table string, id types.Value) (types.Entity, error) {
	s, ok := b.Schema(table)
	if !ok {
		return nil, types.NewStorageError(types.StorageSchema, "get",
			errors.Errorf("no schema for table %q", table))
	}
	cols := selectColumns(s)
	q := fmt.Sprintf("SELECT rowid, %s FROM %q WHERE %q = ?",
		quoteAll(cols), table, s.PrimaryKey)
	st, err := b.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	_, e, err := scanEntityRow(st.QueryRowContext(ctx, id.Driver()), s, cols)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// Query returns the entities matching the filter (field equality,
// conjunctive). A nil filter returns every row. Results order by primary key
// for determinism.
func (b *Backend) Query(ctx context.Context, table string, filter types.Entity) ([]types.Entity, error) {
	s, ok := b.Schema(table)
	if !ok {
		return nil, types.NewStorageError(types.StorageSchema, "query",
			errors.Errorf("no schema for table %q", table))
	}
	cols := selectColumns(s)
	q := fmt.Sprintf("SELECT rowid, %s FROM %q", quoteAll(cols), table)

	where := []string{}
	args := []interface{}{}
	for _, name := range filter.FieldNames() {
		where = append(where, fmt.Sprintf("%q = ?", name))
		args = append(args, filter[name].Driver())
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY %q", s.PrimaryKey)

	st, err := b.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "query", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []types.Entity
	for rows.Next() {
		_, e, err := scanEntityRows(rows, s, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, types.NewStorageError(types.StorageQuery, "query", rows.Err())
}

// ExecuteSQL is the low-level parameterized read path used by compiled
// queries. Named $name parameters are bound in declared order; results decode
// generically by driver type.
func (b *Backend) ExecuteSQL(ctx context.Context, sqlText string, params map[string]types.Value) ([]types.Entity, error) {
	positional, args, err := BindParams(sqlText, params)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "execute_sql", err)
	}
	st, err := b.prepare(ctx, positional)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "execute_sql", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanGeneric(rows)
}

// -- materialized views ----------------------------------------------------

// CreateMaterializedView materializes selectSQL into a table named name and
// registers it for refresh. Gated by Config.EnableMaterializedViews.
func (b *Backend) CreateMaterializedView(ctx context.Context, name, selectSQL, pk string) error {
	if !b.enableMatviews {
		return types.NewStorageError(types.StorageSchema, "create_materialized_view",
			errors.New("materialized views are disabled"))
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q AS %s", name, selectSQL)
	if _, err := b.db.ExecContext(ctx, q); err != nil {
		return types.NewStorageError(types.StorageSchema, "create_materialized_view", err)
	}
	b.mu.Lock()
	b.matviews[name] = matview{name: name, selectSQL: selectSQL, pk: pk}
	b.mu.Unlock()
	return nil
}

// RefreshMaterializedView re-runs the view's select in one transaction.
// Every previously materialized row emits a Delete and every fresh row an
// Insert; the coalescer collapses matching pairs into Updates.
func (b *Backend) RefreshMaterializedView(ctx context.Context, name string) error {
	b.mu.RLock()
	mv, ok := b.matviews[name]
	b.mu.RUnlock()
	if !ok {
		return types.NewStorageError(types.StorageSchema, "refresh_materialized_view",
			errors.Wrapf(types.ErrNotFound, "materialized view %q", name))
	}

	return b.WithTx(ctx, func(tx *Tx) error {
		old, err := queryGeneric(ctx, tx.tx, fmt.Sprintf("SELECT rowid, * FROM %q", mv.name))
		if err != nil {
			return err
		}
		for _, e := range old {
			rowid := e.GetInt("rowid")
			delete(e, "rowid")
			tx.Record(types.RowChange{Type: types.Delete, Table: mv.name, RowID: rowid, Data: e})
		}
		if _, err := tx.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", mv.name)); err != nil {
			return types.NewStorageError(types.StorageQuery, "refresh_materialized_view", err)
		}
		ins := fmt.Sprintf("INSERT INTO %q %s", mv.name, mv.selectSQL)
		if _, err := tx.tx.ExecContext(ctx, ins); err != nil {
			return types.NewStorageError(types.StorageQuery, "refresh_materialized_view", err)
		}
		fresh, err := queryGeneric(ctx, tx.tx, fmt.Sprintf("SELECT rowid, * FROM %q", mv.name))
		if err != nil {
			return err
		}
		for _, e := range fresh {
			rowid := e.GetInt("rowid")
			delete(e, "rowid")
			tx.Record(types.RowChange{Type: types.Insert, Table: mv.name, RowID: rowid, Data: e})
		}
		return nil
	})
}

// -- row scanning ----------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntityRow(row *sql.Row, s types.EntitySchema, cols []string) (int64, types.Entity, error) {
	rowid, e, err := scanEntityInto(row, s, cols)
	if err == sql.ErrNoRows {
		return 0, nil, types.NewStorageError(types.StorageQuery, "scan",
			errors.Wrapf(types.ErrNotFound, "table %q", s.Table))
	}
	return rowid, e, err
}

func scanEntityRows(rows *sql.Rows, s types.EntitySchema, cols []string) (int64, types.Entity, error) {
	return scanEntityInto(rows, s, cols)
}

func scanEntityInto(r rowScanner, s types.EntitySchema, cols []string) (int64, types.Entity, error) {
	dest := make([]interface{}, len(cols)+1)
	var rowid int64
	dest[0] = &rowid
	raw := make([]interface{}, len(cols))
	for i := range raw {
		dest[i+1] = &raw[i]
	}
	if err := r.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, err
		}
		return 0, nil, types.NewStorageError(types.StorageQuery, "scan", err)
	}

	e := types.Entity{}
	for i, name := range cols {
		if raw[i] == nil {
			continue
		}
		f, ok := s.Field(name)
		if !ok {
			// metadata columns decode as strings
			e[name] = types.String(asDriverString(raw[i]))
			continue
		}
		v, err := types.FromDriver(f.Type, raw[i])
		if err != nil {
			return 0, nil, types.NewStorageError(types.StorageSerialization, "scan", err)
		}
		e[name] = v
	}
	return rowid, e, nil
}

func scanGeneric(rows *sql.Rows) ([]types.Entity, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "columns", err)
	}
	var out []types.Entity
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, types.NewStorageError(types.StorageQuery, "scan", err)
		}
		e := types.Entity{}
		for i, name := range cols {
			e[name] = genericValue(raw[i])
		}
		out = append(out, e)
	}
	return out, types.NewStorageError(types.StorageQuery, "rows", rows.Err())
}

func queryGeneric(ctx context.Context, tx *sql.Tx, q string) ([]types.Entity, error) {
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return nil, types.NewStorageError(types.StorageQuery, "query", err)
	}
	defer rows.Close() //nolint:errcheck
	return scanGeneric(rows)
}

func genericValue(src interface{}) types.Value {
	switch x := src.(type) {
	case nil:
		return types.Null
	case int64:
		return types.Integer(x)
	case float64:
		return types.Float(x)
	case bool:
		return types.Boolean(x)
	case []byte:
		return types.String(string(x))
	case string:
		return types.String(x)
	case time.Time:
		return types.DateTime(x)
	default:
		return types.String(fmt.Sprintf("%v", x))
	}
}

func asDriverString(src interface{}) string {
	switch x := src.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quoteAll(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		if strings.HasPrefix(c, "_") || c == ColCreatedAt || c == ColUpdatedAt {
			q[i] = c
		} else {
			q[i] = fmt.Sprintf("%q", c)
		}
	}
	return strings.Join(q, ", ")
}
