// Package core provides the render engine runtime: it owns the storage
// backend, compiles query documents to SQL plus a render spec with inferred
// operation wirings, executes operations through the provider façade, and
// serves live query watches fed by coalesced row-change events.
package core

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/lineage"
	"github.com/nightscape/knowledge/internal/render"
	"github.com/nightscape/knowledge/internal/rql"
	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
	"github.com/nightscape/knowledge/provider"
)

// CompiledQuery is the compiler's output: the SQL half, the render spec with
// operation wirings attached, and the named runtime parameters that must be
// bound at execution.
type CompiledQuery struct {
	SQL    string
	Table  string
	Params []string
	Spec   render.RenderSpec
}

// Engine is one document runtime.
type Engine struct {
	conf Config
	db   *storage.Backend
	ops  *provider.Facade
	log  *zap.SugaredLogger

	queries *queryCache

	mu      sync.Mutex
	watches map[uint64]*QueryWatch
	nextID  uint64
	uiState UIState

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New opens the engine over its storage.
func New(conf Config, log *zap.SugaredLogger) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:                    conf.DatabasePath,
		EnableMaterializedViews: conf.EnableMaterializedViews,
	}, log)
	if err != nil {
		return nil, err
	}
	qc, err := newQueryCache()
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		conf:    conf,
		db:      db,
		ops:     provider.NewFacade(log),
		log:     log,
		queries: qc,
		watches: map[uint64]*QueryWatch{},
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Storage exposes the backend for provider caches and the block store.
func (e *Engine) Storage() *storage.Backend { return e.db }

// Operations exposes the dispatch façade for registration.
func (e *Engine) Operations() *provider.Facade { return e.ops }

// Close aborts every live watch and releases the storage.
func (e *Engine) Close() error {
	e.cancel()
	e.mu.Lock()
	watches := make([]*QueryWatch, 0, len(e.watches))
	for _, w := range e.watches {
		watches = append(watches, w)
	}
	e.mu.Unlock()
	for _, w := range watches {
		w.Close()
	}
	return e.db.Close()
}

// CompileQuery splits the document, compiles the query half to SQL, parses
// and expands the render half, and attaches operation wirings inferred from
// the source table. Compilation results are cached.
func (e *Engine) CompileQuery(doc string) (*CompiledQuery, error) {
	if cached, ok := e.queries.get(doc); ok {
		return cached, nil
	}

	queryHalf, renderHalf, err := rql.SplitRender(doc)
	if err != nil {
		return nil, err
	}

	q, err := rql.Compile(queryHalf)
	if err != nil {
		return nil, err
	}

	root, err := render.ParseExpr(renderHalf)
	if err != nil {
		return nil, err
	}
	root, err = render.ExpandHelpers(root, q.Module)
	if err != nil {
		return nil, err
	}

	pk := "id"
	if s, ok := e.db.Schema(q.Table); ok {
		pk = s.PrimaryKey
	}
	warnings := lineage.AnnotateTree(root, q, pk, e.ops)
	for _, w := range warnings {
		e.log.Debugw("operation inference", "warning", w)
	}

	cq := &CompiledQuery{
		SQL:    q.SQL,
		Table:  q.Table,
		Params: q.Params,
		Spec:   render.RenderSpec{Root: root, Warnings: warnings},
	}
	e.queries.put(doc, cq)
	return cq, nil
}

// ExecuteQuery runs compiled SQL once with the given named parameters.
func (e *Engine) ExecuteQuery(ctx context.Context, sql string, params map[string]types.Value) ([]types.Entity, error) {
	return e.db.ExecuteSQL(ctx, sql, params)
}

// ExecuteOperation dispatches through the façade. Precondition failures
// report synchronously and mutate nothing.
func (e *Engine) ExecuteOperation(ctx context.Context, desc types.OperationDescriptor, params types.Entity) error {
	return e.ops.ExecuteOperation(ctx, desc.EntityName, desc.Name, params)
}

// SetUIState replaces the frontend session state.
func (e *Engine) SetUIState(s UIState) {
	e.mu.Lock()
	e.uiState = s
	e.mu.Unlock()
}

// GetUIState returns the frontend session state.
func (e *Engine) GetUIState() UIState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uiState
}

// pkResolver maps tables to their primary-key field for the coalescer.
func (e *Engine) pkResolver(table string) string {
	if s, ok := e.db.Schema(table); ok {
		return s.PrimaryKey
	}
	return "id"
}

// tableOf extracts the source table of a compiled statement, for watches
// opened on raw SQL rather than a CompiledQuery.
func tableOf(sql string) (string, error) {
	upper := strings.ToUpper(sql)
	i := strings.Index(upper, " FROM ")
	if i < 0 {
		return "", errors.Wrap(types.ErrInvalidArgument, "statement has no FROM clause")
	}
	rest := strings.TrimSpace(sql[i+len(" FROM "):])
	if rest == "" {
		return "", errors.Wrap(types.ErrInvalidArgument, "statement has no source table")
	}
	if rest[0] == '"' {
		end := strings.IndexByte(rest[1:], '"')
		if end < 0 {
			return "", errors.Wrap(types.ErrInvalidArgument, "unterminated table name")
		}
		return rest[1 : end+1], nil
	}
	end := strings.IndexAny(rest, " \t\n(")
	if end < 0 {
		return rest, nil
	}
	return rest[:end], nil
}
