package core

import (
	"context"

	"github.com/nightscape/knowledge/internal/cdc"
	"github.com/nightscape/knowledge/internal/types"
)

// QueryWatch is one live query subscription. Events delivers coalesced
// row-change batches for the query's source table; Status surfaces non-fatal
// stream conditions (lag means resync). Closing the watch aborts its
// forwarder task and releases the CDC subscription.
type QueryWatch struct {
	id     uint64
	engine *Engine
	table  string

	events chan []types.RowChange
	status chan error

	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the coalesced batch channel. It closes when the watch
// closes.
func (w *QueryWatch) Events() <-chan []types.RowChange { return w.events }

// Status surfaces *types.StreamLagged conditions.
func (w *QueryWatch) Status() <-chan error { return w.status }

// Table returns the watched source table.
func (w *QueryWatch) Table() string { return w.table }

// Close aborts the forwarder and detaches the watch from the engine.
func (w *QueryWatch) Close() {
	w.engine.mu.Lock()
	if _, live := w.engine.watches[w.id]; !live {
		w.engine.mu.Unlock()
		return
	}
	delete(w.engine.watches, w.id)
	w.engine.mu.Unlock()

	w.cancel()
	<-w.done
}

// WatchQuery opens a live subscription on the statement's source table. The
// engine keeps the CDC subscription alive for the watch's lifetime and
// records the forwarder's handle so Close (or engine shutdown) aborts it.
func (e *Engine) WatchQuery(sql string) (*QueryWatch, error) {
	table, err := tableOf(sql)
	if err != nil {
		return nil, err
	}
	return e.watchTable(table)
}

// WatchCompiled opens a live subscription for a compiled query.
func (e *Engine) WatchCompiled(cq *CompiledQuery) (*QueryWatch, error) {
	if cq.Table == "" {
		return e.WatchQuery(cq.SQL)
	}
	return e.watchTable(cq.Table)
}

func (e *Engine) watchTable(table string) (*QueryWatch, error) {
	ctx, cancel := context.WithCancel(e.baseCtx)

	sub := e.db.RowChanges(e.conf.WatchBuffer)
	coal := cdc.New(sub, e.pkResolver, e.conf.WatchBuffer, e.log)
	go coal.Run(ctx)

	e.mu.Lock()
	e.nextID++
	w := &QueryWatch{
		id:     e.nextID,
		engine: e,
		table:  table,
		events: make(chan []types.RowChange, 16),
		status: make(chan error, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.watches[w.id] = w
	e.mu.Unlock()

	go func() {
		defer close(w.done)
		defer close(w.events)
		defer close(w.status)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-coal.Status():
				if !ok {
					return
				}
				select {
				case w.status <- err:
				default:
				}
			case batch, ok := <-coal.Events():
				if !ok {
					return
				}
				filtered := batch[:0:0]
				for _, rc := range batch {
					if rc.Table == w.table {
						filtered = append(filtered, rc)
					}
				}
				if len(filtered) == 0 {
					continue
				}
				select {
				case w.events <- filtered:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return w, nil
}

// ActiveWatches reports the number of live subscriptions, for leak checks in
// tests and the admin surface.
func (e *Engine) ActiveWatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watches)
}
