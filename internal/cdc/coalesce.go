// Package cdc turns raw per-operation row events into a clean stream of
// Insert/Update/Delete events. Materialized-view refreshes arrive as DELETE
// followed by INSERT on the same logical row; multi-statement transactions
// arrive as several events per key. The coalescer collapses each batch so
// that every primary key appears at most once.
package cdc

import (
	"context"

	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
)

// DefaultBuffer bounds the coalesced output channel.
const DefaultBuffer = 1024

// PKResolver maps a table name to its primary-key field.
type PKResolver func(table string) string

type pending struct {
	order int
	rc    types.RowChange
}

// Coalesce collapses one raw batch. Per key: DELETE+INSERT becomes UPDATE,
// INSERT+DELETE cancels, repeated writes keep the latest data, and anything
// followed by DELETE deletes. Emission order follows the arrival order of the
// first surviving event for each key.
func Coalesce(batch []types.RowChange, pkOf PKResolver) []types.RowChange {
	state := map[string]*pending{}
	order := 0

	for _, rc := range batch {
		pk := pkOf(rc.Table)
		kv, ok := rc.Key(pk)
		if !ok {
			// a row without its key cannot be coalesced; pass through
			// under a unique synthetic key
			state[rc.Table+"\x00#"+string(rune(order))] = &pending{order: order, rc: rc}
			order++
			continue
		}
		key := rc.Table + "\x00" + kv.String()

		p, exists := state[key]
		if !exists {
			state[key] = &pending{order: order, rc: rc}
			order++
			continue
		}

		merged, drop := merge(p.rc, rc)
		if drop {
			delete(state, key)
			continue
		}
		p.rc = merged
	}

	// emit in first-surviving-event order; batches are small
	ordered := make([]*pending, 0, len(state))
	for _, p := range state {
		ordered = append(ordered, p)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j-1].order > ordered[j].order; j-- {
			ordered[j-1], ordered[j] = ordered[j], ordered[j-1]
		}
	}
	out := make([]types.RowChange, 0, len(ordered))
	for _, p := range ordered {
		out = append(out, p.rc)
	}
	return out
}

// merge folds next into prev. drop reports that both cancel out.
func merge(prev, next types.RowChange) (types.RowChange, bool) {
	switch {
	case prev.Type == types.Insert && next.Type == types.Delete:
		return types.RowChange{}, true

	case prev.Type == types.Insert:
		// Insert followed by any write stays an Insert with the latest data.
		next.Type = types.Insert
		return next, false

	case next.Type == types.Delete:
		next.Data = prev.Data
		return next, false

	case prev.Type == types.Delete:
		// the row logically survives: delete+insert is an update
		next.Type = types.Update
		return next, false

	default:
		next.Type = types.Update
		return next, false
	}
}

// Coalescer pumps raw batches from a storage subscription through Coalesce
// onto a bounded output channel. It owns no shared state beyond its pending
// map and never blocks database work.
type Coalescer struct {
	sub  *storage.Subscription
	pkOf PKResolver
	out  chan []types.RowChange
	stat chan error
	log  *zap.SugaredLogger
}

// New builds a coalescer over the subscription. buffer <= 0 selects
// DefaultBuffer.
func New(sub *storage.Subscription, pkOf PKResolver, buffer int, log *zap.SugaredLogger) *Coalescer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Coalescer{
		sub:  sub,
		pkOf: pkOf,
		out:  make(chan []types.RowChange, buffer),
		stat: make(chan error, 8),
		log:  log,
	}
}

// Events returns the coalesced batch channel; closed when the source closes.
func (c *Coalescer) Events() <-chan []types.RowChange { return c.out }

// Status forwards lag conditions from the source and from the coalescer's
// own bounded channel. Consumers receiving a *types.StreamLagged must resync.
func (c *Coalescer) Status() <-chan error { return c.stat }

// Run consumes the subscription until the context ends or the source closes.
func (c *Coalescer) Run(ctx context.Context) {
	defer close(c.out)
	defer close(c.stat)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-c.sub.Status():
			if !ok {
				return
			}
			select {
			case c.stat <- err:
			default:
			}
		case batch, ok := <-c.sub.Changes():
			if !ok {
				return
			}
			events := Coalesce(batch, c.pkOf)
			if len(events) == 0 {
				continue
			}
			select {
			case c.out <- events:
			default:
				c.log.Warnw("cdc consumer lagging, dropping batch",
					"events", len(events))
				select {
				case c.stat <- &types.StreamLagged{Lost: uint64(len(events))}:
				default:
				}
			}
		}
	}
}
