package block

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/block/crdt"
	"github.com/nightscape/knowledge/internal/fracindex"
	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
	"github.com/nightscape/knowledge/provider"
)

// Store is the local block provider over the storage backend.
type Store struct {
	db    *storage.Backend
	log   *zap.SugaredLogger
	codec provider.Codec[Block]
	site  string
	newID func() string
}

// NewStore creates the block table and binds a store to it. site identifies
// this replica for CRDT content edits.
func NewStore(ctx context.Context, db *storage.Backend, site string, log *zap.SugaredLogger) (*Store, error) {
	if err := db.CreateEntity(ctx, Schema); err != nil {
		return nil, err
	}
	if site == "" {
		site = uuid.NewString()
	}
	return &Store{
		db:    db,
		log:   log,
		codec: provider.Codec[Block]{Schema: Schema},
		site:  site,
		newID: func() string { return string(types.BlockURL(uuid.NewString())) },
	}, nil
}

// SetIDGenerator overrides block-id generation; the deterministic reference
// store used in property tests installs a seeded counter here.
func (s *Store) SetIDGenerator(fn func() string) { s.newID = fn }

// -- reads -------------------------------------------------------------------

// GetAll lists every non-deleted block.
func (s *Store) GetAll(ctx context.Context) ([]Block, error) {
	rows, err := s.db.Query(ctx, Table, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Block, 0, len(rows))
	for _, e := range rows {
		if e.Has("deleted_at") {
			continue
		}
		b, err := s.codec.Decode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

// GetByID returns the block, or nil when absent or tombstoned. Tombstoned
// rows stay addressable in the table for CRDT consistency but are invisible
// here.
func (s *Store) GetByID(ctx context.Context, id string) (*Block, error) {
	e, err := s.db.Get(ctx, Table, types.String(id))
	if err != nil {
		return nil, err
	}
	if e == nil || e.Has("deleted_at") {
		return nil, nil
	}
	return s.codec.Decode(e)
}

// GetChildren lists the non-deleted children of parentID in sort-key order.
func (s *Store) GetChildren(ctx context.Context, parentID string) ([]Block, error) {
	rows, err := s.db.ExecuteSQL(ctx,
		`SELECT id FROM blocks WHERE parent_id = $parent AND deleted_at IS NULL ORDER BY sort_key`,
		map[string]types.Value{"parent": types.String(parentID)})
	if err != nil {
		return nil, err
	}
	out := make([]Block, 0, len(rows))
	for _, row := range rows {
		b, err := s.GetByID(ctx, row.GetString("id"))
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, *b)
		}
	}
	return out, nil
}

// GetRootBlocks lists the non-deleted roots in sort-key order.
func (s *Store) GetRootBlocks(ctx context.Context) ([]Block, error) {
	return s.GetChildren(ctx, "")
}

// -- writes ------------------------------------------------------------------

// Create inserts a block. Absent fields default: a fresh pkm:// id, root
// parent, a sort key after the last sibling, and depth derived from the
// parent chain.
func (s *Store) Create(ctx context.Context, fields types.Entity) (string, error) {
	id := fields.GetString("id")
	if id == "" {
		id = s.newID()
	}
	parentID := fields.GetString("parent_id")
	content := fields.GetString("content")

	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		depth := int64(0)
		if parentID != "" {
			parent, err := tx.Get(ctx, Table, types.String(parentID))
			if err != nil {
				return err
			}
			if parent == nil || parent.Has("deleted_at") {
				return errors.Wrapf(types.ErrNotFound, "parent block %s", parentID)
			}
			depth = parent.GetInt("depth") + 1
		}

		sortKey := fields.GetString("sort_key")
		if sortKey == "" {
			sibs, err := childrenTx(ctx, tx, parentID)
			if err != nil {
				return err
			}
			prev := ""
			if len(sibs) > 0 {
				prev = sibs[len(sibs)-1].GetString("sort_key")
			}
			var err2 error
			sortKey, err2 = fracindex.KeyBetween(prev, "")
			if err2 != nil {
				return err2
			}
		}

		doc := crdt.NewFromString(s.site, content)
		state, err := doc.Marshal()
		if err != nil {
			return types.NewStorageError(types.StorageSerialization, "create", err)
		}

		return tx.Insert(ctx, Table, types.Entity{
			"id":            types.String(id),
			"parent_id":     types.String(parentID),
			"sort_key":      types.String(sortKey),
			"content":       types.String(content),
			"content_state": types.JSON(state),
			"depth":         types.Integer(depth),
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// SetField routes the hierarchical fields through their dedicated paths:
// parent_id reparents (with cycle check and depth maintenance), sort_key
// reorders (with rebalance on key overflow), content edits the CRDT
// document. Anything else is a plain field update.
func (s *Store) SetField(ctx context.Context, id, field string, value types.Value) error {
	switch field {
	case "parent_id":
		// the hierarchical operations compute the sort key against the
		// target sibling list before reparenting, so the key is kept
		parent, _ := value.Str()
		return s.Move(ctx, id, &parent, MoveKeep)
	case "sort_key":
		key, _ := value.Str()
		return s.setSortKey(ctx, id, key)
	case "content":
		text, _ := value.Str()
		return s.EditContent(ctx, id, text)
	default:
		return s.db.Update(ctx, Table, types.String(id), types.Entity{field: value})
	}
}

// Delete tombstones the block and its descendants. Rows remain addressable
// for CRDT consistency; every listing excludes them.
func (s *Store) Delete(ctx context.Context, id string) error {
	now := types.DateTime(time.Now().UTC())
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		return s.tombstoneTx(ctx, tx, id, now)
	})
}

func (s *Store) tombstoneTx(ctx context.Context, tx *storage.Tx, id string, at types.Value) error {
	e, err := tx.Get(ctx, Table, types.String(id))
	if err != nil {
		return err
	}
	if e == nil {
		return errors.Wrapf(types.ErrNotFound, "block %s", id)
	}
	if e.Has("deleted_at") {
		return nil
	}
	if err := tx.Update(ctx, Table, types.String(id), types.Entity{"deleted_at": at}); err != nil {
		return err
	}
	children, err := childrenTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.tombstoneTx(ctx, tx, child.GetString("id"), at); err != nil {
			return err
		}
	}
	return nil
}

// MoveLast places a moved block after every existing sibling.
const MoveLast = "\x00last"

// MoveKeep reparents without recomputing the block's sort key.
const MoveKeep = "\x00keep"

// Move reparents and/or reorders a block in one transaction. newParentID nil
// keeps the current parent; afterID "" moves first, MoveLast moves last, any
// other value places the block directly after that sibling. A move that
// would make the block its own ancestor fails with "cyclic move" and leaves
// the tree untouched.
func (s *Store) Move(ctx context.Context, id string, newParentID *string, afterID string) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		e, err := tx.Get(ctx, Table, types.String(id))
		if err != nil {
			return err
		}
		if e == nil || e.Has("deleted_at") {
			return errors.Wrapf(types.ErrNotFound, "block %s", id)
		}

		parentID := e.GetString("parent_id")
		if newParentID != nil {
			parentID = *newParentID
		}

		if parentID != "" {
			if err := s.checkCycle(ctx, tx, id, parentID); err != nil {
				return err
			}
		}

		parentDepth := int64(-1)
		if parentID != "" {
			parent, err := tx.Get(ctx, Table, types.String(parentID))
			if err != nil {
				return err
			}
			if parent == nil || parent.Has("deleted_at") {
				return errors.Wrapf(types.ErrNotFound, "parent block %s", parentID)
			}
			parentDepth = parent.GetInt("depth")
		}

		sibs, err := childrenTx(ctx, tx, parentID)
		if err != nil {
			return err
		}
		rest := sibs[:0]
		for _, sib := range sibs {
			if sib.GetString("id") != id {
				rest = append(rest, sib)
			}
		}

		pos := 0
		prev, next := "", ""
		switch afterID {
		case MoveKeep:
			if err := tx.Update(ctx, Table, types.String(id), types.Entity{
				"parent_id": types.String(parentID),
				"depth":     types.Integer(parentDepth + 1),
			}); err != nil {
				return err
			}
			return s.recomputeDepthTx(ctx, tx, id, parentDepth+1)
		case "":
			if len(rest) > 0 {
				next = rest[0].GetString("sort_key")
			}
		case MoveLast:
			pos = len(rest)
			if len(rest) > 0 {
				prev = rest[len(rest)-1].GetString("sort_key")
			}
		default:
			found := false
			for i, sib := range rest {
				if sib.GetString("id") == afterID {
					found = true
					pos = i + 1
					prev = sib.GetString("sort_key")
					if i+1 < len(rest) {
						next = rest[i+1].GetString("sort_key")
					}
					break
				}
			}
			if !found {
				return errors.Wrapf(types.ErrNotFound, "sibling %s", afterID)
			}
		}

		key, err := fracindex.KeyBetween(prev, next)
		if err != nil {
			return err
		}

		if len(key) > fracindex.MaxKeyLen {
			key, err = rebalanceTx(ctx, tx, rest, id, pos)
			if err != nil {
				return err
			}
		}

		if err := tx.Update(ctx, Table, types.String(id), types.Entity{
			"parent_id": types.String(parentID),
			"sort_key":  types.String(key),
			"depth":     types.Integer(parentDepth + 1),
		}); err != nil {
			return err
		}
		return s.recomputeDepthTx(ctx, tx, id, parentDepth+1)
	})
}

// checkCycle rejects a reparent that would make id its own ancestor.
func (s *Store) checkCycle(ctx context.Context, tx *storage.Tx, id, newParentID string) error {
	cur := newParentID
	for cur != "" {
		if cur == id {
			return errors.Wrap(types.ErrInvalidArgument, "cyclic move")
		}
		e, err := tx.Get(ctx, Table, types.String(cur))
		if err != nil {
			return err
		}
		if e == nil {
			return errors.Wrapf(types.ErrNotFound, "ancestor %s", cur)
		}
		cur = e.GetString("parent_id")
	}
	return nil
}

// recomputeDepthTx walks the subtree below id, fixing each descendant's
// depth. Runs in the reparenting transaction.
func (s *Store) recomputeDepthTx(ctx context.Context, tx *storage.Tx, id string, depth int64) error {
	children, err := childrenTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		cid := child.GetString("id")
		if err := tx.Update(ctx, Table, types.String(cid),
			types.Entity{"depth": types.Integer(depth + 1)}); err != nil {
			return err
		}
		if err := s.recomputeDepthTx(ctx, tx, cid, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// setSortKey writes the key, rebalancing the sibling list when the key has
// outgrown the length bound.
func (s *Store) setSortKey(ctx context.Context, id, key string) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		if len(key) <= fracindex.MaxKeyLen {
			return tx.Update(ctx, Table, types.String(id),
				types.Entity{"sort_key": types.String(key)})
		}
		e, err := tx.Get(ctx, Table, types.String(id))
		if err != nil {
			return err
		}
		if e == nil {
			return errors.Wrapf(types.ErrNotFound, "block %s", id)
		}
		if err := tx.Update(ctx, Table, types.String(id),
			types.Entity{"sort_key": types.String(key)}); err != nil {
			return err
		}
		sibs, err := childrenTx(ctx, tx, e.GetString("parent_id"))
		if err != nil {
			return err
		}
		keys, err := fracindex.NKeysBetween("", "", len(sibs))
		if err != nil {
			return err
		}
		for i, sib := range sibs {
			if err := tx.Update(ctx, Table, types.String(sib.GetString("id")),
				types.Entity{"sort_key": types.String(keys[i])}); err != nil {
				return err
			}
		}
		return nil
	})
}

// rebalanceTx assigns evenly spaced keys to the final sibling ordering with
// the moving block inserted at pos, and returns the moving block's key. The
// moving block's own row is written by the caller.
func rebalanceTx(ctx context.Context, tx *storage.Tx, rest []types.Entity, movingID string, pos int) (string, error) {
	keys, err := fracindex.NKeysBetween("", "", len(rest)+1)
	if err != nil {
		return "", err
	}
	ki := 0
	movingKey := ""
	for i := 0; i <= len(rest); i++ {
		if i == pos {
			movingKey = keys[ki]
			ki++
			continue
		}
		idx := i
		if i > pos {
			idx = i - 1
		}
		if err := tx.Update(ctx, Table,
			types.String(rest[idx].GetString("id")),
			types.Entity{"sort_key": types.String(keys[ki])}); err != nil {
			return "", err
		}
		ki++
	}
	return movingKey, nil
}

// childrenTx lists the non-deleted children of parentID inside a
// transaction, ordered by sort key.
func childrenTx(ctx context.Context, tx *storage.Tx, parentID string) ([]types.Entity, error) {
	return tx.QuerySQL(ctx,
		`SELECT id, parent_id, sort_key, depth FROM blocks `+
			`WHERE parent_id = $parent AND deleted_at IS NULL ORDER BY sort_key`,
		map[string]types.Value{"parent": types.String(parentID)})
}

// -- content -----------------------------------------------------------------

// EditContent replaces the block's visible text through its CRDT document.
func (s *Store) EditContent(ctx context.Context, id, text string) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		doc, err := s.loadDoc(ctx, tx, id)
		if err != nil {
			return err
		}
		doc.Replace(text)
		return s.saveDoc(ctx, tx, id, doc)
	})
}

// MergeContent folds a concurrently edited replica of the block's document
// into this one.
func (s *Store) MergeContent(ctx context.Context, id string, remoteState []byte) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		doc, err := s.loadDoc(ctx, tx, id)
		if err != nil {
			return err
		}
		remote, err := crdt.Unmarshal(remoteState, "")
		if err != nil {
			return err
		}
		doc.Merge(remote)
		return s.saveDoc(ctx, tx, id, doc)
	})
}

func (s *Store) loadDoc(ctx context.Context, tx *storage.Tx, id string) (*crdt.Document, error) {
	e, err := tx.Get(ctx, Table, types.String(id))
	if err != nil {
		return nil, err
	}
	if e == nil || e.Has("deleted_at") {
		return nil, errors.Wrapf(types.ErrNotFound, "block %s", id)
	}
	if v, ok := e["content_state"]; ok {
		if raw, isJSON := v.RawJSON(); isJSON && len(raw) > 0 && string(raw) != "null" {
			return crdt.Unmarshal(raw, s.site)
		}
	}
	return crdt.NewFromString(s.site, e.GetString("content")), nil
}

func (s *Store) saveDoc(ctx context.Context, tx *storage.Tx, id string, doc *crdt.Document) error {
	state, err := doc.Marshal()
	if err != nil {
		return types.NewStorageError(types.StorageSerialization, "content", err)
	}
	return tx.Update(ctx, Table, types.String(id), types.Entity{
		"content":       types.String(doc.String()),
		"content_state": types.JSON(json.RawMessage(state)),
	})
}

var (
	_ provider.DataSource[Block]            = (*Store)(nil)
	_ provider.CrudOperationProvider[Block] = (*Store)(nil)
	_ provider.ReadWriteDataSource[Block]   = (*Store)(nil)
)
