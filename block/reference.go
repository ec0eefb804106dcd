package block

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
)

// ReferenceStore is a deterministic in-memory block model used to cross
// check the SQL store in property tests. Ids come from a monotone counter,
// so replaying the same operation sequence always produces the same id
// stream, even after the model has been cloned mid-run.
type ReferenceStore struct {
	seq      uint64
	blocks   map[string]*refBlock
	children map[string][]string // ordered child ids per parent ("" = roots)
}

type refBlock struct {
	id      string
	parent  string
	content string
	deleted bool
}

// NewReferenceStore builds an empty model.
func NewReferenceStore() *ReferenceStore {
	return &ReferenceStore{
		blocks:   map[string]*refBlock{},
		children: map[string][]string{},
	}
}

// Clone deep-copies the model, counter included.
func (r *ReferenceStore) Clone() *ReferenceStore {
	out := NewReferenceStore()
	out.seq = r.seq
	for id, b := range r.blocks {
		cp := *b
		out.blocks[id] = &cp
	}
	for p, kids := range r.children {
		out.children[p] = append([]string(nil), kids...)
	}
	return out
}

// NextID previews the id the next Create will assign.
func (r *ReferenceStore) NextID() string {
	return fmt.Sprintf("ref://block/%d", r.seq+1)
}

// Create appends a block under parent and returns its id.
func (r *ReferenceStore) Create(parent, content string) (string, error) {
	if parent != "" {
		p, ok := r.blocks[parent]
		if !ok || p.deleted {
			return "", errors.Wrapf(types.ErrNotFound, "parent %s", parent)
		}
	}
	r.seq++
	id := fmt.Sprintf("ref://block/%d", r.seq)
	r.blocks[id] = &refBlock{id: id, parent: parent, content: content}
	r.children[parent] = append(r.children[parent], id)
	return id, nil
}

// SetContent replaces a block's text.
func (r *ReferenceStore) SetContent(id, content string) error {
	b, ok := r.blocks[id]
	if !ok || b.deleted {
		return errors.Wrapf(types.ErrNotFound, "block %s", id)
	}
	b.content = content
	return nil
}

// Content returns a block's text.
func (r *ReferenceStore) Content(id string) (string, bool) {
	b, ok := r.blocks[id]
	if !ok || b.deleted {
		return "", false
	}
	return b.content, true
}

// Delete tombstones a block and its descendants.
func (r *ReferenceStore) Delete(id string) error {
	b, ok := r.blocks[id]
	if !ok || b.deleted {
		return errors.Wrapf(types.ErrNotFound, "block %s", id)
	}
	b.deleted = true
	for _, child := range append([]string(nil), r.children[id]...) {
		if !r.blocks[child].deleted {
			if err := r.Delete(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// Move reparents and reorders. afterID "" places first; a cyclic move fails
// without mutating anything.
func (r *ReferenceStore) Move(id, newParent, afterID string) error {
	b, ok := r.blocks[id]
	if !ok || b.deleted {
		return errors.Wrapf(types.ErrNotFound, "block %s", id)
	}
	cur := newParent
	for cur != "" {
		if cur == id {
			return errors.Wrap(types.ErrInvalidArgument, "cyclic move")
		}
		p, ok := r.blocks[cur]
		if !ok {
			return errors.Wrapf(types.ErrNotFound, "ancestor %s", cur)
		}
		cur = p.parent
	}
	if newParent != "" {
		p, ok := r.blocks[newParent]
		if !ok || p.deleted {
			return errors.Wrapf(types.ErrNotFound, "parent %s", newParent)
		}
	}

	old := r.children[b.parent]
	kept := old[:0]
	for _, cid := range old {
		if cid != id {
			kept = append(kept, cid)
		}
	}
	r.children[b.parent] = kept

	kids := r.children[newParent]
	pos := 0
	if afterID != "" {
		found := false
		for i, cid := range kids {
			if cid == afterID {
				pos = i + 1
				found = true
				break
			}
		}
		if !found {
			// restore membership before failing
			r.children[b.parent] = append(r.children[b.parent], id)
			return errors.Wrapf(types.ErrNotFound, "sibling %s", afterID)
		}
	}
	kids = append(kids, "")
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = id
	r.children[newParent] = kids
	b.parent = newParent
	return nil
}

// Children returns the live child ids of parent, in order.
func (r *ReferenceStore) Children(parent string) []string {
	out := []string{}
	for _, id := range r.children[parent] {
		if !r.blocks[id].deleted {
			out = append(out, id)
		}
	}
	return out
}

// Depth returns the parent-chain length of id.
func (r *ReferenceStore) Depth(id string) int {
	d := 0
	for b := r.blocks[id]; b != nil && b.parent != ""; b = r.blocks[b.parent] {
		d++
	}
	return d
}

// CountNonDeleted returns the live block count.
func (r *ReferenceStore) CountNonDeleted() int {
	n := 0
	for _, b := range r.blocks {
		if !b.deleted {
			n++
		}
	}
	return n
}

// Live returns every live id.
func (r *ReferenceStore) Live() []string {
	var out []string
	for id, b := range r.blocks {
		if !b.deleted {
			out = append(out, id)
		}
	}
	return out
}
