// Package crdt implements the replicated character sequence behind block
// content. It is an RGA-style sequence: every character is identified by a
// (site, counter) pair and anchored after another character's id, deletions
// tombstone instead of removing, and merging two documents is commutative,
// associative and idempotent. Everything outside the edit operations treats
// the serialized document as opaque bytes.
package crdt

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// ID identifies one inserted character. The zero ID is the virtual document
// head.
type ID struct {
	Site    string `json:"s"`
	Counter uint64 `json:"c"`
}

func (id ID) isHead() bool { return id.Site == "" && id.Counter == 0 }

// less orders concurrent inserts after the same anchor: higher counters win,
// ties break on site id, so every replica materializes the same text.
func (id ID) less(o ID) bool {
	if id.Counter != o.Counter {
		return id.Counter < o.Counter
	}
	return id.Site < o.Site
}

type char struct {
	ID      ID     `json:"id"`
	After   ID     `json:"a"`
	Rune    rune   `json:"r"`
	Deleted bool   `json:"d,omitempty"`
}

// Document is one replica of the sequence.
type Document struct {
	site    string
	counter uint64
	chars   map[ID]char
}

// New creates an empty replica for the given site id.
func New(site string) *Document {
	return &Document{site: site, chars: map[ID]char{}}
}

// NewFromString creates a replica seeded with text.
func NewFromString(site, text string) *Document {
	d := New(site)
	d.Insert(0, text)
	return d
}

// Site returns the replica's site id.
func (d *Document) Site() string { return d.site }

// Len returns the visible character count.
func (d *Document) Len() int {
	n := 0
	for _, c := range d.chars {
		if !c.Deleted {
			n++
		}
	}
	return n
}

// String materializes the visible text.
func (d *Document) String() string {
	out := make([]rune, 0, len(d.chars))
	for _, c := range d.ordered() {
		if !c.Deleted {
			out = append(out, c.Rune)
		}
	}
	return string(out)
}

// Insert places text before the visible position pos (clamped to the text
// bounds).
func (d *Document) Insert(pos int, text string) {
	anchor := d.idAtVisible(pos - 1)
	for _, r := range text {
		d.counter++
		id := ID{Site: d.site, Counter: d.counter}
		d.chars[id] = char{ID: id, After: anchor, Rune: r}
		anchor = id
	}
}

// Delete tombstones n visible characters starting at pos.
func (d *Document) Delete(pos, n int) {
	ordered := d.ordered()
	visible := 0
	for _, c := range ordered {
		if c.Deleted {
			continue
		}
		if visible >= pos && visible < pos+n {
			c.Deleted = true
			d.chars[c.ID] = c
		}
		visible++
	}
}

// Replace rewrites the whole visible text with a minimal prefix/suffix diff.
func (d *Document) Replace(text string) {
	cur := []rune(d.String())
	next := []rune(text)

	p := 0
	for p < len(cur) && p < len(next) && cur[p] == next[p] {
		p++
	}
	s := 0
	for s < len(cur)-p && s < len(next)-p && cur[len(cur)-1-s] == next[len(next)-1-s] {
		s++
	}
	if del := len(cur) - p - s; del > 0 {
		d.Delete(p, del)
	}
	if ins := next[p : len(next)-s]; len(ins) > 0 {
		d.Insert(p, string(ins))
	}
}

// Merge folds the other replica's operations in. Merging is commutative,
// associative and idempotent; tombstones win over live characters.
func (d *Document) Merge(other *Document) {
	for id, c := range other.chars {
		mine, ok := d.chars[id]
		if !ok {
			d.chars[id] = c
		} else if c.Deleted && !mine.Deleted {
			mine.Deleted = true
			d.chars[id] = mine
		}
		if id.Site == d.site && id.Counter > d.counter {
			d.counter = id.Counter
		}
	}
}

// Marshal serializes the replica.
func (d *Document) Marshal() ([]byte, error) {
	ordered := d.ordered()
	state := struct {
		Site    string `json:"site"`
		Counter uint64 `json:"counter"`
		Chars   []char `json:"chars"`
	}{d.site, d.counter, ordered}
	return json.Marshal(state)
}

// Unmarshal restores a replica. The given site replaces the serialized one
// when non-empty, which is how a fresh process adopts an existing document.
func Unmarshal(data []byte, site string) (*Document, error) {
	var state struct {
		Site    string `json:"site"`
		Counter uint64 `json:"counter"`
		Chars   []char `json:"chars"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, "crdt state")
	}
	if site == "" {
		site = state.Site
	}
	d := &Document{site: site, counter: state.Counter, chars: map[ID]char{}}
	for _, c := range state.Chars {
		d.chars[c.ID] = c
		if c.ID.Site == site && c.ID.Counter > d.counter {
			d.counter = c.ID.Counter
		}
	}
	return d, nil
}

// ordered materializes the sequence: characters group under their anchor,
// concurrent siblings order newest-first, and the tree flattens depth-first.
func (d *Document) ordered() []char {
	children := map[ID][]char{}
	for _, c := range d.chars {
		children[c.After] = append(children[c.After], c)
	}
	for _, sibs := range children {
		sort.Slice(sibs, func(i, j int) bool {
			return sibs[j].ID.less(sibs[i].ID)
		})
	}

	out := make([]char, 0, len(d.chars))
	var walk func(ID)
	walk = func(anchor ID) {
		for _, c := range children[anchor] {
			out = append(out, c)
			walk(c.ID)
		}
	}
	walk(ID{})
	return out
}

// idAtVisible returns the id of the visible character at index i, or the
// head id when i < 0. An index past the end anchors at the last character.
func (d *Document) idAtVisible(i int) ID {
	if i < 0 {
		return ID{}
	}
	ordered := d.ordered()
	visible := -1
	last := ID{}
	for _, c := range ordered {
		if c.Deleted {
			continue
		}
		visible++
		last = c.ID
		if visible == i {
			return c.ID
		}
	}
	return last
}
