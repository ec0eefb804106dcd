package block

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/fracindex"
	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
	"github.com/nightscape/knowledge/provider"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	s, err := NewStore(context.Background(), db, "test-site", zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

// deterministicIDs makes the store mint the same id stream as the reference
// model.
func deterministicIDs(s *Store) {
	n := 0
	s.SetIDGenerator(func() string {
		n++
		return fmt.Sprintf("ref://block/%d", n)
	})
}

func mustCreate(t *testing.T, s *Store, parent, content string) string {
	t.Helper()
	fields := types.Entity{"content": types.String(content)}
	if parent != "" {
		fields["parent_id"] = types.String(parent)
	}
	id, err := s.Create(context.Background(), fields)
	require.NoError(t, err)
	return id
}

func childIDs(t *testing.T, s *Store, parent string) []string {
	t.Helper()
	kids, err := s.GetChildren(context.Background(), parent)
	require.NoError(t, err)
	out := make([]string, len(kids))
	for i, b := range kids {
		out[i] = b.ID
	}
	return out
}

func TestCreateRootThenChild(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "", "A")
	b := mustCreate(t, s, a, "B")

	roots, err := s.GetRootBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.Equal(t, a, roots[0].ID)
	require.EqualValues(t, 0, roots[0].Depth)

	require.Equal(t, []string{b}, childIDs(t, s, a))

	got, err := s.GetByID(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, 1, got.Depth)
	require.Equal(t, "B", got.Content)
}

func TestBatchTombstone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	parent := mustCreate(t, s, "", "parent")
	var kids []string
	for i := 0; i < 10; i++ {
		kids = append(kids, mustCreate(t, s, parent, gofakeit.Sentence(3)))
	}

	for i := 0; i < 10; i += 2 {
		require.NoError(t, s.Delete(ctx, kids[i]))
	}

	want := []string{kids[1], kids[3], kids[5], kids[7], kids[9]}
	require.Equal(t, want, childIDs(t, s, parent))

	gone, err := s.GetByID(ctx, kids[0])
	require.NoError(t, err)
	require.Nil(t, gone)

	// the tombstoned row stays addressable in storage
	raw, err := s.db.Get(ctx, Table, types.String(kids[0]))
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.True(t, raw.Has("deleted_at"))
}

func TestCyclicMoveRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := mustCreate(t, s, "", "A")
	b := mustCreate(t, s, a, "B")
	c := mustCreate(t, s, b, "C")

	before, err := s.GetAll(ctx)
	require.NoError(t, err)

	err = s.Move(ctx, a, &c, "")
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrInvalidArgument))
	require.Contains(t, err.Error(), "cyclic move")

	after, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	byID := map[string]Block{}
	for _, blk := range after {
		byID[blk.ID] = blk
	}
	for _, blk := range before {
		got := byID[blk.ID]
		require.Equal(t, blk.ParentID, got.ParentID)
		require.Equal(t, blk.SortKey, got.SortKey)
		require.Equal(t, blk.Depth, got.Depth)
	}

	// self-parenting is also a cycle
	err = s.Move(ctx, a, &a, "")
	require.True(t, errors.Is(err, types.ErrInvalidArgument))
}

func TestMoveReordersAndReparents(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "", "p")
	a := mustCreate(t, s, p, "a")
	b := mustCreate(t, s, p, "b")
	c := mustCreate(t, s, p, "c")

	// move c first
	require.NoError(t, s.Move(ctx, c, nil, ""))
	require.Equal(t, []string{c, a, b}, childIDs(t, s, p))

	// move a after b
	require.NoError(t, s.Move(ctx, a, nil, b))
	require.Equal(t, []string{c, b, a}, childIDs(t, s, p))

	// reparent b under a; depth updates for b's subtree
	d := mustCreate(t, s, b, "d")
	require.NoError(t, s.Move(ctx, b, &a, MoveLast))
	require.Equal(t, []string{b}, childIDs(t, s, a))

	bb, err := s.GetByID(ctx, b)
	require.NoError(t, err)
	require.EqualValues(t, 2, bb.Depth)
	dd, err := s.GetByID(ctx, d)
	require.NoError(t, err)
	require.EqualValues(t, 3, dd.Depth)
}

func TestIndentOutdent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "", "p")
	a := mustCreate(t, s, p, "a")
	b := mustCreate(t, s, p, "b")

	require.NoError(t, provider.IndentBlock[Block](ctx, s, b))
	require.Equal(t, []string{b}, childIDs(t, s, a))
	bb, err := s.GetByID(ctx, b)
	require.NoError(t, err)
	require.EqualValues(t, 2, bb.Depth)

	require.NoError(t, provider.OutdentBlock[Block](ctx, s, b))
	require.Equal(t, []string{a, b}, childIDs(t, s, p))
	bb, err = s.GetByID(ctx, b)
	require.NoError(t, err)
	require.EqualValues(t, 1, bb.Depth)

	// the first sibling has nothing to indent under
	err = provider.IndentBlock[Block](ctx, s, a)
	require.True(t, errors.Is(err, types.ErrInvalidArgument))
}

func TestSiblingKeysStayUniqueAndBounded(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := mustCreate(t, s, "", "p")
	first := mustCreate(t, s, p, "0")
	_ = first

	// repeatedly insert at the front, the worst case for key growth
	for i := 0; i < 60; i++ {
		id := mustCreate(t, s, p, fmt.Sprintf("c%d", i))
		require.NoError(t, s.Move(ctx, id, nil, ""))
	}

	kids, err := s.GetChildren(ctx, p)
	require.NoError(t, err)
	require.Len(t, kids, 61)
	seen := map[string]bool{}
	for _, k := range kids {
		require.False(t, seen[k.SortKey], "duplicate sort key %q", k.SortKey)
		seen[k.SortKey] = true
		require.LessOrEqual(t, len(k.SortKey), fracindex.MaxKeyLen)
	}
}

// The SQL store and the deterministic in-memory model are driven by the same
// operation log; their visible trees must agree after every step.
func TestStoreAgainstReferenceModel(t *testing.T) {
	s := newStore(t)
	deterministicIDs(s)
	ref := NewReferenceStore()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(99))

	var ids []string

	pick := func() string {
		if len(ids) == 0 {
			return ""
		}
		return ids[rng.Intn(len(ids))]
	}

	checkParity := func(step int) {
		require.Equal(t, ref.CountNonDeleted(), liveCount(t, s), "step %d", step)
		// sibling order under every live parent matches
		for _, parent := range append([]string{""}, ref.Live()...) {
			if parent != "" {
				if _, ok := ref.Content(parent); !ok {
					continue
				}
			}
			require.Equal(t, ref.Children(parent), childIDs(t, s, parent),
				"step %d parent %s", step, parent)
		}
		for _, id := range ref.Live() {
			blk, err := s.GetByID(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, blk, "step %d block %s", step, id)
			require.EqualValues(t, ref.Depth(id), blk.Depth, "step %d depth %s", step, id)
		}
	}

	for step := 0; step < 120; step++ {
		switch op := rng.Intn(10); {
		case op < 4 || len(ids) == 0:
			parent := ""
			if rng.Intn(2) == 0 {
				parent = pick()
			}
			if parent != "" {
				if _, ok := ref.Content(parent); !ok {
					parent = ""
				}
			}
			want := ref.NextID()
			refID, err := ref.Create(parent, "x")
			require.NoError(t, err)
			require.Equal(t, want, refID)
			fields := types.Entity{"content": types.String("x")}
			if parent != "" {
				fields["parent_id"] = types.String(parent)
			}
			sutID, err := s.Create(ctx, fields)
			require.NoError(t, err)
			require.Equal(t, refID, sutID)
			ids = append(ids, refID)

		case op < 6:
			id := pick()
			if _, ok := ref.Content(id); !ok {
				continue
			}
			require.NoError(t, ref.Delete(id))
			require.NoError(t, s.Delete(ctx, id))

		default:
			id := pick()
			if _, ok := ref.Content(id); !ok {
				continue
			}
			parent := ""
			if rng.Intn(2) == 0 {
				parent = pick()
				if _, ok := ref.Content(parent); !ok {
					parent = ""
				}
			}
			refErr := ref.Move(id, parent, "")
			sutErr := s.Move(ctx, id, &parent, "")
			if refErr != nil {
				require.Error(t, sutErr, "step %d", step)
				continue
			}
			require.NoError(t, sutErr, "step %d", step)
		}
		checkParity(step)
	}
}

func liveCount(t *testing.T, s *Store) int {
	t.Helper()
	all, err := s.GetAll(context.Background())
	require.NoError(t, err)
	return len(all)
}

func TestContentEditAndMerge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id := mustCreate(t, s, "", "hello world")
	require.NoError(t, s.EditContent(ctx, id, "hello brave world"))

	blk, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hello brave world", blk.Content)
}
