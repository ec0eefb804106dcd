package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/block"
	"github.com/nightscape/knowledge/internal/render"
	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
)

const watchDoc = `
from blocks
filter deleted_at == null
sort sort_key
select [id, content, parent_id]
render list(
  row(editable_text(this.content))
)
`

func newEngine(t *testing.T) (*Engine, *block.Store) {
	t.Helper()
	log := zap.NewNop().Sugar()
	e, err := New(Config{DatabasePath: ":memory:"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() }) //nolint:errcheck

	blocks, err := block.NewStore(context.Background(), e.Storage(), "test", log)
	require.NoError(t, err)
	e.Operations().Register(block.NewOperations(blocks))
	return e, blocks
}

func collectWirings(cq *CompiledQuery) []types.OperationWiring {
	var out []types.OperationWiring
	render.Walk(cq.Spec.Root, func(expr render.Expr) bool {
		if fc, ok := expr.(*render.FunctionCall); ok {
			out = append(out, fc.Operations...)
		}
		return true
	})
	return out
}

func TestCompileQueryEndToEnd(t *testing.T) {
	e, _ := newEngine(t)

	cq, err := e.CompileQuery(watchDoc)
	require.NoError(t, err)
	require.Equal(t, "blocks", cq.Table)
	require.Contains(t, cq.SQL, `FROM "blocks"`)
	require.Contains(t, cq.SQL, `"deleted_at" IS NULL`)
	require.Empty(t, cq.Params)

	wirings := collectWirings(cq)
	require.Len(t, wirings, 1)
	w := wirings[0]
	require.Equal(t, "editable_text", w.WidgetType)
	require.Equal(t, "content", w.ModifiedParam)
	require.Equal(t, "set_content", w.Descriptor.Name)
	require.Equal(t, block.Table, w.Descriptor.Table)
	require.False(t, w.Placeholder)
	require.False(t, w.NotUpdatable)

	// compilation results are cached
	again, err := e.CompileQuery(watchDoc)
	require.NoError(t, err)
	require.Same(t, cq, again)
}

func TestCompileQueryWithoutSourceSkipsInference(t *testing.T) {
	e, _ := newEngine(t)

	cq, err := e.CompileQuery("let card x = box(x)\nrender card(this.content)\n")
	require.NoError(t, err)
	require.Empty(t, cq.SQL)
	require.Empty(t, collectWirings(cq))

	// the helper expanded even without a runnable query half
	fc, ok := cq.Spec.Root.(*render.FunctionCall)
	require.True(t, ok)
	require.Equal(t, "box", fc.Name)
}

func TestCompileQueryNotUpdatableWithoutKey(t *testing.T) {
	e, _ := newEngine(t)

	// the query does not select the primary key, so the wiring attaches
	// inactive
	cq, err := e.CompileQuery(
		"from blocks\nselect [content]\nrender editable_text(this.content)\n")
	require.NoError(t, err)
	wirings := collectWirings(cq)
	require.Len(t, wirings, 1)
	require.True(t, wirings[0].NotUpdatable)
}

func TestExecuteQueryAndOperation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	err := e.Operations().ExecuteOperation(ctx, block.EntityName, "create_block",
		types.Entity{"content": types.String("first")})
	require.NoError(t, err)

	cq, err := e.CompileQuery(watchDoc)
	require.NoError(t, err)
	rows, err := e.ExecuteQuery(ctx, cq.SQL, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "first", rows[0].GetString("content"))
}

// In one transaction insert a row and then update it: watchers receive
// exactly one Insert event carrying the final data.
func TestWatchCoalescesTransaction(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	w, err := e.WatchQuery(`SELECT id, content FROM "blocks"`)
	require.NoError(t, err)
	defer w.Close()
	require.Equal(t, "blocks", w.Table())

	err = e.Storage().WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.Insert(ctx, block.Table, types.Entity{
			"id":       types.String("pkm://block/w1"),
			"sort_key": types.String("V"),
			"content":  types.String("draft"),
			"depth":    types.Integer(0),
		}); err != nil {
			return err
		}
		return tx.Update(ctx, block.Table, types.String("pkm://block/w1"),
			types.Entity{"content": types.String("final")})
	})
	require.NoError(t, err)

	select {
	case batch := <-w.Events():
		require.Len(t, batch, 1)
		require.Equal(t, types.Insert, batch[0].Type)
		require.Equal(t, "final", batch[0].Data.GetString("content"))
		require.Equal(t, "pkm://block/w1", batch[0].Data.GetString("id"))
	case <-time.After(2 * time.Second):
		t.Fatal("no coalesced event delivered")
	}
}

func TestWatchFiltersOtherTables(t *testing.T) {
	e, blocks := newEngine(t)
	ctx := context.Background()

	other := types.EntitySchema{
		Table:      "scratch",
		PrimaryKey: "id",
		Fields:     []types.FieldSchema{{Name: "id", Type: types.FieldString, Required: true}},
	}
	require.NoError(t, e.Storage().CreateEntity(ctx, other))

	w, err := e.WatchQuery(`SELECT id FROM "blocks"`)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, e.Storage().Insert(ctx, "scratch",
		types.Entity{"id": types.String("s1")}))
	_, err = blocks.Create(ctx, types.Entity{"content": types.String("b")})
	require.NoError(t, err)

	select {
	case batch := <-w.Events():
		require.Len(t, batch, 1)
		require.Equal(t, "blocks", batch[0].Table)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

// Repeated subscribe/unsubscribe cycles leave no background tasks attached.
func TestWatchLifecycleLeavesNothingBehind(t *testing.T) {
	e, _ := newEngine(t)

	for i := 0; i < 100; i++ {
		w, err := e.WatchQuery(`SELECT id FROM "blocks"`)
		require.NoError(t, err)
		w.Close()
	}
	require.Zero(t, e.ActiveWatches())

	// double close is harmless
	w, err := e.WatchQuery(`SELECT id FROM "blocks"`)
	require.NoError(t, err)
	w.Close()
	w.Close()
	require.Zero(t, e.ActiveWatches())
}

func TestUIState(t *testing.T) {
	e, _ := newEngine(t)
	e.SetUIState(UIState{FocusedID: "pkm://block/x", CursorPos: 4})
	got := e.GetUIState()
	require.Equal(t, "pkm://block/x", got.FocusedID)
	require.Equal(t, 4, got.CursorPos)
}

func TestMissingParameterSurfacesSynchronously(t *testing.T) {
	e, _ := newEngine(t)

	err := e.ExecuteOperation(context.Background(), types.OperationDescriptor{
		EntityName: block.EntityName,
		Name:       "set_content",
	}, types.Entity{"id": types.String("pkm://block/missing")})
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrParameterMissing))
}
