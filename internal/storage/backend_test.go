package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/types"
)

func testSchema() types.EntitySchema {
	return types.EntitySchema{
		Table:      "notes",
		PrimaryKey: "id",
		Fields: []types.FieldSchema{
			{Name: "id", Type: types.FieldString, Required: true},
			{Name: "title", Type: types.FieldString, Required: true, Indexed: true},
			{Name: "stars", Type: types.FieldInteger},
			{Name: "pinned", Type: types.FieldBoolean},
			{Name: "edited", Type: types.FieldDateTime},
		},
	}
}

func openBackend(t *testing.T, matviews bool) *Backend {
	t.Helper()
	b, err := Open(Config{Path: ":memory:", EnableMaterializedViews: matviews},
		zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() }) //nolint:errcheck
	require.NoError(t, b.CreateEntity(context.Background(), testSchema()))
	return b
}

func TestCreateEntityIdempotent(t *testing.T) {
	b := openBackend(t, false)
	require.NoError(t, b.CreateEntity(context.Background(), testSchema()))
}

func TestCrudRoundTrip(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	edited := time.Date(2025, 3, 9, 14, 0, 0, 0, time.UTC)
	require.NoError(t, b.Insert(ctx, "notes", types.Entity{
		"id":     types.String("n1"),
		"title":  types.String("first"),
		"stars":  types.Integer(3),
		"pinned": types.Boolean(true),
		"edited": types.DateTime(edited),
	}))

	e, err := b.Get(ctx, "notes", types.String("n1"))
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "first", e.GetString("title"))
	require.EqualValues(t, 3, e.GetInt("stars"))
	require.True(t, e.GetBool("pinned"))
	got, ok := e["edited"].Time()
	require.True(t, ok)
	require.True(t, edited.Equal(got))
	require.Equal(t, OperationSourceReal, e.GetString(ColOperationSource))

	require.NoError(t, b.Update(ctx, "notes", types.String("n1"),
		types.Entity{"title": types.String("renamed")}))
	e, err = b.Get(ctx, "notes", types.String("n1"))
	require.NoError(t, err)
	require.Equal(t, "renamed", e.GetString("title"))

	rows, err := b.Query(ctx, "notes", types.Entity{"pinned": types.Boolean(true)})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, b.Delete(ctx, "notes", types.String("n1")))
	e, err = b.Get(ctx, "notes", types.String("n1"))
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestExecuteSQLNamedParams(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()
	for i, title := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, b.Insert(ctx, "notes", types.Entity{
			"id":    types.String(string(rune('a' + i))),
			"title": types.String(title),
			"stars": types.Integer(int64(i)),
		}))
	}

	rows, err := b.ExecuteSQL(ctx,
		`SELECT id, title FROM notes WHERE stars >= $min ORDER BY id`,
		map[string]types.Value{"min": types.Integer(1)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "beta", rows[0].GetString("title"))

	_, err = b.ExecuteSQL(ctx, `SELECT * FROM notes WHERE id = $missing`, nil)
	require.Error(t, err)
}

func TestRowChangeBatches(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	sub := b.RowChanges(16)
	defer sub.Close()

	// one transaction inserting then updating the same row delivers one
	// batch with both raw events in program order
	err := b.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Insert(ctx, "notes", types.Entity{
			"id": types.String("n1"), "title": types.String("draft"),
		}); err != nil {
			return err
		}
		return tx.Update(ctx, "notes", types.String("n1"),
			types.Entity{"title": types.String("final")})
	})
	require.NoError(t, err)

	batch := <-sub.Changes()
	require.Len(t, batch, 2)
	require.Equal(t, types.Insert, batch[0].Type)
	require.Equal(t, types.Update, batch[1].Type)
	require.Equal(t, "final", batch[1].Data.GetString("title"))
	require.Equal(t, "n1", batch[1].Data.GetString("id"))

	// rollback publishes nothing
	bogus := b.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Insert(ctx, "notes", types.Entity{
			"id": types.String("n2"), "title": types.String("x"),
		}); err != nil {
			return err
		}
		return context.Canceled
	})
	require.Error(t, bogus)

	require.NoError(t, b.Delete(ctx, "notes", types.String("n1")))
	batch = <-sub.Changes()
	require.Len(t, batch, 1)
	require.Equal(t, types.Delete, batch[0].Type)
	require.Equal(t, "n1", batch[0].Data.GetString("id"))
}

func TestSubscriptionLag(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	sub := b.RowChanges(1)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Insert(ctx, "notes", types.Entity{
			"id":    types.String(string(rune('a' + i))),
			"title": types.String("t"),
		}))
	}

	select {
	case err := <-sub.Status():
		var lag *types.StreamLagged
		require.ErrorAs(t, err, &lag)
		require.NotZero(t, lag.Lost)
	case <-time.After(time.Second):
		t.Fatal("no lag status delivered")
	}
}

func TestMaterializedViews(t *testing.T) {
	ctx := context.Background()

	disabled := openBackend(t, false)
	err := disabled.CreateMaterializedView(ctx, "starred", `SELECT id, title FROM notes WHERE stars > 0`, "id")
	require.Error(t, err)

	b := openBackend(t, true)
	require.NoError(t, b.Insert(ctx, "notes", types.Entity{
		"id": types.String("n1"), "title": types.String("keep"), "stars": types.Integer(2),
	}))
	require.NoError(t, b.CreateMaterializedView(ctx, "starred",
		`SELECT id, title FROM notes WHERE stars > 0`, "id"))

	require.NoError(t, b.Insert(ctx, "notes", types.Entity{
		"id": types.String("n2"), "title": types.String("new"), "stars": types.Integer(5),
	}))

	sub := b.RowChanges(64)
	defer sub.Close()
	require.NoError(t, b.RefreshMaterializedView(ctx, "starred"))

	batch := <-sub.Changes()
	// refresh emits delete+insert pairs for surviving rows and a plain
	// insert for the new one
	deletes, inserts := 0, 0
	for _, rc := range batch {
		require.Equal(t, "starred", rc.Table)
		switch rc.Type {
		case types.Delete:
			deletes++
		case types.Insert:
			inserts++
		}
	}
	require.Equal(t, 1, deletes)
	require.Equal(t, 2, inserts)
}
