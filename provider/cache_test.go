package provider

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nightscape/knowledge/internal/storage"
	"github.com/nightscape/knowledge/internal/types"
)

type fakeItem struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Ref   string `db:"ref"`
	Count int64  `db:"count"`
}

var fakeSchema = types.EntitySchema{
	Table:      "fakes",
	PrimaryKey: "id",
	Fields: []types.FieldSchema{
		{Name: "id", Type: types.FieldString, Required: true},
		{Name: "name", Type: types.FieldString},
		{Name: "ref", Type: types.FieldString, Indexed: true},
		{Name: "count", Type: types.FieldInteger},
	},
}

// fakeSource is an in-memory delegate standing in for an external system.
type fakeSource struct {
	mu    sync.Mutex
	items map[string]fakeItem
	fail  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{items: map[string]fakeItem{}}
}

func (f *fakeSource) GetAll(context.Context) ([]fakeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeItem, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeSource) GetByID(_ context.Context, id string) (*fakeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it, ok := f.items[id]; ok {
		return &it, nil
	}
	return nil, nil
}

func (f *fakeSource) GetChildren(context.Context, string) ([]fakeItem, error) {
	return nil, nil
}

func (f *fakeSource) SetField(_ context.Context, id, field string, value types.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	it := f.items[id]
	it.ID = id
	switch field {
	case "name":
		it.Name, _ = value.Str()
	case "ref":
		it.Ref, _ = value.Str()
	case "count":
		it.Count, _ = value.Int()
	}
	f.items[id] = it
	return nil
}

func (f *fakeSource) Create(_ context.Context, fields types.Entity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	id := fields.GetString("id")
	f.items[id] = fakeItem{
		ID:    id,
		Name:  fields.GetString("name"),
		Ref:   fields.GetString("ref"),
		Count: fields.GetInt("count"),
	}
	return id, nil
}

func (f *fakeSource) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	delete(f.items, id)
	return nil
}

func (f *fakeSource) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func newCache(t *testing.T) (*QueryableCache[fakeItem], *fakeSource, *storage.Backend) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	src := newFakeSource()
	cache, err := NewQueryableCache[fakeItem](context.Background(), src, db,
		fakeSchema, "fake", zap.NewNop().Sugar())
	require.NoError(t, err)

	n := 0
	cache.SetIDGenerator(func() string {
		n++
		return fmt.Sprintf("u%d", n)
	})
	return cache, src, db
}

func TestCreateWritesThrough(t *testing.T) {
	cache, src, db := newCache(t)
	ctx := context.Background()

	id, err := cache.Create(ctx, types.Entity{"name": types.String("one")})
	require.NoError(t, err)
	require.Equal(t, "u1", id)

	// delegate received the internal id
	it, err := src.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, it)

	// post-operation refresh confirmed the mirror row
	e, err := db.Get(ctx, "fakes", types.String(id))
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, storage.OperationSourceReal, e.GetString(storage.ColOperationSource))

	// queue drained on confirmation
	pending, err := cache.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// mapping created for the internal id
	mp, err := cache.IDMap().Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, mp)
	require.Equal(t, "fake", mp.Source)
}

// After any acknowledged write naming an id, the mirror must reflect the
// datasource's post-write state.
func TestPostOperationRefresh(t *testing.T) {
	cache, src, db := newCache(t)
	ctx := context.Background()

	id, err := cache.Create(ctx, types.Entity{"name": types.String("raw")})
	require.NoError(t, err)

	// the datasource normalizes data behind the cache's back
	src.mu.Lock()
	it := src.items[id]
	it.Name = "raw (normalized)"
	it.Count = 7
	src.items[id] = it
	src.mu.Unlock()

	require.NoError(t, cache.SetField(ctx, id, "ref", types.String("r")))

	e, err := db.Get(ctx, "fakes", types.String(id))
	require.NoError(t, err)
	require.Equal(t, "raw (normalized)", e.GetString("name"))
	require.EqualValues(t, 7, e.GetInt("count"))
	require.Equal(t, "r", e.GetString("ref"))
}

// Transient delegate failure keeps the optimistic row and the queued intent;
// the mapping stays pending and foreign keys keep pointing at internal ids
// after the external id arrives.
func TestOfflineCreateThenReconcile(t *testing.T) {
	cache, src, db := newCache(t)
	ctx := context.Background()

	src.setFail(types.Transient(errors.New("connection refused")))

	u1, err := cache.Create(ctx, types.Entity{"name": types.String("project")})
	require.NoError(t, err)
	u2, err := cache.Create(ctx, types.Entity{
		"name": types.String("task"),
		"ref":  types.String(u1),
	})
	require.NoError(t, err)

	// optimistic rows carry the fake source tag
	e, err := db.Get(ctx, "fakes", types.String(u1))
	require.NoError(t, err)
	require.Contains(t, e.GetString(storage.ColOperationSource), "fake:op-")

	pending, err := cache.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "create", pending[0].OpName)

	mp, err := cache.IDMap().Get(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, types.MappingPending, mp.State)

	// reconnect: the batch response maps temp ids to real ids
	require.NoError(t, cache.IDMap().ApplyTempIDMapping(ctx, map[string]string{
		u1: "P1",
		u2: "T1",
	}))

	mp, err = cache.IDMap().Get(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, types.MappingSynced, mp.State)
	require.Equal(t, "P1", mp.ExternalID)

	// the foreign key in the other row never changes
	e, err = db.Get(ctx, "fakes", types.String(u2))
	require.NoError(t, err)
	require.Equal(t, u1, e.GetString("ref"))

	// resolution to the external id happens only at the API boundary
	ext, err := cache.IDMap().ResolveExternal(ctx, u1)
	require.NoError(t, err)
	require.Equal(t, "P1", ext)
}

func TestPermanentFailureRollsBack(t *testing.T) {
	cache, src, db := newCache(t)
	ctx := context.Background()

	src.setFail(types.Permanent(errors.New("validation failed")))

	_, err := cache.Create(ctx, types.Entity{"name": types.String("bad")})
	require.Error(t, err)
	require.False(t, types.IsTransient(err))

	// optimistic row removed
	e, err := db.Get(ctx, "fakes", types.String("u1"))
	require.NoError(t, err)
	require.Nil(t, e)

	// queue entry removed, mapping failed
	pending, err := cache.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	mp, err := cache.IDMap().Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.MappingFailed, mp.State)

	// failure surfaced on the side channel
	select {
	case ferr := <-cache.Errors():
		require.Error(t, ferr)
	default:
		t.Fatal("no failure event surfaced")
	}
}

func TestIngestStreamAppliesChanges(t *testing.T) {
	cache, _, db := newCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bc := NewBroadcaster[fakeItem]()
	cache.IngestStream(ctx, bc.Subscribe(8))

	bc.Send([]types.Change[fakeItem]{
		changeOf(fakeItem{ID: "x1", Name: "from stream"}),
		changeOf(fakeItem{ID: "x2", Name: "gone soon"}),
	})
	bc.Send([]types.Change[fakeItem]{types.ChangeDelete[fakeItem]("x2")})

	require.Eventually(t, func() bool {
		e, err := db.Get(context.Background(), "fakes", types.String("x1"))
		if err != nil || e == nil {
			return false
		}
		gone, err := db.Get(context.Background(), "fakes", types.String("x2"))
		return err == nil && gone == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	bc.Close()
	cache.Wait()
}

// changeOf is a test shorthand.
func changeOf(it fakeItem) types.Change[fakeItem] { return types.ChangeUpsert(it) }

func TestResyncReplacesConfirmedRows(t *testing.T) {
	cache, src, db := newCache(t)
	ctx := context.Background()

	// stale confirmed row not present upstream
	require.NoError(t, db.Insert(ctx, "fakes", types.Entity{
		"id": types.String("stale"), "name": types.String("old"),
	}))
	// upstream truth
	src.items["fresh"] = fakeItem{ID: "fresh", Name: "new"}

	require.NoError(t, cache.Resync(ctx))

	stale, err := db.Get(ctx, "fakes", types.String("stale"))
	require.NoError(t, err)
	require.Nil(t, stale)

	fresh, err := cache.GetByID(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	require.Equal(t, "new", fresh.Name)
}

// intent -> queue -> dequeue -> intent is the identity.
func TestQueueRoundTrip(t *testing.T) {
	cache, _, _ := newCache(t)
	ctx := context.Background()

	in := types.OperationIntent{
		EntityName: "fakes",
		OpName:     "set_field",
		Params: types.Entity{
			"id":    types.String("u9"),
			"field": types.String("count"),
			"value": types.Integer(13),
		},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	id, err := cache.Queue().Enqueue(ctx, in)
	require.NoError(t, err)

	out, err := cache.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, id, out[0].ID)
	require.Equal(t, in.EntityName, out[0].EntityName)
	require.Equal(t, in.OpName, out[0].OpName)
	require.True(t, in.Timestamp.Equal(out[0].Timestamp))
	require.True(t, in.Params.Equal(out[0].Params))
}
