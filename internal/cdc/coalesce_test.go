package cdc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightscape/knowledge/internal/types"
)

func pkID(string) string { return "id" }

func rc(t types.ChangeType, id string, fields ...string) types.RowChange {
	e := types.Entity{"id": types.String(id)}
	for i := 0; i+1 < len(fields); i += 2 {
		e[fields[i]] = types.String(fields[i+1])
	}
	return types.RowChange{Type: t, Table: "tasks", Data: e}
}

func TestCoalesceRules(t *testing.T) {
	tests := []struct {
		name string
		in   []types.RowChange
		want []types.RowChange
	}{
		{
			name: "delete then insert is update",
			in:   []types.RowChange{rc(types.Delete, "a"), rc(types.Insert, "a", "v", "new")},
			want: []types.RowChange{rc(types.Update, "a", "v", "new")},
		},
		{
			name: "insert then delete cancels",
			in:   []types.RowChange{rc(types.Insert, "a"), rc(types.Delete, "a")},
			want: nil,
		},
		{
			name: "insert then insert keeps latest",
			in:   []types.RowChange{rc(types.Insert, "a", "v", "1"), rc(types.Insert, "a", "v", "2")},
			want: []types.RowChange{rc(types.Insert, "a", "v", "2")},
		},
		{
			name: "update then delete is delete",
			in:   []types.RowChange{rc(types.Update, "a", "v", "1"), rc(types.Delete, "a")},
			want: []types.RowChange{rc(types.Delete, "a", "v", "1")},
		},
		{
			name: "insert then update stays insert with final data",
			in:   []types.RowChange{rc(types.Insert, "a", "v", "1"), rc(types.Update, "a", "v", "2")},
			want: []types.RowChange{rc(types.Insert, "a", "v", "2")},
		},
		{
			name: "isolated events pass through",
			in:   []types.RowChange{rc(types.Insert, "a"), rc(types.Update, "b"), rc(types.Delete, "c")},
			want: []types.RowChange{rc(types.Insert, "a"), rc(types.Update, "b"), rc(types.Delete, "c")},
		},
		{
			name: "order follows first surviving event",
			in: []types.RowChange{
				rc(types.Update, "a", "v", "1"),
				rc(types.Insert, "b"),
				rc(types.Update, "a", "v", "2"),
			},
			want: []types.RowChange{rc(types.Update, "a", "v", "2"), rc(types.Insert, "b")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Coalesce(tt.in, pkID)
			require.Equal(t, len(tt.want), len(got))
			for i := range tt.want {
				require.Equal(t, tt.want[i].Type, got[i].Type, "event %d", i)
				require.True(t, tt.want[i].Data.Equal(got[i].Data), "event %d data", i)
			}
		})
	}
}

// Applying the coalesced output to an empty per-key projection must match
// applying the raw batch naively, and each key appears at most once.
func TestCoalesceEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d"}

	apply := func(state map[string]types.Entity, events []types.RowChange) {
		for _, ev := range events {
			id := ev.Data.GetString("id")
			switch ev.Type {
			case types.Delete:
				delete(state, id)
			default:
				state[id] = ev.Data
			}
		}
	}

	for trial := 0; trial < 200; trial++ {
		var batch []types.RowChange
		live := map[string]bool{}
		for i := 0; i < 1+rng.Intn(12); i++ {
			id := ids[rng.Intn(len(ids))]
			var ct types.ChangeType
			if live[id] {
				ct = []types.ChangeType{types.Update, types.Delete}[rng.Intn(2)]
			} else {
				ct = types.Insert
			}
			live[id] = ct != types.Delete
			batch = append(batch, rc(ct, id, "n", string(rune('0'+i))))
		}

		naive := map[string]types.Entity{}
		apply(naive, batch)

		out := Coalesce(batch, pkID)
		seen := map[string]bool{}
		for _, ev := range out {
			id := ev.Data.GetString("id")
			require.False(t, seen[id], "trial %d: key %s emitted twice", trial, id)
			seen[id] = true
		}

		coalesced := map[string]types.Entity{}
		apply(coalesced, out)
		require.Equal(t, len(naive), len(coalesced), "trial %d", trial)
		for id, e := range naive {
			require.True(t, e.Equal(coalesced[id]), "trial %d key %s", trial, id)
		}
	}
}
