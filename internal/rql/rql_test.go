package rql

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const doc = `
from tasks
filter completed == false && priority >= $min_priority
sort [-priority, due_date]
select [id, content, completed, priority]
take 50
render list(
  row(checkbox(this.completed), editable_text(this.content))
)
`

func TestSplitRender(t *testing.T) {
	queryHalf, renderHalf, err := SplitRender(doc)
	require.NoError(t, err)
	require.Contains(t, queryHalf, "from tasks")
	require.NotContains(t, queryHalf, "render")
	require.True(t, strings.HasPrefix(strings.TrimSpace(renderHalf), "list("))

	// "render" inside a bracketed helper body must not split
	tricky := "let f x = wrap(\nrender_hint(x)\n)\nfrom t\nrender f(this.a)\n"
	qh, rh, err := SplitRender(tricky)
	require.NoError(t, err)
	require.Contains(t, qh, "render_hint")
	require.Equal(t, " f(this.a)\n", rh)

	_, _, err = SplitRender("from tasks\n")
	require.Error(t, err)
}

func TestCompilePipeline(t *testing.T) {
	queryHalf, _, err := SplitRender(doc)
	require.NoError(t, err)

	q, err := Compile(queryHalf)
	require.NoError(t, err)
	require.Equal(t, "tasks", q.Table)
	require.Equal(t, []string{"id", "content", "completed", "priority"}, q.Columns)
	require.Equal(t, []string{"min_priority"}, q.Params)
	require.Equal(t,
		`SELECT "id", "content", "completed", "priority" FROM "tasks"`+
			` WHERE (("completed" = 0) AND ("priority" >= $min_priority))`+
			` ORDER BY "priority" DESC, "due_date" ASC LIMIT 50`,
		q.SQL)
}

func TestCompileVariants(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr string
	}{
		{
			name: "bare from",
			in:   "from blocks\n",
			want: `SELECT * FROM "blocks"`,
		},
		{
			name: "null comparison",
			in:   "from blocks\nfilter deleted_at == null\n",
			want: `SELECT * FROM "blocks" WHERE "deleted_at" IS NULL`,
		},
		{
			name: "not null comparison",
			in:   "from blocks\nfilter deleted_at != null\n",
			want: `SELECT * FROM "blocks" WHERE "deleted_at" IS NOT NULL`,
		},
		{
			name: "string literal escaping",
			in:   "from t\nfilter name == 'it\\'s'\n",
			want: `SELECT * FROM "t" WHERE ("name" = 'it''s')`,
		},
		{
			name: "scalar function in filter",
			in:   "from t\nfilter lower(name) == 'x'\n",
			want: `SELECT * FROM "t" WHERE (lower("name") = 'x')`,
		},
		{
			name: "single sort term",
			in:   "from t\nsort name\n",
			want: `SELECT * FROM "t" ORDER BY "name" ASC`,
		},
		{
			name:    "missing from",
			in:      "filter a == 1\n",
			wantErr: "no `from`",
		},
		{
			name:    "unknown transform",
			in:      "from t\ngroup a\n",
			wantErr: "unknown transform",
		},
		{
			name:    "this ref in filter",
			in:      "from t\nfilter this.a == 1\n",
			wantErr: "render half",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Compile(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, q.SQL)
		})
	}
}

func TestCompileModuleOnly(t *testing.T) {
	q, err := Compile("let todo x = item(checkbox(x))\n")
	require.NoError(t, err)
	require.Empty(t, q.SQL)
	require.Empty(t, q.Table)
	require.Contains(t, q.Module.Helpers, "todo")
	require.Equal(t, []string{"x"}, q.Module.Helpers["todo"].Params)
}

func TestSelectsColumn(t *testing.T) {
	q := Query{Columns: []string{"id", "content"}}
	require.True(t, q.SelectsColumn("id"))
	require.False(t, q.SelectsColumn("priority"))
	require.True(t, Query{}.SelectsColumn("anything"))
}
