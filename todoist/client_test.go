package todoist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightscape/knowledge/internal/types"
)

func TestSyncRequestShape(t *testing.T) {
	var got SyncRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(SyncResponse{ //nolint:errcheck
			SyncToken:     "tok-1",
			TempIDMapping: map[string]string{"u1": "5001"},
			SyncStatus: map[string]json.RawMessage{
				"uuid-1": json.RawMessage(`"ok"`),
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	resp, err := c.Sync(context.Background(), SyncRequest{
		SyncToken:     "prev",
		ResourceTypes: []string{"items"},
		Commands: []Command{{
			Type:   "item_add",
			TempID: "u1",
			UUID:   "uuid-1",
			Args:   map[string]interface{}{"content": "buy milk"},
		}},
	})
	require.NoError(t, err)

	require.Equal(t, "prev", got.SyncToken)
	require.Equal(t, []string{"items"}, got.ResourceTypes)
	require.Len(t, got.Commands, 1)
	require.Equal(t, "u1", got.Commands[0].TempID)
	require.Equal(t, "uuid-1", got.Commands[0].UUID)

	require.Equal(t, "tok-1", resp.SyncToken)
	require.Equal(t, "5001", resp.TempIDMapping["u1"])
	ce, found := resp.CommandStatus("uuid-1")
	require.True(t, found)
	require.Nil(t, ce)
}

func TestSyncErrorClassification(t *testing.T) {
	for _, tt := range []struct {
		status    int
		transient bool
	}{
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusBadGateway, transient: true},
		{status: http.StatusUnauthorized, transient: false},
		{status: http.StatusBadRequest, transient: false},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := NewClient(srv.URL, "secret")
		_, err := c.Sync(context.Background(), SyncRequest{})
		require.Error(t, err, tt.status)
		require.Equal(t, tt.transient, types.IsTransient(err), "status %d", tt.status)
		srv.Close()
	}

	// unreachable host is transient
	c := NewClient("http://127.0.0.1:1", "secret")
	_, err := c.Sync(context.Background(), SyncRequest{})
	require.Error(t, err)
	require.True(t, types.IsTransient(err))
}

func TestExecuteCommandsSurfacesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(SyncResponse{ //nolint:errcheck
			SyncToken: "tok",
			SyncStatus: map[string]json.RawMessage{
				"bad": json.RawMessage(`{"error":"item not found","error_code":20,"http_code":404}`),
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret")
	_, err := c.ExecuteCommands(context.Background(), []Command{
		{Type: "item_update", UUID: "bad", Args: map[string]interface{}{}},
	})
	require.Error(t, err)
	require.False(t, types.IsTransient(err))
	require.Contains(t, err.Error(), "item not found")
}

func TestTaskNormalize(t *testing.T) {
	task := Task{Due: &Due{Date: "2025-08-01"}}
	task.normalize()
	require.NotNil(t, task.DueDate)
	require.Equal(t, "2025-08-01", task.DueDate.Format("2006-01-02"))

	none := Task{}
	none.normalize()
	require.Nil(t, none.DueDate)
}
