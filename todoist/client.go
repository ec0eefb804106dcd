package todoist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/nightscape/knowledge/internal/types"
)

// DefaultBaseURL is the production sync endpoint.
const DefaultBaseURL = "https://api.todoist.com/sync/v9"

// Command is one batched write. TempID carries the internal UUID for
// creates; UUID is the per-request idempotency key.
type Command struct {
	Type   string                 `json:"type"`
	TempID string                 `json:"temp_id,omitempty"`
	UUID   string                 `json:"uuid"`
	Args   map[string]interface{} `json:"args"`
}

// SyncRequest is the batch sync payload.
type SyncRequest struct {
	SyncToken     string    `json:"sync_token,omitempty"`
	ResourceTypes []string  `json:"resource_types,omitempty"`
	Commands      []Command `json:"commands,omitempty"`
}

// CommandError is one command's failure in a sync response.
type CommandError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
	HTTPCode  int    `json:"http_code"`
}

// SyncResponse is the batch sync result. TempIDMapping relates the internal
// UUIDs sent as temp ids to the ids the system assigned.
type SyncResponse struct {
	SyncToken     string                     `json:"sync_token"`
	FullSync      bool                       `json:"full_sync"`
	Items         []Task                     `json:"items,omitempty"`
	Projects      []Project                  `json:"projects,omitempty"`
	Sections      []Section                  `json:"sections,omitempty"`
	TempIDMapping map[string]string          `json:"temp_id_mapping,omitempty"`
	SyncStatus    map[string]json.RawMessage `json:"sync_status,omitempty"`
}

// CommandStatus decodes one command's status: ok, or the command error.
func (r *SyncResponse) CommandStatus(uuid string) (*CommandError, bool) {
	raw, found := r.SyncStatus[uuid]
	if !found {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s == "ok" {
		return nil, true
	}
	var ce CommandError
	if err := json.Unmarshal(raw, &ce); err != nil {
		return &CommandError{Error: string(raw)}, true
	}
	return &ce, true
}

// Transient reports whether the command failure is retryable.
func (ce *CommandError) Transient() bool {
	return ce.HTTPCode == 429 || ce.HTTPCode >= 500
}

// Client speaks the sync protocol over HTTPS, rate limited to stay under the
// per-user quota.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
}

// NewClient builds a client for baseURL ("" selects DefaultBaseURL)
// authenticated with token.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json"),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Sync posts one batch request. Network failures, 429 and 5xx responses come
// back transient; every other non-2xx is permanent.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, types.Transient(err)
	}

	var out SyncResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/sync")
	if err != nil {
		return nil, types.Transient(errors.Wrap(err, "sync request"))
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
	case code == 429 || code >= 500:
		return nil, types.Transient(errors.Errorf("sync returned %d", code))
	default:
		return nil, types.Permanent(errors.Errorf("sync returned %d: %s",
			code, resp.String()))
	}

	for i := range out.Items {
		out.Items[i].normalize()
	}
	return &out, nil
}

// ExecuteCommands posts a commands-only request and surfaces the first
// command failure.
func (c *Client) ExecuteCommands(ctx context.Context, cmds []Command) (*SyncResponse, error) {
	resp, err := c.Sync(ctx, SyncRequest{Commands: cmds})
	if err != nil {
		return nil, err
	}
	for _, cmd := range cmds {
		ce, found := resp.CommandStatus(cmd.UUID)
		if !found || ce == nil {
			continue
		}
		err := errors.Errorf("command %s failed: %s (%d)",
			cmd.Type, ce.Error, ce.ErrorCode)
		if ce.Transient() {
			return resp, types.Transient(err)
		}
		return resp, types.Permanent(err)
	}
	return resp, nil
}

func (ce *CommandError) String() string {
	return fmt.Sprintf("%s (code %d, http %d)", ce.Error, ce.ErrorCode, ce.HTTPCode)
}
