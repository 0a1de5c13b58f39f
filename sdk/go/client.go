package trunklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trunkline HTTP API client for worker drivers.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Action is the orchestrator's next step for an item.
type Action struct {
	Slug        string         `json:"slug"`
	Phase       string         `json:"phase"`
	Instruction string         `json:"instruction"`
	Blockers    []string       `json:"blockers,omitempty"`
	Lease       *LeaseBlocker  `json:"lease,omitempty"`
	Finalize    *FinalizeBlock `json:"finalize,omitempty"`
	Wait        time.Duration  `json:"wait,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
}

// FinalizeBlock is a recorded finalize refusal; it stands until cleared.
type FinalizeBlock struct {
	Slug      string   `json:"slug"`
	AttemptID string   `json:"attempt_id"`
	Code      string   `json:"code"`
	Detail    string   `json:"detail,omitempty"`
	Holder    string   `json:"holder,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	BlockedAt string   `json:"blocked_at"`
}

type LeaseBlocker struct {
	Path          string        `json:"path"`
	Owner         string        `json:"owner"`
	OwnerSlug     string        `json:"owner_slug,omitempty"`
	Contender     string        `json:"contender"`
	Age           time.Duration `json:"age"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RetryInterval time.Duration `json:"retry_interval"`
}

// Item is the API work item model (partial).
type Item struct {
	Slug             string   `json:"slug"`
	Group            string   `json:"group,omitempty"`
	Description      string   `json:"description,omitempty"`
	DependsOn        []string `json:"depends_on"`
	ReadinessScore   *int     `json:"readiness_score,omitempty"`
	ReadinessVerdict string   `json:"readiness_verdict"`
	BuildStatus      string   `json:"build_status"`
	ReviewStatus     string   `json:"review_status"`
	AssigneeID       string   `json:"assignee_id,omitempty"`
	Phase            string   `json:"phase,omitempty"`
}

// Report is one phase outcome.
type Report struct {
	Phase   string   `json:"phase"`
	Result  string   `json:"result"`
	Owner   string   `json:"owner,omitempty"`
	Base    string   `json:"base,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Score   *int     `json:"score,omitempty"`
	Verdict string   `json:"verdict,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

type Lease struct {
	Path            string    `json:"path"`
	OwnerID         string    `json:"owner_id,omitempty"`
	Slug            string    `json:"slug,omitempty"`
	State           string    `json:"state"`
	AcquiredAt      time.Time `json:"acquired_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Acquire is the answer to a lease request and the protocol step to take.
type Acquire struct {
	Result struct {
		Decision string        `json:"decision"`
		Lease    Lease         `json:"lease"`
		Owner    string        `json:"owner,omitempty"`
		Wait     time.Duration `json:"wait,omitempty"`
	} `json:"result"`
	Advice struct {
		Action string        `json:"action"`
		Wait   time.Duration `json:"wait,omitempty"`
		Reason string        `json:"reason,omitempty"`
	} `json:"advice"`
}

type Deferral struct {
	ID               string `json:"id"`
	OriginSlug       string `json:"origin_slug"`
	Title            string `json:"title"`
	Reason           string `json:"reason,omitempty"`
	DecisionNeeded   string `json:"decision_needed,omitempty"`
	SuggestedOutcome string `json:"suggested_outcome"`
	CreatedSlug      string `json:"created_slug,omitempty"`
}

type FinalizeResult struct {
	Slug      string   `json:"slug"`
	AttemptID string   `json:"attempt_id"`
	Released  int      `json:"released_leases"`
	Unblocked []string `json:"unblocked"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

func (c *Client) Items(ctx context.Context) ([]Item, error) {
	var resp []Item
	err := c.do(ctx, http.MethodGet, "items", nil, &resp)
	return resp, err
}

func (c *Client) Ready(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "items/ready", nil, &resp)
	return resp, err
}

func (c *Client) NextAction(ctx context.Context, slug string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, itemPath(slug, "next"), nil, &resp)
	return resp, err
}

func (c *Client) Report(ctx context.Context, slug string, r Report) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, itemPath(slug, "report"), r, &resp)
	return resp, err
}

func (c *Client) RecordMutation(ctx context.Context, slug, owner, path string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, itemPath(slug, "mutations"), map[string]any{"owner": owner, "path": path}, &resp)
	return resp, err
}

func (c *Client) AcquireLease(ctx context.Context, path, owner, slug string) (Acquire, error) {
	var resp Acquire
	err := c.do(ctx, http.MethodPost, "leases/acquire", map[string]any{"path": path, "owner_id": owner, "slug": slug}, &resp)
	return resp, err
}

func (c *Client) Heartbeat(ctx context.Context, path, owner string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "leases/heartbeat", map[string]any{"path": path, "owner_id": owner}, &resp)
	return resp.Accepted, err
}

func (c *Client) ReleaseLease(ctx context.Context, path, owner, reason string) error {
	return c.do(ctx, http.MethodPost, "leases/release", map[string]any{"path": path, "owner_id": owner, "reason": reason}, nil)
}

func (c *Client) EndWork(ctx context.Context, path, owner string) error {
	return c.do(ctx, http.MethodPost, "leases/end", map[string]any{"path": path, "owner_id": owner}, nil)
}

// AcquireWithProtocol runs the contention protocol for one path: on a
// denial it heartbeats when asked, waits the advised interval and retries
// exactly once. A second denial comes back as an APIError with code
// lease_blocked.
func (c *Client) AcquireWithProtocol(ctx context.Context, path, owner, slug string) (Acquire, error) {
	res, err := c.AcquireLease(ctx, path, owner, slug)
	if err != nil || res.Result.Decision == "granted" {
		return res, err
	}
	if res.Advice.Action == "heartbeat_and_wait" {
		if _, err := c.Heartbeat(ctx, path, owner); err != nil {
			return res, err
		}
	}
	timer := time.NewTimer(res.Advice.Wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-timer.C:
	}
	return c.AcquireLease(ctx, path, owner, slug)
}

func (c *Client) RegisterWorker(ctx context.Context, id string, pid int, host string) error {
	return c.do(ctx, http.MethodPost, "workers", map[string]any{"id": id, "pid": pid, "host": host}, nil)
}

func (c *Client) SubmitDeferral(ctx context.Context, slug string, d Deferral) (Deferral, error) {
	body := map[string]any{
		"title":             d.Title,
		"reason":            d.Reason,
		"decision_needed":   d.DecisionNeeded,
		"suggested_outcome": d.SuggestedOutcome,
	}
	var resp Deferral
	err := c.do(ctx, http.MethodPost, itemPath(slug, "deferrals"), body, &resp)
	return resp, err
}

func (c *Client) ProcessDeferrals(ctx context.Context, slug string) ([]Item, error) {
	var resp struct {
		Created []Item `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, itemPath(slug, "deferrals/process"), nil, &resp)
	return resp.Created, err
}

func (c *Client) Finalize(ctx context.Context, slug string) (FinalizeResult, error) {
	var resp FinalizeResult
	err := c.do(ctx, http.MethodPost, itemPath(slug, "finalize"), nil, &resp)
	return resp, err
}

// ClearFinalizeBlock lifts a recorded finalize block.
func (c *Client) ClearFinalizeBlock(ctx context.Context, slug string) (FinalizeBlock, error) {
	var resp FinalizeBlock
	err := c.do(ctx, http.MethodDelete, itemPath(slug, "finalize/block"), nil, &resp)
	return resp, err
}

type RebaseResult struct {
	Previous string   `json:"previous_base"`
	Base     string   `json:"base"`
	Overlap  []string `json:"overlap,omitempty"`
	Cleared  bool     `json:"cleared_block"`
}

// Rebase moves an item's integration base; an empty base means the trunk
// head.
func (c *Client) Rebase(ctx context.Context, slug, base string) (RebaseResult, error) {
	var resp RebaseResult
	err := c.do(ctx, http.MethodPost, itemPath(slug, "rebase"), map[string]string{"base": base}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func itemPath(slug, rest string) string {
	return fmt.Sprintf("items/%s/%s", url.PathEscape(slug), rest)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
