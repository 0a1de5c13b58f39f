package server

import (
	"encoding/json"

	"trunkline/internal/config"
	"trunkline/internal/domain"
	"trunkline/internal/engine"
	"trunkline/internal/lease"
)

// Request payloads

type AddItemRequest struct {
	Slug        string   `json:"slug" pattern:"^[a-z0-9][a-z0-9._-]*$"`
	Group       string   `json:"group,omitempty"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type AddDependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

type ImportItem struct {
	Slug        string   `json:"slug"`
	Group       string   `json:"group,omitempty"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

type ImportRequest struct {
	Items []ImportItem `json:"items"`
}

func (r ImportRequest) backlogFile() *config.BacklogFile {
	f := &config.BacklogFile{}
	for _, it := range r.Items {
		f.Items = append(f.Items, config.BacklogItem{Slug: it.Slug, Group: it.Group, Description: it.Description, DependsOn: it.DependsOn})
	}
	return f
}

type ReportRequest struct {
	Phase   domain.Phase   `json:"phase" enum:"gate,build,fix,review"`
	Result  engine.Result  `json:"result" enum:"assessed,started,complete,failed,approved,changes_requested"`
	Owner   string         `json:"owner,omitempty"`
	Base    string         `json:"base,omitempty"`
	Paths   []string       `json:"paths,omitempty"`
	Score   *int           `json:"score,omitempty" minimum:"0" maximum:"10"`
	Verdict domain.Verdict `json:"verdict,omitempty"`
	Issues  []string       `json:"issues,omitempty"`
}

type MutationRequest struct {
	Owner string `json:"owner"`
	Path  string `json:"path"`
}

type LeaseRequest struct {
	Path    string `json:"path"`
	OwnerID string `json:"owner_id"`
	Slug    string `json:"slug,omitempty"`
}

type ReleaseRequest struct {
	Path    string               `json:"path"`
	OwnerID string               `json:"owner_id"`
	Reason  domain.ReleaseReason `json:"reason" enum:"commit,failure,end,liveness-loss,idle-timeout"`
}

type UnblockRequest struct {
	Path      string `json:"path"`
	Contender string `json:"contender,omitempty"`
}

type DeferralRequest struct {
	Title            string                  `json:"title"`
	Reason           string                  `json:"reason,omitempty"`
	DecisionNeeded   string                  `json:"decision_needed,omitempty"`
	SuggestedOutcome domain.SuggestedOutcome `json:"suggested_outcome" enum:"NEW_TODO,NOOP"`
}

type FinalizeRequest struct {
	Holder string `json:"holder,omitempty"`
}

type RebaseRequest struct {
	Base string `json:"base,omitempty" doc:"New integration base; the trunk head when empty"`
}

type WorkerRequest struct {
	ID   string `json:"id"`
	PID  int    `json:"pid,omitempty"`
	Host string `json:"host,omitempty"`
}

type RoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type APIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type AcquireResponse struct {
	Result lease.Result `json:"result"`
	Advice lease.Advice `json:"advice"`
}

type HeartbeatResponse struct {
	Accepted bool `json:"accepted"`
}

type ReleasesResponse struct {
	Released []lease.Release `json:"released"`
}

type CreatedItemsResponse struct {
	Created []domain.WorkItem `json:"created"`
}

type APIKeyResponse struct {
	Key   domain.APIKey `json:"key"`
	Token string        `json:"token"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		out.Payload = json.RawMessage(evt.Payload)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
