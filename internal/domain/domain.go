package domain

import "time"

type Phase string

const (
	PhaseDraft          Phase = "draft"
	PhaseGate           Phase = "gate"
	PhaseBuild          Phase = "build"
	PhaseReview         Phase = "review"
	PhaseFix            Phase = "fix"
	PhaseDeferralReview Phase = "deferral-review"
	PhaseFinalize       Phase = "finalize"
	PhaseRemoved        Phase = "removed"
)

type BuildStatus string

const (
	BuildPending  BuildStatus = "pending"
	BuildStarted  BuildStatus = "started"
	BuildComplete BuildStatus = "complete"
)

type ReviewStatus string

const (
	ReviewPending          ReviewStatus = "pending"
	ReviewStarted          ReviewStatus = "started"
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
)

type Verdict string

const (
	VerdictUnassessed    Verdict = "unassessed"
	VerdictNeedsWork     Verdict = "needs_work"
	VerdictNeedsDecision Verdict = "needs_decision"
	VerdictPass          Verdict = "pass"
)

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictUnassessed, VerdictNeedsWork, VerdictNeedsDecision, VerdictPass:
		return true
	}
	return false
}

type LeaseState string

const (
	LeaseFree      LeaseState = "free"
	LeaseOwned     LeaseState = "owned"
	LeaseContended LeaseState = "contended"
	LeaseBlocked   LeaseState = "blocked"
)

type ReleaseReason string

const (
	ReleaseCommit       ReleaseReason = "commit"
	ReleaseFailure      ReleaseReason = "failure"
	ReleaseEnd          ReleaseReason = "end"
	ReleaseLivenessLoss ReleaseReason = "liveness-loss"
	ReleaseIdleTimeout  ReleaseReason = "idle-timeout"
)

// Valid reports whether r is a recognised release reason.
func (r ReleaseReason) Valid() bool {
	switch r {
	case ReleaseCommit, ReleaseFailure, ReleaseEnd, ReleaseLivenessLoss, ReleaseIdleTimeout:
		return true
	}
	return false
}

type SuggestedOutcome string

const (
	OutcomeNewTodo SuggestedOutcome = "NEW_TODO"
	OutcomeNoop    SuggestedOutcome = "NOOP"
)

// WorkItem is one backlog todo. DependsOn and Group are hydrated from the
// backlog record; they are never stored on the item row.
type WorkItem struct {
	Slug               string       `json:"slug"`
	DependsOn          []string     `json:"depends_on"`
	Group              string       `json:"group,omitempty"`
	Description        string       `json:"description,omitempty"`
	BuildStatus        BuildStatus  `json:"build_status" enum:"pending,started,complete"`
	ReviewStatus       ReviewStatus `json:"review_status" enum:"pending,started,approved,changes_requested"`
	DeferralsProcessed bool         `json:"deferrals_processed"`
	ReadinessScore     *int         `json:"readiness_score,omitempty" minimum:"0" maximum:"10"`
	ReadinessVerdict   Verdict      `json:"readiness_verdict" enum:"unassessed,needs_work,needs_decision,pass"`
	AssigneeID         string       `json:"assignee_id,omitempty"`
	IntegrationBase    string       `json:"integration_base,omitempty"`
	TouchedPaths       []string     `json:"touched_paths"`
	Version            int64        `json:"version"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
	UpdatedAt          string       `json:"updated_at" format:"date-time"`
}

// BacklogEntry is one ordered line of the backlog record.
type BacklogEntry struct {
	Slug      string   `json:"slug" yaml:"slug"`
	Group     string   `json:"group,omitempty" yaml:"group,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Backlog is the single versioned record listing every live item.
type Backlog struct {
	Version   int64          `json:"version"`
	Entries   []BacklogEntry `json:"entries"`
	UpdatedAt string         `json:"updated_at,omitempty" format:"date-time"`
}

// Contains reports whether slug is still present.
func (b Backlog) Contains(slug string) bool {
	return b.Index(slug) >= 0
}

// Index returns the position of slug or -1.
func (b Backlog) Index(slug string) int {
	for i, e := range b.Entries {
		if e.Slug == slug {
			return i
		}
	}
	return -1
}

// Entry returns the entry for slug.
func (b Backlog) Entry(slug string) (BacklogEntry, bool) {
	if i := b.Index(slug); i >= 0 {
		return b.Entries[i], true
	}
	return BacklogEntry{}, false
}

// Hydrate copies depends_on and group from the backlog entry onto it.
func (b Backlog) Hydrate(it *WorkItem) {
	it.DependsOn = []string{}
	if e, ok := b.Entry(it.Slug); ok {
		it.Group = e.Group
		it.DependsOn = append(it.DependsOn, e.DependsOn...)
	}
}

// Clone returns a deep copy safe to mutate.
func (b Backlog) Clone() Backlog {
	out := Backlog{Version: b.Version, UpdatedAt: b.UpdatedAt, Entries: make([]BacklogEntry, len(b.Entries))}
	for i, e := range b.Entries {
		out.Entries[i] = BacklogEntry{Slug: e.Slug, Group: e.Group, DependsOn: append([]string(nil), e.DependsOn...)}
	}
	return out
}

type FileLease struct {
	Path            string       `json:"path"`
	OwnerID         string       `json:"owner_id,omitempty"`
	Slug            string       `json:"slug,omitempty"`
	State           LeaseState   `json:"state" enum:"free,owned,contended,blocked"`
	AcquiredAt      time.Time    `json:"acquired_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	LastMutationAt  *time.Time   `json:"last_mutation_at,omitempty"`
	EndSignaledAt   *time.Time   `json:"end_signaled_at,omitempty"`
	Contenders      []Contention `json:"contenders,omitempty"`
	Version         int64        `json:"version"`
}

// Contention records one requester that was denied a held lease. It drives
// the heartbeat, wait, retry-once protocol.
type Contention struct {
	Path            string     `json:"path"`
	ContenderID     string     `json:"contender_id"`
	Slug            string     `json:"slug,omitempty"`
	ContendedAt     time.Time  `json:"contended_at"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	BlockedAt       *time.Time `json:"blocked_at,omitempty"`
}

// Blocked reports whether the contender exhausted its retry.
func (c Contention) Blocked() bool {
	return c.BlockedAt != nil
}

// Held reports whether the lease currently has an owner.
func (l FileLease) Held() bool {
	return l.State != LeaseFree && l.OwnerID != ""
}

// LastActivity is the latest of heartbeat, mutation and acquisition.
func (l FileLease) LastActivity() time.Time {
	last := l.AcquiredAt
	if l.LastHeartbeatAt.After(last) {
		last = l.LastHeartbeatAt
	}
	if l.LastMutationAt != nil && l.LastMutationAt.After(last) {
		last = *l.LastMutationAt
	}
	return last
}

type Deferral struct {
	ID               string           `json:"id"`
	OriginSlug       string           `json:"origin_slug"`
	Title            string           `json:"title"`
	Reason           string           `json:"reason,omitempty"`
	DecisionNeeded   string           `json:"decision_needed,omitempty"`
	SuggestedOutcome SuggestedOutcome `json:"suggested_outcome" enum:"NEW_TODO,NOOP"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	ConsumedAt       *string          `json:"consumed_at,omitempty" format:"date-time"`
	CreatedSlug      string           `json:"created_slug,omitempty"`
}

// FinalizeLock is the singleton trunk-wide finalize mutex.
type FinalizeLock struct {
	HolderID   string `json:"holder_id"`
	AttemptID  string `json:"attempt_id"`
	Slug       string `json:"slug"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	Version    int64  `json:"version"`
}

// Held reports whether some attempt owns the lock.
func (l FinalizeLock) Held() bool {
	return l.AttemptID != ""
}

// FinalizeBlock is the last blocked finalize of an item. It stands until
// an operator clears it, the item is rebased, or the item is finalized.
type FinalizeBlock struct {
	Slug      string   `json:"slug"`
	AttemptID string   `json:"attempt_id"`
	Code      string   `json:"code"`
	Detail    string   `json:"detail,omitempty"`
	Holder    string   `json:"holder,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	BlockedAt string   `json:"blocked_at" format:"date-time"`
}

type Assessment struct {
	ID         string   `json:"id"`
	Slug       string   `json:"slug"`
	Score      int      `json:"score"`
	Verdict    Verdict  `json:"verdict"`
	Issues     []string `json:"issues,omitempty"`
	AssessorID string   `json:"assessor_id"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Worker struct {
	ID           string `json:"id"`
	PID          int    `json:"pid,omitempty"`
	Host         string `json:"host,omitempty"`
	RegisteredAt string `json:"registered_at" format:"date-time"`
	LastSeenAt   string `json:"last_seen_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
