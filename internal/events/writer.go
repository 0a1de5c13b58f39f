package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	ItemAdded           = "item.added"
	ItemDependencyAdded = "item.dependency_added"
	ItemAssessed        = "item.assessed"
	ItemBuildStarted    = "item.build_started"
	ItemBuildCompleted  = "item.build_completed"
	ItemBuildFailed     = "item.build_failed"
	ItemFixStarted      = "item.fix_started"
	ItemFixCompleted    = "item.fix_completed"
	ItemFixFailed       = "item.fix_failed"
	ItemMutation        = "item.mutation"
	ItemReviewStarted   = "item.review_started"
	ItemReviewApproved  = "item.review_approved"
	ItemChangesRequest  = "item.changes_requested"
	ItemRemoved         = "item.removed"
	ItemRebased         = "item.rebased"
	BacklogImported     = "backlog.imported"

	LeaseAcquired   = "lease.acquired"
	LeaseDenied     = "lease.denied"
	LeaseBlocked    = "lease.blocked"
	LeaseUnblocked  = "lease.unblocked"
	LeaseHeartbeat  = "lease.heartbeat"
	LeaseEndSignal  = "lease.end_signaled"
	LeaseReleased   = "lease.released"
	LeaseIgnoredOp  = "lease.ignored"
	FinalizeLocked  = "finalize.locked"
	FinalizeBlocked = "finalize.blocked"
	FinalizeSafe    = "finalize.safe"
	FinalizeDone    = "finalize.completed"
	FinalizeUnlock  = "finalize.unlocked"
	FinalizeCleared = "finalize.cleared"

	DeferralSubmitted = "deferral.submitted"
	DeferralsApplied  = "deferral.processed"

	WorkerRegistered = "worker.registered"
	RBACChanged      = "rbac.changed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx, so the record commits or rolls back
// together with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
