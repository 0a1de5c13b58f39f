package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/graph"
	"trunkline/internal/lease"
	"trunkline/internal/repo"
)

type Instruction string

const (
	InstructionNone             Instruction = "none"
	InstructionWaitDependencies Instruction = "wait_dependencies"
	InstructionAssessReadiness  Instruction = "assess_readiness"
	InstructionResolveReadiness Instruction = "resolve_readiness"
	InstructionDispatchBuild    Instruction = "dispatch_build"
	InstructionAwaitBuild       Instruction = "await_build"
	InstructionDispatchReview   Instruction = "dispatch_review"
	InstructionAwaitReview      Instruction = "await_review"
	InstructionDispatchFix      Instruction = "dispatch_fix"
	InstructionAwaitFix         Instruction = "await_fix"
	InstructionProcessDeferrals Instruction = "process_deferrals"
	InstructionFinalize         Instruction = "finalize"
	InstructionBlocked          Instruction = "blocked"
)

// LeaseBlocker describes the lease an item's worker is stuck behind.
type LeaseBlocker struct {
	Path          string        `json:"path"`
	Owner         string        `json:"owner"`
	OwnerSlug     string        `json:"owner_slug,omitempty"`
	Contender     string        `json:"contender"`
	Age           time.Duration `json:"age"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RetryInterval time.Duration `json:"retry_interval"`
}

// Action is the engine's answer to "what happens next for this item".
type Action struct {
	Slug        string                `json:"slug"`
	Phase       domain.Phase          `json:"phase"`
	Instruction Instruction           `json:"instruction"`
	Blockers    []string              `json:"blockers,omitempty"`
	Lease       *LeaseBlocker         `json:"lease,omitempty"`
	Finalize    *domain.FinalizeBlock `json:"finalize,omitempty"`
	Wait        time.Duration         `json:"wait,omitempty"`
	Assignee    string                `json:"assignee,omitempty"`
}

// DerivePhase computes an item's phase from its persisted fields. The
// rules are evaluated in order and the first match wins.
func DerivePhase(it domain.WorkItem, b domain.Backlog, pendingDeferrals int) domain.Phase {
	entry, ok := b.Entry(it.Slug)
	if !ok {
		return domain.PhaseRemoved
	}
	if it.BuildStatus == domain.BuildPending {
		for _, dep := range entry.DependsOn {
			if b.Contains(dep) {
				return domain.PhaseDraft
			}
		}
	}
	switch {
	case it.ReadinessVerdict != domain.VerdictPass:
		return domain.PhaseGate
	case it.ReviewStatus == domain.ReviewChangesRequested:
		return domain.PhaseFix
	case it.BuildStatus != domain.BuildComplete:
		return domain.PhaseBuild
	case it.ReviewStatus == domain.ReviewPending || it.ReviewStatus == domain.ReviewStarted:
		return domain.PhaseReview
	case it.ReviewStatus == domain.ReviewApproved && pendingDeferrals > 0 && !it.DeferralsProcessed:
		return domain.PhaseDeferralReview
	}
	return domain.PhaseFinalize
}

// NextAction answers deterministically from persisted state. It writes
// nothing.
func (e Engine) NextAction(ctx context.Context, slug string) (Action, error) {
	var act Action
	var known bool
	err := e.read(ctx, func(tx *sql.Tx) error {
		s, err := e.load(ctx, tx, slug)
		if err != nil {
			return err
		}
		known = s.item.Slug != ""
		act, err = e.nextAction(ctx, tx, s, slug)
		return err
	})
	if err != nil {
		return Action{}, err
	}
	if !known {
		removed, err := e.Repo.LatestEvents(ctx, 1, events.ItemRemoved, "item", slug)
		if err != nil {
			return Action{}, err
		}
		if len(removed) == 0 {
			return Action{}, fmt.Errorf("work item %s: %w", slug, repo.ErrNotFound)
		}
	}
	return act, nil
}

func (e Engine) nextAction(ctx context.Context, tx *sql.Tx, s snapshot, slug string) (Action, error) {
	phase := s.phase()
	act := Action{Slug: slug, Phase: phase, Assignee: s.item.AssigneeID}
	switch phase {
	case domain.PhaseRemoved:
		act.Instruction = InstructionNone
	case domain.PhaseDraft:
		act.Instruction = InstructionWaitDependencies
		act.Blockers = graph.New(s.backlog, nil).Blockers(slug)
	case domain.PhaseGate:
		if s.item.ReadinessVerdict == domain.VerdictUnassessed {
			act.Instruction = InstructionAssessReadiness
		} else {
			act.Instruction = InstructionResolveReadiness
		}
	case domain.PhaseBuild, domain.PhaseFix:
		started := s.item.BuildStatus == domain.BuildStarted
		switch {
		case phase == domain.PhaseBuild && started:
			act.Instruction = InstructionAwaitBuild
		case phase == domain.PhaseBuild:
			act.Instruction = InstructionDispatchBuild
		case started:
			act.Instruction = InstructionAwaitFix
		default:
			act.Instruction = InstructionDispatchFix
		}
		if started {
			if err := e.applyContention(ctx, tx, slug, &act); err != nil {
				return Action{}, err
			}
		}
	case domain.PhaseReview:
		if s.item.ReviewStatus == domain.ReviewStarted {
			act.Instruction = InstructionAwaitReview
		} else {
			act.Instruction = InstructionDispatchReview
		}
	case domain.PhaseDeferralReview:
		act.Instruction = InstructionProcessDeferrals
	case domain.PhaseFinalize:
		act.Instruction = InstructionFinalize
		b, err := e.Repo.GetFinalizeBlock(ctx, tx, slug)
		switch {
		case err == nil:
			act.Instruction = InstructionBlocked
			act.Finalize = &b
		case !errors.Is(err, repo.ErrNotFound):
			return Action{}, err
		}
	}
	return act, nil
}

// applyContention reports a blocked contention held by the item's worker,
// or the remaining wait of one still inside its retry interval.
func (e Engine) applyContention(ctx context.Context, tx *sql.Tx, slug string, act *Action) error {
	cs, err := e.Repo.ListContentions(ctx, tx, repo.ContentionFilter{Slug: slug})
	if err != nil {
		return err
	}
	now := e.now()
	for _, c := range cs {
		if !c.Blocked() {
			if wait := lease.RetryInterval - now.Sub(c.ContendedAt); wait > act.Wait {
				act.Wait = wait
			}
			continue
		}
		l, err := e.Repo.GetLease(ctx, tx, c.Path)
		if err != nil {
			return err
		}
		act.Instruction = InstructionBlocked
		act.Wait = 0
		act.Lease = &LeaseBlocker{
			Path:          c.Path,
			Owner:         l.OwnerID,
			OwnerSlug:     l.Slug,
			Contender:     c.ContenderID,
			Age:           now.Sub(l.AcquiredAt),
			LastHeartbeat: l.LastHeartbeatAt,
			RetryInterval: lease.RetryInterval,
		}
		return nil
	}
	return nil
}
