package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/finalize"
	"trunkline/internal/graph"
	"trunkline/internal/repo"
)

// FinalizeResult reports a completed finalize.
type FinalizeResult struct {
	Slug      string   `json:"slug"`
	AttemptID string   `json:"attempt_id"`
	Released  int      `json:"released_leases"`
	Unblocked []string `json:"unblocked"`
}

// Finalize integrates slug and removes it from the backlog. The trunk-wide
// lock is taken before the trunk is inspected and the item is removed in
// the same transaction that releases the lock. Any failure leaves the item
// in place and the lock free. A recorded block is answered again without
// touching the trunk until ClearFinalizeBlock or Rebase lifts it.
func (e Engine) Finalize(ctx context.Context, slug, holder string) (FinalizeResult, error) {
	ctx, end := e.Metrics.Start(ctx, "finalize", attribute.String("slug", slug))
	res, err := e.finalize(ctx, slug, holder)
	end(err)
	var blocked *finalize.BlockedError
	switch {
	case errors.As(err, &blocked):
		e.Metrics.FinalizeOutcome(ctx, string(blocked.Code))
	case err == nil:
		e.Metrics.FinalizeOutcome(ctx, "SAFE")
	}
	return res, err
}

func (e Engine) finalize(ctx context.Context, slug, holder string) (FinalizeResult, error) {
	holder = actorOr(holder)
	var item domain.WorkItem
	err := e.read(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		if phase := s.phase(); phase != domain.PhaseFinalize {
			return notEligible(slug, phase, "finalize", "")
		}
		item = s.item
		b, err := e.Repo.GetFinalizeBlock(ctx, tx, slug)
		switch {
		case err == nil:
			return standingBlock(b)
		case errors.Is(err, repo.ErrNotFound):
			return nil
		}
		return err
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	g := e.gate()
	check, err := g.CheckPreconditions(ctx, finalize.Attempt{
		Slug:      slug,
		HolderID:  holder,
		Base:      item.IntegrationBase,
		ChangeSet: item.TouchedPaths,
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	if e.Integrator != nil {
		if ierr := e.Integrator.Integrate(ctx, item); ierr != nil {
			blocked := &finalize.BlockedError{Slug: slug, Code: finalize.CodeIntegrationFailed, Detail: ierr.Error()}
			if err := g.Abort(ctx, check.Lock, blocked); err != nil {
				return FinalizeResult{}, errors.Join(blocked, err)
			}
			return FinalizeResult{}, blocked
		}
	}

	res := FinalizeResult{Slug: slug, AttemptID: check.Lock.AttemptID}
	err = e.write(ctx, func(tx *sql.Tx) error {
		res.Unblocked = nil
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		if phase := s.phase(); phase != domain.PhaseFinalize {
			return notEligible(slug, phase, "finalize", "item changed during finalize")
		}
		before := graph.New(s.backlog, nil)
		dependents := before.Dependents(slug)

		next := s.backlog.Clone()
		next.Entries = removeEntry(next.Entries, slug)
		if _, err := e.Repo.SaveBacklogTx(ctx, tx, next, e.now()); err != nil {
			return err
		}
		if err := e.Repo.DeleteWorkItemTx(ctx, tx, slug); err != nil {
			return err
		}
		if _, err := e.Repo.DeleteFinalizeBlockTx(ctx, tx, slug); err != nil {
			return err
		}
		after := graph.New(next, nil)
		for _, d := range dependents {
			if after.DependenciesSatisfied(d) {
				res.Unblocked = append(res.Unblocked, d)
			}
		}
		rels, err := e.leases().ReleaseOwner(ctx, tx, s.item.AssigneeID, slug, domain.ReleaseCommit)
		if err != nil {
			return err
		}
		res.Released = len(rels)
		if err := g.UnlockTx(ctx, tx, check.Lock); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.ItemRemoved, "item", slug, holder, events.EventPayload{
			"attempt_id": check.Lock.AttemptID, "touched_paths": s.item.TouchedPaths,
		}); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.FinalizeDone, "item", slug, holder, events.EventPayload{
			"attempt_id": check.Lock.AttemptID, "unblocked": res.Unblocked,
			"held_seconds": int64(e.now().Sub(parseStamp(check.Lock.AcquiredAt)) / time.Second),
		})
	})
	if err != nil {
		// the item stays; do not leave the trunk locked behind it
		_ = g.Abort(ctx, check.Lock, nil)
		return FinalizeResult{}, err
	}
	e.log().Info("item finalized", "slug", slug, "attempt", res.AttemptID, "unblocked", res.Unblocked)
	return res, nil
}

func removeEntry(entries []domain.BacklogEntry, slug string) []domain.BacklogEntry {
	out := make([]domain.BacklogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Slug != slug {
			out = append(out, e)
		}
	}
	return out
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// standingBlock turns a recorded block back into the error its attempt
// returned.
func standingBlock(b domain.FinalizeBlock) *finalize.BlockedError {
	be := &finalize.BlockedError{
		Slug:   b.Slug,
		Code:   finalize.ReasonCode(b.Code),
		Holder: b.Holder,
		Detail: fmt.Sprintf("recorded by attempt %s at %s", b.AttemptID, b.BlockedAt),
	}
	if b.Detail != "" {
		be.Detail += ": " + b.Detail
	}
	switch be.Code {
	case finalize.CodeDirty:
		be.DirtyPaths = b.Paths
	case finalize.CodeDiverged:
		be.ChangedPaths = b.Paths
	}
	return be
}

// ClearFinalizeBlock lifts the recorded block on slug so the next
// finalize inspects the trunk again.
func (e Engine) ClearFinalizeBlock(ctx context.Context, slug, operator string) (domain.FinalizeBlock, error) {
	var cleared domain.FinalizeBlock
	err := e.write(ctx, func(tx *sql.Tx) error {
		b, err := e.Repo.GetFinalizeBlock(ctx, tx, slug)
		if err != nil {
			return err
		}
		if _, err := e.Repo.DeleteFinalizeBlockTx(ctx, tx, slug); err != nil {
			return err
		}
		cleared = b
		return e.events().Append(ctx, tx, events.FinalizeCleared, "item", slug, operator, events.EventPayload{
			"attempt_id": b.AttemptID, "code": b.Code,
		})
	})
	if err != nil {
		return domain.FinalizeBlock{}, err
	}
	e.log().Info("finalize block cleared", "slug", slug, "code", cleared.Code, "operator", operator)
	return cleared, nil
}

// RebaseResult reports a re-recorded integration base.
type RebaseResult struct {
	Item     domain.WorkItem `json:"item"`
	Previous string          `json:"previous_base"`
	Base     string          `json:"base"`

	// Overlap lists change-set paths the trunk changed since the previous
	// base; the rebase accepts them.
	Overlap []string `json:"overlap,omitempty"`
	Cleared bool     `json:"cleared_block"`
}

// Rebase moves slug's integration base to base, or to the trunk head when
// base is empty, and lifts any recorded finalize block. The trunk changes
// to the item's own paths since the old base are reported with the result.
func (e Engine) Rebase(ctx context.Context, slug, base, operator string) (RebaseResult, error) {
	var prev domain.WorkItem
	err := e.read(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		if phase := s.phase(); phase == domain.PhaseRemoved || s.item.BuildStatus == domain.BuildPending {
			return notEligible(slug, phase, "rebase", "no build started")
		}
		prev = s.item
		return nil
	})
	if err != nil {
		return RebaseResult{}, err
	}
	next, err := e.integrationBase(ctx, base)
	if err != nil {
		return RebaseResult{}, err
	}
	res := RebaseResult{Previous: prev.IntegrationBase, Base: next}
	if prev.IntegrationBase != "" && prev.IntegrationBase != next {
		if e.Inspector == nil {
			return RebaseResult{}, errors.New("rebase: no trunk inspector configured")
		}
		changed, err := e.Inspector.ChangedSince(ctx, prev.IntegrationBase)
		if err != nil {
			return RebaseResult{}, fmt.Errorf("rebase %s: inspect trunk: %w", slug, err)
		}
		res.Overlap = finalize.Overlap(changed, prev.TouchedPaths)
	}

	err = e.write(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		if s.item.IntegrationBase != prev.IntegrationBase || s.item.BuildStatus == domain.BuildPending {
			return fmt.Errorf("rebase %s: item changed meanwhile: %w", slug, repo.ErrVersionConflict)
		}
		it := s.item
		it.IntegrationBase = next
		if res.Item, err = e.saveItem(ctx, tx, it); err != nil {
			return err
		}
		if res.Cleared, err = e.Repo.DeleteFinalizeBlockTx(ctx, tx, slug); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ItemRebased, "item", slug, operator, events.EventPayload{
			"previous_base": res.Previous, "base": next, "overlap": res.Overlap, "cleared_block": res.Cleared,
		})
	})
	if err != nil {
		return RebaseResult{}, err
	}
	e.log().Info("item rebased", "slug", slug, "base", next, "overlap", res.Overlap)
	return res, nil
}
