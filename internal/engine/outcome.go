package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/graph"
	"trunkline/internal/lease"
	"trunkline/internal/repo"
)

// Result names the outcome a driver reports for a phase.
type Result string

const (
	ResultAssessed         Result = "assessed"
	ResultStarted          Result = "started"
	ResultComplete         Result = "complete"
	ResultFailed           Result = "failed"
	ResultApproved         Result = "approved"
	ResultChangesRequested Result = "changes_requested"
)

// Report is one phase outcome. Which fields matter depends on Phase and
// Result: gate reads Score, Verdict and Issues; build and fix read Owner,
// Base and Paths.
type Report struct {
	Slug    string         `json:"slug"`
	Phase   domain.Phase   `json:"phase" enum:"gate,build,fix,review"`
	Result  Result         `json:"result" enum:"assessed,started,complete,failed,approved,changes_requested"`
	Owner   string         `json:"owner,omitempty"`
	Base    string         `json:"base,omitempty"`
	Paths   []string       `json:"paths,omitempty"`
	Score   *int           `json:"score,omitempty"`
	Verdict domain.Verdict `json:"verdict,omitempty"`
	Issues  []string       `json:"issues,omitempty"`
	ActorID string         `json:"actor_id,omitempty"`
}

// ReportOutcome persists one phase result. A report that does not match
// the item's current phase fails with *NotEligibleError and changes
// nothing.
func (e Engine) ReportOutcome(ctx context.Context, r Report) (domain.WorkItem, error) {
	ctx, end := e.Metrics.Start(ctx, "report_outcome",
		attribute.String("slug", r.Slug), attribute.String("phase", string(r.Phase)), attribute.String("result", string(r.Result)))
	var out domain.WorkItem
	var releases []lease.Release
	err := e.write(ctx, func(tx *sql.Tx) error {
		releases = nil
		s, err := e.mustLoad(ctx, tx, r.Slug)
		if err != nil {
			return err
		}
		phase := s.phase()
		// readiness may be recorded while dependencies are still open
		if r.Phase != phase && !(r.Phase == domain.PhaseGate && phase == domain.PhaseDraft) {
			return notEligible(r.Slug, phase, fmt.Sprintf("%s %s", r.Phase, r.Result), "item is in phase "+string(phase))
		}
		switch r.Phase {
		case domain.PhaseGate:
			out, err = e.reportGate(ctx, tx, s, r)
		case domain.PhaseBuild, domain.PhaseFix:
			out, releases, err = e.reportWork(ctx, tx, s, r)
		case domain.PhaseReview:
			out, err = e.reportReview(ctx, tx, s, r)
		default:
			err = notEligible(r.Slug, phase, "report", "driven by its own command")
		}
		return err
	})
	end(err)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for _, rel := range releases {
		e.Metrics.LeaseReleased(ctx, string(rel.Reason), 1)
	}
	e.log().Info("outcome recorded", "slug", r.Slug, "phase", string(r.Phase), "result", string(r.Result), "actor", r.ActorID)
	return out, nil
}

func (e Engine) reportGate(ctx context.Context, tx *sql.Tx, s snapshot, r Report) (domain.WorkItem, error) {
	if r.Result != "" && r.Result != ResultAssessed {
		return domain.WorkItem{}, fmt.Errorf("%w: gate result %q", ErrInvalidReport, r.Result)
	}
	if r.Score == nil {
		return domain.WorkItem{}, fmt.Errorf("%w: gate report needs a score", ErrInvalidReport)
	}
	return e.recordReadiness(ctx, tx, s, *r.Score, r.Verdict, r.Issues, r.ActorID)
}

func (e Engine) recordReadiness(ctx context.Context, tx *sql.Tx, s snapshot, score int, verdict domain.Verdict, issues []string, actor string) (domain.WorkItem, error) {
	items := map[string]domain.WorkItem{s.item.Slug: s.item}
	it, err := graph.New(s.backlog, items).RecordReadiness(s.item.Slug, score, verdict)
	if err != nil {
		return domain.WorkItem{}, err
	}
	saved, err := e.saveItem(ctx, tx, it)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.InsertAssessmentTx(ctx, tx, domain.Assessment{
		ID:         newID(),
		Slug:       it.Slug,
		Score:      score,
		Verdict:    verdict,
		Issues:     issues,
		AssessorID: actorOr(actor),
		CreatedAt:  e.stamp(),
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.events().Append(ctx, tx, events.ItemAssessed, "item", it.Slug, actor, events.EventPayload{
		"score": score, "verdict": string(verdict), "issues": issues,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	return saved, nil
}

func (e Engine) reportWork(ctx context.Context, tx *sql.Tx, s snapshot, r Report) (domain.WorkItem, []lease.Release, error) {
	it := s.item
	phase := s.phase()
	fix := phase == domain.PhaseFix
	started := it.BuildStatus == domain.BuildStarted
	action := fmt.Sprintf("%s %s", phase, r.Result)

	switch r.Result {
	case ResultStarted:
		if started {
			return domain.WorkItem{}, nil, notEligible(it.Slug, phase, action, "already started by "+it.AssigneeID)
		}
		if r.Owner == "" {
			return domain.WorkItem{}, nil, fmt.Errorf("%w: owner required", ErrInvalidReport)
		}
		it.BuildStatus = domain.BuildStarted
		it.AssigneeID = r.Owner
		if !fix || it.IntegrationBase == "" || r.Base != "" {
			base, err := e.integrationBase(ctx, r.Base)
			if err != nil {
				return domain.WorkItem{}, nil, err
			}
			it.IntegrationBase = base
		}
		if !fix {
			it.TouchedPaths = []string{}
		}
		saved, err := e.saveItem(ctx, tx, it)
		if err != nil {
			return domain.WorkItem{}, nil, err
		}
		evt := events.ItemBuildStarted
		if fix {
			evt = events.ItemFixStarted
		}
		return saved, nil, e.events().Append(ctx, tx, evt, "item", it.Slug, actorOr(r.ActorID, r.Owner), events.EventPayload{
			"owner": r.Owner, "base": it.IntegrationBase,
		})

	case ResultComplete, ResultFailed:
		if !started {
			return domain.WorkItem{}, nil, notEligible(it.Slug, phase, action, "nothing started")
		}
		owner := r.Owner
		if owner == "" {
			owner = it.AssigneeID
		}
		if owner != it.AssigneeID {
			return domain.WorkItem{}, nil, notEligible(it.Slug, phase, action, fmt.Sprintf("started by %s, reported by %s", it.AssigneeID, owner))
		}
		paths, err := mergePaths(it.TouchedPaths, r.Paths)
		if err != nil {
			return domain.WorkItem{}, nil, err
		}
		if r.Result == ResultComplete {
			if err := e.requireLeases(ctx, tx, paths, owner); err != nil {
				return domain.WorkItem{}, nil, err
			}
			it.TouchedPaths = paths
			it.BuildStatus = domain.BuildComplete
			it.ReviewStatus = domain.ReviewPending
		} else {
			if fix {
				it.BuildStatus = domain.BuildComplete
			} else {
				it.BuildStatus = domain.BuildPending
				it.TouchedPaths = []string{}
				it.AssigneeID = ""
			}
		}
		reason := domain.ReleaseCommit
		if r.Result == ResultFailed {
			reason = domain.ReleaseFailure
		}
		releases, err := e.releaseItemLeases(ctx, tx, owner, it.Slug, paths, reason)
		if err != nil {
			return domain.WorkItem{}, nil, err
		}
		saved, err := e.saveItem(ctx, tx, it)
		if err != nil {
			return domain.WorkItem{}, nil, err
		}
		var evt string
		switch {
		case fix && r.Result == ResultComplete:
			evt = events.ItemFixCompleted
		case fix:
			evt = events.ItemFixFailed
		case r.Result == ResultComplete:
			evt = events.ItemBuildCompleted
		default:
			evt = events.ItemBuildFailed
		}
		return saved, releases, e.events().Append(ctx, tx, evt, "item", it.Slug, actorOr(r.ActorID, owner), events.EventPayload{
			"owner": owner, "paths": it.TouchedPaths, "released": len(releases),
		})
	}
	return domain.WorkItem{}, nil, fmt.Errorf("%w: %s result %q", ErrInvalidReport, phase, r.Result)
}

func (e Engine) reportReview(ctx context.Context, tx *sql.Tx, s snapshot, r Report) (domain.WorkItem, error) {
	it := s.item
	action := fmt.Sprintf("review %s", r.Result)
	var evt string
	switch r.Result {
	case ResultStarted:
		if it.ReviewStatus != domain.ReviewPending {
			return domain.WorkItem{}, notEligible(it.Slug, domain.PhaseReview, action, "review already started")
		}
		it.ReviewStatus = domain.ReviewStarted
		evt = events.ItemReviewStarted
	case ResultApproved, ResultChangesRequested:
		if it.ReviewStatus != domain.ReviewStarted {
			return domain.WorkItem{}, notEligible(it.Slug, domain.PhaseReview, action, "review not started")
		}
		it.ReviewStatus = domain.ReviewApproved
		evt = events.ItemReviewApproved
		if r.Result == ResultChangesRequested {
			it.ReviewStatus = domain.ReviewChangesRequested
			evt = events.ItemChangesRequest
		}
	default:
		return domain.WorkItem{}, fmt.Errorf("%w: review result %q", ErrInvalidReport, r.Result)
	}
	saved, err := e.saveItem(ctx, tx, it)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return saved, e.events().Append(ctx, tx, evt, "item", it.Slug, r.ActorID, nil)
}

func (e Engine) integrationBase(ctx context.Context, base string) (string, error) {
	if base != "" {
		return base, nil
	}
	if hr, ok := e.Inspector.(HeadReader); ok {
		head, err := hr.Head(ctx)
		if err != nil {
			return "", fmt.Errorf("read trunk head: %w", err)
		}
		return head, nil
	}
	return "", fmt.Errorf("%w: integration base required", ErrInvalidReport)
}

// requireLeases checks owner holds a lease on every path.
func (e Engine) requireLeases(ctx context.Context, tx *sql.Tx, paths []string, owner string) error {
	var missing []string
	for _, p := range paths {
		l, err := e.Repo.GetLease(ctx, tx, p)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err != nil || !l.Held() || l.OwnerID != owner {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s does not hold %v", ErrLeaseRequired, owner, missing)
	}
	return nil
}

// releaseItemLeases frees what owner still holds for the item: every
// touched path plus anything labelled with the slug.
func (e Engine) releaseItemLeases(ctx context.Context, tx *sql.Tx, owner, slug string, paths []string, reason domain.ReleaseReason) ([]lease.Release, error) {
	mgr := e.leases()
	var out []lease.Release
	for _, p := range paths {
		rel, err := mgr.Release(ctx, tx, p, owner, reason)
		if errors.Is(err, lease.ErrNotOwner) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	rest, err := mgr.ReleaseOwner(ctx, tx, owner, slug, reason)
	if err != nil {
		return nil, err
	}
	return append(out, rest...), nil
}

func mergePaths(have, add []string) ([]string, error) {
	set := map[string]struct{}{}
	for _, p := range have {
		set[p] = struct{}{}
	}
	for _, p := range add {
		n, err := lease.NormalizePath(p)
		if err != nil {
			return nil, err
		}
		set[n] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// RecordMutation notes that owner changed path for slug. Only the worker
// that started the current build or fix may do so, and only under lease.
func (e Engine) RecordMutation(ctx context.Context, slug, owner, path string) (domain.WorkItem, error) {
	p, err := lease.NormalizePath(path)
	if err != nil {
		return domain.WorkItem{}, err
	}
	var out domain.WorkItem
	err = e.write(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		phase := s.phase()
		if (phase != domain.PhaseBuild && phase != domain.PhaseFix) || s.item.BuildStatus != domain.BuildStarted {
			return notEligible(slug, phase, "mutation", "no build or fix in progress")
		}
		if s.item.AssigneeID != owner {
			return notEligible(slug, phase, "mutation", "assigned to "+s.item.AssigneeID)
		}
		if _, err := e.leases().RecordMutation(ctx, tx, p, owner); err != nil {
			if errors.Is(err, lease.ErrNotOwner) {
				return fmt.Errorf("%w: %v", ErrLeaseRequired, err)
			}
			return err
		}
		it := s.item
		paths, err := mergePaths(it.TouchedPaths, []string{p})
		if err != nil {
			return err
		}
		it.TouchedPaths = paths
		out, err = e.saveItem(ctx, tx, it)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ItemMutation, "item", slug, owner, events.EventPayload{"path": p})
	})
	return out, err
}
