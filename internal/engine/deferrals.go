package engine

import (
	"context"
	"database/sql"

	"trunkline/internal/domain"
)

// SubmitDeferral records follow-up work discovered while building slug.
func (e Engine) SubmitDeferral(ctx context.Context, slug string, d domain.Deferral, actorID string) (domain.Deferral, error) {
	var out domain.Deferral
	err := e.write(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		if phase := s.phase(); phase != domain.PhaseBuild && phase != domain.PhaseFix {
			return notEligible(slug, phase, "submit deferral", "only during build or fix")
		}
		out, err = e.deferrals().Submit(ctx, tx, s.item, d, actorID)
		return err
	})
	return out, err
}

// ProcessDeferrals applies slug's pending deferrals in one transaction. It
// is a no-op once they have been applied.
func (e Engine) ProcessDeferrals(ctx context.Context, slug, actorID string) ([]domain.WorkItem, error) {
	ctx, end := e.Metrics.Start(ctx, "process_deferrals")
	var created []domain.WorkItem
	err := e.write(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		switch phase := s.phase(); {
		case phase == domain.PhaseDeferralReview:
		case phase == domain.PhaseFinalize && s.pending == 0:
			created = nil
			return nil
		default:
			return notEligible(slug, phase, "process deferrals", "review not approved")
		}
		created, err = e.deferrals().Process(ctx, tx, slug, actorID)
		return err
	})
	end(err)
	return created, err
}

func (e Engine) ListDeferrals(ctx context.Context, slug string, pendingOnly bool) ([]domain.Deferral, error) {
	return e.Repo.ListDeferrals(ctx, nil, slug, pendingOnly)
}
