// Package deferral turns follow-up work recorded during a build into new
// backlog items once the origin item's review is approved.
package deferral

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/logging"
	"trunkline/internal/repo"
)

const maxSlugLen = 48

var ErrInvalidDeferral = errors.New("invalid deferral")

type Processor struct {
	Repo   repo.Repo
	Events events.Writer
	Logger *logging.Logger
	Now    func() time.Time
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Submit records d against origin and marks origin's deferrals as needing
// processing again. The caller checks origin's phase.
func (p Processor) Submit(ctx context.Context, tx *sql.Tx, origin domain.WorkItem, d domain.Deferral, actor string) (domain.Deferral, error) {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return domain.Deferral{}, fmt.Errorf("%w: title required", ErrInvalidDeferral)
	}
	if d.SuggestedOutcome == "" {
		d.SuggestedOutcome = domain.OutcomeNewTodo
	}
	if d.SuggestedOutcome != domain.OutcomeNewTodo && d.SuggestedOutcome != domain.OutcomeNoop {
		return domain.Deferral{}, fmt.Errorf("%w: suggested outcome %q", ErrInvalidDeferral, d.SuggestedOutcome)
	}
	d.ID = uuid.NewString()
	d.OriginSlug = origin.Slug
	d.CreatedAt = p.now().Format(time.RFC3339Nano)
	d.ConsumedAt = nil
	d.CreatedSlug = ""
	if err := p.Repo.InsertDeferralTx(ctx, tx, d); err != nil {
		return domain.Deferral{}, err
	}
	if origin.DeferralsProcessed {
		origin.DeferralsProcessed = false
		origin.UpdatedAt = d.CreatedAt
		if _, err := p.Repo.UpdateWorkItemTx(ctx, tx, origin); err != nil {
			return domain.Deferral{}, err
		}
	}
	if err := p.Events.Append(ctx, tx, events.DeferralSubmitted, "item", origin.Slug, actor, events.EventPayload{
		"deferral_id": d.ID, "title": d.Title, "suggested_outcome": string(d.SuggestedOutcome),
	}); err != nil {
		return domain.Deferral{}, err
	}
	return d, nil
}

// Process applies every unconsumed deferral of origin inside tx: NEW_TODO
// entries become backlog items, NOOP entries are dropped, all are marked
// consumed and origin's deferrals_processed flag is set. Running it again
// finds nothing pending and changes nothing.
func (p Processor) Process(ctx context.Context, tx *sql.Tx, origin string, actor string) ([]domain.WorkItem, error) {
	item, err := p.Repo.GetWorkItem(ctx, tx, origin)
	if err != nil {
		return nil, err
	}
	pending, err := p.Repo.ListDeferrals(ctx, tx, origin, true)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 && item.DeferralsProcessed {
		return nil, nil
	}
	backlog, err := p.Repo.GetBacklog(ctx, tx)
	if err != nil {
		return nil, err
	}
	existing, err := p.Repo.ListWorkItems(ctx, tx)
	if err != nil {
		return nil, err
	}
	// finalized slugs stay retired
	taken, err := p.Repo.EntityIDsWithEvent(ctx, tx, events.ItemRemoved, "item")
	if err != nil {
		return nil, err
	}
	for slug := range existing {
		taken[slug] = true
	}
	for _, e := range backlog.Entries {
		taken[e.Slug] = true
	}
	group := ""
	if e, ok := backlog.Entry(origin); ok {
		group = e.Group
	}

	now := p.now()
	ts := now.Format(time.RFC3339Nano)
	next := backlog.Clone()
	var created []domain.WorkItem
	for _, d := range pending {
		createdSlug := ""
		if d.SuggestedOutcome == domain.OutcomeNewTodo {
			slug := Uniquify(Slugify(d.Title), taken)
			taken[slug] = true
			entry := domain.BacklogEntry{Slug: slug, Group: group}
			if strings.TrimSpace(d.DecisionNeeded) != "" {
				entry.DependsOn = []string{origin}
			}
			next.Entries = append(next.Entries, entry)
			it, err := p.Repo.InsertWorkItemTx(ctx, tx, domain.WorkItem{
				Slug:             slug,
				Description:      describe(d),
				BuildStatus:      domain.BuildPending,
				ReviewStatus:     domain.ReviewPending,
				ReadinessVerdict: domain.VerdictUnassessed,
				CreatedAt:        ts,
				UpdatedAt:        ts,
			})
			if err != nil {
				return nil, err
			}
			it.Group = entry.Group
			it.DependsOn = append([]string{}, entry.DependsOn...)
			created = append(created, it)
			createdSlug = slug
		}
		if err := p.Repo.ConsumeDeferralTx(ctx, tx, d.ID, ts, createdSlug); err != nil {
			return nil, err
		}
	}
	if len(created) > 0 {
		if _, err := p.Repo.SaveBacklogTx(ctx, tx, next, now); err != nil {
			return nil, err
		}
	}
	item.DeferralsProcessed = true
	item.UpdatedAt = ts
	if _, err := p.Repo.UpdateWorkItemTx(ctx, tx, item); err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(created))
	for _, it := range created {
		slugs = append(slugs, it.Slug)
	}
	if err := p.Events.Append(ctx, tx, events.DeferralsApplied, "item", origin, actor, events.EventPayload{
		"consumed": len(pending), "created": slugs,
	}); err != nil {
		return nil, err
	}
	logging.OrNop(p.Logger).WithComponent("deferral").Info("deferrals processed",
		"slug", origin, "consumed", len(pending), "created", len(created))
	return created, nil
}

func describe(d domain.Deferral) string {
	var b strings.Builder
	b.WriteString(d.Title)
	if d.Reason != "" {
		b.WriteString("\n\nReason: " + d.Reason)
	}
	if d.DecisionNeeded != "" {
		b.WriteString("\n\nDecision needed: " + d.DecisionNeeded)
	}
	b.WriteString("\n\nDeferred from " + d.OriginSlug)
	return b.String()
}

// Slugify reduces title to lowercase ASCII words joined by dashes.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		return "deferral"
	}
	return s
}

// Uniquify appends -2, -3, ... to base until it is not taken.
func Uniquify(base string, taken map[string]bool) string {
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		s := base + "-" + strconv.Itoa(i)
		if !taken[s] {
			return s
		}
	}
}
