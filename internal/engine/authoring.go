package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"trunkline/internal/config"
	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/graph"
	"trunkline/internal/repo"
)

func newID() string {
	return uuid.NewString()
}

func actorOr(ids ...string) string {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return "system"
}

// ItemView is a work item with its derived state.
type ItemView struct {
	domain.WorkItem
	Phase            domain.Phase `json:"phase"`
	Eligible         bool         `json:"eligible"`
	Blockers         []string     `json:"blockers,omitempty"`
	PendingDeferrals int          `json:"pending_deferrals"`
}

type AddItemOptions struct {
	Slug        string
	Group       string
	Description string
	DependsOn   []string
	ActorID     string
}

// AddItem appends a new item to the backlog.
func (e Engine) AddItem(ctx context.Context, opts AddItemOptions) (domain.WorkItem, error) {
	if !config.ValidSlug(opts.Slug) {
		return domain.WorkItem{}, fmt.Errorf("invalid slug %q", opts.Slug)
	}
	var out domain.WorkItem
	err := e.write(ctx, func(tx *sql.Tx) error {
		b, err := e.Repo.GetBacklog(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := e.Repo.GetWorkItem(ctx, tx, opts.Slug); err == nil || b.Contains(opts.Slug) {
			return fmt.Errorf("%s: %w", opts.Slug, ErrItemExists)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		retired, err := e.Repo.EntityIDsWithEvent(ctx, tx, events.ItemRemoved, "item")
		if err != nil {
			return err
		}
		if retired[opts.Slug] {
			return fmt.Errorf("%s: %w", opts.Slug, ErrSlugRetired)
		}
		next := b.Clone()
		next.Entries = append(next.Entries, domain.BacklogEntry{Slug: opts.Slug, Group: opts.Group})
		g := graph.New(next, nil)
		for _, dep := range opts.DependsOn {
			if err := g.AddEdge(opts.Slug, dep); err != nil {
				return err
			}
		}
		next.Entries = g.Entries()
		if _, err := e.Repo.SaveBacklogTx(ctx, tx, next, e.now()); err != nil {
			return err
		}
		out, err = e.insertItem(ctx, tx, opts.Slug, opts.Description)
		if err != nil {
			return err
		}
		next.Hydrate(&out)
		return e.events().Append(ctx, tx, events.ItemAdded, "item", opts.Slug, opts.ActorID, events.EventPayload{
			"group": opts.Group, "depends_on": out.DependsOn,
		})
	})
	return out, err
}

func (e Engine) insertItem(ctx context.Context, tx *sql.Tx, slug, description string) (domain.WorkItem, error) {
	ts := e.stamp()
	return e.Repo.InsertWorkItemTx(ctx, tx, domain.WorkItem{
		Slug:             slug,
		Description:      description,
		BuildStatus:      domain.BuildPending,
		ReviewStatus:     domain.ReviewPending,
		ReadinessVerdict: domain.VerdictUnassessed,
		TouchedPaths:     []string{},
		CreatedAt:        ts,
		UpdatedAt:        ts,
	})
}

// AddDependency makes from wait until to leaves the backlog. An edge that
// would close a cycle is rejected and nothing is written.
func (e Engine) AddDependency(ctx context.Context, from, to, actorID string) (domain.Backlog, error) {
	var out domain.Backlog
	err := e.write(ctx, func(tx *sql.Tx) error {
		b, err := e.Repo.GetBacklog(ctx, tx)
		if err != nil {
			return err
		}
		g := graph.New(b, nil)
		if err := g.AddEdge(from, to); err != nil {
			return err
		}
		next := b.Clone()
		next.Entries = g.Entries()
		out, err = e.Repo.SaveBacklogTx(ctx, tx, next, e.now())
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ItemDependencyAdded, "item", from, actorID, events.EventPayload{"depends_on": to})
	})
	return out, err
}

// ImportResult lists what an import did per slug.
type ImportResult struct {
	Added     []string `json:"added"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Completed []string `json:"completed"`
}

// ImportBacklog merges an authoring file into the backlog. It adds new
// items and new dependencies, updates groups and descriptions, and never
// removes anything. Items that were already finalized are skipped.
// Importing the same file twice changes nothing the second time.
func (e Engine) ImportBacklog(ctx context.Context, file *config.BacklogFile, actorID string) (ImportResult, error) {
	if err := file.Validate(); err != nil {
		return ImportResult{}, err
	}
	completed := map[string]bool{}
	for _, it := range file.Items {
		ev, err := e.Repo.LatestEvents(ctx, 1, events.ItemRemoved, "item", it.Slug)
		if err != nil {
			return ImportResult{}, err
		}
		if len(ev) > 0 {
			completed[it.Slug] = true
		}
	}

	var res ImportResult
	err := e.write(ctx, func(tx *sql.Tx) error {
		res = ImportResult{}
		b, err := e.Repo.GetBacklog(ctx, tx)
		if err != nil {
			return err
		}
		items, err := e.Repo.ListWorkItems(ctx, tx)
		if err != nil {
			return err
		}
		next := b.Clone()
		var added []config.BacklogItem
		var updated []domain.WorkItem
		for _, fi := range file.Items {
			if completed[fi.Slug] && !b.Contains(fi.Slug) {
				res.Completed = append(res.Completed, fi.Slug)
				continue
			}
			i := next.Index(fi.Slug)
			if i < 0 {
				if _, ok := items[fi.Slug]; ok {
					return fmt.Errorf("%s has a record but no backlog entry", fi.Slug)
				}
				next.Entries = append(next.Entries, domain.BacklogEntry{Slug: fi.Slug, Group: fi.Group})
				added = append(added, fi)
				res.Added = append(res.Added, fi.Slug)
				continue
			}
			changed := false
			if fi.Group != "" && next.Entries[i].Group != fi.Group {
				next.Entries[i].Group = fi.Group
				changed = true
			}
			it := items[fi.Slug]
			if fi.Description != "" && it.Description != fi.Description {
				it.Description = fi.Description
				updated = append(updated, it)
				changed = true
			}
			for _, dep := range fi.DependsOn {
				if !containsString(next.Entries[i].DependsOn, dep) && !completed[dep] {
					changed = true
				}
			}
			if changed {
				res.Updated = append(res.Updated, fi.Slug)
			} else {
				res.Unchanged = append(res.Unchanged, fi.Slug)
			}
		}

		g := graph.New(next, nil)
		for _, fi := range file.Items {
			if completed[fi.Slug] && !b.Contains(fi.Slug) {
				continue
			}
			for _, dep := range fi.DependsOn {
				if completed[dep] && !next.Contains(dep) {
					continue
				}
				if err := g.AddEdge(fi.Slug, dep); err != nil {
					return err
				}
			}
		}
		if err := g.Validate(); err != nil {
			return err
		}
		if len(res.Added) == 0 && len(res.Updated) == 0 {
			return nil
		}
		next.Entries = g.Entries()
		if _, err := e.Repo.SaveBacklogTx(ctx, tx, next, e.now()); err != nil {
			return err
		}
		for _, fi := range added {
			if _, err := e.insertItem(ctx, tx, fi.Slug, fi.Description); err != nil {
				return err
			}
		}
		for _, it := range updated {
			if _, err := e.saveItem(ctx, tx, it); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.BacklogImported, "backlog", "", actorID, events.EventPayload{
			"added": res.Added, "updated": res.Updated,
		})
	})
	return res, err
}

// ImportBacklogFile loads path and imports it.
func (e Engine) ImportBacklogFile(ctx context.Context, path, actorID string) (ImportResult, error) {
	file, err := config.LoadBacklog(path)
	if err != nil {
		return ImportResult{}, err
	}
	return e.ImportBacklog(ctx, file, actorID)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ListItems returns every backlog item in backlog order.
func (e Engine) ListItems(ctx context.Context) ([]ItemView, error) {
	var out []ItemView
	err := e.read(ctx, func(tx *sql.Tx) error {
		out = nil
		b, err := e.Repo.GetBacklog(ctx, tx)
		if err != nil {
			return err
		}
		items, err := e.Repo.ListWorkItems(ctx, tx)
		if err != nil {
			return err
		}
		pending, err := e.Repo.CountPendingDeferrals(ctx, tx)
		if err != nil {
			return err
		}
		g := graph.New(b, items)
		for _, entry := range b.Entries {
			it, ok := items[entry.Slug]
			if !ok {
				return fmt.Errorf("backlog lists %s but its record is missing: %w", entry.Slug, repo.ErrNotFound)
			}
			b.Hydrate(&it)
			out = append(out, ItemView{
				WorkItem:         it,
				Phase:            DerivePhase(it, b, pending[it.Slug]),
				Eligible:         g.Eligible(it.Slug),
				Blockers:         g.Blockers(it.Slug),
				PendingDeferrals: pending[it.Slug],
			})
		}
		return nil
	})
	return out, err
}

// GetItem returns one item with its derived state.
func (e Engine) GetItem(ctx context.Context, slug string) (ItemView, error) {
	var out ItemView
	err := e.read(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		items := map[string]domain.WorkItem{slug: s.item}
		g := graph.New(s.backlog, items)
		out = ItemView{
			WorkItem:         s.item,
			Phase:            s.phase(),
			Eligible:         g.Eligible(slug),
			Blockers:         g.Blockers(slug),
			PendingDeferrals: s.pending,
		}
		return nil
	})
	return out, err
}

// Ready lists items that may start now, in backlog order. Items already
// past the build start are not listed.
func (e Engine) Ready(ctx context.Context) ([]string, error) {
	views, err := e.ListItems(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range views {
		if v.Eligible && v.BuildStatus == domain.BuildPending && v.Phase == domain.PhaseBuild {
			out = append(out, v.Slug)
		}
	}
	return out, nil
}

// Assess asks the configured scorer about slug and records the answer. A
// scorer failure leaves the item untouched.
func (e Engine) Assess(ctx context.Context, slug, actorID string) (domain.WorkItem, error) {
	if e.Scorer == nil {
		return domain.WorkItem{}, ErrNoScorer
	}
	if _, err := e.gatePhase(ctx, slug); err != nil {
		return domain.WorkItem{}, err
	}
	score, verdict, err := e.Scorer.Score(ctx, slug)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("score %s: %w", slug, err)
	}
	var out domain.WorkItem
	err = e.write(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		if phase := s.phase(); phase != domain.PhaseGate && phase != domain.PhaseDraft {
			return notEligible(slug, phase, "assess", "")
		}
		out, err = e.recordReadiness(ctx, tx, s, score, verdict, nil, actorOr(actorID, "scorer"))
		return err
	})
	return out, err
}

func (e Engine) gatePhase(ctx context.Context, slug string) (domain.Phase, error) {
	var phase domain.Phase
	err := e.read(ctx, func(tx *sql.Tx) error {
		s, err := e.mustLoad(ctx, tx, slug)
		if err != nil {
			return err
		}
		phase = s.phase()
		if phase != domain.PhaseGate && phase != domain.PhaseDraft {
			return notEligible(slug, phase, "assess", "")
		}
		return nil
	})
	return phase, err
}

// RegisterWorker records a worker's process so its liveness can be probed.
func (e Engine) RegisterWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	w.ID = strings.TrimSpace(w.ID)
	if w.ID == "" {
		return domain.Worker{}, errors.New("worker id required")
	}
	var out domain.Worker
	err := e.write(ctx, func(tx *sql.Tx) error {
		ts := e.stamp()
		w.LastSeenAt = ts
		if w.RegisteredAt == "" {
			w.RegisteredAt = ts
		}
		var err error
		out, err = e.Repo.UpsertWorkerTx(ctx, tx, w)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.WorkerRegistered, "worker", w.ID, w.ID, events.EventPayload{"pid": w.PID, "host": w.Host})
	})
	return out, err
}

// State is every record in the store, for inspection.
type State struct {
	Backlog        domain.Backlog         `json:"backlog" yaml:"backlog"`
	Items          []ItemView             `json:"items" yaml:"items"`
	Leases         []domain.FileLease     `json:"leases" yaml:"leases"`
	Deferrals      []domain.Deferral      `json:"deferrals" yaml:"deferrals"`
	Finalize       domain.FinalizeLock    `json:"finalize_lock" yaml:"finalize_lock"`
	FinalizeBlocks []domain.FinalizeBlock `json:"finalize_blocks" yaml:"finalize_blocks"`
	Workers        []domain.Worker        `json:"workers" yaml:"workers"`
	LastEventID    int64                  `json:"last_event_id" yaml:"last_event_id"`
}

func (e Engine) Snapshot(ctx context.Context) (State, error) {
	var st State
	var err error
	if st.Items, err = e.ListItems(ctx); err != nil {
		return State{}, err
	}
	if st.Backlog, err = e.Repo.GetBacklog(ctx, nil); err != nil {
		return State{}, err
	}
	if st.Leases, err = e.Repo.ListLeases(ctx, nil, repo.LeaseFilter{}); err != nil {
		return State{}, err
	}
	if st.Deferrals, err = e.Repo.ListDeferrals(ctx, nil, "", false); err != nil {
		return State{}, err
	}
	if st.Finalize, err = e.Repo.GetFinalizeLock(ctx, nil); err != nil {
		return State{}, err
	}
	if st.FinalizeBlocks, err = e.Repo.ListFinalizeBlocks(ctx, nil); err != nil {
		return State{}, err
	}
	if st.Workers, err = e.Repo.ListWorkers(ctx); err != nil {
		return State{}, err
	}
	if st.LastEventID, err = e.Repo.LatestEventID(ctx); err != nil {
		return State{}, err
	}
	return st, nil
}
