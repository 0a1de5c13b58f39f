package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trunkline/internal/config"
	"trunkline/internal/db"
	"trunkline/internal/deferral"
	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/finalize"
	"trunkline/internal/lease"
	"trunkline/internal/logging"
	"trunkline/internal/repo"
	"trunkline/internal/telemetry"
)

var (
	ErrNotEligible   = errors.New("not eligible")
	ErrLeaseRequired = errors.New("lease required")
	ErrItemExists    = errors.New("item already exists")
	ErrSlugRetired   = errors.New("slug belongs to a finalized item")
	ErrNoScorer      = errors.New("no readiness scorer configured")
	ErrInvalidReport = errors.New("invalid outcome report")
)

// NotEligibleError is returned when a report or command does not fit the
// item's current phase. State is left unchanged.
type NotEligibleError struct {
	Slug   string       `json:"slug"`
	Phase  domain.Phase `json:"phase"`
	Action string       `json:"action"`
	Reason string       `json:"reason,omitempty"`
}

func (e *NotEligibleError) Error() string {
	msg := fmt.Sprintf("%s: %s not allowed in phase %s", e.Slug, e.Action, e.Phase)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

func notEligible(slug string, phase domain.Phase, action, reason string) error {
	return &NotEligibleError{Slug: slug, Phase: phase, Action: action, Reason: reason}
}

// Liveness tells whether an owner process can still act on what it holds.
type Liveness interface {
	IsAlive(ctx context.Context, ownerID string) (bool, error)
}

// TrunkInspector reads the shared trunk. It must fail rather than guess.
type TrunkInspector interface {
	DirtyPaths(ctx context.Context) ([]string, error)
	ChangedSince(ctx context.Context, base string) ([]string, error)
}

// HeadReader is implemented by inspectors that can name the trunk's
// current revision; it supplies the integration base when a build start
// does not carry one.
type HeadReader interface {
	Head(ctx context.Context) (string, error)
}

// Scorer supplies a readiness score and verdict for an item.
type Scorer interface {
	Score(ctx context.Context, slug string) (int, domain.Verdict, error)
}

// Integrator lands an item's change set on the trunk.
type Integrator interface {
	Integrate(ctx context.Context, item domain.WorkItem) error
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Logger     *logging.Logger
	Metrics    *telemetry.Metrics
	Liveness   Liveness
	Inspector  TrunkInspector
	Scorer     Scorer
	Integrator Integrator
	// IgnoreDirty lists trunk path prefixes never counted as dirty.
	IgnoreDirty []string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Now:         time.Now,
		IgnoreDirty: []string{".trunkline/"},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339Nano)
}

func (e Engine) log() *logging.Logger {
	return logging.OrNop(e.Logger).WithComponent("engine")
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) leases() lease.Manager {
	return lease.Manager{Repo: e.Repo, Events: e.events(), Liveness: e.Liveness, Logger: e.Logger, Now: e.now}
}

func (e Engine) gate() finalize.Gate {
	return finalize.Gate{
		DB:        e.DB,
		Repo:      e.Repo,
		Events:    e.events(),
		Inspector: e.Inspector,
		Liveness:  e.Liveness,
		Logger:    e.Logger,
		Now:       e.now,
		Ignore:    e.IgnoreDirty,
	}
}

func (e Engine) deferrals() deferral.Processor {
	return deferral.Processor{Repo: e.Repo, Events: e.events(), Logger: e.Logger, Now: e.now}
}

// write runs fn in one transaction, retrying the whole transaction while
// the store is busy.
func (e Engine) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.RetryBusy(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// read runs fn against one consistent snapshot and never commits.
func (e Engine) read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.RetryBusy(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		return fn(tx)
	})
}

// snapshot is everything phase derivation needs about one item.
type snapshot struct {
	backlog domain.Backlog
	item    domain.WorkItem
	exists  bool
	pending int
}

func (s snapshot) phase() domain.Phase {
	if !s.exists {
		return domain.PhaseRemoved
	}
	return DerivePhase(s.item, s.backlog, s.pending)
}

func (e Engine) load(ctx context.Context, q repo.Querier, slug string) (snapshot, error) {
	var s snapshot
	b, err := e.Repo.GetBacklog(ctx, q)
	if err != nil {
		return s, err
	}
	s.backlog = b
	it, err := e.Repo.GetWorkItem(ctx, q, slug)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if b.Contains(slug) {
			return s, fmt.Errorf("backlog lists %s but its record is missing: %w", slug, repo.ErrNotFound)
		}
		return s, nil
	case err != nil:
		return s, err
	}
	b.Hydrate(&it)
	s.item = it
	s.exists = b.Contains(slug)
	ds, err := e.Repo.ListDeferrals(ctx, q, slug, true)
	if err != nil {
		return s, err
	}
	s.pending = len(ds)
	return s, nil
}

// mustLoad is load for commands that need the item to exist.
func (e Engine) mustLoad(ctx context.Context, q repo.Querier, slug string) (snapshot, error) {
	s, err := e.load(ctx, q, slug)
	if err != nil {
		return s, err
	}
	if !s.exists && s.item.Slug == "" {
		return s, fmt.Errorf("work item %s: %w", slug, repo.ErrNotFound)
	}
	return s, nil
}

func (e Engine) saveItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) (domain.WorkItem, error) {
	deps, group := it.DependsOn, it.Group
	it.UpdatedAt = e.stamp()
	saved, err := e.Repo.UpdateWorkItemTx(ctx, tx, it)
	if err != nil {
		return domain.WorkItem{}, err
	}
	saved.DependsOn, saved.Group = deps, group
	return saved, nil
}
