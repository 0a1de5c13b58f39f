// Package finalize guards integration onto the trunk. A finalize attempt
// takes the trunk-wide lock first and only then inspects the trunk; any
// doubt about the trunk's state blocks the attempt.
package finalize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trunkline/internal/db"
	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/logging"
	"trunkline/internal/repo"
)

type ReasonCode string

const (
	CodeLocked            ReasonCode = "LOCKED"
	CodeDirty             ReasonCode = "DIRTY"
	CodeDiverged          ReasonCode = "DIVERGED"
	CodeGitStateUnknown   ReasonCode = "GIT_STATE_UNKNOWN"
	CodeIntegrationFailed ReasonCode = "INTEGRATION_FAILED"
)

var ErrBlocked = errors.New("finalize blocked")

// BlockedError explains why a finalize attempt may not proceed.
type BlockedError struct {
	Slug       string     `json:"slug"`
	Code       ReasonCode `json:"code"`
	Detail     string     `json:"detail,omitempty"`
	Holder     string     `json:"holder,omitempty"`
	DirtyPaths []string   `json:"dirty_paths,omitempty"`

	// ChangedPaths are change-set paths the trunk also changed since the
	// integration base.
	ChangedPaths []string `json:"changed_paths,omitempty"`
}

func (e *BlockedError) Error() string {
	msg := fmt.Sprintf("finalize %s blocked: %s", e.Slug, e.Code)
	if e.Holder != "" {
		msg += " (held by " + e.Holder + ")"
	}
	switch {
	case len(e.DirtyPaths) > 0:
		msg += ": " + strings.Join(e.DirtyPaths, ", ")
	case len(e.ChangedPaths) > 0:
		msg += ": trunk also changed " + strings.Join(e.ChangedPaths, ", ")
	case e.Detail != "":
		msg += ": " + e.Detail
	}
	return msg
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Paths reports the paths a block is about.
func (e *BlockedError) Paths() []string {
	if len(e.DirtyPaths) > 0 {
		return e.DirtyPaths
	}
	return e.ChangedPaths
}

// Inspector reads the trunk. Both methods must fail rather than guess.
// ChangedSince lists paths that differ between base and the trunk.
type Inspector interface {
	DirtyPaths(ctx context.Context) ([]string, error)
	ChangedSince(ctx context.Context, base string) ([]string, error)
}

type Liveness interface {
	IsAlive(ctx context.Context, ownerID string) (bool, error)
}

// Attempt describes one finalize try for an item.
type Attempt struct {
	Slug      string
	HolderID  string
	Base      string
	ChangeSet []string
}

type Result struct {
	Safe bool                `json:"safe"`
	Lock domain.FinalizeLock `json:"lock"`
}

type Gate struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Inspector Inspector
	Liveness  Liveness
	Logger    *logging.Logger
	Now       func() time.Time
	// Ignore lists path prefixes never counted as dirty, such as the
	// state store's own directory.
	Ignore []string
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

// CheckPreconditions takes the finalize lock and inspects the trunk. On
// Safe the lock stays held and the caller must finish with Complete or
// Abort. On a blocked answer the lock is already released.
func (g Gate) CheckPreconditions(ctx context.Context, a Attempt) (Result, error) {
	lock, err := g.lock(ctx, a)
	if err != nil {
		return Result{}, err
	}
	if berr := g.inspect(ctx, a); berr != nil {
		if err := g.Abort(ctx, lock, berr); err != nil {
			return Result{}, errors.Join(berr, err)
		}
		return Result{Lock: lock}, berr
	}
	if err := g.write(ctx, func(tx *sql.Tx) error {
		return g.Events.Append(ctx, tx, events.FinalizeSafe, "item", a.Slug, a.HolderID, events.EventPayload{"attempt_id": lock.AttemptID})
	}); err != nil {
		_ = g.Abort(ctx, lock, nil)
		return Result{}, err
	}
	return Result{Safe: true, Lock: lock}, nil
}

func (g Gate) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.RetryBusy(ctx, func() error {
		tx, err := g.DB.BeginTx(ctx, nil)
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

func (g Gate) lock(ctx context.Context, a Attempt) (domain.FinalizeLock, error) {
	var held domain.FinalizeLock
	err := g.write(ctx, func(tx *sql.Tx) error {
		cur, err := g.Repo.GetFinalizeLock(ctx, tx)
		if err != nil {
			return err
		}
		if cur.Held() {
			alive, err := g.holderAlive(ctx, cur.HolderID)
			if err != nil {
				return err
			}
			if alive {
				return &BlockedError{Slug: a.Slug, Code: CodeLocked, Holder: cur.HolderID,
					Detail: fmt.Sprintf("attempt %s for %s since %s", cur.AttemptID, cur.Slug, cur.AcquiredAt)}
			}
			g.log().Warn("reclaiming finalize lock from dead holder", "holder", cur.HolderID, "attempt", cur.AttemptID)
			if err := g.Events.Append(ctx, tx, events.FinalizeUnlock, "finalize", cur.AttemptID, a.HolderID, events.EventPayload{
				"holder": cur.HolderID, "slug": cur.Slug, "reason": string(domain.ReleaseLivenessLoss),
			}); err != nil {
				return err
			}
		}
		next := domain.FinalizeLock{
			HolderID:   a.HolderID,
			AttemptID:  uuid.NewString(),
			Slug:       a.Slug,
			AcquiredAt: g.now().Format(time.RFC3339Nano),
			Version:    cur.Version,
		}
		held, err = g.Repo.SaveFinalizeLockTx(ctx, tx, next)
		if err != nil {
			return err
		}
		return g.Events.Append(ctx, tx, events.FinalizeLocked, "item", a.Slug, a.HolderID, events.EventPayload{"attempt_id": held.AttemptID})
	})
	return held, err
}

func (g Gate) holderAlive(ctx context.Context, holder string) (bool, error) {
	if g.Liveness == nil {
		return true, nil
	}
	alive, err := g.Liveness.IsAlive(ctx, holder)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, nil
	}
	return alive, nil
}

// inspect runs the dirty and divergence checks side by side and returns
// nil only when both answered and both were clean. The trunk moving past
// the base is only divergence when it touched the item's change set.
func (g Gate) inspect(ctx context.Context, a Attempt) *BlockedError {
	if g.Inspector == nil {
		return &BlockedError{Slug: a.Slug, Code: CodeGitStateUnknown, Detail: "no trunk inspector configured"}
	}
	var dirty []string
	var changed []string
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		paths, err := g.Inspector.DirtyPaths(gctx)
		if err != nil {
			return fmt.Errorf("dirty paths: %w", err)
		}
		dirty = paths
		return nil
	})
	eg.Go(func() error {
		if a.Base == "" {
			return errors.New("no integration base recorded")
		}
		paths, err := g.Inspector.ChangedSince(gctx, a.Base)
		if err != nil {
			return fmt.Errorf("divergence: %w", err)
		}
		changed = paths
		return nil
	})
	if err := eg.Wait(); err != nil {
		return &BlockedError{Slug: a.Slug, Code: CodeGitStateUnknown, Detail: err.Error()}
	}
	if outside := g.outsideChangeSet(dirty, a.ChangeSet); len(outside) > 0 {
		return &BlockedError{Slug: a.Slug, Code: CodeDirty, DirtyPaths: outside}
	}
	if overlap := Overlap(changed, a.ChangeSet); len(overlap) > 0 {
		return &BlockedError{Slug: a.Slug, Code: CodeDiverged, ChangedPaths: overlap,
			Detail: "trunk changed the item's paths since " + a.Base}
	}
	return nil
}

// Overlap returns the changed paths that are also in changeSet, sorted.
func Overlap(changed, changeSet []string) []string {
	own := make(map[string]struct{}, len(changeSet))
	for _, p := range changeSet {
		own[strings.TrimPrefix(p, "./")] = struct{}{}
	}
	var out []string
	for _, p := range changed {
		if _, ok := own[strings.TrimPrefix(p, "./")]; ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (g Gate) outsideChangeSet(dirty, changeSet []string) []string {
	own := make(map[string]struct{}, len(changeSet))
	for _, p := range changeSet {
		own[p] = struct{}{}
	}
	var out []string
	for _, p := range dirty {
		p = strings.TrimPrefix(p, "./")
		if _, ok := own[p]; ok {
			continue
		}
		if g.ignored(p) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (g Gate) ignored(p string) bool {
	for _, prefix := range g.Ignore {
		if prefix != "" && (p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, prefix)) {
			return true
		}
	}
	return false
}

// Abort releases lock after a failed attempt. With a cause, the block is
// recorded against the item and stands until it is cleared.
func (g Gate) Abort(ctx context.Context, lock domain.FinalizeLock, cause *BlockedError) error {
	return g.write(ctx, func(tx *sql.Tx) error {
		if err := g.UnlockTx(ctx, tx, lock); err != nil {
			return err
		}
		if cause == nil {
			return nil
		}
		g.log().Info("finalize blocked", "slug", cause.Slug, "code", string(cause.Code), "detail", cause.Detail)
		if err := g.Repo.SaveFinalizeBlockTx(ctx, tx, domain.FinalizeBlock{
			Slug:      cause.Slug,
			AttemptID: lock.AttemptID,
			Code:      string(cause.Code),
			Detail:    cause.Detail,
			Holder:    cause.Holder,
			Paths:     cause.Paths(),
			BlockedAt: g.now().Format(time.RFC3339Nano),
		}); err != nil {
			return err
		}
		return g.Events.Append(ctx, tx, events.FinalizeBlocked, "item", cause.Slug, lock.HolderID, events.EventPayload{
			"attempt_id": lock.AttemptID, "code": string(cause.Code), "detail": cause.Detail,
			"dirty_paths": cause.DirtyPaths, "changed_paths": cause.ChangedPaths, "holder": cause.Holder,
		})
	})
}

// UnlockTx clears lock if it is still the current attempt. A lock taken
// over by someone else is left alone.
func (g Gate) UnlockTx(ctx context.Context, tx *sql.Tx, lock domain.FinalizeLock) error {
	cur, err := g.Repo.GetFinalizeLock(ctx, tx)
	if err != nil {
		return err
	}
	if cur.AttemptID != lock.AttemptID {
		return nil
	}
	if _, err := g.Repo.SaveFinalizeLockTx(ctx, tx, domain.FinalizeLock{Version: cur.Version}); err != nil {
		return err
	}
	return g.Events.Append(ctx, tx, events.FinalizeUnlock, "finalize", lock.AttemptID, lock.HolderID, events.EventPayload{"slug": lock.Slug})
}

func (g Gate) log() *logging.Logger {
	return logging.OrNop(g.Logger).WithComponent("finalize")
}
