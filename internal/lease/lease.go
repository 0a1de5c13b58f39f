// Package lease grants exclusive, liveness-bound ownership of repository
// paths. Every call runs inside the caller's transaction and returns
// immediately; waiting is always the caller's job.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"trunkline/internal/domain"
	"trunkline/internal/events"
	"trunkline/internal/logging"
	"trunkline/internal/repo"
)

// Contract values. They are not configurable.
const (
	RetryInterval = 180 * time.Second
	IdleWindow    = 30 * time.Second
)

var (
	ErrBlocked       = errors.New("lease blocked")
	ErrNotOwner      = errors.New("not the lease owner")
	ErrInvalidPath   = errors.New("invalid lease path")
	ErrInvalidReason = errors.New("invalid release reason")
	ErrOwnerRequired = errors.New("owner required")
)

// Liveness answers whether an owner can still release what it holds.
type Liveness interface {
	IsAlive(ctx context.Context, ownerID string) (bool, error)
}

type Decision string

const (
	Granted Decision = "granted"
	Denied  Decision = "denied"
	Blocked Decision = "blocked"
)

type Request struct {
	Path    string
	OwnerID string
	Slug    string
}

// Result is the answer to Acquire. For Denied, Wait is how long the caller
// must wait before its single retry and HeartbeatFirst asks it to emit one
// heartbeat before waiting.
type Result struct {
	Decision       Decision         `json:"decision" enum:"granted,denied,blocked"`
	Lease          domain.FileLease `json:"lease"`
	Owner          string           `json:"owner,omitempty"`
	Age            time.Duration    `json:"age,omitempty"`
	LastHeartbeat  time.Time        `json:"last_heartbeat,omitempty"`
	Wait           time.Duration    `json:"wait,omitempty"`
	HeartbeatFirst bool             `json:"heartbeat_first,omitempty"`
	Reclaimed      *Release         `json:"reclaimed,omitempty"`
}

// Release describes a lease returned to free.
type Release struct {
	Path    string               `json:"path"`
	OwnerID string               `json:"owner_id"`
	Slug    string               `json:"slug,omitempty"`
	Reason  domain.ReleaseReason `json:"reason"`
	HeldFor time.Duration        `json:"held_for"`
}

// BlockedError is the terminal answer of the contention protocol. It
// carries everything an operator needs to resolve the stall.
type BlockedError struct {
	Path          string        `json:"path"`
	Owner         string        `json:"owner"`
	OwnerSlug     string        `json:"owner_slug,omitempty"`
	Contender     string        `json:"contender"`
	Age           time.Duration `json:"age"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RetryInterval time.Duration `json:"retry_interval"`
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("lease on %s blocked: held by %s for %s (last heartbeat %s); %s retried after %s and was denied again",
		e.Path, e.Owner, e.Age.Round(time.Second), e.LastHeartbeat.UTC().Format(time.RFC3339), e.Contender, e.RetryInterval)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }

type Manager struct {
	Repo     repo.Repo
	Events   events.Writer
	Liveness Liveness
	Logger   *logging.Logger
	Now      func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Manager) log() *logging.Logger {
	return logging.OrNop(m.Logger).WithComponent("lease")
}

// NormalizePath cleans p into a slash-separated repository-relative path.
// Absolute paths and paths escaping the repository are rejected.
func NormalizePath(p string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.HasPrefix(raw, "/") || (len(raw) > 1 && raw[1] == ':') {
		return "", fmt.Errorf("%w: %s is absolute", ErrInvalidPath, p)
	}
	clean := path.Clean(raw)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s escapes the repository", ErrInvalidPath, p)
	}
	return clean, nil
}

func (m Manager) load(ctx context.Context, tx *sql.Tx, p string) (domain.FileLease, error) {
	l, err := m.Repo.GetLease(ctx, tx, p)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.FileLease{Path: p, State: domain.LeaseFree}, nil
	}
	return l, err
}

// idle reports whether an end-of-work signal has gone quiet for IdleWindow.
func idle(l domain.FileLease, now time.Time) bool {
	if !l.Held() || l.EndSignaledAt == nil {
		return false
	}
	since := *l.EndSignaledAt
	if last := l.LastActivity(); last.After(since) {
		since = last
	}
	return now.Sub(since) >= IdleWindow
}

// Acquire grants path to req.OwnerID when it is free or its owner is no
// longer live, and otherwise runs the contention protocol recorded on the
// lease. A second denial after the retry interval returns *BlockedError.
func (m Manager) Acquire(ctx context.Context, tx *sql.Tx, req Request) (Result, error) {
	p, err := NormalizePath(req.Path)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return Result{}, ErrOwnerRequired
	}
	now := m.now()
	l, err := m.load(ctx, tx, p)
	if err != nil {
		return Result{}, err
	}

	var reclaimed *Release
	if idle(l, now) {
		rel, freed, err := m.release(ctx, tx, l, domain.ReleaseIdleTimeout, req.OwnerID)
		if err != nil {
			return Result{}, err
		}
		l, reclaimed = freed, &rel
	}

	if l.Held() && l.OwnerID == req.OwnerID {
		return Result{Decision: Granted, Lease: l, Owner: l.OwnerID, Age: now.Sub(l.AcquiredAt), LastHeartbeat: l.LastHeartbeatAt}, nil
	}

	if l.Held() {
		alive, err := m.isAlive(ctx, l.OwnerID)
		if err != nil {
			return Result{}, err
		}
		if !alive {
			rel, freed, err := m.release(ctx, tx, l, domain.ReleaseLivenessLoss, req.OwnerID)
			if err != nil {
				return Result{}, err
			}
			l, reclaimed = freed, &rel
		}
	}

	if l.Held() {
		return m.deny(ctx, tx, l, req, now)
	}

	l.OwnerID = req.OwnerID
	l.Slug = req.Slug
	l.State = domain.LeaseOwned
	l.AcquiredAt = now
	l.LastHeartbeatAt = now
	l.LastMutationAt = nil
	l.EndSignaledAt = nil
	l.Contenders = nil
	saved, err := m.Repo.SaveLeaseTx(ctx, tx, l)
	if err != nil {
		return Result{}, err
	}
	if err := m.Events.Append(ctx, tx, events.LeaseAcquired, "lease", p, req.OwnerID, events.EventPayload{"slug": req.Slug}); err != nil {
		return Result{}, err
	}
	return Result{Decision: Granted, Lease: saved, Owner: req.OwnerID, LastHeartbeat: now, Reclaimed: reclaimed}, nil
}

// isAlive treats an oracle failure as live: the restrictive answer.
func (m Manager) isAlive(ctx context.Context, owner string) (bool, error) {
	if m.Liveness == nil {
		return true, nil
	}
	alive, err := m.Liveness.IsAlive(ctx, owner)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.log().Warn("liveness check failed; treating owner as live", "owner", owner, "error", err)
		return true, nil
	}
	return alive, nil
}

func (m Manager) deny(ctx context.Context, tx *sql.Tx, l domain.FileLease, req Request, now time.Time) (Result, error) {
	res := Result{
		Decision:      Denied,
		Owner:         l.OwnerID,
		Age:           now.Sub(l.AcquiredAt),
		LastHeartbeat: l.LastHeartbeatAt,
	}
	var current *domain.Contention
	for i := range l.Contenders {
		if l.Contenders[i].ContenderID == req.OwnerID {
			current = &l.Contenders[i]
			break
		}
	}
	blocked := &BlockedError{
		Path:          l.Path,
		Owner:         l.OwnerID,
		OwnerSlug:     l.Slug,
		Contender:     req.OwnerID,
		Age:           res.Age,
		LastHeartbeat: l.LastHeartbeatAt,
		RetryInterval: RetryInterval,
	}

	switch {
	case current == nil:
		c := domain.Contention{Path: l.Path, ContenderID: req.OwnerID, Slug: req.Slug, ContendedAt: now}
		if err := m.Repo.SaveContentionTx(ctx, tx, c); err != nil {
			return Result{}, err
		}
		l.Contenders = append(l.Contenders, c)
		res.Wait = RetryInterval
		res.HeartbeatFirst = true
		if err := m.Events.Append(ctx, tx, events.LeaseDenied, "lease", l.Path, req.OwnerID, events.EventPayload{
			"owner": l.OwnerID, "age_seconds": int64(res.Age / time.Second), "slug": req.Slug,
		}); err != nil {
			return Result{}, err
		}
	case current.Blocked():
		res.Decision = Blocked
		res.Lease = l
		return res, blocked
	case now.Sub(current.ContendedAt) < RetryInterval:
		res.Wait = RetryInterval - now.Sub(current.ContendedAt)
		res.Lease = l
		return res, nil
	default:
		at := now
		current.BlockedAt = &at
		if err := m.Repo.SaveContentionTx(ctx, tx, *current); err != nil {
			return Result{}, err
		}
		res.Decision = Blocked
		if err := m.Events.Append(ctx, tx, events.LeaseBlocked, "lease", l.Path, req.OwnerID, events.EventPayload{
			"owner": l.OwnerID, "owner_slug": l.Slug, "slug": current.Slug,
			"age_seconds": int64(res.Age / time.Second), "last_heartbeat": l.LastHeartbeatAt.Format(time.RFC3339),
			"retry_interval_seconds": int64(RetryInterval / time.Second),
		}); err != nil {
			return Result{}, err
		}
		m.log().Warn("lease contention blocked", "path", l.Path, "owner", l.OwnerID, "contender", req.OwnerID, "age", res.Age.String())
	}

	l.State = contentionState(l.Contenders)
	saved, err := m.Repo.SaveLeaseTx(ctx, tx, l)
	if err != nil {
		return Result{}, err
	}
	res.Lease = saved
	if res.Decision == Blocked {
		return res, blocked
	}
	return res, nil
}

func contentionState(cs []domain.Contention) domain.LeaseState {
	if len(cs) == 0 {
		return domain.LeaseOwned
	}
	for _, c := range cs {
		if c.Blocked() {
			return domain.LeaseBlocked
		}
	}
	return domain.LeaseContended
}

// Heartbeat records liveness for path. From the owner it refreshes the
// lease and withdraws any end-of-work signal; from a contender it is noted
// on the contention. Anyone else gets a logged no-op and false.
func (m Manager) Heartbeat(ctx context.Context, tx *sql.Tx, p, owner string) (bool, error) {
	p, err := NormalizePath(p)
	if err != nil {
		return false, err
	}
	now := m.now()
	l, err := m.load(ctx, tx, p)
	if err != nil {
		return false, err
	}
	if l.Held() && l.OwnerID == owner {
		l.LastHeartbeatAt = now
		l.EndSignaledAt = nil
		if _, err := m.Repo.SaveLeaseTx(ctx, tx, l); err != nil {
			return false, err
		}
		return true, m.Events.Append(ctx, tx, events.LeaseHeartbeat, "lease", p, owner, events.EventPayload{"role": "owner"})
	}
	for _, c := range l.Contenders {
		if c.ContenderID != owner {
			continue
		}
		at := now
		c.LastHeartbeatAt = &at
		if err := m.Repo.SaveContentionTx(ctx, tx, c); err != nil {
			return false, err
		}
		return true, m.Events.Append(ctx, tx, events.LeaseHeartbeat, "lease", p, owner, events.EventPayload{"role": "contender"})
	}
	m.log().Info("heartbeat ignored: not owner", "path", p, "caller", owner, "owner", l.OwnerID)
	return false, nil
}

// RecordMutation notes a write under the lease. It counts as activity and
// withdraws an end-of-work signal.
func (m Manager) RecordMutation(ctx context.Context, tx *sql.Tx, p, owner string) (domain.FileLease, error) {
	l, err := m.owned(ctx, tx, p, owner)
	if err != nil {
		return domain.FileLease{}, err
	}
	now := m.now()
	l.LastMutationAt = &now
	l.EndSignaledAt = nil
	return m.Repo.SaveLeaseTx(ctx, tx, l)
}

// EndWork records the owner's end-of-work signal. The lease stays held
// until released or until IdleWindow passes with no heartbeat or mutation.
func (m Manager) EndWork(ctx context.Context, tx *sql.Tx, p, owner string) (domain.FileLease, error) {
	l, err := m.owned(ctx, tx, p, owner)
	if err != nil {
		return domain.FileLease{}, err
	}
	now := m.now()
	l.EndSignaledAt = &now
	saved, err := m.Repo.SaveLeaseTx(ctx, tx, l)
	if err != nil {
		return domain.FileLease{}, err
	}
	return saved, m.Events.Append(ctx, tx, events.LeaseEndSignal, "lease", l.Path, owner, nil)
}

func (m Manager) owned(ctx context.Context, tx *sql.Tx, p, owner string) (domain.FileLease, error) {
	p, err := NormalizePath(p)
	if err != nil {
		return domain.FileLease{}, err
	}
	l, err := m.load(ctx, tx, p)
	if err != nil {
		return domain.FileLease{}, err
	}
	if !l.Held() || l.OwnerID != owner {
		return domain.FileLease{}, fmt.Errorf("%s held by %q: %w", p, l.OwnerID, ErrNotOwner)
	}
	return l, nil
}

// Release frees a lease held by owner.
func (m Manager) Release(ctx context.Context, tx *sql.Tx, p, owner string, reason domain.ReleaseReason) (Release, error) {
	if !reason.Valid() {
		return Release{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	l, err := m.owned(ctx, tx, p, owner)
	if err != nil {
		return Release{}, err
	}
	rel, _, err := m.release(ctx, tx, l, reason, owner)
	return rel, err
}

// ReleaseOwner frees every lease owner holds, limited to slug when set.
func (m Manager) ReleaseOwner(ctx context.Context, tx *sql.Tx, owner, slug string, reason domain.ReleaseReason) ([]Release, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	held, err := m.Repo.ListLeases(ctx, tx, repo.LeaseFilter{OwnerID: owner, Slug: slug, HeldOnly: true})
	if err != nil {
		return nil, err
	}
	var out []Release
	for _, l := range held {
		rel, _, err := m.release(ctx, tx, l, reason, owner)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// SweepIdle releases every lease whose end-of-work signal has been quiet
// for IdleWindow. The engine never schedules this; callers invoke it.
func (m Manager) SweepIdle(ctx context.Context, tx *sql.Tx) ([]Release, error) {
	now := m.now()
	held, err := m.Repo.ListLeases(ctx, tx, repo.LeaseFilter{HeldOnly: true})
	if err != nil {
		return nil, err
	}
	var out []Release
	for _, l := range held {
		if !idle(l, now) {
			continue
		}
		rel, _, err := m.release(ctx, tx, l, domain.ReleaseIdleTimeout, "system")
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func (m Manager) release(ctx context.Context, tx *sql.Tx, l domain.FileLease, reason domain.ReleaseReason, actor string) (Release, domain.FileLease, error) {
	now := m.now()
	rel := Release{Path: l.Path, OwnerID: l.OwnerID, Slug: l.Slug, Reason: reason, HeldFor: now.Sub(l.AcquiredAt)}
	if _, err := m.Repo.DeleteContentionsTx(ctx, tx, l.Path, ""); err != nil {
		return Release{}, domain.FileLease{}, err
	}
	l.OwnerID = ""
	l.Slug = ""
	l.State = domain.LeaseFree
	l.LastMutationAt = nil
	l.EndSignaledAt = nil
	l.Contenders = nil
	saved, err := m.Repo.SaveLeaseTx(ctx, tx, l)
	if err != nil {
		return Release{}, domain.FileLease{}, err
	}
	if err := m.Events.Append(ctx, tx, events.LeaseReleased, "lease", rel.Path, actor, events.EventPayload{
		"owner": rel.OwnerID, "slug": rel.Slug, "reason": string(reason), "held_seconds": int64(rel.HeldFor / time.Second),
	}); err != nil {
		return Release{}, domain.FileLease{}, err
	}
	m.log().Info("lease released", "path", rel.Path, "owner", rel.OwnerID, "reason", string(reason), "actor", actor)
	return rel, saved, nil
}

// Unblock is the operator escape hatch: it clears the blocked contention
// of contender on path (all blocked contenders when empty) so they may
// start the protocol again.
func (m Manager) Unblock(ctx context.Context, tx *sql.Tx, p, contender, operator string) (domain.FileLease, error) {
	p, err := NormalizePath(p)
	if err != nil {
		return domain.FileLease{}, err
	}
	l, err := m.load(ctx, tx, p)
	if err != nil {
		return domain.FileLease{}, err
	}
	var kept []domain.Contention
	var cleared []string
	for _, c := range l.Contenders {
		if c.Blocked() && (contender == "" || c.ContenderID == contender) {
			if _, err := m.Repo.DeleteContentionsTx(ctx, tx, p, c.ContenderID); err != nil {
				return domain.FileLease{}, err
			}
			cleared = append(cleared, c.ContenderID)
			continue
		}
		kept = append(kept, c)
	}
	if len(cleared) == 0 {
		return l, fmt.Errorf("no blocked contention on %s: %w", p, repo.ErrNotFound)
	}
	l.Contenders = kept
	if l.Held() {
		l.State = contentionState(kept)
	}
	saved, err := m.Repo.SaveLeaseTx(ctx, tx, l)
	if err != nil {
		return domain.FileLease{}, err
	}
	saved.Contenders = kept
	return saved, m.Events.Append(ctx, tx, events.LeaseUnblocked, "lease", p, operator, events.EventPayload{"contenders": cleared})
}
