package engine

import (
	"context"
	"database/sql"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"trunkline/internal/domain"
	"trunkline/internal/lease"
	"trunkline/internal/repo"
)

// AcquireLease asks for path on behalf of req.OwnerID. It never blocks:
// a denial comes back as a Result and a spent retry as *lease.BlockedError.
// The contention record is committed in both cases.
func (e Engine) AcquireLease(ctx context.Context, req lease.Request) (lease.Result, error) {
	ctx, end := e.Metrics.Start(ctx, "lease_acquire", attribute.String("path", req.Path), attribute.String("owner", req.OwnerID))
	var res lease.Result
	var blocked error
	err := e.write(ctx, func(tx *sql.Tx) error {
		var err error
		blocked = nil
		res, err = e.leases().Acquire(ctx, tx, req)
		if errors.Is(err, lease.ErrBlocked) {
			blocked = err
			return nil
		}
		return err
	})
	end(err)
	if err != nil {
		return lease.Result{}, err
	}
	e.Metrics.LeaseDecision(ctx, string(res.Decision))
	if res.Reclaimed != nil {
		e.Metrics.LeaseReleased(ctx, string(res.Reclaimed.Reason), 1)
	}
	return res, blocked
}

// Heartbeat refreshes owner's lease on path, or its contention. The bool
// is false when the call was ignored.
func (e Engine) Heartbeat(ctx context.Context, path, owner string) (bool, error) {
	var ok bool
	err := e.write(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = e.leases().Heartbeat(ctx, tx, path, owner)
		return err
	})
	return ok, err
}

func (e Engine) ReleaseLease(ctx context.Context, path, owner string, reason domain.ReleaseReason) (lease.Release, error) {
	var rel lease.Release
	err := e.write(ctx, func(tx *sql.Tx) error {
		var err error
		rel, err = e.leases().Release(ctx, tx, path, owner, reason)
		return err
	})
	if err == nil {
		e.Metrics.LeaseReleased(ctx, string(reason), 1)
	}
	return rel, err
}

func (e Engine) EndWork(ctx context.Context, path, owner string) (domain.FileLease, error) {
	var l domain.FileLease
	err := e.write(ctx, func(tx *sql.Tx) error {
		var err error
		l, err = e.leases().EndWork(ctx, tx, path, owner)
		return err
	})
	return l, err
}

// SweepIdle releases leases whose end-of-work signal has gone quiet.
func (e Engine) SweepIdle(ctx context.Context) ([]lease.Release, error) {
	var out []lease.Release
	err := e.write(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = e.leases().SweepIdle(ctx, tx)
		return err
	})
	if err == nil {
		e.Metrics.LeaseReleased(ctx, string(domain.ReleaseIdleTimeout), len(out))
	}
	return out, err
}

// Unblock clears a blocked contention so its worker may try again.
func (e Engine) Unblock(ctx context.Context, path, contender, operator string) (domain.FileLease, error) {
	var l domain.FileLease
	err := e.write(ctx, func(tx *sql.Tx) error {
		var err error
		l, err = e.leases().Unblock(ctx, tx, path, contender, operator)
		return err
	})
	if err == nil {
		e.log().Warn("lease unblocked by operator", "path", l.Path, "contender", contender, "operator", operator)
	}
	return l, err
}

func (e Engine) ListLeases(ctx context.Context, f repo.LeaseFilter) ([]domain.FileLease, error) {
	return e.Repo.ListLeases(ctx, nil, f)
}

func (e Engine) GetLease(ctx context.Context, path string) (domain.FileLease, error) {
	p, err := lease.NormalizePath(path)
	if err != nil {
		return domain.FileLease{}, err
	}
	return e.Repo.GetLease(ctx, nil, p)
}
