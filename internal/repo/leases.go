package repo

import (
	"context"
	"database/sql"
	"fmt"

	"trunkline/internal/domain"
)

const leaseColumns = `path, COALESCE(owner_id,''), COALESCE(slug,''), state, acquired_at, last_heartbeat_at, last_mutation_at, end_signaled_at, version`

func scanLease(s rowScanner) (domain.FileLease, error) {
	var l domain.FileLease
	var acquired, heartbeat, mutation, endSig sql.NullString
	if err := s.Scan(&l.Path, &l.OwnerID, &l.Slug, &l.State, &acquired, &heartbeat, &mutation, &endSig, &l.Version); err != nil {
		return domain.FileLease{}, err
	}
	var err error
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return domain.FileLease{}, err
	}
	if l.LastHeartbeatAt, err = parseTime(heartbeat); err != nil {
		return domain.FileLease{}, err
	}
	if l.LastMutationAt, err = parseTimePtr(mutation); err != nil {
		return domain.FileLease{}, err
	}
	if l.EndSignaledAt, err = parseTimePtr(endSig); err != nil {
		return domain.FileLease{}, err
	}
	return l, nil
}

// GetLease returns the lease record for path with its contenders, or
// ErrNotFound when the path has never been leased.
func (r Repo) GetLease(ctx context.Context, q Querier, path string) (domain.FileLease, error) {
	if q == nil {
		q = r.DB
	}
	row := q.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM file_leases WHERE path=?`, path)
	l, err := scanLease(row)
	if err == sql.ErrNoRows {
		return domain.FileLease{}, fmt.Errorf("lease %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return domain.FileLease{}, err
	}
	l.Contenders, err = r.ListContentions(ctx, q, ContentionFilter{Path: path})
	return l, err
}

// LeaseFilter narrows ListLeases. Empty fields match everything.
type LeaseFilter struct {
	OwnerID  string
	Slug     string
	HeldOnly bool
}

func (r Repo) ListLeases(ctx context.Context, q Querier, f LeaseFilter) ([]domain.FileLease, error) {
	if q == nil {
		q = r.DB
	}
	query := `SELECT ` + leaseColumns + ` FROM file_leases WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += ` AND owner_id=?`
		args = append(args, f.OwnerID)
	}
	if f.Slug != "" {
		query += ` AND slug=?`
		args = append(args, f.Slug)
	}
	if f.HeldOnly {
		query += ` AND state<>'free'`
	}
	query += ` ORDER BY path`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []domain.FileLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// contenders are loaded after the cursor is closed: one connection
	for i := range out {
		if out[i].State == domain.LeaseFree {
			continue
		}
		cs, err := r.ListContentions(ctx, q, ContentionFilter{Path: out[i].Path})
		if err != nil {
			return nil, err
		}
		out[i].Contenders = cs
	}
	return out, nil
}

// SaveLeaseTx inserts the record when l.Version is zero, otherwise updates
// it guarded by version. Contenders are stored separately.
func (r Repo) SaveLeaseTx(ctx context.Context, tx *sql.Tx, l domain.FileLease) (domain.FileLease, error) {
	var acquired, heartbeat any
	if !l.AcquiredAt.IsZero() {
		acquired = formatTime(l.AcquiredAt)
	}
	if !l.LastHeartbeatAt.IsZero() {
		heartbeat = formatTime(l.LastHeartbeatAt)
	}
	args := []any{nullable(l.OwnerID), nullable(l.Slug), l.State, acquired, heartbeat, nullableTime(l.LastMutationAt), nullableTime(l.EndSignaledAt)}
	if l.Version == 0 {
		_, err := tx.ExecContext(ctx, `INSERT INTO file_leases(owner_id,slug,state,acquired_at,last_heartbeat_at,last_mutation_at,end_signaled_at,path,version)
VALUES (?,?,?,?,?,?,?,?,1)`, append(args, l.Path)...)
		if err != nil {
			return domain.FileLease{}, fmt.Errorf("insert lease %s: %w", l.Path, err)
		}
		l.Version = 1
		return l, nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE file_leases SET owner_id=?, slug=?, state=?, acquired_at=?, last_heartbeat_at=?, last_mutation_at=?, end_signaled_at=?,
version=version+1 WHERE path=? AND version=?`, append(args, l.Path, l.Version)...)
	if err != nil {
		return domain.FileLease{}, err
	}
	if err := checkAffected(res, "lease "+l.Path); err != nil {
		return domain.FileLease{}, err
	}
	l.Version++
	return l, nil
}

// ContentionFilter narrows ListContentions.
type ContentionFilter struct {
	Path        string
	ContenderID string
	Slug        string
	BlockedOnly bool
}

func (r Repo) ListContentions(ctx context.Context, q Querier, f ContentionFilter) ([]domain.Contention, error) {
	if q == nil {
		q = r.DB
	}
	query := `SELECT path, contender_id, COALESCE(slug,''), contended_at, last_heartbeat_at, blocked_at FROM lease_contentions WHERE 1=1`
	var args []any
	if f.Path != "" {
		query += ` AND path=?`
		args = append(args, f.Path)
	}
	if f.ContenderID != "" {
		query += ` AND contender_id=?`
		args = append(args, f.ContenderID)
	}
	if f.Slug != "" {
		query += ` AND slug=?`
		args = append(args, f.Slug)
	}
	if f.BlockedOnly {
		query += ` AND blocked_at IS NOT NULL`
	}
	query += ` ORDER BY contended_at, contender_id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contention
	for rows.Next() {
		var c domain.Contention
		var contended, heartbeat, blocked sql.NullString
		if err := rows.Scan(&c.Path, &c.ContenderID, &c.Slug, &contended, &heartbeat, &blocked); err != nil {
			return nil, err
		}
		if c.ContendedAt, err = parseTime(contended); err != nil {
			return nil, err
		}
		if c.LastHeartbeatAt, err = parseTimePtr(heartbeat); err != nil {
			return nil, err
		}
		if c.BlockedAt, err = parseTimePtr(blocked); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveContentionTx upserts one contender record.
func (r Repo) SaveContentionTx(ctx context.Context, tx *sql.Tx, c domain.Contention) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lease_contentions(path, contender_id, slug, contended_at, last_heartbeat_at, blocked_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(path, contender_id) DO UPDATE SET slug=excluded.slug, contended_at=excluded.contended_at,
last_heartbeat_at=excluded.last_heartbeat_at, blocked_at=excluded.blocked_at`,
		c.Path, c.ContenderID, nullable(c.Slug), formatTime(c.ContendedAt), nullableTime(c.LastHeartbeatAt), nullableTime(c.BlockedAt))
	return err
}

// DeleteContentionsTx removes contenders of path; an empty contenderID
// removes all of them.
func (r Repo) DeleteContentionsTx(ctx context.Context, tx *sql.Tx, path, contenderID string) (int64, error) {
	query := `DELETE FROM lease_contentions WHERE path=?`
	args := []any{path}
	if contenderID != "" {
		query += ` AND contender_id=?`
		args = append(args, contenderID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
