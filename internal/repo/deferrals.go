package repo

import (
	"context"
	"database/sql"
	"fmt"

	"trunkline/internal/domain"
)

const deferralColumns = `id, origin_slug, title, COALESCE(reason,''), COALESCE(decision_needed,''), suggested_outcome, created_at, consumed_at, COALESCE(created_slug,'')`

func scanDeferral(s rowScanner) (domain.Deferral, error) {
	var d domain.Deferral
	var consumed sql.NullString
	if err := s.Scan(&d.ID, &d.OriginSlug, &d.Title, &d.Reason, &d.DecisionNeeded, &d.SuggestedOutcome, &d.CreatedAt, &consumed, &d.CreatedSlug); err != nil {
		return domain.Deferral{}, err
	}
	if consumed.Valid {
		v := consumed.String
		d.ConsumedAt = &v
	}
	return d, nil
}

func (r Repo) InsertDeferralTx(ctx context.Context, tx *sql.Tx, d domain.Deferral) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO deferrals(id,origin_slug,title,reason,decision_needed,suggested_outcome,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.OriginSlug, d.Title, nullable(d.Reason), nullable(d.DecisionNeeded), d.SuggestedOutcome, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert deferral: %w", err)
	}
	return nil
}

// ListDeferrals returns deferrals for origin in submission order. With
// pendingOnly set, consumed ones are skipped.
func (r Repo) ListDeferrals(ctx context.Context, q Querier, origin string, pendingOnly bool) ([]domain.Deferral, error) {
	if q == nil {
		q = r.DB
	}
	query := `SELECT ` + deferralColumns + ` FROM deferrals WHERE 1=1`
	var args []any
	if origin != "" {
		query += ` AND origin_slug=?`
		args = append(args, origin)
	}
	if pendingOnly {
		query += ` AND consumed_at IS NULL`
	}
	query += ` ORDER BY created_at, rowid`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Deferral
	for rows.Next() {
		d, err := scanDeferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountPendingDeferrals counts unconsumed deferrals per origin slug.
func (r Repo) CountPendingDeferrals(ctx context.Context, q Querier) (map[string]int, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `SELECT origin_slug, COUNT(*) FROM deferrals WHERE consumed_at IS NULL GROUP BY origin_slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var slug string
		var n int
		if err := rows.Scan(&slug, &n); err != nil {
			return nil, err
		}
		out[slug] = n
	}
	return out, rows.Err()
}

// ConsumeDeferralTx marks d consumed exactly once.
func (r Repo) ConsumeDeferralTx(ctx context.Context, tx *sql.Tx, id, consumedAt, createdSlug string) error {
	res, err := tx.ExecContext(ctx, `UPDATE deferrals SET consumed_at=?, created_slug=? WHERE id=? AND consumed_at IS NULL`,
		consumedAt, nullable(createdSlug), id)
	if err != nil {
		return err
	}
	return checkAffected(res, "deferral "+id)
}
