package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"trunkline/internal/domain"
)

func (r Repo) GetFinalizeLock(ctx context.Context, q Querier) (domain.FinalizeLock, error) {
	if q == nil {
		q = r.DB
	}
	var l domain.FinalizeLock
	err := q.QueryRowContext(ctx, `SELECT COALESCE(holder_id,''), COALESCE(attempt_id,''), COALESCE(slug,''), COALESCE(acquired_at,''), version FROM finalize_lock WHERE id=1`).
		Scan(&l.HolderID, &l.AttemptID, &l.Slug, &l.AcquiredAt, &l.Version)
	if err == sql.ErrNoRows {
		return domain.FinalizeLock{}, nil
	}
	return l, err
}

// SaveFinalizeLockTx writes the lock guarded by version. An empty AttemptID
// clears it.
func (r Repo) SaveFinalizeLockTx(ctx context.Context, tx *sql.Tx, l domain.FinalizeLock) (domain.FinalizeLock, error) {
	res, err := tx.ExecContext(ctx, `UPDATE finalize_lock SET holder_id=?, attempt_id=?, slug=?, acquired_at=?, version=version+1 WHERE id=1 AND version=?`,
		nullable(l.HolderID), nullable(l.AttemptID), nullable(l.Slug), nullable(l.AcquiredAt), l.Version)
	if err != nil {
		return domain.FinalizeLock{}, err
	}
	if err := checkAffected(res, "finalize lock"); err != nil {
		return domain.FinalizeLock{}, err
	}
	l.Version++
	return l, nil
}

const blockColumns = `slug, attempt_id, code, COALESCE(detail,''), COALESCE(holder,''), paths_json, blocked_at`

func scanFinalizeBlock(s rowScanner) (domain.FinalizeBlock, error) {
	var b domain.FinalizeBlock
	var paths string
	if err := s.Scan(&b.Slug, &b.AttemptID, &b.Code, &b.Detail, &b.Holder, &paths, &b.BlockedAt); err != nil {
		return domain.FinalizeBlock{}, err
	}
	if err := json.Unmarshal([]byte(paths), &b.Paths); err != nil {
		return domain.FinalizeBlock{}, fmt.Errorf("decode finalize block paths for %s: %w", b.Slug, err)
	}
	return b, nil
}

// GetFinalizeBlock returns the standing block for slug or ErrNotFound.
func (r Repo) GetFinalizeBlock(ctx context.Context, q Querier, slug string) (domain.FinalizeBlock, error) {
	if q == nil {
		q = r.DB
	}
	b, err := scanFinalizeBlock(q.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM finalize_blocks WHERE slug=?`, slug))
	if err == sql.ErrNoRows {
		return domain.FinalizeBlock{}, fmt.Errorf("finalize block %s: %w", slug, ErrNotFound)
	}
	return b, err
}

func (r Repo) ListFinalizeBlocks(ctx context.Context, q Querier) ([]domain.FinalizeBlock, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `SELECT `+blockColumns+` FROM finalize_blocks ORDER BY blocked_at, slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FinalizeBlock
	for rows.Next() {
		b, err := scanFinalizeBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveFinalizeBlockTx replaces the item's standing block.
func (r Repo) SaveFinalizeBlockTx(ctx context.Context, tx *sql.Tx, b domain.FinalizeBlock) error {
	paths, err := json.Marshal(nonNil(b.Paths))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO finalize_blocks(slug,attempt_id,code,detail,holder,paths_json,blocked_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(slug) DO UPDATE SET attempt_id=excluded.attempt_id, code=excluded.code, detail=excluded.detail,
holder=excluded.holder, paths_json=excluded.paths_json, blocked_at=excluded.blocked_at`,
		b.Slug, b.AttemptID, b.Code, nullable(b.Detail), nullable(b.Holder), string(paths), b.BlockedAt)
	if err != nil {
		return fmt.Errorf("save finalize block %s: %w", b.Slug, err)
	}
	return nil
}

// DeleteFinalizeBlockTx clears slug's block and reports whether one stood.
func (r Repo) DeleteFinalizeBlockTx(ctx context.Context, tx *sql.Tx, slug string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM finalize_blocks WHERE slug=?`, slug)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
