package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"trunkline/internal/domain"
)

const itemColumns = `slug, COALESCE(description,''), build_status, review_status, deferrals_processed, readiness_score, readiness_verdict,
COALESCE(assignee_id,''), COALESCE(integration_base,''), touched_paths_json, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(s rowScanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var processed int
	var score sql.NullInt64
	var paths string
	if err := s.Scan(&it.Slug, &it.Description, &it.BuildStatus, &it.ReviewStatus, &processed, &score, &it.ReadinessVerdict,
		&it.AssigneeID, &it.IntegrationBase, &paths, &it.Version, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return domain.WorkItem{}, err
	}
	it.DeferralsProcessed = processed != 0
	if score.Valid {
		v := int(score.Int64)
		it.ReadinessScore = &v
	}
	if err := json.Unmarshal([]byte(paths), &it.TouchedPaths); err != nil {
		return domain.WorkItem{}, fmt.Errorf("decode touched paths for %s: %w", it.Slug, err)
	}
	if it.TouchedPaths == nil {
		it.TouchedPaths = []string{}
	}
	it.DependsOn = []string{}
	return it, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scoreValue(s *int) any {
	if s == nil {
		return nil
	}
	return *s
}

// InsertWorkItemTx stores a new item at version 1.
func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) (domain.WorkItem, error) {
	paths, err := json.Marshal(nonNil(it.TouchedPaths))
	if err != nil {
		return domain.WorkItem{}, err
	}
	it.Version = 1
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(slug,description,build_status,review_status,deferrals_processed,readiness_score,readiness_verdict,assignee_id,integration_base,touched_paths_json,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.Slug, nullable(it.Description), it.BuildStatus, it.ReviewStatus, boolInt(it.DeferralsProcessed), scoreValue(it.ReadinessScore),
		it.ReadinessVerdict, nullable(it.AssigneeID), nullable(it.IntegrationBase), string(paths), it.Version, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item %s: %w", it.Slug, err)
	}
	return it, nil
}

// GetWorkItem returns the item row without backlog hydration.
func (r Repo) GetWorkItem(ctx context.Context, q Querier, slug string) (domain.WorkItem, error) {
	if q == nil {
		q = r.DB
	}
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE slug=?`, slug)
	it, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return domain.WorkItem{}, fmt.Errorf("work item %s: %w", slug, ErrNotFound)
	}
	return it, err
}

// ListWorkItems returns every item row keyed by slug.
func (r Repo) ListWorkItems(ctx context.Context, q Querier) (map[string]domain.WorkItem, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `SELECT `+itemColumns+` FROM work_items ORDER BY created_at, slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]domain.WorkItem{}
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out[it.Slug] = it
	}
	return out, rows.Err()
}

// UpdateWorkItemTx persists it when the stored version equals it.Version.
func (r Repo) UpdateWorkItemTx(ctx context.Context, tx *sql.Tx, it domain.WorkItem) (domain.WorkItem, error) {
	paths, err := json.Marshal(nonNil(it.TouchedPaths))
	if err != nil {
		return domain.WorkItem{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET description=?, build_status=?, review_status=?, deferrals_processed=?, readiness_score=?, readiness_verdict=?,
assignee_id=?, integration_base=?, touched_paths_json=?, version=version+1, updated_at=? WHERE slug=? AND version=?`,
		nullable(it.Description), it.BuildStatus, it.ReviewStatus, boolInt(it.DeferralsProcessed), scoreValue(it.ReadinessScore), it.ReadinessVerdict,
		nullable(it.AssigneeID), nullable(it.IntegrationBase), string(paths), it.UpdatedAt, it.Slug, it.Version)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := checkAffected(res, "work item "+it.Slug); err != nil {
		return domain.WorkItem{}, err
	}
	it.Version++
	return it, nil
}

// DeleteWorkItemTx drops the item row. The backlog entry is removed by the
// caller in the same transaction.
func (r Repo) DeleteWorkItemTx(ctx context.Context, tx *sql.Tx, slug string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE slug=?`, slug)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("work item %s: %w", slug, ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
