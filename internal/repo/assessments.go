package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"trunkline/internal/domain"
)

// InsertAssessmentTx records one readiness verdict with the scorer's issues.
func (r Repo) InsertAssessmentTx(ctx context.Context, tx *sql.Tx, a domain.Assessment) error {
	issues, err := json.Marshal(nonNil(a.Issues))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO readiness_assessments(id,slug,score,verdict,issues_json,assessor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.Slug, a.Score, a.Verdict, string(issues), a.AssessorID, a.CreatedAt)
	return err
}

// ListAssessments returns the newest-first assessment history of slug.
func (r Repo) ListAssessments(ctx context.Context, slug string, limit int) ([]domain.Assessment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,slug,score,verdict,issues_json,assessor_id,created_at FROM readiness_assessments WHERE slug=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, slug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Assessment
	for rows.Next() {
		var a domain.Assessment
		var issues string
		if err := rows.Scan(&a.ID, &a.Slug, &a.Score, &a.Verdict, &issues, &a.AssessorID, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(issues), &a.Issues); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
