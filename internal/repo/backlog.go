package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trunkline/internal/domain"
)

type backlogDoc struct {
	Entries []domain.BacklogEntry `json:"entries"`
}

// GetBacklog reads the singleton backlog record.
func (r Repo) GetBacklog(ctx context.Context, q Querier) (domain.Backlog, error) {
	if q == nil {
		q = r.DB
	}
	var version int64
	var doc, updated string
	err := q.QueryRowContext(ctx, `SELECT version, doc_json, updated_at FROM backlog WHERE id=1`).Scan(&version, &doc, &updated)
	if err == sql.ErrNoRows {
		return domain.Backlog{Entries: []domain.BacklogEntry{}}, nil
	}
	if err != nil {
		return domain.Backlog{}, err
	}
	var d backlogDoc
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return domain.Backlog{}, fmt.Errorf("decode backlog: %w", err)
	}
	if d.Entries == nil {
		d.Entries = []domain.BacklogEntry{}
	}
	return domain.Backlog{Version: version, Entries: d.Entries, UpdatedAt: updated}, nil
}

// SaveBacklogTx writes b if the stored version still equals b.Version and
// returns the record with its bumped version. A stale version yields
// ErrVersionConflict and writes nothing.
func (r Repo) SaveBacklogTx(ctx context.Context, tx *sql.Tx, b domain.Backlog, now time.Time) (domain.Backlog, error) {
	entries := b.Entries
	if entries == nil {
		entries = []domain.BacklogEntry{}
	}
	data, err := json.Marshal(backlogDoc{Entries: entries})
	if err != nil {
		return domain.Backlog{}, fmt.Errorf("encode backlog: %w", err)
	}
	updated := formatTime(now)
	res, err := tx.ExecContext(ctx, `UPDATE backlog SET version=version+1, doc_json=?, updated_at=? WHERE id=1 AND version=?`,
		string(data), updated, b.Version)
	if err != nil {
		return domain.Backlog{}, err
	}
	if err := checkAffected(res, "backlog"); err != nil {
		return domain.Backlog{}, err
	}
	out := b.Clone()
	out.Entries = entries
	out.Version = b.Version + 1
	out.UpdatedAt = updated
	return out, nil
}
