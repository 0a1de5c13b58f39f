package repo

import (
	"context"
	"database/sql"
	"fmt"

	"trunkline/internal/domain"
)

// UpsertWorkerTx registers a worker or refreshes its process identity.
func (r Repo) UpsertWorkerTx(ctx context.Context, tx *sql.Tx, w domain.Worker) (domain.Worker, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO workers(id, pid, host, registered_at, last_seen_at)
VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET pid=excluded.pid, host=excluded.host, last_seen_at=excluded.last_seen_at`,
		w.ID, w.PID, nullable(w.Host), w.RegisteredAt, w.LastSeenAt)
	if err != nil {
		return domain.Worker{}, err
	}
	return r.GetWorker(ctx, tx, w.ID)
}

func (r Repo) GetWorker(ctx context.Context, q Querier, id string) (domain.Worker, error) {
	if q == nil {
		q = r.DB
	}
	var w domain.Worker
	var pid sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT id, pid, COALESCE(host,''), registered_at, last_seen_at FROM workers WHERE id=?`, id).
		Scan(&w.ID, &pid, &w.Host, &w.RegisteredAt, &w.LastSeenAt)
	if err == sql.ErrNoRows {
		return domain.Worker{}, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Worker{}, err
	}
	w.PID = int(pid.Int64)
	return w, nil
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, pid, COALESCE(host,''), registered_at, last_seen_at FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		var w domain.Worker
		var pid sql.NullInt64
		if err := rows.Scan(&w.ID, &pid, &w.Host, &w.RegisteredAt, &w.LastSeenAt); err != nil {
			return nil, err
		}
		w.PID = int(pid.Int64)
		out = append(out, w)
	}
	return out, rows.Err()
}
