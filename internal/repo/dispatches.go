package repo

import (
	"context"
	"database/sql"

	"govline/internal/domain"
)

const dispatchCols = `id,dispatch_key,task_id,worker,status,created_at`

func scanDispatch(row interface{ Scan(...any) error }) (domain.Dispatch, error) {
	var d domain.Dispatch
	err := row.Scan(&d.ID, &d.DispatchKey, &d.TaskID, &d.Worker, &d.Status, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// CreateDispatch inserts the idempotency row for a task transition. created
// is false when the key already exists; callers treat that as success, so a
// restarted loop never double-dispatches.
func (r Repo) CreateDispatch(ctx context.Context, d domain.Dispatch) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO gov_dispatches(`+dispatchCols+`) VALUES (?,?,?,?,?,?)`,
		d.ID, d.DispatchKey, d.TaskID, d.Worker, d.Status, d.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) GetDispatchByKey(ctx context.Context, key string) (domain.Dispatch, error) {
	return scanDispatch(r.DB.QueryRowContext(ctx, `SELECT `+dispatchCols+` FROM gov_dispatches WHERE dispatch_key=?`, key))
}

func (r Repo) ListDispatches(ctx context.Context, taskID string, limit int) ([]domain.Dispatch, error) {
	query := `SELECT ` + dispatchCols + ` FROM gov_dispatches`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
