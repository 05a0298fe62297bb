package repo

import (
	"context"
	"database/sql"

	"govline/internal/domain"
)

const approvalCols = `id,task_id,gate_type,approved_by,approved_at,notes`

func scanApproval(row interface{ Scan(...any) error }) (domain.Approval, error) {
	var a domain.Approval
	err := row.Scan(&a.ID, &a.TaskID, &a.GateType, &a.ApprovedBy, &a.ApprovedAt, &a.Notes)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// InsertApproval writes the single allowed approval for (task, gate). A
// repeat attempt returns ErrDuplicate and leaves the original row untouched.
func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO gov_approvals(task_id,gate_type,approved_by,approved_at,notes) VALUES (?,?,?,?,?)`,
		a.TaskID, a.GateType, a.ApprovedBy, a.ApprovedAt, a.Notes)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r Repo) GetApproval(ctx context.Context, taskID, gateType string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalCols+` FROM gov_approvals WHERE task_id=? AND gate_type=?`, taskID, gateType))
}

func (r Repo) ListApprovals(ctx context.Context, taskID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalCols+` FROM gov_approvals WHERE task_id=? ORDER BY approved_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountDistinctApprovers backs the two-approver requirement for L3 calls.
func (r Repo) CountDistinctApprovers(ctx context.Context, taskID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(DISTINCT approved_by) FROM gov_approvals WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}
