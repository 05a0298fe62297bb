package repo

import (
	"context"
	"database/sql"
	"strings"

	"govline/internal/domain"
)

const extCallCols = `id,group_name,provider,action,params_hmac,status,product_id,task_id,created_at`

func scanExtCall(row interface{ Scan(...any) error }) (domain.ExtCall, error) {
	var c domain.ExtCall
	var productID, taskID sql.NullString
	err := row.Scan(&c.ID, &c.Group, &c.Provider, &c.Action, &c.ParamsHMAC, &c.Status, &productID, &taskID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if productID.Valid {
		c.ProductID = &productID.String
	}
	if taskID.Valid {
		c.TaskID = &taskID.String
	}
	return c, nil
}

// InsertExtCall appends one audit row per broker attempt. It writes directly
// against the pool: the row must survive even when the call itself failed.
func (r Repo) InsertExtCall(ctx context.Context, c domain.ExtCall) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ext_calls(`+extCallCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Group, c.Provider, c.Action, c.ParamsHMAC, c.Status, nullableStringPtr(c.ProductID), nullableStringPtr(c.TaskID), c.CreatedAt)
	return err
}

type ExtCallFilters struct {
	Group    string
	Provider string
	Status   string
	Limit    int
}

func (r Repo) ListExtCalls(ctx context.Context, f ExtCallFilters) ([]domain.ExtCall, error) {
	var clauses []string
	var args []any
	if f.Group != "" {
		clauses = append(clauses, "group_name=?")
		args = append(args, f.Group)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + extCallCols + ` FROM ext_calls ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExtCall
	for rows.Next() {
		c, err := scanExtCall(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
