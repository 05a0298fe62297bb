package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"govline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict means a compare-and-swap update lost the race: the stored
// version no longer matches the caller's expectation and nothing was written.
var ErrConflict = errors.New("version conflict")

// ErrDuplicate means an insert hit a unique constraint.
var ErrDuplicate = errors.New("already exists")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- products ---

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.RiskLevel, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

const productCols = `id,name,status,risk_level,created_at,updated_at`

func (r Repo) InsertProduct(ctx context.Context, tx *sql.Tx, p domain.Product) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO products(`+productCols+`) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Status, p.RiskLevel, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	return scanProduct(r.DB.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id=?`, id))
}

func (r Repo) GetProductTx(ctx context.Context, tx *sql.Tx, id string) (domain.Product, error) {
	return scanProduct(tx.QueryRowContext(ctx, `SELECT `+productCols+` FROM products WHERE id=?`, id))
}

func (r Repo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+productCols+` FROM products ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProductStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE products SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- tasks ---

const taskCols = `id,title,description,task_type,state,priority,product_id,scope,assigned_group,executor,created_by,gate,dod_required,metadata_json,version,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var description, productID, assignedGroup, executor sql.NullString
	var dod int
	err := row.Scan(&t.ID, &t.Title, &description, &t.Type, &t.State, &t.Priority, &productID, &t.Scope,
		&assignedGroup, &executor, &t.CreatedBy, &t.Gate, &dod, &t.MetadataJSON, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if productID.Valid {
		t.ProductID = &productID.String
	}
	if assignedGroup.Valid {
		t.AssignedGroup = &assignedGroup.String
	}
	if executor.Valid {
		t.Executor = &executor.String
	}
	t.DoDRequired = dod != 0
	return t, nil
}

// InsertTask writes a new task at version 0. An id collision returns
// ErrDuplicate and writes nothing.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gov_tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.Type, t.State, t.Priority, nullableStringPtr(t.ProductID), t.Scope,
		nullableStringPtr(t.AssignedGroup), nullableStringPtr(t.Executor), t.CreatedBy, t.Gate, boolInt(t.DoDRequired),
		t.MetadataJSON, t.Version, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM gov_tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM gov_tasks WHERE id=?`, id))
}

// UpdateTaskCAS applies the patch only if the stored version still equals
// expected; on success the version advances by exactly 1. Zero affected rows
// distinguishes a lost race (ErrConflict) from a missing row (ErrNotFound);
// either way nothing was written. The caller re-reads before retrying.
func (r Repo) UpdateTaskCAS(ctx context.Context, tx *sql.Tx, t domain.Task, expected int) (domain.Task, error) {
	res, err := tx.ExecContext(ctx, `UPDATE gov_tasks SET title=?, description=?, task_type=?, state=?, priority=?, product_id=?, scope=?, assigned_group=?, executor=?, gate=?, dod_required=?, metadata_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		t.Title, t.Description, t.Type, t.State, t.Priority, nullableStringPtr(t.ProductID), t.Scope,
		nullableStringPtr(t.AssignedGroup), nullableStringPtr(t.Executor), t.Gate, boolInt(t.DoDRequired),
		t.MetadataJSON, t.UpdatedAt, t.ID, expected)
	if err != nil {
		return domain.Task{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	if affected == 0 {
		if _, getErr := r.GetTaskTx(ctx, tx, t.ID); errors.Is(getErr, ErrNotFound) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, ErrConflict
	}
	return r.GetTaskTx(ctx, tx, t.ID)
}

type TaskFilters struct {
	State           string
	Group           string
	ProductID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Group != "" {
		clauses = append(clauses, "assigned_group=?")
		args = append(args, f.Group)
	}
	if f.ProductID != "" {
		clauses = append(clauses, "product_id=?")
		args = append(args, f.ProductID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM gov_tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDispatchCandidates returns tasks in the given state that carry an
// assigned group. The dispatch loop filters duplicates via the unique
// dispatch key, not here.
func (r Repo) ListDispatchCandidates(ctx context.Context, state string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM gov_tasks WHERE state=? AND assigned_group IS NOT NULL ORDER BY priority DESC, created_at`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListGatedTasks returns tasks in the given state whose gate is not None.
func (r Repo) ListGatedTasks(ctx context.Context, state string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM gov_tasks WHERE state=? AND gate<>? ORDER BY priority DESC, created_at`, state, domain.GateNone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM gov_tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// --- activities (read side; writes go through activity.Writer in-tx) ---

const activityCols = `id,task_id,action,COALESCE(from_state,''),COALESCE(to_state,''),actor,reason,created_at`

func scanActivity(row interface{ Scan(...any) error }) (domain.Activity, error) {
	var a domain.Activity
	err := row.Scan(&a.ID, &a.TaskID, &a.Action, &a.FromState, &a.ToState, &a.Actor, &a.Reason, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListActivities(ctx context.Context, taskID string, limit int) ([]domain.Activity, error) {
	query := `SELECT ` + activityCols + ` FROM gov_activities WHERE task_id=? ORDER BY id`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryActivities(ctx, query, args...)
}

// LatestActivities returns the newest entries first, across all tasks.
func (r Repo) LatestActivities(ctx context.Context, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.queryActivities(ctx, `SELECT `+activityCols+` FROM gov_activities ORDER BY id DESC LIMIT ?`, limit)
}

// ActivitiesAfter returns entries with id > cursor in append order, for
// cursor-tracking consumers like the webhook forwarder.
func (r Repo) ActivitiesAfter(ctx context.Context, limit int, cursor int64) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryActivities(ctx, `SELECT `+activityCols+` FROM gov_activities WHERE id > ? ORDER BY id LIMIT ?`, cursor, limit)
}

func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM gov_activities`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
