package activity

import (
	"context"
	"database/sql"
	"time"

	"govline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records an audit entry inside the caller's transaction, so the
// entry commits or rolls back together with the mutation it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.Activity) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO gov_activities(task_id,action,from_state,to_state,actor,reason,created_at) VALUES (?,?,?,?,?,?,?)`,
		entry.TaskID, entry.Action, nullable(entry.FromState), nullable(entry.ToState), entry.Actor, entry.Reason, ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
