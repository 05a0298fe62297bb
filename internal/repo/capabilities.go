package repo

import (
	"context"
	"database/sql"
	"strings"

	"govline/internal/domain"
)

const capabilityCols = `id,group_name,provider,level,product_id,granted_by,granted_at,expires_at`

func scanCapability(row interface{ Scan(...any) error }) (domain.Capability, error) {
	var c domain.Capability
	var productID, expiresAt sql.NullString
	err := row.Scan(&c.ID, &c.Group, &c.Provider, &c.Level, &productID, &c.GrantedBy, &c.GrantedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if productID.Valid {
		c.ProductID = &productID.String
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.String
	}
	return c, nil
}

func (r Repo) InsertCapability(ctx context.Context, tx *sql.Tx, c domain.Capability) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ext_capabilities(`+capabilityCols+`) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Group, c.Provider, c.Level, nullableStringPtr(c.ProductID), c.GrantedBy, c.GrantedAt, nullableStringPtr(c.ExpiresAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ListCapabilities returns every grant for (group, provider), company-wide
// and product-scoped alike. Deny-wins resolution happens in the broker.
func (r Repo) ListCapabilities(ctx context.Context, group, provider string) ([]domain.Capability, error) {
	return r.queryCapabilities(ctx, `SELECT `+capabilityCols+` FROM ext_capabilities WHERE group_name=? AND provider=? ORDER BY granted_at, id`, group, provider)
}

type CapabilityFilters struct {
	Group    string
	Provider string
	Level    string
}

func (r Repo) ListAllCapabilities(ctx context.Context, f CapabilityFilters) ([]domain.Capability, error) {
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
	if f.Level != "" {
		clauses = append(clauses, "level=?")
		args = append(args, f.Level)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	return r.queryCapabilities(ctx, `SELECT `+capabilityCols+` FROM ext_capabilities `+where+` ORDER BY group_name, provider, granted_at`, args...)
}

// DeleteExpiredCapabilities is storage hygiene only; resolution already
// treats expired rows as absent.
func (r Repo) DeleteExpiredCapabilities(ctx context.Context, before string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM ext_capabilities WHERE expires_at IS NOT NULL AND expires_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) queryCapabilities(ctx context.Context, query string, args ...any) ([]domain.Capability, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
