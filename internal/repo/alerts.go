package repo

import (
	"context"
	"database/sql"

	"loadline/internal/domain"
)

type Alerts struct {
	DB *sql.DB
}

func (r Alerts) Create(ctx context.Context, a domain.Alert) error {
	var userID, role any
	if a.UserID != nil {
		userID = *a.UserID
	}
	if a.TargetRole != nil {
		role = string(*a.TargetRole)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO alerts(id,user_id,target_role,severity,message,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, userID, role, a.Severity, a.Message, formatTime(a.CreatedAt))
	return err
}

// ListFor returns alerts addressed to the user directly or to their role, newest first.
func (r Alerts) ListFor(ctx context.Context, userID string, role domain.Role, limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT id,user_id,target_role,severity,message,created_at FROM alerts
WHERE user_id=? OR (user_id IS NULL AND target_role=?)
ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, string(role), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var uid, targetRole sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &uid, &targetRole, &a.Severity, &a.Message, &created); err != nil {
			return nil, err
		}
		if uid.Valid {
			v := uid.String
			a.UserID = &v
		}
		if targetRole.Valid {
			v := domain.Role(targetRole.String)
			a.TargetRole = &v
		}
		if a.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
