package repo

import (
	"context"
	"database/sql"
	"fmt"

	"loadline/internal/domain"
)

// Settings stores RH settings. Every write appends an audit row in the same transaction.
type Settings struct {
	DB *sql.DB
}

func scanSetting(row rowScanner) (domain.RHSetting, error) {
	var s domain.RHSetting
	var updated string
	if err := row.Scan(&s.Key, &s.Value, &s.UpdatedBy, &updated); err != nil {
		return s, err
	}
	var err error
	s.UpdatedAt, err = parseTime(updated)
	return s, err
}

func appendSettingHistory(ctx context.Context, tx *sql.Tx, key string, oldValue *string, newValue, by, at string) error {
	var old any
	if oldValue != nil {
		old = *oldValue
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO rh_setting_history(key,old_value,new_value,changed_by,changed_at) VALUES (?,?,?,?,?)`,
		key, old, newValue, by, at)
	if err != nil {
		return fmt.Errorf("append setting history: %w", err)
	}
	return nil
}

func (r Settings) Create(ctx context.Context, s domain.RHSetting) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	at := formatTime(s.UpdatedAt)
	if _, err := tx.ExecContext(ctx, `INSERT INTO rh_settings(key,value,updated_by,updated_at) VALUES (?,?,?,?)`, s.Key, s.Value, s.UpdatedBy, at); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if err := appendSettingHistory(ctx, tx, s.Key, nil, s.Value, s.UpdatedBy, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Settings) FindByKey(ctx context.Context, key string) (domain.RHSetting, error) {
	s, err := scanSetting(r.DB.QueryRowContext(ctx, `SELECT key,value,updated_by,updated_at FROM rh_settings WHERE key=?`, key))
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Settings) FindAll(ctx context.Context) ([]domain.RHSetting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value,updated_by,updated_at FROM rh_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RHSetting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// Update overwrites an existing setting and records the previous value.
func (r Settings) Update(ctx context.Context, s domain.RHSetting) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var old string
	err = tx.QueryRowContext(ctx, `SELECT value FROM rh_settings WHERE key=?`, s.Key).Scan(&old)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	at := formatTime(s.UpdatedAt)
	if _, err := tx.ExecContext(ctx, `UPDATE rh_settings SET value=?, updated_by=?, updated_at=? WHERE key=?`, s.Value, s.UpdatedBy, at, s.Key); err != nil {
		return err
	}
	if err := appendSettingHistory(ctx, tx, s.Key, &old, s.Value, s.UpdatedBy, at); err != nil {
		return err
	}
	return tx.Commit()
}

// History returns the audit trail of key, oldest first.
func (r Settings) History(ctx context.Context, key string) ([]domain.RHSettingChange, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,key,old_value,new_value,changed_by,changed_at FROM rh_setting_history WHERE key=? ORDER BY id`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RHSettingChange
	for rows.Next() {
		var c domain.RHSettingChange
		var old sql.NullString
		var changed string
		if err := rows.Scan(&c.ID, &c.Key, &old, &c.NewValue, &c.ChangedBy, &changed); err != nil {
			return nil, err
		}
		if old.Valid {
			v := old.String
			c.OldValue = &v
		}
		if c.ChangedAt, err = parseTime(changed); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
