package repo

import (
	"context"
	"database/sql"

	"loadline/internal/domain"
)

// Tension stores the tension snapshot time series.
type Tension struct {
	DB *sql.DB
}

const tensionColumns = `id,team_id,level,overload_percentage,request_ratio,average_duration,refusal_rate,calculated_at`

func (r Tension) Create(ctx context.Context, s domain.TensionSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tension_snapshots(`+tensionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.TeamID, s.Level, s.Metrics.OverloadPercentage, s.Metrics.RequestToAvailabilityRatio,
		s.Metrics.AverageDuration, s.Metrics.RefusalRate, formatTime(s.CalculatedAt))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTension(row rowScanner) (domain.TensionSnapshot, error) {
	var s domain.TensionSnapshot
	var calculated string
	if err := row.Scan(&s.ID, &s.TeamID, &s.Level, &s.Metrics.OverloadPercentage, &s.Metrics.RequestToAvailabilityRatio,
		&s.Metrics.AverageDuration, &s.Metrics.RefusalRate, &calculated); err != nil {
		return s, err
	}
	var err error
	s.CalculatedAt, err = parseTime(calculated)
	return s, err
}

// FindByTeamID returns snapshots newest first; limit <= 0 returns everything.
func (r Tension) FindByTeamID(ctx context.Context, teamID string, limit int) ([]domain.TensionSnapshot, error) {
	query := `SELECT ` + tensionColumns + ` FROM tension_snapshots WHERE team_id=? ORDER BY calculated_at DESC, rowid DESC`
	args := []any{teamID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TensionSnapshot
	for rows.Next() {
		s, err := scanTension(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Tension) FindLatestByTeamID(ctx context.Context, teamID string) (domain.TensionSnapshot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tensionColumns+` FROM tension_snapshots WHERE team_id=? ORDER BY calculated_at DESC, rowid DESC LIMIT 1`, teamID)
	s, err := scanTension(row)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}
