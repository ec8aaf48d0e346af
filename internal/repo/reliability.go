package repo

import (
	"context"
	"database/sql"

	"loadline/internal/domain"
)

// Reliability stores the append-only score rows; the current score is the latest one.
type Reliability struct {
	DB *sql.DB
}

func (r Reliability) Create(ctx context.Context, s domain.ReliabilityScore) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO reliability_scores(id,user_id,score,stability,responsiveness,declarative_consistency,calculated_at)
VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.UserID, s.Score, s.Factors.Stability, s.Factors.Responsiveness, s.Factors.DeclarativeConsistency, formatTime(s.CalculatedAt))
	return err
}

func (r Reliability) FindLatestByUserID(ctx context.Context, userID string) (domain.ReliabilityScore, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT id,user_id,score,stability,responsiveness,declarative_consistency,calculated_at
FROM reliability_scores WHERE user_id=? ORDER BY calculated_at DESC, rowid DESC LIMIT 1`, userID)
	var s domain.ReliabilityScore
	var calculated string
	err := row.Scan(&s.ID, &s.UserID, &s.Score, &s.Factors.Stability, &s.Factors.Responsiveness, &s.Factors.DeclarativeConsistency, &calculated)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CalculatedAt, err = parseTime(calculated)
	return s, err
}

// CountByUserID is used by tests and diagnostics.
func (r Reliability) CountByUserID(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM reliability_scores WHERE user_id=?`, userID).Scan(&n)
	return n, err
}
