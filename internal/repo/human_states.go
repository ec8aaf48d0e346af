package repo

import (
	"context"
	"database/sql"

	"loadline/internal/domain"
)

// HumanStates stores the single current state row of each user.
type HumanStates struct {
	DB *sql.DB
}

func (r HumanStates) Create(ctx context.Context, s domain.HumanState) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO human_states(user_id,workload,availability,updated_at) VALUES (?,?,?,?)`,
		s.UserID, s.Workload, s.Availability, formatTime(s.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r HumanStates) FindByUserID(ctx context.Context, userID string) (domain.HumanState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT user_id,workload,availability,updated_at FROM human_states WHERE user_id=?`, userID)
	var s domain.HumanState
	var updated string
	err := row.Scan(&s.UserID, &s.Workload, &s.Availability, &updated)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.UpdatedAt, err = parseTime(updated)
	return s, err
}

func (r HumanStates) Update(ctx context.Context, s domain.HumanState) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE human_states SET workload=?, availability=?, updated_at=? WHERE user_id=?`,
		s.Workload, s.Availability, formatTime(s.UpdatedAt), s.UserID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// FindByTeamID returns the states of team members that have declared one.
func (r HumanStates) FindByTeamID(ctx context.Context, teamID string) ([]domain.HumanState, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT hs.user_id, hs.workload, hs.availability, hs.updated_at
FROM team_members tm
JOIN human_states hs ON hs.user_id = tm.user_id
WHERE tm.team_id=?
ORDER BY hs.user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HumanState
	for rows.Next() {
		var s domain.HumanState
		var updated string
		if err := rows.Scan(&s.UserID, &s.Workload, &s.Availability, &updated); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// StateHistory is the append-only log of state changes.
type StateHistory struct {
	DB *sql.DB
}

func (r StateHistory) Create(ctx context.Context, e domain.HumanStateHistoryEntry) error {
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO human_state_history(id,user_id,prior_workload,prior_availability,new_workload,new_availability,changed_at)
VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.PriorState.Workload, e.PriorState.Availability, e.NewState.Workload, e.NewState.Availability, formatTime(e.ChangedAt))
	return err
}

// FindByUserID returns the most recent entries first; limit <= 0 returns everything.
func (r StateHistory) FindByUserID(ctx context.Context, userID string, limit int) ([]domain.HumanStateHistoryEntry, error) {
	query := `
SELECT id,user_id,prior_workload,prior_availability,new_workload,new_availability,changed_at
FROM human_state_history WHERE user_id=? ORDER BY changed_at DESC, rowid DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HumanStateHistoryEntry
	for rows.Next() {
		var e domain.HumanStateHistoryEntry
		var changed string
		if err := rows.Scan(&e.ID, &e.UserID, &e.PriorState.Workload, &e.PriorState.Availability,
			&e.NewState.Workload, &e.NewState.Availability, &changed); err != nil {
			return nil, err
		}
		if e.ChangedAt, err = parseTime(changed); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
