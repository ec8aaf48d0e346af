package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"loadline/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repo groups the SQL-backed stores sharing one database.
type Repo struct {
	DB          *sql.DB
	Teams       Teams
	HumanStates HumanStates
	History     StateHistory
	Tension     Tension
	Requests    ReinforcementRequests
	Responses   ReinforcementResponses
	Reliability Reliability
	Settings    Settings
	Alerts      Alerts
}

func New(db *sql.DB) Repo {
	return Repo{
		DB:          db,
		Teams:       Teams{DB: db},
		HumanStates: HumanStates{DB: db},
		History:     StateHistory{DB: db},
		Tension:     Tension{DB: db},
		Requests:    ReinforcementRequests{DB: db},
		Responses:   ReinforcementResponses{DB: db},
		Reliability: Reliability{DB: db},
		Settings:    Settings{DB: db},
		Alerts:      Alerts{DB: db},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func affectedOrNotFound(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Teams stores teams and their membership.
type Teams struct {
	DB *sql.DB
}

func (r Teams) Create(ctx context.Context, t domain.Team) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?)`, t.ID, t.Name, formatTime(t.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Teams) FindByID(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).Scan(&t.ID, &t.Name, &created)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.CreatedAt, err = parseTime(created)
	return t, err
}

func (r Teams) List(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM teams ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		var created string
		if err := rows.Scan(&t.ID, &t.Name, &created); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Teams) AddMember(ctx context.Context, m domain.TeamMember) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO team_members(team_id,user_id,added_at) VALUES (?,?,?)`, m.TeamID, m.UserID, formatTime(m.AddedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r Teams) RemoveMember(ctx context.Context, teamID, userID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM team_members WHERE team_id=? AND user_id=?`, teamID, userID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Teams) Members(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,user_id,added_at FROM team_members WHERE team_id=? ORDER BY added_at, user_id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TeamMember
	for rows.Next() {
		var m domain.TeamMember
		var added string
		if err := rows.Scan(&m.TeamID, &m.UserID, &added); err != nil {
			return nil, err
		}
		if m.AddedAt, err = parseTime(added); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
