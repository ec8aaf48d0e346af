package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"loadline/internal/domain"
)

// ReinforcementRequests stores team reinforcement requests.
type ReinforcementRequests struct {
	DB *sql.DB
}

const requestColumns = `id,team_id,required_skills_json,urgency_level,status,expires_at,created_at`

func marshalSkills(skills []string) (string, error) {
	if skills == nil {
		skills = []string{}
	}
	b, err := json.Marshal(skills)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanRequest(row rowScanner) (domain.ReinforcementRequest, error) {
	var req domain.ReinforcementRequest
	var skills, expires, created string
	if err := row.Scan(&req.ID, &req.TeamID, &skills, &req.UrgencyLevel, &req.Status, &expires, &created); err != nil {
		return req, err
	}
	if err := json.Unmarshal([]byte(skills), &req.RequiredSkills); err != nil {
		return req, err
	}
	var err error
	if req.ExpiresAt, err = parseTime(expires); err != nil {
		return req, err
	}
	req.CreatedAt, err = parseTime(created)
	return req, err
}

func (r ReinforcementRequests) Create(ctx context.Context, req domain.ReinforcementRequest) error {
	skills, err := marshalSkills(req.RequiredSkills)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO reinforcement_requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?)`,
		req.ID, req.TeamID, skills, req.UrgencyLevel, req.Status, formatTime(req.ExpiresAt), formatTime(req.CreatedAt))
	return err
}

func (r ReinforcementRequests) FindByID(ctx context.Context, id string) (domain.ReinforcementRequest, error) {
	req, err := scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM reinforcement_requests WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	return req, err
}

func (r ReinforcementRequests) list(ctx context.Context, where string, args ...any) ([]domain.ReinforcementRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM reinforcement_requests `+where+` ORDER BY created_at DESC, rowid DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReinforcementRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r ReinforcementRequests) FindByTeamID(ctx context.Context, teamID string) ([]domain.ReinforcementRequest, error) {
	return r.list(ctx, `WHERE team_id=?`, teamID)
}

func (r ReinforcementRequests) FindOpenRequests(ctx context.Context) ([]domain.ReinforcementRequest, error) {
	return r.list(ctx, `WHERE status=?`, domain.RequestOpen)
}

// FindExpiredRequests returns requests still OPEN whose expiry is before now.
func (r ReinforcementRequests) FindExpiredRequests(ctx context.Context, now time.Time) ([]domain.ReinforcementRequest, error) {
	return r.list(ctx, `WHERE status=? AND expires_at < ?`, domain.RequestOpen, formatTime(now))
}

func (r ReinforcementRequests) Update(ctx context.Context, req domain.ReinforcementRequest) error {
	skills, err := marshalSkills(req.RequiredSkills)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE reinforcement_requests SET required_skills_json=?, urgency_level=?, status=?, expires_at=? WHERE id=?`,
		skills, req.UrgencyLevel, req.Status, formatTime(req.ExpiresAt), req.ID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ExpireIfOpen moves id to EXPIRED only while it is still OPEN. It reports
// whether this call performed the transition.
func (r ReinforcementRequests) ExpireIfOpen(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE reinforcement_requests SET status=? WHERE id=? AND status=?`,
		domain.RequestExpired, id, domain.RequestOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r ReinforcementRequests) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM reinforcement_requests WHERE id=?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ReinforcementResponses stores at most one response per (request, user).
type ReinforcementResponses struct {
	DB *sql.DB
}

const responseColumns = `id,request_id,user_id,response,responded_at`

func scanResponse(row rowScanner) (domain.ReinforcementResponse, error) {
	var resp domain.ReinforcementResponse
	var responded string
	if err := row.Scan(&resp.ID, &resp.RequestID, &resp.UserID, &resp.Response, &responded); err != nil {
		return resp, err
	}
	var err error
	resp.RespondedAt, err = parseTime(responded)
	return resp, err
}

// Create returns ErrDuplicate when the user already answered the request.
func (r ReinforcementResponses) Create(ctx context.Context, resp domain.ReinforcementResponse) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO reinforcement_responses(`+responseColumns+`) VALUES (?,?,?,?,?)`,
		resp.ID, resp.RequestID, resp.UserID, resp.Response, formatTime(resp.RespondedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (r ReinforcementResponses) FindByRequestID(ctx context.Context, requestID string) ([]domain.ReinforcementResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+responseColumns+` FROM reinforcement_responses WHERE request_id=? ORDER BY responded_at, rowid`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReinforcementResponse
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

func (r ReinforcementResponses) FindByUserResponse(ctx context.Context, requestID, userID string) (domain.ReinforcementResponse, error) {
	resp, err := scanResponse(r.DB.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM reinforcement_responses WHERE request_id=? AND user_id=?`, requestID, userID))
	if err == sql.ErrNoRows {
		return resp, ErrNotFound
	}
	return resp, err
}
