package loadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Loadline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type State struct {
	Workload     string `json:"workload"`
	Availability string `json:"availability"`
}

// HumanState is a user's current declaration.
type HumanState struct {
	UserID       string    `json:"user_id"`
	Workload     string    `json:"workload"`
	Availability string    `json:"availability"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type HistoryEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	PriorState State     `json:"prior_state"`
	NewState   State     `json:"new_state"`
	ChangedAt  time.Time `json:"changed_at"`
}

type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type TeamMember struct {
	TeamID  string    `json:"team_id"`
	UserID  string    `json:"user_id"`
	AddedAt time.Time `json:"added_at"`
}

type TensionMetrics struct {
	OverloadPercentage         float64 `json:"overload_percentage"`
	RequestToAvailabilityRatio float64 `json:"request_to_availability_ratio"`
	AverageDuration            float64 `json:"average_duration"`
	RefusalRate                float64 `json:"refusal_rate"`
}

// TensionSnapshot is one computed tension reading.
type TensionSnapshot struct {
	ID           string         `json:"id"`
	TeamID       string         `json:"team_id"`
	Level        string         `json:"level"`
	Metrics      TensionMetrics `json:"metrics"`
	CalculatedAt time.Time      `json:"calculated_at"`
}

type Reinforcement struct {
	ID             string    `json:"id"`
	TeamID         string    `json:"team_id"`
	RequiredSkills []string  `json:"required_skills"`
	UrgencyLevel   int       `json:"urgency_level"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

type ReinforcementResponse struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Response    string    `json:"response"`
	RespondedAt time.Time `json:"responded_at"`
}

type ReliabilityScore struct {
	UserID  string  `json:"user_id"`
	Score   float64 `json:"score"`
	Factors struct {
		Stability              float64 `json:"stability"`
		Responsiveness         float64 `json:"responsiveness"`
		DeclarativeConsistency float64 `json:"declarative_consistency"`
	} `json:"factors"`
	CalculatedAt time.Time `json:"calculated_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Alert struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	TargetRole string    `json:"target_role,omitempty"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Me describes the authenticated caller.
type Me struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Channels    []string `json:"channels"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts error.code from the response envelope.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &env) != nil {
		return ""
	}
	return env.Error.Code
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevToken mints a token through the dev login endpoint, when the server allows it.
func (c *Client) DevToken(ctx context.Context, userID, email, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/token", map[string]any{"user_id": userID, "email": email, "role": role}, &resp)
	return resp.Token, err
}

func (c *Client) CreateState(ctx context.Context, userID string) (HumanState, error) {
	var resp HumanState
	err := c.do(ctx, http.MethodPost, userPath(userID, "state"), nil, &resp)
	return resp, err
}

func (c *Client) GetState(ctx context.Context, userID string) (HumanState, error) {
	var resp HumanState
	err := c.do(ctx, http.MethodGet, userPath(userID, "state"), nil, &resp)
	return resp, err
}

// UpdateState sends a partial declaration; empty strings are omitted.
func (c *Client) UpdateState(ctx context.Context, userID, workload, availability string) (HumanState, error) {
	body := map[string]any{}
	if workload != "" {
		body["workload"] = workload
	}
	if availability != "" {
		body["availability"] = availability
	}
	var resp HumanState
	err := c.do(ctx, http.MethodPatch, userPath(userID, "state"), body, &resp)
	return resp, err
}

func (c *Client) StateHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	endpoint := userPath(userID, "state/history")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp listResponse[HistoryEntry]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Reliability(ctx context.Context, userID string) (ReliabilityScore, error) {
	var resp ReliabilityScore
	err := c.do(ctx, http.MethodGet, userPath(userID, "reliability"), nil, &resp)
	return resp, err
}

func (c *Client) CreateTeam(ctx context.Context, id, name string) (Team, error) {
	var resp Team
	err := c.do(ctx, http.MethodPost, "teams", map[string]any{"id": id, "name": name}, &resp)
	return resp, err
}

func (c *Client) Teams(ctx context.Context) ([]Team, error) {
	var resp listResponse[Team]
	err := c.do(ctx, http.MethodGet, "teams", nil, &resp)
	return resp.Items, err
}

func (c *Client) AddMember(ctx context.Context, teamID, userID string) (TeamMember, error) {
	var resp TeamMember
	err := c.do(ctx, http.MethodPost, teamPath(teamID, "members"), map[string]any{"user_id": userID}, &resp)
	return resp, err
}

func (c *Client) RemoveMember(ctx context.Context, teamID, userID string) error {
	return c.do(ctx, http.MethodDelete, teamPath(teamID, "members/"+url.PathEscape(userID)), nil, nil)
}

func (c *Client) Members(ctx context.Context, teamID string) ([]TeamMember, error) {
	var resp listResponse[TeamMember]
	err := c.do(ctx, http.MethodGet, teamPath(teamID, "members"), nil, &resp)
	return resp.Items, err
}

// ComputeTension returns nil when the team has no members.
func (c *Client) ComputeTension(ctx context.Context, teamID string) (*TensionSnapshot, error) {
	var resp struct {
		Computed bool             `json:"computed"`
		Snapshot *TensionSnapshot `json:"snapshot"`
	}
	err := c.do(ctx, http.MethodPost, teamPath(teamID, "tension"), nil, &resp)
	return resp.Snapshot, err
}

func (c *Client) Tension(ctx context.Context, teamID string) (TensionSnapshot, error) {
	var resp TensionSnapshot
	err := c.do(ctx, http.MethodGet, teamPath(teamID, "tension"), nil, &resp)
	return resp, err
}

func (c *Client) TensionHistory(ctx context.Context, teamID string, limit int) ([]TensionSnapshot, error) {
	endpoint := teamPath(teamID, "tension/history")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp listResponse[TensionSnapshot]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) CreateReinforcement(ctx context.Context, teamID string, skills []string, urgency int, expiresAt time.Time) (Reinforcement, error) {
	body := map[string]any{
		"team_id":         teamID,
		"required_skills": skills,
		"urgency_level":   urgency,
		"expires_at":      expiresAt.UTC().Format(time.RFC3339),
	}
	var resp Reinforcement
	err := c.do(ctx, http.MethodPost, "reinforcements", body, &resp)
	return resp, err
}

// Reinforcements lists a team's requests, or every open request when teamID is empty.
func (c *Client) Reinforcements(ctx context.Context, teamID string) ([]Reinforcement, error) {
	endpoint := "reinforcements"
	if teamID != "" {
		endpoint += "?team_id=" + url.QueryEscape(teamID)
	}
	var resp listResponse[Reinforcement]
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Respond(ctx context.Context, requestID, response string) (ReinforcementResponse, error) {
	var resp ReinforcementResponse
	endpoint := fmt.Sprintf("reinforcements/%s/responses", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"response": response}, &resp)
	return resp, err
}

func (c *Client) ExpireReinforcements(ctx context.Context) ([]Reinforcement, error) {
	var resp struct {
		Expired []Reinforcement `json:"expired"`
	}
	err := c.do(ctx, http.MethodPost, "reinforcements/expire", nil, &resp)
	return resp.Expired, err
}

func (c *Client) Settings(ctx context.Context) ([]Setting, error) {
	var resp listResponse[Setting]
	err := c.do(ctx, http.MethodGet, "settings", nil, &resp)
	return resp.Items, err
}

func (c *Client) SetSetting(ctx context.Context, key, value string) (Setting, error) {
	var resp Setting
	err := c.do(ctx, http.MethodPut, "settings/"+url.PathEscape(key), map[string]any{"value": value}, &resp)
	return resp, err
}

func (c *Client) CreateAlert(ctx context.Context, userID, targetRole, severity, message string) (Alert, error) {
	body := map[string]any{"message": message}
	if userID != "" {
		body["user_id"] = userID
	}
	if targetRole != "" {
		body["target_role"] = targetRole
	}
	if severity != "" {
		body["severity"] = severity
	}
	var resp Alert
	err := c.do(ctx, http.MethodPost, "alerts", body, &resp)
	return resp, err
}

func (c *Client) Alerts(ctx context.Context) ([]Alert, error) {
	var resp listResponse[Alert]
	err := c.do(ctx, http.MethodGet, "alerts", nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func userPath(userID, p string) string {
	return fmt.Sprintf("users/%s/%s", url.PathEscape(userID), p)
}

func teamPath(teamID, p string) string {
	return fmt.Sprintf("teams/%s/%s", url.PathEscape(teamID), p)
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
