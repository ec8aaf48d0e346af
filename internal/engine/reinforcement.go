package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/repo"
)

// CheckResponse decides whether a response to req is allowed at now.
func CheckResponse(req domain.ReinforcementRequest, now time.Time, alreadyResponded bool) error {
	if req.Status != domain.RequestOpen {
		return fmt.Errorf("request %s is %s: %w", req.ID, req.Status, ErrInvalidState)
	}
	if req.ExpiresAt.Before(now) {
		return fmt.Errorf("request %s expired at %s: %w", req.ID, req.ExpiresAt.Format(time.RFC3339), ErrInvalidState)
	}
	if alreadyResponded {
		return ErrAlreadyResponded
	}
	return nil
}

// ExpireIfDue returns req moved to EXPIRED when it is OPEN and past its expiry.
func ExpireIfDue(req domain.ReinforcementRequest, now time.Time) (domain.ReinforcementRequest, bool) {
	if req.Status != domain.RequestOpen || !req.ExpiresAt.Before(now) {
		return req, false
	}
	req.Status = domain.RequestExpired
	return req, true
}

func ensureRequestTransition(from, to domain.RequestStatus) error {
	if from == to {
		return nil
	}
	switch from {
	case domain.RequestOpen:
		if to == domain.RequestClosed || to == domain.RequestExpired {
			return nil
		}
	}
	return fmt.Errorf("invalid request status transition %s -> %s: %w", from, to, ErrInvalidState)
}

func normalizeSkills(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func validateUrgency(u int) error {
	if u < 1 || u > 10 {
		return fmt.Errorf("urgency level %d out of range 1..10: %w", u, ErrInvalidInput)
	}
	return nil
}

type CreateReinforcementOptions struct {
	TeamID         string
	RequiredSkills []string
	UrgencyLevel   int
	ExpiresAt      time.Time
}

func (e Engine) CreateReinforcement(ctx context.Context, opts CreateReinforcementOptions) (domain.ReinforcementRequest, error) {
	if err := validateUrgency(opts.UrgencyLevel); err != nil {
		return domain.ReinforcementRequest{}, err
	}
	now := e.now()
	if !opts.ExpiresAt.After(now) {
		return domain.ReinforcementRequest{}, fmt.Errorf("expires_at must be in the future: %w", ErrInvalidInput)
	}
	if _, err := e.Stores.Teams.FindByID(ctx, opts.TeamID); err != nil {
		return domain.ReinforcementRequest{}, fmt.Errorf("team %s: %w", opts.TeamID, err)
	}
	req := domain.ReinforcementRequest{
		ID:             newID(),
		TeamID:         opts.TeamID,
		RequiredSkills: normalizeSkills(opts.RequiredSkills),
		UrgencyLevel:   opts.UrgencyLevel,
		Status:         domain.RequestOpen,
		ExpiresAt:      opts.ExpiresAt.UTC(),
		CreatedAt:      now,
	}
	if err := e.Stores.Requests.Create(ctx, req); err != nil {
		return domain.ReinforcementRequest{}, fmt.Errorf("insert reinforcement request: %w", err)
	}
	e.publish(ctx, events.NewReinforcementRequested(now, req.ID, req.TeamID, req.RequiredSkills, req.UrgencyLevel))
	return req, nil
}

// Respond records userID's answer to an open, unexpired request. The request
// status is left untouched except when the attempt finds it overdue, in which
// case it is persisted as EXPIRED.
func (e Engine) Respond(ctx context.Context, requestID, userID string, kind domain.ResponseKind) (domain.ReinforcementResponse, error) {
	if !kind.Valid() {
		return domain.ReinforcementResponse{}, fmt.Errorf("response %q: %w", kind, ErrInvalidInput)
	}
	req, err := e.Stores.Requests.FindByID(ctx, requestID)
	if err != nil {
		return domain.ReinforcementResponse{}, fmt.Errorf("reinforcement request %s: %w", requestID, err)
	}
	_, err = e.Stores.Responses.FindByUserResponse(ctx, requestID, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.ReinforcementResponse{}, err
	}
	now := e.now()
	if err := CheckResponse(req, now, err == nil); err != nil {
		if _, ok := ExpireIfDue(req, now); ok {
			if _, uerr := e.Stores.Requests.ExpireIfOpen(ctx, req.ID); uerr != nil {
				e.logger().Warn("mark request expired failed", "request_id", req.ID, "err", uerr)
			}
		}
		return domain.ReinforcementResponse{}, err
	}
	resp := domain.ReinforcementResponse{
		ID:          newID(),
		RequestID:   requestID,
		UserID:      userID,
		Response:    kind,
		RespondedAt: now,
	}
	if err := e.Stores.Responses.Create(ctx, resp); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.ReinforcementResponse{}, ErrAlreadyResponded
		}
		return domain.ReinforcementResponse{}, fmt.Errorf("insert reinforcement response: %w", err)
	}
	e.publish(ctx, events.NewReinforcementResponse(now, requestID, userID, kind))
	return resp, nil
}

// ReinforcementPatch holds administrative corrections; nil fields are left as is.
type ReinforcementPatch struct {
	RequiredSkills *[]string
	UrgencyLevel   *int
	ExpiresAt      *time.Time
	Status         *domain.RequestStatus
}

func (e Engine) UpdateReinforcement(ctx context.Context, id string, patch ReinforcementPatch) (domain.ReinforcementRequest, error) {
	req, err := e.Stores.Requests.FindByID(ctx, id)
	if err != nil {
		return req, fmt.Errorf("reinforcement request %s: %w", id, err)
	}
	if patch.RequiredSkills != nil {
		req.RequiredSkills = normalizeSkills(*patch.RequiredSkills)
	}
	if patch.UrgencyLevel != nil {
		if err := validateUrgency(*patch.UrgencyLevel); err != nil {
			return req, err
		}
		req.UrgencyLevel = *patch.UrgencyLevel
	}
	if patch.ExpiresAt != nil {
		req.ExpiresAt = patch.ExpiresAt.UTC()
	}
	if patch.Status != nil {
		if err := ensureRequestTransition(req.Status, *patch.Status); err != nil {
			return req, err
		}
		req.Status = *patch.Status
	}
	if err := e.Stores.Requests.Update(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

func (e Engine) DeleteReinforcement(ctx context.Context, id string) error {
	if err := e.Stores.Requests.Delete(ctx, id); err != nil {
		return fmt.Errorf("reinforcement request %s: %w", id, err)
	}
	return nil
}

// ExpireOverdue moves every overdue OPEN request to EXPIRED and returns them.
func (e Engine) ExpireOverdue(ctx context.Context) ([]domain.ReinforcementRequest, error) {
	now := e.now()
	due, err := e.Stores.Requests.FindExpiredRequests(ctx, now)
	if err != nil {
		return nil, err
	}
	var expired []domain.ReinforcementRequest
	for _, req := range due {
		next, ok := ExpireIfDue(req, now)
		if !ok {
			continue
		}
		moved, err := e.Stores.Requests.ExpireIfOpen(ctx, req.ID)
		if err != nil {
			return expired, fmt.Errorf("expire request %s: %w", req.ID, err)
		}
		if !moved {
			e.logger().Debug("request left OPEN before expiry", "request_id", req.ID)
			continue
		}
		expired = append(expired, next)
	}
	if len(expired) > 0 {
		e.logger().Info("expired reinforcement requests", "count", len(expired))
	}
	return expired, nil
}

func (e Engine) GetReinforcement(ctx context.Context, id string) (domain.ReinforcementRequest, error) {
	req, err := e.Stores.Requests.FindByID(ctx, id)
	if err != nil {
		return req, fmt.Errorf("reinforcement request %s: %w", id, err)
	}
	return req, nil
}

// ListReinforcements returns the requests of teamID, or every open request when teamID is empty.
func (e Engine) ListReinforcements(ctx context.Context, teamID string) ([]domain.ReinforcementRequest, error) {
	if teamID == "" {
		return e.Stores.Requests.FindOpenRequests(ctx)
	}
	return e.Stores.Requests.FindByTeamID(ctx, teamID)
}

func (e Engine) ListResponses(ctx context.Context, requestID string) ([]domain.ReinforcementResponse, error) {
	if _, err := e.GetReinforcement(ctx, requestID); err != nil {
		return nil, err
	}
	return e.Stores.Responses.FindByRequestID(ctx, requestID)
}
