package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/repo"
)

func (e Engine) CreateTeam(ctx context.Context, id, name string) (domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Team{}, fmt.Errorf("team name required: %w", ErrInvalidInput)
	}
	if id == "" {
		id = newID()
	}
	t := domain.Team{ID: id, Name: name, CreatedAt: e.now()}
	if err := e.Stores.Teams.Create(ctx, t); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Team{}, fmt.Errorf("team %s already exists: %w", id, ErrInvalidState)
		}
		return domain.Team{}, fmt.Errorf("insert team: %w", err)
	}
	return t, nil
}

func (e Engine) ListTeams(ctx context.Context) ([]domain.Team, error) {
	return e.Stores.Teams.List(ctx)
}

func (e Engine) AddTeamMember(ctx context.Context, teamID, userID string) (domain.TeamMember, error) {
	if _, err := e.Stores.Teams.FindByID(ctx, teamID); err != nil {
		return domain.TeamMember{}, fmt.Errorf("team %s: %w", teamID, err)
	}
	m := domain.TeamMember{TeamID: teamID, UserID: userID, AddedAt: e.now()}
	if err := e.Stores.Teams.AddMember(ctx, m); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.TeamMember{}, fmt.Errorf("%s already in team %s: %w", userID, teamID, ErrInvalidState)
		}
		return domain.TeamMember{}, err
	}
	e.publish(ctx, events.NewTeamMemberAdded(m.AddedAt, teamID, userID))
	return m, nil
}

func (e Engine) RemoveTeamMember(ctx context.Context, teamID, userID string) error {
	if err := e.Stores.Teams.RemoveMember(ctx, teamID, userID); err != nil {
		return fmt.Errorf("member %s of team %s: %w", userID, teamID, err)
	}
	e.publish(ctx, events.NewTeamMemberRemoved(e.now(), teamID, userID))
	return nil
}

func (e Engine) TeamMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	if _, err := e.Stores.Teams.FindByID(ctx, teamID); err != nil {
		return nil, fmt.Errorf("team %s: %w", teamID, err)
	}
	return e.Stores.Teams.Members(ctx, teamID)
}
