package engine

import (
	"context"
	"errors"
	"fmt"

	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/repo"
)

// CreateHumanState onboards userID as NORMAL and AVAILABLE. No event is published.
func (e Engine) CreateHumanState(ctx context.Context, userID string) (domain.HumanState, error) {
	if userID == "" {
		return domain.HumanState{}, fmt.Errorf("user id required: %w", ErrInvalidInput)
	}
	s := domain.HumanState{
		UserID:    userID,
		State:     domain.State{Workload: domain.WorkloadNormal, Availability: domain.AvailabilityAvailable},
		UpdatedAt: e.now(),
	}
	if err := e.Stores.HumanStates.Create(ctx, s); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.HumanState{}, fmt.Errorf("human state for %s already exists: %w", userID, ErrInvalidState)
		}
		return domain.HumanState{}, err
	}
	return s, nil
}

func (e Engine) GetHumanState(ctx context.Context, userID string) (domain.HumanState, error) {
	s, err := e.Stores.HumanStates.FindByUserID(ctx, userID)
	if err != nil {
		return s, fmt.Errorf("human state %s: %w", userID, err)
	}
	return s, nil
}

// StatePatch is a partial state declaration.
type StatePatch struct {
	Workload     *domain.Workload
	Availability *domain.Availability
}

// UpdateHumanState persists the patched state and then publishes
// HumanStateUpdated. A patch that leaves the state unchanged publishes nothing.
func (e Engine) UpdateHumanState(ctx context.Context, userID string, patch StatePatch) (domain.HumanState, error) {
	if patch.Workload != nil && !patch.Workload.Valid() {
		return domain.HumanState{}, fmt.Errorf("workload %q: %w", *patch.Workload, ErrInvalidInput)
	}
	if patch.Availability != nil && !patch.Availability.Valid() {
		return domain.HumanState{}, fmt.Errorf("availability %q: %w", *patch.Availability, ErrInvalidInput)
	}
	current, err := e.GetHumanState(ctx, userID)
	if err != nil {
		return current, err
	}
	next := current
	if patch.Workload != nil {
		next.Workload = *patch.Workload
	}
	if patch.Availability != nil {
		next.Availability = *patch.Availability
	}
	if next.State == current.State {
		return current, nil
	}
	next.UpdatedAt = e.now()
	if err := e.Stores.HumanStates.Update(ctx, next); err != nil {
		return current, err
	}
	e.publish(ctx, events.NewHumanStateUpdated(next.UpdatedAt, userID, current.State, next.State))
	return next, nil
}
