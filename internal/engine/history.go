package engine

import (
	"context"

	"loadline/internal/domain"
	"loadline/internal/events"
)

// archiveStateChange appends one history row per HumanStateUpdated. Failures
// are logged and swallowed so the original state update is unaffected.
func (e Engine) archiveStateChange(ctx context.Context, evt events.Event) error {
	u, ok := evt.(events.HumanStateUpdated)
	if !ok {
		return nil
	}
	entry := domain.HumanStateHistoryEntry{
		ID:         newID(),
		UserID:     u.UserID,
		PriorState: u.PreviousState,
		NewState:   u.NewState,
		ChangedAt:  u.OccurredAt(),
	}
	if err := e.Stores.History.Create(ctx, entry); err != nil {
		e.logger().Error("archive state change failed", "user_id", u.UserID, "err", err)
	}
	return nil
}

func (e Engine) StateHistory(ctx context.Context, userID string, limit int) ([]domain.HumanStateHistoryEntry, error) {
	return e.Stores.History.FindByUserID(ctx, userID, limit)
}
