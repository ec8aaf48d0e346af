package engine

import (
	"context"
	"fmt"
	"strings"

	"loadline/internal/domain"
	"loadline/internal/events"
)

// AlertOptions address an alert to a user, a role, or both.
type AlertOptions struct {
	UserID     string
	TargetRole domain.Role
	Severity   string
	Message    string
}

func validSeverity(s string) bool {
	switch s {
	case "info", "warning", "critical":
		return true
	}
	return false
}

func (e Engine) CreateAlert(ctx context.Context, opts AlertOptions) (domain.Alert, error) {
	if opts.UserID == "" && opts.TargetRole == "" {
		return domain.Alert{}, fmt.Errorf("alert needs a user or a target role: %w", ErrInvalidInput)
	}
	if opts.TargetRole != "" && !opts.TargetRole.Valid() {
		return domain.Alert{}, fmt.Errorf("role %q: %w", opts.TargetRole, ErrInvalidInput)
	}
	if opts.Severity == "" {
		opts.Severity = "info"
	}
	if !validSeverity(opts.Severity) {
		return domain.Alert{}, fmt.Errorf("severity %q: %w", opts.Severity, ErrInvalidInput)
	}
	if strings.TrimSpace(opts.Message) == "" {
		return domain.Alert{}, fmt.Errorf("alert message required: %w", ErrInvalidInput)
	}
	a := domain.Alert{ID: newID(), Severity: opts.Severity, Message: opts.Message, CreatedAt: e.now()}
	if opts.UserID != "" {
		uid := opts.UserID
		a.UserID = &uid
	}
	if opts.TargetRole != "" {
		role := opts.TargetRole
		a.TargetRole = &role
	}
	if err := e.Stores.Alerts.Create(ctx, a); err != nil {
		return domain.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	e.publish(ctx, events.NewAlertCreated(a.CreatedAt, a))
	return a, nil
}

func (e Engine) ListAlerts(ctx context.Context, userID string, role domain.Role, limit int) ([]domain.Alert, error) {
	return e.Stores.Alerts.ListFor(ctx, userID, role, limit)
}
