package engine

import (
	"context"
	"errors"
	"fmt"

	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/repo"
)

const (
	// churnThreshold is the history length above which stability degrades.
	churnThreshold = 20

	stabilitySteady        = 1.0
	stabilityChurning      = 0.8
	responsivenessConstant = 0.8
	consistencyConstant    = 0.9

	weightStability      = 0.3
	weightResponsiveness = 0.3
	weightConsistency    = 0.4
)

// ReliabilityBounds clamp every computed score.
type ReliabilityBounds struct {
	Min float64
	Max float64
}

func (b ReliabilityBounds) clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// ComputeReliability scores a user from the length of their recent state history.
// Responsiveness and declarative consistency are fixed until real signals exist.
func ComputeReliability(historyLen int, b ReliabilityBounds) (float64, domain.ReliabilityFactors) {
	f := domain.ReliabilityFactors{
		Stability:              stabilitySteady,
		Responsiveness:         responsivenessConstant,
		DeclarativeConsistency: consistencyConstant,
	}
	if historyLen > churnThreshold {
		f.Stability = stabilityChurning
	}
	score := weightStability*f.Stability + weightResponsiveness*f.Responsiveness + weightConsistency*f.DeclarativeConsistency
	return b.clamp(score), f
}

// ReliabilityBounds returns the configured bounds overridden by RH settings.
// Overrides outside 0 <= min <= max <= 1 fall back to the configured bounds.
func (e Engine) ReliabilityBounds(ctx context.Context) (ReliabilityBounds, error) {
	values, err := e.numericSettings(ctx)
	if err != nil {
		return e.configuredBounds(), err
	}
	b := e.mergeBounds(values)
	if err := b.validate(); err != nil {
		e.logger().Warn("reliability overrides invalid, using configured bounds", "min", b.Min, "max", b.Max)
		return e.configuredBounds(), nil
	}
	return b, nil
}

func (e Engine) configuredBounds() ReliabilityBounds {
	return ReliabilityBounds{Min: e.Config.Reliability.MinScore, Max: e.Config.Reliability.MaxScore}
}

func (e Engine) mergeBounds(values map[string]float64) ReliabilityBounds {
	b := e.configuredBounds()
	if v, ok := values[SettingReliabilityMin]; ok {
		b.Min = v
	}
	if v, ok := values[SettingReliabilityMax]; ok {
		b.Max = v
	}
	return b
}

func (b ReliabilityBounds) validate() error {
	if b.Min < 0 || b.Max > 1 || b.Min > b.Max {
		return fmt.Errorf("reliability bounds must satisfy 0 <= min <= max <= 1")
	}
	return nil
}

// RecomputeReliability appends a fresh score for userID.
func (e Engine) RecomputeReliability(ctx context.Context, userID string) (domain.ReliabilityScore, error) {
	window := e.Config.Reliability.HistoryWindow
	if window <= 0 {
		window = 50
	}
	history, err := e.Stores.History.FindByUserID(ctx, userID, window)
	if err != nil {
		return domain.ReliabilityScore{}, fmt.Errorf("load history: %w", err)
	}
	bounds, err := e.ReliabilityBounds(ctx)
	if err != nil {
		return domain.ReliabilityScore{}, err
	}
	score, factors := ComputeReliability(len(history), bounds)
	s := domain.ReliabilityScore{
		ID:           newID(),
		UserID:       userID,
		Score:        score,
		Factors:      factors,
		CalculatedAt: e.now(),
	}
	if err := e.Stores.Reliability.Create(ctx, s); err != nil {
		return domain.ReliabilityScore{}, err
	}
	return s, nil
}

// recomputeOnEvent never fails the publisher: errors are logged and dropped.
func (e Engine) recomputeOnEvent(ctx context.Context, evt events.Event) error {
	userID, ok := events.SubjectUserID(evt)
	if !ok {
		return nil
	}
	if _, err := e.RecomputeReliability(ctx, userID); err != nil {
		e.logger().Error("reliability recompute failed", "event", evt.Name(), "user_id", userID, "err", err)
	}
	return nil
}

func (e Engine) LatestReliability(ctx context.Context, userID string) (domain.ReliabilityScore, error) {
	s, err := e.Stores.Reliability.FindLatestByUserID(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return s, fmt.Errorf("reliability for user %s: %w", userID, err)
	}
	return s, err
}
