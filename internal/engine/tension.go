package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"loadline/internal/config"
	"loadline/internal/domain"
	"loadline/internal/events"
	"loadline/internal/repo"
)

// Setting keys overriding the configured thresholds and bounds.
const (
	SettingOverloadModerate = "tension.overload.moderate"
	SettingOverloadHigh     = "tension.overload.high"
	SettingOverloadCritical = "tension.overload.critical"
	SettingRatioModerate    = "tension.ratio.moderate"
	SettingRatioHigh        = "tension.ratio.high"
	SettingRatioCritical    = "tension.ratio.critical"
	SettingReliabilityMin   = "reliability.score.min"
	SettingReliabilityMax   = "reliability.score.max"
)

func numericSetting(key string) bool {
	switch key {
	case SettingOverloadModerate, SettingOverloadHigh, SettingOverloadCritical,
		SettingRatioModerate, SettingRatioHigh, SettingRatioCritical,
		SettingReliabilityMin, SettingReliabilityMax:
		return true
	}
	return false
}

// TensionThresholds are the active percentage and ratio thresholds.
type TensionThresholds struct {
	Overload config.Thresholds
	Ratio    config.Thresholds
}

// ClassifyTension maps metrics to a level. It is pure: identical inputs always
// yield the identical level.
func ClassifyTension(m domain.TensionMetrics, th TensionThresholds) domain.TensionLevel {
	switch {
	case m.OverloadPercentage > th.Overload.Critical || m.RequestToAvailabilityRatio > th.Ratio.Critical:
		return domain.TensionCritical
	case m.OverloadPercentage > th.Overload.High || m.RequestToAvailabilityRatio > th.Ratio.High:
		return domain.TensionHigh
	case m.OverloadPercentage > th.Overload.Moderate || m.RequestToAvailabilityRatio > th.Ratio.Moderate:
		return domain.TensionModerate
	default:
		return domain.TensionLow
	}
}

// TeamMetrics derives the tension metrics from member states and open requests.
// averageDuration and refusalRate are not derived from data yet and stay 0.
func TeamMetrics(states []domain.HumanState, openRequests int) domain.TensionMetrics {
	members := len(states)
	if members == 0 {
		return domain.TensionMetrics{}
	}
	high := 0
	for _, s := range states {
		if s.Workload == domain.WorkloadHigh {
			high++
		}
	}
	return domain.TensionMetrics{
		OverloadPercentage:         100 * float64(high) / float64(members),
		RequestToAvailabilityRatio: float64(openRequests) / float64(members),
	}
}

// ComputeTension snapshots the tension of teamID and publishes the result.
// It returns nil without side effects when the team has no members.
func (e Engine) ComputeTension(ctx context.Context, teamID string) (*domain.TensionSnapshot, error) {
	if _, err := e.Stores.Teams.FindByID(ctx, teamID); err != nil {
		return nil, fmt.Errorf("team %s: %w", teamID, err)
	}
	states, err := e.Stores.HumanStates.FindByTeamID(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	requests, err := e.Stores.Requests.FindByTeamID(ctx, teamID)
	if err != nil {
		return nil, err
	}
	open := 0
	for _, r := range requests {
		if r.Status == domain.RequestOpen {
			open++
		}
	}
	metrics := TeamMetrics(states, open)
	th, err := e.TensionThresholds(ctx)
	if err != nil {
		return nil, err
	}
	snap := domain.TensionSnapshot{
		ID:           newID(),
		TeamID:       teamID,
		Level:        ClassifyTension(metrics, th),
		Metrics:      metrics,
		CalculatedAt: e.now(),
	}
	if err := e.Stores.Tension.Create(ctx, snap); err != nil {
		return nil, err
	}
	e.publish(ctx, events.NewTeamTensionComputed(snap.CalculatedAt, teamID, snap.Level, metrics))
	if snap.Level.Alarming() {
		e.publish(ctx, events.NewCriticalTensionDetected(snap.CalculatedAt, teamID, metrics))
	}
	return &snap, nil
}

// TensionThresholds returns the configured thresholds overridden by RH settings.
// An override set that breaks the ordering falls back to the configured thresholds.
func (e Engine) TensionThresholds(ctx context.Context) (TensionThresholds, error) {
	values, err := e.numericSettings(ctx)
	if err != nil {
		return e.configuredThresholds(), err
	}
	th := e.mergeThresholds(values)
	if err := th.validate(); err != nil {
		e.logger().Warn("tension overrides invalid, using configured thresholds", "err", err)
		return e.configuredThresholds(), nil
	}
	return th, nil
}

func (e Engine) configuredThresholds() TensionThresholds {
	return TensionThresholds{Overload: e.Config.Tension.Overload, Ratio: e.Config.Tension.Ratio}
}

func (e Engine) mergeThresholds(values map[string]float64) TensionThresholds {
	th := e.configuredThresholds()
	apply := func(key string, dst *float64) {
		if v, ok := values[key]; ok {
			*dst = v
		}
	}
	apply(SettingOverloadModerate, &th.Overload.Moderate)
	apply(SettingOverloadHigh, &th.Overload.High)
	apply(SettingOverloadCritical, &th.Overload.Critical)
	apply(SettingRatioModerate, &th.Ratio.Moderate)
	apply(SettingRatioHigh, &th.Ratio.High)
	apply(SettingRatioCritical, &th.Ratio.Critical)
	return th
}

func (th TensionThresholds) validate() error {
	if err := th.Overload.Validate(); err != nil {
		return fmt.Errorf("overload: %w", err)
	}
	if err := th.Ratio.Validate(); err != nil {
		return fmt.Errorf("ratio: %w", err)
	}
	return nil
}

// numericSettings loads every known numeric setting; unparsable or non-finite
// values are skipped.
func (e Engine) numericSettings(ctx context.Context) (map[string]float64, error) {
	all, err := e.Stores.Settings.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(all))
	for _, s := range all {
		if !numericSetting(s.Key) {
			continue
		}
		v, err := parseFinite(s.Value)
		if err != nil {
			e.logger().Warn("ignoring invalid numeric setting", "key", s.Key, "value", s.Value)
			continue
		}
		out[s.Key] = v
	}
	return out, nil
}

func parseFinite(value string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", value)
	}
	return v, nil
}

func (e Engine) LatestTension(ctx context.Context, teamID string) (domain.TensionSnapshot, error) {
	snap, err := e.Stores.Tension.FindLatestByTeamID(ctx, teamID)
	if errors.Is(err, repo.ErrNotFound) {
		return snap, fmt.Errorf("tension for team %s: %w", teamID, err)
	}
	return snap, err
}

func (e Engine) TensionHistory(ctx context.Context, teamID string, limit int) ([]domain.TensionSnapshot, error) {
	return e.Stores.Tension.FindByTeamID(ctx, teamID, limit)
}
