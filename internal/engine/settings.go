package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loadline/internal/domain"
	"loadline/internal/repo"
)

// SetSetting creates or overwrites key. Both paths write an audit row.
func (e Engine) SetSetting(ctx context.Context, key, value, actorID string) (domain.RHSetting, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.RHSetting{}, fmt.Errorf("setting key required: %w", ErrInvalidInput)
	}
	if numericSetting(key) {
		if err := e.checkNumericSetting(ctx, key, value); err != nil {
			return domain.RHSetting{}, err
		}
	}
	s := domain.RHSetting{Key: key, Value: value, UpdatedBy: actorID, UpdatedAt: e.now()}
	_, err := e.Stores.Settings.FindByKey(ctx, key)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		err = e.Stores.Settings.Create(ctx, s)
	case err == nil:
		err = e.Stores.Settings.Update(ctx, s)
	}
	if err != nil {
		return domain.RHSetting{}, fmt.Errorf("write setting %s: %w", key, err)
	}
	return s, nil
}

// checkNumericSetting validates value together with the other active overrides
// so the merged thresholds and bounds stay ordered.
func (e Engine) checkNumericSetting(ctx context.Context, key, value string) error {
	v, err := parseFinite(value)
	if err != nil {
		return fmt.Errorf("setting %s expects a finite number: %w", key, ErrInvalidInput)
	}
	values, err := e.numericSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	values[key] = v
	switch key {
	case SettingReliabilityMin, SettingReliabilityMax:
		err = e.mergeBounds(values).validate()
	default:
		err = e.mergeThresholds(values).validate()
	}
	if err != nil {
		return fmt.Errorf("setting %s=%s: %v: %w", key, value, err, ErrInvalidInput)
	}
	return nil
}

func (e Engine) GetSetting(ctx context.Context, key string) (domain.RHSetting, error) {
	s, err := e.Stores.Settings.FindByKey(ctx, key)
	if err != nil {
		return s, fmt.Errorf("setting %s: %w", key, err)
	}
	return s, nil
}

func (e Engine) ListSettings(ctx context.Context) ([]domain.RHSetting, error) {
	return e.Stores.Settings.FindAll(ctx)
}

func (e Engine) SettingHistory(ctx context.Context, key string) ([]domain.RHSettingChange, error) {
	return e.Stores.Settings.History(ctx, key)
}
