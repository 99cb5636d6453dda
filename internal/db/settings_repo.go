package db

import (
	"context"

	"safewatch/internal/types"
)

// SettingsRepository stores guardian notification preferences per child.
type SettingsRepository struct {
	db DBTX
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the guardian's settings for a child. A guardian who never
// saved preferences gets types.DefaultNotificationSettings.
func (r *SettingsRepository) Get(ctx context.Context, guardianID, childID string) (types.NotificationSettings, error) {
	var s types.NotificationSettings
	err := r.db.QueryRow(ctx,
		`SELECT safe_zone_alert, unsafe_zone_alert, low_battery_alert,
		        watch_removed_alert, new_connection_request, sound,
		        low_battery_threshold
		 FROM notification_settings
		 WHERE guardian_id = $1 AND child_id = $2`,
		guardianID, childID,
	).Scan(
		&s.SafeZoneAlert,
		&s.UnsafeZoneAlert,
		&s.LowBatteryAlert,
		&s.WatchRemovedAlert,
		&s.NewConnectionRequest,
		&s.Sound,
		&s.LowBatteryThreshold,
	)
	if err != nil {
		if isNoRows(err) {
			return types.DefaultNotificationSettings(), nil
		}
		return types.NotificationSettings{}, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification settings", err)
	}
	return s, nil
}

// Upsert saves the guardian's settings for a child. The threshold must be
// within the slider bounds.
func (r *SettingsRepository) Upsert(ctx context.Context, guardianID, childID string, s types.NotificationSettings) error {
	if s.LowBatteryThreshold < types.MinLowBatteryThreshold || s.LowBatteryThreshold > types.MaxLowBatteryThreshold {
		return types.NewAppError(types.ErrCodeValidationThresholdRange,
			"low battery threshold must be between 10 and 50", nil)
	}
	if s.Sound == "" {
		s.Sound = "default"
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO notification_settings
		 (guardian_id, child_id, safe_zone_alert, unsafe_zone_alert, low_battery_alert,
		  watch_removed_alert, new_connection_request, sound, low_battery_threshold, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		 ON CONFLICT (guardian_id, child_id) DO UPDATE SET
		  safe_zone_alert = EXCLUDED.safe_zone_alert,
		  unsafe_zone_alert = EXCLUDED.unsafe_zone_alert,
		  low_battery_alert = EXCLUDED.low_battery_alert,
		  watch_removed_alert = EXCLUDED.watch_removed_alert,
		  new_connection_request = EXCLUDED.new_connection_request,
		  sound = EXCLUDED.sound,
		  low_battery_threshold = EXCLUDED.low_battery_threshold,
		  updated_at = NOW()`,
		guardianID, childID,
		s.SafeZoneAlert,
		s.UnsafeZoneAlert,
		s.LowBatteryAlert,
		s.WatchRemovedAlert,
		s.NewConnectionRequest,
		s.Sound,
		s.LowBatteryThreshold,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save notification settings", err)
	}
	return nil
}
