package db

import (
	"context"

	"safewatch/internal/types"
)

// WatermarkRepository persists each guardian's last-processed alert cursor.
type WatermarkRepository struct {
	db DBTX
}

// NewWatermarkRepository creates a new WatermarkRepository.
func NewWatermarkRepository(db DBTX) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Get returns the stored cursor, or the zero cursor if none exists.
func (r *WatermarkRepository) Get(ctx context.Context, guardianID string) (types.AlertCursor, error) {
	var c types.AlertCursor
	err := r.db.QueryRow(ctx,
		`SELECT last_seq, watermark FROM alert_watermarks WHERE guardian_id = $1`,
		guardianID,
	).Scan(&c.Seq, &c.Timestamp)
	if err != nil {
		if isNoRows(err) {
			return types.AlertCursor{}, nil
		}
		return types.AlertCursor{}, types.NewAppError(types.ErrCodeInternalDB, "failed to get alert watermark", err)
	}
	c.Timestamp = c.Timestamp.UTC()
	return c, nil
}

// Advance stores c, keeping the greater of the stored and new value for each
// column. The cursor never moves backwards.
func (r *WatermarkRepository) Advance(ctx context.Context, guardianID string, c types.AlertCursor) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO alert_watermarks (guardian_id, last_seq, watermark, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (guardian_id) DO UPDATE
		 SET last_seq = GREATEST(alert_watermarks.last_seq, EXCLUDED.last_seq),
		     watermark = GREATEST(alert_watermarks.watermark, EXCLUDED.watermark),
		     updated_at = NOW()`,
		guardianID, c.Seq, c.Timestamp,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance alert watermark", err)
	}
	return nil
}
