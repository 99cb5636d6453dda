package db

import (
	"context"

	"safewatch/internal/types"
)

// ZoneRepository reads a child's geofences. Zones are managed by the
// guardian app; the engine only reads them.
type ZoneRepository struct {
	db DBTX
}

// NewZoneRepository creates a new ZoneRepository.
func NewZoneRepository(db DBTX) *ZoneRepository {
	return &ZoneRepository{db: db}
}

// ListByChild returns a child's zones in evaluation order.
func (r *ZoneRepository) ListByChild(ctx context.Context, childID string) ([]types.Zone, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, child_id, name, lat, lon, radius_meters, is_safe
		 FROM zones
		 WHERE child_id = $1
		 ORDER BY position ASC, id ASC`,
		childID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list zones", err)
	}
	defer rows.Close()

	var zones []types.Zone
	for rows.Next() {
		var z types.Zone
		if err := rows.Scan(&z.ID, &z.ChildID, &z.Name, &z.Center.Lat, &z.Center.Lon, &z.RadiusMeters, &z.IsSafe); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan zone row", err)
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating zone rows", err)
	}
	return zones, nil
}
