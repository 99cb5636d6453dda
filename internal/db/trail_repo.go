package db

import (
	"context"
	"time"

	"safewatch/internal/trail"
	"safewatch/internal/types"
)

// TrailRepository stores compressed location trail segments.
type TrailRepository struct {
	db DBTX
}

// NewTrailRepository creates a new TrailRepository.
func NewTrailRepository(db DBTX) *TrailRepository {
	return &TrailRepository{db: db}
}

// InsertSegment appends one segment.
func (r *TrailRepository) InsertSegment(ctx context.Context, seg trail.Segment) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO location_trails (child_id, started_at, ended_at, fix_count, data)
		 VALUES ($1, $2, $3, $4, $5)`,
		seg.ChildID, seg.StartedAt, seg.EndedAt, seg.Count, seg.Data,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert trail segment", err)
	}
	return nil
}

// ListSegments returns a child's segments overlapping [from, to], oldest
// first.
func (r *TrailRepository) ListSegments(ctx context.Context, childID string, from, to time.Time) ([]trail.Segment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT child_id, started_at, ended_at, fix_count, data
		 FROM location_trails
		 WHERE child_id = $1 AND ended_at >= $2 AND started_at <= $3
		 ORDER BY started_at ASC`,
		childID, from, to,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list trail segments", err)
	}
	defer rows.Close()

	var out []trail.Segment
	for rows.Next() {
		var s trail.Segment
		if err := rows.Scan(&s.ChildID, &s.StartedAt, &s.EndedAt, &s.Count, &s.Data); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan trail segment", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating trail rows", err)
	}
	return out, nil
}
