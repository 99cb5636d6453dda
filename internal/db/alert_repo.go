package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"safewatch/internal/types"
)

// DefaultListLimit caps list queries when the caller passes a non-positive
// limit.
const DefaultListLimit = 100

// AlertRepository provides data access for the alerts table. Alerts are
// append-only except for the dismissed flag.
type AlertRepository struct {
	db DBTX
}

// NewAlertRepository creates a new AlertRepository backed by the given
// database connection (pool or transaction).
func NewAlertRepository(db DBTX) *AlertRepository {
	return &AlertRepository{db: db}
}

// Create inserts an alert and assigns it the guardian's next sequence.
// Re-posting the same ID is a no-op so a retried submit cannot create a
// duplicate; it only burns a sequence number.
func (r *AlertRepository) Create(ctx context.Context, a types.Alert) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidAlert, "alert payload is not serializable", err)
	}
	if a.Payload == nil {
		payload = []byte("{}")
	}

	_, err = r.db.Exec(ctx,
		`WITH next AS (
			INSERT INTO alert_sequences (guardian_id, last_seq)
			VALUES ($4, 1)
			ON CONFLICT (guardian_id) DO UPDATE
			SET last_seq = alert_sequences.last_seq + 1
			RETURNING last_seq
		 )
		 INSERT INTO alerts (id, seq, kind, child_id, guardian_id, timestamp, payload, dismissed)
		 SELECT $1, next.last_seq, $2, $3, $4, $5, $6, $7 FROM next
		 ON CONFLICT (id) DO NOTHING`,
		a.ID,
		string(a.Kind),
		a.ChildID,
		a.GuardianID,
		a.Timestamp,
		payload,
		a.Dismissed,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create alert", err)
	}
	return nil
}

// ListAfter returns up to limit of a guardian's alerts with a sequence
// greater than afterSeq, in sequence order. Pass 0 to read from the start.
func (r *AlertRepository) ListAfter(ctx context.Context, guardianID string, afterSeq int64, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, seq, kind, child_id, guardian_id, timestamp, payload, dismissed
		 FROM alerts
		 WHERE guardian_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		guardianID, afterSeq, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list alerts", err)
	}
	return scanAlerts(rows)
}

// ListSince returns up to limit of a guardian's alerts stamped strictly after
// since, oldest first. It backs the history endpoint; listeners page with
// ListAfter instead.
func (r *AlertRepository) ListSince(ctx context.Context, guardianID string, since time.Time, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, seq, kind, child_id, guardian_id, timestamp, payload, dismissed
		 FROM alerts
		 WHERE guardian_id = $1 AND timestamp > $2
		 ORDER BY timestamp ASC, seq ASC
		 LIMIT $3`,
		guardianID, since, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list alerts", err)
	}
	return scanAlerts(rows)
}

func scanAlerts(rows pgx.Rows) ([]types.Alert, error) {
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		var (
			a       types.Alert
			kind    string
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.Seq, &kind, &a.ChildID, &a.GuardianID, &a.Timestamp, &payload, &a.Dismissed); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan alert row", err)
		}
		a.Kind = types.AlertKind(kind)
		a.Timestamp = a.Timestamp.UTC()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &a.Payload); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode alert payload", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating alert rows", err)
	}
	return out, nil
}

// MarkDismissed sets the dismissed flag. The alert must belong to guardianID.
func (r *AlertRepository) MarkDismissed(ctx context.Context, guardianID, alertID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE alerts SET dismissed = TRUE WHERE id = $1 AND guardian_id = $2`,
		alertID, guardianID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to dismiss alert", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAlert, "alert not found", nil)
	}
	return nil
}
