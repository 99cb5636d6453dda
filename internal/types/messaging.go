package types

import "time"

// AlertMessage is the SQS payload sent from the engine to the alert delivery
// worker. JSON tags use snake_case to match the rest of the backend.
type AlertMessage struct {
	AlertID    string    `json:"alert_id"`
	Kind       AlertKind `json:"kind"`
	ChildID    string    `json:"child_id"`
	GuardianID string    `json:"guardian_id"`
	Timestamp  time.Time `json:"timestamp"`

	// Presentation is rendered by the engine so the worker does not need to
	// look up child names or guardian preferences again.
	Title   string `json:"title"`
	Body    string `json:"body"`
	SoundID string `json:"sound_id"`

	// RetryCount carries the delivery attempt number across re-publishes.
	RetryCount int `json:"retry_count"`

	TraceID string         `json:"trace_id"`
	Payload map[string]any `json:"payload,omitempty"`
}
