// Package notify is the presentation side of the engine: turning alerts into
// user-facing text and handing them, together with haptic patterns, to the
// device that should show them.
package notify

import (
	"context"

	"safewatch/internal/types"
)

// Presentation is a rendered local alert.
type Presentation struct {
	AlertID string `json:"alert_id,omitempty"`
	// Recipient is the guardian or child the alert is shown to.
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	SoundID   string `json:"sound"`
}

// Sink presents alerts and haptic feedback on a device.
type Sink interface {
	PresentAlert(ctx context.Context, p Presentation) error
	TriggerHaptic(ctx context.Context, recipient string, pattern types.HapticPattern) error
}

// LogSink writes presentations to the logger instead of a device. It is used
// in local mode and as a fallback when no push gateway is configured.
type LogSink struct {
	logger types.Logger
}

// Compile-time assertion that LogSink implements Sink.
var _ Sink = (*LogSink)(nil)

// NewLogSink returns a LogSink.
func NewLogSink(logger types.Logger) *LogSink {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) PresentAlert(ctx context.Context, p Presentation) error {
	s.logger.Info("alert presented",
		"recipient", p.Recipient,
		"title", p.Title,
		"body", p.Body,
		"sound", p.SoundID,
		"request_id", types.GetRequestID(ctx),
	)
	return nil
}

func (s *LogSink) TriggerHaptic(_ context.Context, recipient string, pattern types.HapticPattern) error {
	s.logger.Info("haptic triggered", "recipient", recipient, "pattern", string(pattern))
	return nil
}
