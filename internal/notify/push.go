package notify

import (
	"context"
	"fmt"

	"safewatch/internal/types"
)

// PushGateway is the subset of the push client used by PushSink.
type PushGateway interface {
	SendAlert(ctx context.Context, recipient, title, body, sound string) error
	SendHaptic(ctx context.Context, recipient string, pattern types.HapticPattern) error
}

// DeliveryMetrics records push delivery outcomes.
type DeliveryMetrics interface {
	RecordDelivery(ctx context.Context, success bool)
}

// PushSink delivers presentations through the push gateway.
type PushSink struct {
	gateway PushGateway
	metrics DeliveryMetrics
	logger  types.Logger
}

// Compile-time assertion that PushSink implements Sink.
var _ Sink = (*PushSink)(nil)

// NewPushSink returns a PushSink. metrics may be nil.
func NewPushSink(gateway PushGateway, metrics DeliveryMetrics, logger types.Logger) *PushSink {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &PushSink{gateway: gateway, metrics: metrics, logger: logger}
}

func (s *PushSink) PresentAlert(ctx context.Context, p Presentation) error {
	if p.Recipient == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "presentation has no recipient", nil)
	}
	err := s.gateway.SendAlert(ctx, p.Recipient, p.Title, p.Body, p.SoundID)
	s.record(ctx, err == nil)
	if err != nil {
		s.logger.Warn("push delivery failed", "recipient", p.Recipient, "title", p.Title, "error", err)
		return fmt.Errorf("push alert to %s: %w", p.Recipient, err)
	}
	return nil
}

func (s *PushSink) TriggerHaptic(ctx context.Context, recipient string, pattern types.HapticPattern) error {
	if err := s.gateway.SendHaptic(ctx, recipient, pattern); err != nil {
		s.logger.Warn("push haptic failed", "recipient", recipient, "pattern", string(pattern), "error", err)
		return fmt.Errorf("push haptic to %s: %w", recipient, err)
	}
	return nil
}

func (s *PushSink) record(ctx context.Context, ok bool) {
	if s.metrics != nil {
		s.metrics.RecordDelivery(ctx, ok)
	}
}
