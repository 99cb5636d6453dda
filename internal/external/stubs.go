package external

import (
	"context"

	"safewatch/internal/notify"
	"safewatch/internal/types"
)

// StubPushGateway implements notify.PushGateway by logging calls. It is used
// when no push gateway is configured.
type StubPushGateway struct {
	logger types.Logger
}

var _ notify.PushGateway = (*StubPushGateway)(nil)

// NewStubPushGateway creates a StubPushGateway.
func NewStubPushGateway(logger types.Logger) *StubPushGateway {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &StubPushGateway{logger: logger}
}

func (s *StubPushGateway) SendAlert(_ context.Context, recipient, title, body, sound string) error {
	s.logger.Info("stub: SendAlert called",
		"recipient", recipient,
		"title", title,
		"body", body,
		"sound", sound,
	)
	return nil
}

func (s *StubPushGateway) SendHaptic(_ context.Context, recipient string, pattern types.HapticPattern) error {
	s.logger.Info("stub: SendHaptic called",
		"recipient", recipient,
		"pattern", string(pattern),
	)
	return nil
}

// StubLocator never knows a location. It is used when no backend is
// configured; SOS alerts then carry whatever fix the watch reported.
type StubLocator struct{}

func (StubLocator) LastKnownLocation(_ context.Context, childID string) (types.LatLon, error) {
	return types.LatLon{}, types.NewAppError(types.ErrCodeNotFoundChild, "no location known for child "+childID, nil)
}
