package external

import (
	"context"
	"net/http"

	"safewatch/internal/config"
	"safewatch/internal/notify"
	"safewatch/internal/types"
)

// Locator resolves a child's last known location.
type Locator interface {
	LastKnownLocation(ctx context.Context, childID string) (types.LatLon, error)
}

// ClientRegistry holds the outbound clients. Backend is nil when no backend
// URL is configured; pairing then runs against the local store.
type ClientRegistry struct {
	Backend *BackendClient
	Push    notify.PushGateway
	Locator Locator
}

// NewClientRegistry builds the clients from configuration. Services without
// a configured URL get stub implementations that log instead of calling out.
func NewClientRegistry(cfg *config.Config, logger types.Logger) *ClientRegistry {
	if logger == nil {
		logger = types.NopLogger{}
	}
	reg := &ClientRegistry{}

	if cfg.Backend.BaseURL != "" {
		reg.Backend = NewBackendClient(&http.Client{Timeout: cfg.Backend.Timeout}, BackendClientConfig{
			BaseURL:   cfg.Backend.BaseURL,
			APIKey:    cfg.Backend.APIKey.Unmask(),
			UserAgent: cfg.Backend.UserAgent,
			Logger:    logger.With("client", "backend"),
		})
		reg.Locator = reg.Backend
		logger.Info("backend client configured", "base_url", cfg.Backend.BaseURL)
	} else {
		reg.Locator = StubLocator{}
		logger.Info("no backend configured; pairing checks use the local store")
	}

	if cfg.Push.GatewayURL != "" {
		reg.Push = NewPushClient(&http.Client{Timeout: cfg.Push.Timeout}, PushClientConfig{
			GatewayURL: cfg.Push.GatewayURL,
			APIKey:     cfg.Push.APIKey.Unmask(),
			UserAgent:  cfg.Backend.UserAgent,
			Logger:     logger.With("client", "push"),
		})
	} else {
		reg.Push = NewStubPushGateway(logger.With("mode", "stub"))
		logger.Info("no push gateway configured; presentations are logged")
	}

	return reg
}
