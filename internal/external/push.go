package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"safewatch/internal/notify"
	"safewatch/internal/types"
)

// PushClientConfig holds the configuration for creating a PushClient.
type PushClientConfig struct {
	GatewayURL string
	APIKey     string
	UserAgent  string
	Logger     types.Logger
}

// PushClient delivers notifications and haptic patterns to devices through
// the push gateway.
type PushClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  types.Logger
}

// Compile-time assertion that PushClient implements notify.PushGateway.
var _ notify.PushGateway = (*PushClient)(nil)

// NewPushClient creates a PushClient. Pushes are time sensitive, so the
// retry budget is smaller than the backend's.
func NewPushClient(httpClient *http.Client, cfg PushClientConfig, opts ...BaseClientOption) *PushClient {
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	base := NewBaseClient(
		httpClient,
		"push",
		types.ErrCodeUpstreamPush,
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    250 * time.Millisecond,
			MaxWait:    2 * time.Second,
		},
		cfg.UserAgent,
		opts...,
	)
	return &PushClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.GatewayURL, "/"),
		logger:  logger,
	}
}

type pushAlertPayload struct {
	Recipient string `json:"recipient"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Sound     string `json:"sound,omitempty"`
}

type pushHapticPayload struct {
	Recipient string              `json:"recipient"`
	Pattern   types.HapticPattern `json:"pattern"`
}

// SendAlert posts a visible notification to the recipient's devices.
func (c *PushClient) SendAlert(ctx context.Context, recipient, title, body, sound string) error {
	return c.post(ctx, "/v1/notifications", "SendAlert", pushAlertPayload{
		Recipient: recipient,
		Title:     title,
		Body:      body,
		Sound:     sound,
	})
}

// SendHaptic plays a haptic pattern on the recipient's watch.
func (c *PushClient) SendHaptic(ctx context.Context, recipient string, pattern types.HapticPattern) error {
	return c.post(ctx, "/v1/haptics", "SendHaptic", pushHapticPayload{
		Recipient: recipient,
		Pattern:   pattern,
	})
}

func (c *PushClient) post(ctx context.Context, path, operation string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to marshal payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return types.NewAppError(types.ErrCodeUpstreamPush,
		fmt.Sprintf("%s: push gateway error (%d): %s", operation, resp.StatusCode, strings.TrimSpace(string(msg))), nil)
}
