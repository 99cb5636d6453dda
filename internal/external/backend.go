package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"safewatch/internal/types"
)

// BackendClientConfig holds the configuration for creating a BackendClient.
type BackendClientConfig struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Retry     RetryPolicy
	Logger    types.Logger
}

// BackendClient talks to the guardian backend: pairing-code status, link
// liveness, unlinking and last known child locations.
type BackendClient struct {
	base    *BaseClient
	apiKey  string
	baseURL string
	logger  types.Logger
}

// NewBackendClient creates a BackendClient. The httpClient timeout bounds
// each attempt.
func NewBackendClient(httpClient *http.Client, cfg BackendClientConfig, opts ...BaseClientOption) *BackendClient {
	retry := cfg.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &BackendClient{
		base:    NewBaseClient(httpClient, "backend", types.ErrCodeUpstreamBackend, retry, cfg.UserAgent, opts...),
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:  logger,
	}
}

// PairingStatus reports the state of a pairing code. A 404 means the code
// is unknown.
func (c *BackendClient) PairingStatus(ctx context.Context, pin string) (types.PairingLookup, error) {
	resp, err := c.get(ctx, "/pairing/"+url.PathEscape(pin))
	if err != nil {
		return types.PairingLookup{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out types.PairingLookup
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return types.PairingLookup{}, types.NewAppError(types.ErrCodeUpstreamBackend, "PairingStatus: malformed response", err)
		}
		if out.Status == "" {
			out.Status = types.PairingNotFound
		}
		return out, nil
	case http.StatusNotFound:
		return types.PairingLookup{Status: types.PairingNotFound}, nil
	default:
		return types.PairingLookup{}, c.handleErrorResponse(resp, "PairingStatus")
	}
}

// LinkExists reports whether the guardian-child link still exists.
func (c *BackendClient) LinkExists(ctx context.Context, guardianID, childID string) (bool, error) {
	resp, err := c.get(ctx, linkPath(guardianID, childID))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, c.handleErrorResponse(resp, "LinkExists")
	}
}

// Unlink deletes the guardian-child link.
func (c *BackendClient) Unlink(ctx context.Context, guardianID, childID string) error {
	resp, err := c.do(ctx, http.MethodDelete, linkPath(guardianID, childID))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		c.logger.Info("backend link removed", "guardian_id", guardianID, "child_id", childID)
		return nil
	case http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundLink,
			fmt.Sprintf("no link between guardian %s and child %s", guardianID, childID), nil)
	default:
		return c.handleErrorResponse(resp, "Unlink")
	}
}

// LastKnownLocation returns the child's most recent location as known to
// the backend.
func (c *BackendClient) LastKnownLocation(ctx context.Context, childID string) (types.LatLon, error) {
	resp, err := c.get(ctx, "/children/"+url.PathEscape(childID)+"/location")
	if err != nil {
		return types.LatLon{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out struct {
			Lat       float64   `json:"lat"`
			Lon       float64   `json:"lon"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return types.LatLon{}, types.NewAppError(types.ErrCodeUpstreamBackend, "LastKnownLocation: malformed response", err)
		}
		loc := types.LatLon{Lat: out.Lat, Lon: out.Lon}
		if err := types.ValidateLatLon(loc); err != nil {
			return types.LatLon{}, err
		}
		return loc, nil
	case http.StatusNotFound:
		return types.LatLon{}, types.NewAppError(types.ErrCodeNotFoundChild, "no location known for child "+childID, nil)
	default:
		return types.LatLon{}, c.handleErrorResponse(resp, "LastKnownLocation")
	}
}

func linkPath(guardianID, childID string) string {
	return "/links/" + url.PathEscape(guardianID) + "/" + url.PathEscape(childID)
}

func (c *BackendClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path)
}

func (c *BackendClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create backend request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.base.Do(req)
}

// handleErrorResponse maps an unexpected backend status to an AppError.
func (c *BackendClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(body))
	c.logger.Warn("backend returned unexpected status",
		"operation", operation,
		"status", resp.StatusCode,
	)
	return types.NewAppError(types.ErrCodeUpstreamBackend,
		fmt.Sprintf("%s: backend error (%d): %s", operation, resp.StatusCode, msg), nil)
}
