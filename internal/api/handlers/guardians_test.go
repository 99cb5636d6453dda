package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safewatch/internal/core"
	"safewatch/internal/guardian"
	"safewatch/internal/types"
)

// =============================================================================
// Mock Implementations for Guardian Handler
// =============================================================================

type mockGuardianHub struct {
	connectFn    func(guardianID string, children []string) guardian.State
	states       map[string]guardian.State
	disconnected []string
}

func (m *mockGuardianHub) Connect(guardianID string, children []string) guardian.State {
	if m.connectFn != nil {
		return m.connectFn(guardianID, children)
	}
	return guardian.State{GuardianID: guardianID, Linked: children}
}

func (m *mockGuardianHub) Disconnect(guardianID string) {
	m.disconnected = append(m.disconnected, guardianID)
}

func (m *mockGuardianHub) State(guardianID string) (guardian.State, bool) {
	st, ok := m.states[guardianID]
	return st, ok
}

type mockAlertDismisser struct {
	dismissFn func(ctx context.Context, guardianID, alertID string) error
}

func (m *mockAlertDismisser) Dismiss(ctx context.Context, guardianID, alertID string) error {
	if m.dismissFn != nil {
		return m.dismissFn(ctx, guardianID, alertID)
	}
	return nil
}

type mockAlertHistory struct {
	listFn func(ctx context.Context, guardianID string, since time.Time, limit int) ([]types.Alert, error)
}

func (m *mockAlertHistory) ListSince(ctx context.Context, guardianID string, since time.Time, limit int) ([]types.Alert, error) {
	if m.listFn != nil {
		return m.listFn(ctx, guardianID, since, limit)
	}
	return nil, nil
}

type mockSettingsStore struct {
	getFn    func(ctx context.Context, guardianID, childID string) (types.NotificationSettings, error)
	upsertFn func(ctx context.Context, guardianID, childID string, s types.NotificationSettings) error
}

func (m *mockSettingsStore) Get(ctx context.Context, guardianID, childID string) (types.NotificationSettings, error) {
	if m.getFn != nil {
		return m.getFn(ctx, guardianID, childID)
	}
	return types.DefaultNotificationSettings(), nil
}

func (m *mockSettingsStore) Upsert(ctx context.Context, guardianID, childID string, s types.NotificationSettings) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, guardianID, childID, s)
	}
	return nil
}

type mockLinkRemover struct {
	unlinkFn func(ctx context.Context, guardianID, childID string) error
}

func (m *mockLinkRemover) Unlink(ctx context.Context, guardianID, childID string) error {
	if m.unlinkFn != nil {
		return m.unlinkFn(ctx, guardianID, childID)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

type guardianMocks struct {
	hub      *mockGuardianHub
	alerts   *mockAlertDismisser
	history  *mockAlertHistory
	settings *mockSettingsStore
	links    *mockLinkRemover
}

func newTestGuardianHandler() (*GuardianHandler, *guardianMocks) {
	m := &guardianMocks{
		hub:      &mockGuardianHub{states: map[string]guardian.State{}},
		alerts:   &mockAlertDismisser{},
		history:  &mockAlertHistory{},
		settings: &mockSettingsStore{},
		links:    &mockLinkRemover{},
	}
	logger := slog.Default()
	h := NewGuardianHandler(m.hub, m.alerts, m.history, m.settings, m.links, core.NewValidator(logger), logger)
	return h, m
}

func serveGuardian(h *GuardianHandler, method, path string, body any) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, &buf))
	return w
}

// =============================================================================
// Tests
// =============================================================================

func TestGuardianHandler_Connect(t *testing.T) {
	h, m := newTestGuardianHandler()
	var gotChildren []string
	m.hub.connectFn = func(guardianID string, children []string) guardian.State {
		gotChildren = children
		return guardian.State{GuardianID: guardianID, Linked: children}
	}

	w := serveGuardian(h, http.MethodPost, "/guardians/g-1/connect", ConnectRequest{Children: []string{"child-1", "child-2"}})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"child-1", "child-2"}, gotChildren)
	var st guardian.State
	decodeEnvelope(t, w, &st)
	assert.Equal(t, "g-1", st.GuardianID)
}

func TestGuardianHandler_Connect_EmptyChildID(t *testing.T) {
	h, _ := newTestGuardianHandler()

	w := serveGuardian(h, http.MethodPost, "/guardians/g-1/connect", ConnectRequest{Children: []string{""}})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGuardianHandler_Disconnect(t *testing.T) {
	h, m := newTestGuardianHandler()

	w := serveGuardian(h, http.MethodPost, "/guardians/g-1/disconnect", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"g-1"}, m.hub.disconnected)
}

func TestGuardianHandler_State(t *testing.T) {
	h, m := newTestGuardianHandler()
	m.hub.states["g-1"] = guardian.State{GuardianID: "g-1", Linked: []string{"child-1"}, Reconnecting: true}

	w := serveGuardian(h, http.MethodGet, "/guardians/g-1/state", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var st guardian.State
	decodeEnvelope(t, w, &st)
	assert.True(t, st.Reconnecting)
	assert.Equal(t, []string{"child-1"}, st.Linked)
}

func TestGuardianHandler_State_NotConnected(t *testing.T) {
	h, _ := newTestGuardianHandler()

	w := serveGuardian(h, http.MethodGet, "/guardians/g-9/state", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGuardianHandler_ListAlerts_LimitCapped(t *testing.T) {
	h, m := newTestGuardianHandler()
	since := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	var gotLimit int
	var gotSince time.Time
	m.history.listFn = func(_ context.Context, _ string, s time.Time, limit int) ([]types.Alert, error) {
		gotSince, gotLimit = s, limit
		return []types.Alert{{ID: "a-1", Kind: types.AlertBatteryLow, ChildID: "child-1", GuardianID: "g-1", Timestamp: since.Add(time.Minute)}}, nil
	}

	w := serveGuardian(h, http.MethodGet, "/guardians/g-1/alerts?since="+since.Format(time.RFC3339)+"&limit=1000", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxAlertLimit, gotLimit)
	assert.True(t, gotSince.Equal(since))
	var list []types.Alert
	decodeEnvelope(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, types.AlertBatteryLow, list[0].Kind)
}

func TestGuardianHandler_ListAlerts_EmptyIsArray(t *testing.T) {
	h, _ := newTestGuardianHandler()

	w := serveGuardian(h, http.MethodGet, "/guardians/g-1/alerts", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
}

func TestGuardianHandler_ListAlerts_BadLimit(t *testing.T) {
	h, _ := newTestGuardianHandler()

	w := serveGuardian(h, http.MethodGet, "/guardians/g-1/alerts?limit=-3", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGuardianHandler_DismissAlert(t *testing.T) {
	h, m := newTestGuardianHandler()
	var gotGuardian, gotAlert string
	m.alerts.dismissFn = func(_ context.Context, guardianID, alertID string) error {
		gotGuardian, gotAlert = guardianID, alertID
		return nil
	}

	w := serveGuardian(h, http.MethodPost, "/guardians/g-1/alerts/a-42/dismiss", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "g-1", gotGuardian)
	assert.Equal(t, "a-42", gotAlert)
}

func TestGuardianHandler_DismissAlert_StoreFailure(t *testing.T) {
	h, m := newTestGuardianHandler()
	m.alerts.dismissFn = func(context.Context, string, string) error {
		return errors.New("connection reset")
	}

	w := serveGuardian(h, http.MethodPost, "/guardians/g-1/alerts/a-42/dismiss", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGuardianHandler_GetSettings_Defaults(t *testing.T) {
	h, _ := newTestGuardianHandler()

	w := serveGuardian(h, http.MethodGet, "/guardians/g-1/children/child-1/settings", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var s types.NotificationSettings
	decodeEnvelope(t, w, &s)
	assert.Equal(t, types.DefaultLowBatteryThreshold, s.LowBatteryThreshold)
}

func TestGuardianHandler_UpdateSettings(t *testing.T) {
	h, m := newTestGuardianHandler()
	var saved types.NotificationSettings
	m.settings.upsertFn = func(_ context.Context, guardianID, childID string, s types.NotificationSettings) error {
		assert.Equal(t, "g-1", guardianID)
		assert.Equal(t, "child-1", childID)
		saved = s
		return nil
	}

	s := types.DefaultNotificationSettings()
	s.LowBatteryThreshold = 35
	s.WatchRemovedAlert = false
	w := serveGuardian(h, http.MethodPut, "/guardians/g-1/children/child-1/settings", s)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 35, saved.LowBatteryThreshold)
	assert.False(t, saved.WatchRemovedAlert)
}

func TestGuardianHandler_UpdateSettings_ThresholdOutOfRange(t *testing.T) {
	h, m := newTestGuardianHandler()
	called := false
	m.settings.upsertFn = func(context.Context, string, string, types.NotificationSettings) error {
		called = true
		return nil
	}

	s := types.DefaultNotificationSettings()
	s.LowBatteryThreshold = 75
	w := serveGuardian(h, http.MethodPut, "/guardians/g-1/children/child-1/settings", s)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrCodeValidationThresholdRange), errorCode(t, w))
	assert.False(t, called)
}

func TestGuardianHandler_Unlink(t *testing.T) {
	h, m := newTestGuardianHandler()
	called := false
	m.links.unlinkFn = func(_ context.Context, guardianID, childID string) error {
		called = guardianID == "g-1" && childID == "child-1"
		return nil
	}

	w := serveGuardian(h, http.MethodDelete, "/guardians/g-1/children/child-1", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, called)
}

func TestGuardianHandler_Unlink_NotFound(t *testing.T) {
	h, m := newTestGuardianHandler()
	m.links.unlinkFn = func(context.Context, string, string) error {
		return types.NewAppError(types.ErrCodeNotFoundLink, "link not found", nil)
	}

	w := serveGuardian(h, http.MethodDelete, "/guardians/g-1/children/child-1", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundLink), errorCode(t, w))
}
