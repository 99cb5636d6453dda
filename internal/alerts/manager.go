// Package alerts is the single serializing path for safety events: it turns
// detector outputs and external triggers into persisted, deduplicated alerts
// and drives their local presentation.
//
// Key behaviors:
//   - Manager.Submit validates the typed variant, applies the guardian's
//     per-category preference, persists the alert and enqueues it for push
//     delivery.
//   - Watermark surfaces only alerts strictly newer than what a guardian has
//     already seen. The first batch after start is a baseline and is never
//     presented.
//   - SOS repeats a haptic until dismissed. HALT holds a 15s non-dismissable
//     grace window with failure pulses.
//   - BatteryMonitor fires only on the downward crossing of the threshold.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"safewatch/internal/clock"
	"safewatch/internal/notify"
	"safewatch/internal/types"
)

// Backend persists alerts.
type Backend interface {
	PostAlert(ctx context.Context, a types.Alert) error
}

// SettingsSource returns a guardian's notification preferences for a child.
type SettingsSource interface {
	GetSettings(ctx context.Context, guardianID, childID string) (types.NotificationSettings, error)
}

// Publisher hands an alert to the asynchronous push delivery pipeline.
type Publisher interface {
	Publish(ctx context.Context, msg types.AlertMessage) error
}

// Metrics records alert outcomes.
type Metrics interface {
	RecordEmitted(ctx context.Context, kind types.AlertKind)
	RecordSuppressed(ctx context.Context, kind types.AlertKind, reason string)
}

// SuppressReason explains why a candidate was not emitted.
type SuppressReason string

const (
	ReasonNone       SuppressReason = ""
	ReasonPreference SuppressReason = "preference_disabled"
	ReasonInvalid    SuppressReason = "invalid"
)

// Candidate is an alert the engine wants to raise for one guardian.
type Candidate struct {
	ChildID    string
	GuardianID string
	ChildName  string
	Variant    Variant
	// At defaults to the manager clock when zero.
	At time.Time
}

// Result is the outcome of Submit.
type Result struct {
	Emitted      bool
	Alert        types.Alert
	Presentation notify.Presentation
	Reason       SuppressReason
}

// ManagerConfig holds the Manager's collaborators. Publisher and Metrics are
// optional.
type ManagerConfig struct {
	Backend   Backend
	Settings  SettingsSource
	Publisher Publisher
	Metrics   Metrics
	Clock     clock.Clock
	Logger    types.Logger
}

// Manager emits alerts. Submit calls are serialized.
type Manager struct {
	mu        sync.Mutex
	backend   Backend
	settings  SettingsSource
	publisher Publisher
	metrics   Metrics
	clock     clock.Clock
	logger    types.Logger
	newID     func() string
}

// NewManager returns a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		backend:   cfg.Backend,
		settings:  cfg.Settings,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		newID:     uuid.NewString,
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.logger == nil {
		m.logger = types.NopLogger{}
	}
	return m
}

// Allowed reports whether a guardian's settings permit alerts of kind. SOS
// and HALT are never gated; watchRemovedAlert covers both removal and
// back-on.
func Allowed(s types.NotificationSettings, kind types.AlertKind) bool {
	switch kind {
	case types.AlertSafeZoneExit:
		return s.SafeZoneAlert
	case types.AlertUnsafeZoneEntry:
		return s.UnsafeZoneAlert
	case types.AlertBatteryLow:
		return s.LowBatteryAlert
	case types.AlertWatchRemoved, types.AlertWatchBackOn:
		return s.WatchRemovedAlert
	case types.AlertConnectionRequest:
		return s.NewConnectionRequest
	default:
		return true
	}
}

// Submit validates, gates and emits one candidate. A persistence or enqueue
// failure is returned alongside an Emitted result.
func (m *Manager) Submit(ctx context.Context, c Candidate) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ChildID == "" || c.GuardianID == "" {
		return Result{Reason: ReasonInvalid}, types.NewAppError(types.ErrCodeValidationMissingField, "child_id and guardian_id are required", nil)
	}
	if c.Variant == nil {
		return Result{Reason: ReasonInvalid}, types.NewAppError(types.ErrCodeValidationInvalidAlert, "alert variant is required", nil)
	}
	kind := c.Variant.Kind()
	if err := c.Variant.Validate(); err != nil {
		m.suppressed(ctx, kind, ReasonInvalid)
		return Result{Reason: ReasonInvalid}, err
	}

	log := m.logger.With("child_id", c.ChildID, "guardian_id", c.GuardianID, "kind", string(kind))

	settings := m.loadSettings(ctx, c.GuardianID, c.ChildID, log)
	if !Allowed(settings, kind) {
		m.suppressed(ctx, kind, ReasonPreference)
		log.Info("alert suppressed by preference")
		return Result{Reason: ReasonPreference}, nil
	}

	at := c.At
	if at.IsZero() {
		at = m.clock.Now()
	}
	alert := types.Alert{
		ID:         m.newID(),
		Kind:       kind,
		ChildID:    c.ChildID,
		GuardianID: c.GuardianID,
		Timestamp:  at,
		Payload:    c.Variant.Payload(),
	}
	pres := notify.Render(alert, c.ChildName, settings.Sound)

	var firstErr error
	if err := m.backend.PostAlert(ctx, alert); err != nil {
		log.Error("failed to persist alert", "alert_id", alert.ID, "error", err)
		firstErr = types.NewAppError(types.ErrCodeUpstreamBackend, "failed to persist alert", err)
	}
	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, messageFor(ctx, alert, pres)); err != nil {
			log.Error("failed to enqueue alert", "alert_id", alert.ID, "error", err)
			if firstErr == nil {
				firstErr = types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to enqueue alert", err)
			}
		}
	}

	if m.metrics != nil {
		m.metrics.RecordEmitted(ctx, kind)
	}
	log.Info("alert emitted", "alert_id", alert.ID, "timestamp", alert.Timestamp)

	return Result{Emitted: true, Alert: alert, Presentation: pres}, firstErr
}

func (m *Manager) loadSettings(ctx context.Context, guardianID, childID string, log types.Logger) types.NotificationSettings {
	if m.settings == nil {
		return types.DefaultNotificationSettings()
	}
	s, err := m.settings.GetSettings(ctx, guardianID, childID)
	if err != nil {
		// Fail open.
		log.Warn("settings lookup failed, using defaults", "error", err)
		return types.DefaultNotificationSettings()
	}
	return s
}

func (m *Manager) suppressed(ctx context.Context, kind types.AlertKind, reason SuppressReason) {
	if m.metrics != nil {
		m.metrics.RecordSuppressed(ctx, kind, string(reason))
	}
}

func messageFor(ctx context.Context, a types.Alert, p notify.Presentation) types.AlertMessage {
	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return types.AlertMessage{
		AlertID:    a.ID,
		Kind:       a.Kind,
		ChildID:    a.ChildID,
		GuardianID: a.GuardianID,
		Timestamp:  a.Timestamp,
		Title:      p.Title,
		Body:       p.Body,
		SoundID:    p.SoundID,
		TraceID:    traceID,
		Payload:    a.Payload,
	}
}
