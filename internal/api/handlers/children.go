// Package handlers contains the HTTP handler implementations for the
// safewatch control API.
//
// This file covers the watch side of a child: starting and stopping the
// monitoring session, posting sensor readings, the off-wrist prompt answer,
// SOS and remote halt, the pairing screen and the archived location trail.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"safewatch/internal/clock"
	"safewatch/internal/core"
	"safewatch/internal/ingest"
	"safewatch/internal/monitor"
	"safewatch/internal/trail"
	"safewatch/internal/types"
)

// --- Service Interfaces ---

// ChildSession is one child's monitoring session.
// Mirrors the *monitor.Session methods used by the handler.
type ChildSession interface {
	HeartRate(ctx context.Context, reading ingest.HeartRateReading) (monitor.Outcome, error)
	Motion(ctx context.Context, reading ingest.MotionReading) (monitor.Outcome, error)
	Battery(ctx context.Context, reading ingest.BatteryReading) (monitor.Outcome, error)
	Location(ctx context.Context, reading ingest.LocationReading) (monitor.Outcome, error)
	ConfirmPresent(ctx context.Context) (monitor.Outcome, error)
	TriggerSOS(ctx context.Context, loc *types.LatLon) (monitor.Outcome, error)
	TriggerHalt(ctx context.Context, sentBy string) (monitor.Outcome, error)
	DismissHalt() error
	Status(ctx context.Context) (monitor.Status, error)
}

// Sessions looks up and controls monitoring sessions by child.
type Sessions interface {
	Start(childID, childName string) ChildSession
	Stop(childID string) error
	Lookup(childID string) (ChildSession, bool)
	Running(childID string) (ChildSession, error)
}

// PairingScreen issues the PIN displayed on the watch.
type PairingScreen interface {
	EnterPairingScreen(ctx context.Context, childID, childName string) (string, error)
}

// SegmentLister reads archived trail segments.
type SegmentLister interface {
	ListSegments(ctx context.Context, childID string, from, to time.Time) ([]trail.Segment, error)
}

// MonitorRegistry adapts *monitor.Registry to Sessions.
type MonitorRegistry struct {
	Registry *monitor.Registry
}

func (m MonitorRegistry) Start(childID, childName string) ChildSession {
	return m.Registry.Start(childID, childName)
}

func (m MonitorRegistry) Stop(childID string) error { return m.Registry.Stop(childID) }

func (m MonitorRegistry) Lookup(childID string) (ChildSession, bool) {
	s, ok := m.Registry.Get(childID)
	if !ok {
		return nil, false
	}
	return s, true
}

func (m MonitorRegistry) Running(childID string) (ChildSession, error) {
	s, err := m.Registry.Running(childID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// --- Request/Response Models ---

// StartMonitorRequest starts a session.
type StartMonitorRequest struct {
	ChildName string `json:"child_name" validate:"max=64"`
}

// SOSRequest optionally carries the watch's own fix.
type SOSRequest struct {
	Location *types.LatLon `json:"location,omitempty"`
}

// HaltRequest is a guardian's remote halt.
type HaltRequest struct {
	SentBy string `json:"sent_by" validate:"required,max=64"`
}

// PairingScreenRequest opens the pairing screen on the watch.
type PairingScreenRequest struct {
	ChildName string `json:"child_name" validate:"max=64"`
}

// PairingScreenResponse carries the PIN to display.
type PairingScreenResponse struct {
	ChildID string `json:"child_id"`
	PIN     string `json:"pin"`
}

// TrailResponse is the decoded trail for a window.
type TrailResponse struct {
	ChildID  string      `json:"child_id"`
	From     time.Time   `json:"from"`
	To       time.Time   `json:"to"`
	Segments int         `json:"segments"`
	Fixes    []trail.Fix `json:"fixes"`
}

// defaultTrailWindow applies when the trail request omits from.
const defaultTrailWindow = 24 * time.Hour

// --- Handler ---

// ChildHandler serves /v1/children.
type ChildHandler struct {
	sessions  Sessions
	pairing   PairingScreen
	segments  SegmentLister
	clock     clock.Clock
	validator *core.Validator
	logger    *slog.Logger
}

// NewChildHandler creates a ChildHandler.
func NewChildHandler(
	sessions Sessions,
	pairing PairingScreen,
	segments SegmentLister,
	clk clock.Clock,
	v *core.Validator,
	l *slog.Logger,
) *ChildHandler {
	if l == nil {
		l = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &ChildHandler{
		sessions:  sessions,
		pairing:   pairing,
		segments:  segments,
		clock:     clk,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the child routes on r.
func (h *ChildHandler) RegisterRoutes(r chi.Router) {
	r.Route("/children/{childID}", func(r chi.Router) {
		r.Post("/monitor/start", h.StartMonitor)
		r.Post("/monitor/stop", h.StopMonitor)
		r.Get("/status", h.Status)
		r.Post("/readings/heart-rate", h.HeartRate)
		r.Post("/readings/motion", h.Motion)
		r.Post("/readings/battery", h.Battery)
		r.Post("/readings/location", h.Location)
		r.Post("/prompt-response", h.PromptResponse)
		r.Post("/sos", h.SOS)
		r.Post("/halt", h.Halt)
		r.Post("/halt/dismiss", h.DismissHalt)
		r.Post("/pairing-screen", h.PairingScreen)
		r.Get("/trail", h.Trail)
	})
}

// StartMonitor handles POST /v1/children/{childID}/monitor/start.
func (h *ChildHandler) StartMonitor(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	var req StartMonitorRequest
	if r.ContentLength != 0 {
		if err := h.validator.DecodeAndValidate(w, r, &req, types.ErrCodeValidationMissingField); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	s := h.sessions.Start(childID, req.ChildName)
	h.logger.InfoContext(r.Context(), "monitoring started", "child_id", childID)

	st, err := s.Status(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: st})
}

// StopMonitor handles POST /v1/children/{childID}/monitor/stop.
func (h *ChildHandler) StopMonitor(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	if err := h.sessions.Stop(childID); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "monitoring stopped", "child_id", childID)
	w.WriteHeader(http.StatusNoContent)
}

// Status handles GET /v1/children/{childID}/status.
func (h *ChildHandler) Status(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	s, ok := h.sessions.Lookup(childID)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSession, "no monitoring session for child "+childID, nil))
		return
	}
	st, err := s.Status(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: st})
}

// HeartRate handles POST /v1/children/{childID}/readings/heart-rate.
func (h *ChildHandler) HeartRate(w http.ResponseWriter, r *http.Request) {
	var reading ingest.HeartRateReading
	if err := core.DecodeJSON(w, r, &reading); err != nil {
		core.Error(w, r, err)
		return
	}
	if reading.SampleTime.IsZero() {
		reading.SampleTime = h.clock.Now()
	}
	h.withSession(w, r, func(ctx context.Context, s ChildSession) (monitor.Outcome, error) {
		return s.HeartRate(ctx, reading)
	})
}

// Motion handles POST /v1/children/{childID}/readings/motion.
func (h *ChildHandler) Motion(w http.ResponseWriter, r *http.Request) {
	var reading ingest.MotionReading
	if err := core.DecodeJSON(w, r, &reading); err != nil {
		core.Error(w, r, err)
		return
	}
	if reading.Time.IsZero() {
		reading.Time = h.clock.Now()
	}
	h.withSession(w, r, func(ctx context.Context, s ChildSession) (monitor.Outcome, error) {
		return s.Motion(ctx, reading)
	})
}

// Battery handles POST /v1/children/{childID}/readings/battery.
func (h *ChildHandler) Battery(w http.ResponseWriter, r *http.Request) {
	var reading ingest.BatteryReading
	if err := core.DecodeJSON(w, r, &reading); err != nil {
		core.Error(w, r, err)
		return
	}
	if reading.Time.IsZero() {
		reading.Time = h.clock.Now()
	}
	h.withSession(w, r, func(ctx context.Context, s ChildSession) (monitor.Outcome, error) {
		return s.Battery(ctx, reading)
	})
}

// Location handles POST /v1/children/{childID}/readings/location.
func (h *ChildHandler) Location(w http.ResponseWriter, r *http.Request) {
	var reading ingest.LocationReading
	if err := core.DecodeJSON(w, r, &reading); err != nil {
		core.Error(w, r, err)
		return
	}
	if reading.Time.IsZero() {
		reading.Time = h.clock.Now()
	}
	h.withSession(w, r, func(ctx context.Context, s ChildSession) (monitor.Outcome, error) {
		return s.Location(ctx, reading)
	})
}

// PromptResponse handles POST /v1/children/{childID}/prompt-response, the
// child tapping "I'm here" on the off-wrist prompt.
func (h *ChildHandler) PromptResponse(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, s ChildSession) (monitor.Outcome, error) {
		return s.ConfirmPresent(ctx)
	})
}

// SOS handles POST /v1/children/{childID}/sos. The body is optional.
func (h *ChildHandler) SOS(w http.ResponseWriter, r *http.Request) {
	var req SOSRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if req.Location != nil {
			if err := types.ValidateLatLon(*req.Location); err != nil {
				core.Error(w, r, err)
				return
			}
		}
	}
	h.withSession(w, r, func(ctx context.Context, s ChildSession) (monitor.Outcome, error) {
		return s.TriggerSOS(ctx, req.Location)
	})
}

// Halt handles POST /v1/children/{childID}/halt.
func (h *ChildHandler) Halt(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if err := h.validator.DecodeAndValidate(w, r, &req, types.ErrCodeValidationMissingField); err != nil {
		core.Error(w, r, err)
		return
	}
	h.withSession(w, r, func(ctx context.Context, s ChildSession) (monitor.Outcome, error) {
		return s.TriggerHalt(ctx, req.SentBy)
	})
}

// DismissHalt handles POST /v1/children/{childID}/halt/dismiss.
func (h *ChildHandler) DismissHalt(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Running(chi.URLParam(r, "childID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := s.DismissHalt(); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PairingScreen handles POST /v1/children/{childID}/pairing-screen.
func (h *ChildHandler) PairingScreen(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	var req PairingScreenRequest
	if r.ContentLength != 0 {
		if err := h.validator.DecodeAndValidate(w, r, &req, types.ErrCodeValidationMissingField); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	pin, err := h.pairing.EnterPairingScreen(r.Context(), childID, req.ChildName)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: PairingScreenResponse{ChildID: childID, PIN: pin}})
}

// Trail handles GET /v1/children/{childID}/trail?from=&to=. Both bounds are
// RFC 3339; to defaults to now and from to a day before to.
func (h *ChildHandler) Trail(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	to, err := parseTimeParam(r, "to", h.clock.Now())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	from, err := parseTimeParam(r, "from", to.Add(-defaultTrailWindow))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if from.After(to) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "from must not be after to", nil))
		return
	}

	segs, err := h.segments.ListSegments(r.Context(), childID, from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := TrailResponse{ChildID: childID, From: from, To: to, Segments: len(segs), Fixes: []trail.Fix{}}
	for _, seg := range segs {
		fixes, err := trail.Decode(seg.Data)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "corrupt trail segment",
				"child_id", childID, "started_at", seg.StartedAt, "error", err)
			core.Error(w, r, types.NewAppError(types.ErrCodeInternalDB, "failed to decode trail", err))
			return
		}
		for _, f := range fixes {
			if !f.At.Before(from) && !f.At.After(to) {
				resp.Fixes = append(resp.Fixes, f)
			}
		}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// withSession runs fn against the child's running session and writes the
// outcome. A discarded reading is reported as a warning, not an error.
func (h *ChildHandler) withSession(w http.ResponseWriter, r *http.Request, fn func(context.Context, ChildSession) (monitor.Outcome, error)) {
	s, err := h.sessions.Running(chi.URLParam(r, "childID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	out, err := fn(r.Context(), s)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	var warnings []string
	if out.Discarded != "" {
		warnings = append(warnings, "reading discarded: "+string(out.Discarded))
	}
	core.JSON(w, r, http.StatusOK, core.Envelope(out, warnings...))
}

func parseTimeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationMissingField,
			name+" must be an RFC 3339 timestamp", err).WithDetails(map[string]any{"field": name})
	}
	return t, nil
}
