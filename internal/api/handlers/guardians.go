package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"safewatch/internal/core"
	"safewatch/internal/guardian"
	"safewatch/internal/types"
)

// --- Service Interfaces ---

// GuardianHub controls a guardian's background work.
// Mirrors the *guardian.Hub methods used by the handler.
type GuardianHub interface {
	Connect(guardianID string, children []string) guardian.State
	Disconnect(guardianID string)
	State(guardianID string) (guardian.State, bool)
}

// AlertDismisser dismisses alerts through the guardian's listener.
type AlertDismisser interface {
	Dismiss(ctx context.Context, guardianID, alertID string) error
}

// AlertHistory lists a guardian's alerts.
type AlertHistory interface {
	ListSince(ctx context.Context, guardianID string, since time.Time, limit int) ([]types.Alert, error)
}

// SettingsStore persists per-child notification settings.
type SettingsStore interface {
	Get(ctx context.Context, guardianID, childID string) (types.NotificationSettings, error)
	Upsert(ctx context.Context, guardianID, childID string, s types.NotificationSettings) error
}

// LinkRemover removes a guardian's link to a child.
type LinkRemover interface {
	Unlink(ctx context.Context, guardianID, childID string) error
}

// --- Request Models ---

// ConnectRequest lists the children a guardian believes it is linked to.
type ConnectRequest struct {
	Children []string `json:"children" validate:"dive,required"`
}

// Alert history paging.
const (
	defaultAlertLimit = 50
	maxAlertLimit     = 200
)

// --- Handler ---

// GuardianHandler serves /v1/guardians.
type GuardianHandler struct {
	hub       GuardianHub
	alerts    AlertDismisser
	history   AlertHistory
	settings  SettingsStore
	links     LinkRemover
	validator *core.Validator
	logger    *slog.Logger
}

// NewGuardianHandler creates a GuardianHandler.
func NewGuardianHandler(
	hub GuardianHub,
	alerts AlertDismisser,
	history AlertHistory,
	settings SettingsStore,
	links LinkRemover,
	v *core.Validator,
	l *slog.Logger,
) *GuardianHandler {
	if l == nil {
		l = slog.Default()
	}
	return &GuardianHandler{
		hub:       hub,
		alerts:    alerts,
		history:   history,
		settings:  settings,
		links:     links,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the guardian routes on r.
func (h *GuardianHandler) RegisterRoutes(r chi.Router) {
	r.Route("/guardians/{guardianID}", func(r chi.Router) {
		r.Post("/connect", h.Connect)
		r.Post("/disconnect", h.Disconnect)
		r.Get("/state", h.State)
		r.Get("/alerts", h.ListAlerts)
		r.Post("/alerts/{alertID}/dismiss", h.DismissAlert)
		r.Get("/children/{childID}/settings", h.GetSettings)
		r.Put("/children/{childID}/settings", h.UpdateSettings)
		r.Delete("/children/{childID}", h.Unlink)
	})
}

// Connect handles POST /v1/guardians/{guardianID}/connect.
func (h *GuardianHandler) Connect(w http.ResponseWriter, r *http.Request) {
	guardianID := chi.URLParam(r, "guardianID")
	var req ConnectRequest
	if r.ContentLength != 0 {
		if err := h.validator.DecodeAndValidate(w, r, &req, types.ErrCodeValidationMissingField); err != nil {
			core.Error(w, r, err)
			return
		}
	}
	st := h.hub.Connect(guardianID, req.Children)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: st})
}

// Disconnect handles POST /v1/guardians/{guardianID}/disconnect.
func (h *GuardianHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.hub.Disconnect(chi.URLParam(r, "guardianID"))
	w.WriteHeader(http.StatusNoContent)
}

// State handles GET /v1/guardians/{guardianID}/state.
func (h *GuardianHandler) State(w http.ResponseWriter, r *http.Request) {
	guardianID := chi.URLParam(r, "guardianID")
	st, ok := h.hub.State(guardianID)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSession, "guardian "+guardianID+" is not connected", nil))
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: st})
}

// ListAlerts handles GET /v1/guardians/{guardianID}/alerts?since=&limit=.
func (h *GuardianHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	guardianID := chi.URLParam(r, "guardianID")
	since, err := parseTimeParam(r, "since", time.Time{})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a positive integer", err).WithDetails(map[string]any{"field": "limit"}))
			return
		}
		limit = min(n, maxAlertLimit)
	}

	list, err := h.history.ListSince(r.Context(), guardianID, since, limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if list == nil {
		list = []types.Alert{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: list})
}

// DismissAlert handles POST /v1/guardians/{guardianID}/alerts/{alertID}/dismiss.
func (h *GuardianHandler) DismissAlert(w http.ResponseWriter, r *http.Request) {
	guardianID := chi.URLParam(r, "guardianID")
	alertID := chi.URLParam(r, "alertID")
	if err := h.alerts.Dismiss(r.Context(), guardianID, alertID); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "alert dismissed", "guardian_id", guardianID, "alert_id", alertID)
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings handles GET /v1/guardians/{guardianID}/children/{childID}/settings.
func (h *GuardianHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Get(r.Context(), chi.URLParam(r, "guardianID"), chi.URLParam(r, "childID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: s})
}

// UpdateSettings handles PUT /v1/guardians/{guardianID}/children/{childID}/settings.
func (h *GuardianHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s types.NotificationSettings
	if err := h.validator.DecodeAndValidate(w, r, &s, types.ErrCodeValidationThresholdRange); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.settings.Upsert(r.Context(), chi.URLParam(r, "guardianID"), chi.URLParam(r, "childID"), s); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: s})
}

// Unlink handles DELETE /v1/guardians/{guardianID}/children/{childID}. The
// guardian's liveness poll drops the child on its next pass.
func (h *GuardianHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	guardianID := chi.URLParam(r, "guardianID")
	childID := chi.URLParam(r, "childID")
	if err := h.links.Unlink(r.Context(), guardianID, childID); err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "child unlinked", "guardian_id", guardianID, "child_id", childID)
	w.WriteHeader(http.StatusNoContent)
}
