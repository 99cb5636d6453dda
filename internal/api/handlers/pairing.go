package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"safewatch/internal/core"
	"safewatch/internal/guardian"
	"safewatch/internal/pairing"
	"safewatch/internal/types"
)

// --- Service Interfaces ---

// PairingService is the guardian side of the pairing flow.
// Mirrors the *pairing.Service methods used by the handler.
type PairingService interface {
	SubmitPIN(ctx context.Context, req pairing.SubmitRequest) (types.LinkState, error)
	Decide(ctx context.Context, req pairing.DecideRequest) (types.LinkState, error)
	PairingStatus(ctx context.Context, pin string) (types.PairingLookup, error)
}

// ApprovalWatcher starts the background work that follows a submitted PIN.
// Mirrors the *guardian.Hub methods used by the handler.
type ApprovalWatcher interface {
	Connect(guardianID string, children []string) guardian.State
	WatchApproval(guardianID, pin string)
}

// --- Handler ---

// PairingHandler serves /v1/pairing.
type PairingHandler struct {
	service   PairingService
	watcher   ApprovalWatcher
	validator *core.Validator
	logger    *slog.Logger
}

// NewPairingHandler creates a PairingHandler.
func NewPairingHandler(service PairingService, watcher ApprovalWatcher, v *core.Validator, l *slog.Logger) *PairingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PairingHandler{
		service:   service,
		watcher:   watcher,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the pairing routes on r.
func (h *PairingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/pairing", func(r chi.Router) {
		r.Post("/submit", h.Submit)
		r.Post("/decide", h.Decide)
		r.Get("/{pin}", h.Status)
	})
}

// Submit handles POST /v1/pairing/submit.
//
// The first guardian of a child is linked at once and connected. Any later
// guardian is left pending and an approval poll follows the PIN until the
// admin decides.
func (h *PairingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req pairing.SubmitRequest
	if err := h.validator.DecodeAndValidate(w, r, &req, types.ErrCodeValidationMissingField); err != nil {
		core.Error(w, r, err)
		return
	}

	link, err := h.service.SubmitPIN(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	switch link.Status {
	case types.LinkLinked:
		h.watcher.Connect(link.GuardianID, []string{link.ChildID})
	case types.LinkPendingApproval:
		h.watcher.WatchApproval(link.GuardianID, req.PIN)
	}

	h.logger.InfoContext(r.Context(), "pin submitted",
		"guardian_id", link.GuardianID,
		"child_id", link.ChildID,
		"status", string(link.Status),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: link})
}

// Decide handles POST /v1/pairing/decide.
func (h *PairingHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req pairing.DecideRequest
	if err := h.validator.DecodeAndValidate(w, r, &req, types.ErrCodeValidationMissingField); err != nil {
		core.Error(w, r, err)
		return
	}

	link, err := h.service.Decide(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: link})
}

// Status handles GET /v1/pairing/{pin}.
func (h *PairingHandler) Status(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	if !types.ValidPIN(pin) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPIN, "PIN must be 6 digits", nil))
		return
	}

	lookup, err := h.service.PairingStatus(r.Context(), pin)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: lookup})
}
