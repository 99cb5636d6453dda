package alerts

import (
	"context"
	"sync"
	"time"

	"safewatch/internal/clock"
	"safewatch/internal/notify"
	"safewatch/internal/types"
)

// HALT timings on the watch.
const (
	DefaultHaltGrace = 15 * time.Second
	DefaultHaltPulse = 750 * time.Millisecond
)

// HaltSequence runs the watch-side HALT escalation: an immediate haptic, a
// failure pulse every Pulse until Grace has elapsed, then a success haptic
// after which the alert may be dismissed.
type HaltSequence struct {
	clk       clock.Clock
	sink      notify.Sink
	recipient string
	grace     time.Duration
	pulse     time.Duration
	logger    types.Logger

	mu         sync.Mutex
	gen        uint64
	active     bool
	canDismiss bool
	pulses     int
	startedAt  time.Time
	graceTimer clock.Timer
	pulseTimer clock.Timer
}

// HaltStatus is a snapshot of a HaltSequence.
type HaltStatus struct {
	Active     bool      `json:"active"`
	CanDismiss bool      `json:"can_dismiss"`
	Pulses     int       `json:"pulses"`
	StartedAt  time.Time `json:"started_at"`
}

// NewHaltSequence returns an idle sequence for the child's watch. Zero
// durations take the defaults.
func NewHaltSequence(clk clock.Clock, sink notify.Sink, recipient string, grace, pulse time.Duration, logger types.Logger) *HaltSequence {
	if grace <= 0 {
		grace = DefaultHaltGrace
	}
	if pulse <= 0 {
		pulse = DefaultHaltPulse
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &HaltSequence{clk: clk, sink: sink, recipient: recipient, grace: grace, pulse: pulse, logger: logger}
}

// Start begins a new sequence, discarding any sequence in progress.
func (h *HaltSequence) Start() {
	h.mu.Lock()
	h.stopLocked()
	h.active = true
	h.canDismiss = false
	h.pulses = 0
	h.startedAt = h.clk.Now()
	gen := h.gen
	// Grace is registered before the first pulse so that it wins a tie.
	h.graceTimer = h.clk.AfterFunc(h.grace, func() { h.graceElapsed(gen) })
	h.pulseTimer = h.clk.AfterFunc(h.pulse, func() { h.firePulse(gen) })
	h.mu.Unlock()

	h.logger.Info("halt sequence started", "recipient", h.recipient)
	h.haptic(types.HapticNotification)
}

// Dismiss ends the sequence. It fails with a conflict error while the grace
// window is still running.
func (h *HaltSequence) Dismiss() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return nil
	}
	if !h.canDismiss {
		return types.NewAppError(types.ErrCodeConflictTransition, "halt cannot be dismissed during the grace window", nil)
	}
	h.stopLocked()
	h.active = false
	h.logger.Info("halt dismissed", "recipient", h.recipient)
	return nil
}

// Cancel stops the sequence regardless of the grace window. Used when the
// monitor session stops.
func (h *HaltSequence) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	h.active = false
	h.canDismiss = false
}

// Status returns the current state.
func (h *HaltSequence) Status() HaltStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HaltStatus{Active: h.active, CanDismiss: h.canDismiss, Pulses: h.pulses, StartedAt: h.startedAt}
}

func (h *HaltSequence) stopLocked() {
	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}
	if h.pulseTimer != nil {
		h.pulseTimer.Stop()
		h.pulseTimer = nil
	}
	h.gen++
}

func (h *HaltSequence) firePulse(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || !h.active || h.canDismiss {
		h.mu.Unlock()
		return
	}
	h.pulses++
	h.pulseTimer = h.clk.AfterFunc(h.pulse, func() { h.firePulse(gen) })
	h.mu.Unlock()

	h.haptic(types.HapticFailure)
}

func (h *HaltSequence) graceElapsed(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || !h.active {
		h.mu.Unlock()
		return
	}
	h.canDismiss = true
	h.graceTimer = nil
	if h.pulseTimer != nil {
		h.pulseTimer.Stop()
		h.pulseTimer = nil
	}
	h.mu.Unlock()

	h.logger.Info("halt grace elapsed", "recipient", h.recipient)
	h.haptic(types.HapticSuccess)
}

func (h *HaltSequence) haptic(p types.HapticPattern) {
	ctx, cancel := context.WithTimeout(context.Background(), h.grace)
	defer cancel()
	if err := h.sink.TriggerHaptic(ctx, h.recipient, p); err != nil {
		h.logger.Warn("halt haptic failed", "recipient", h.recipient, "pattern", string(p), "error", err)
	}
}
