package alerts

import (
	"context"
	"sync"
	"time"

	"safewatch/internal/clock"
	"safewatch/internal/notify"
	"safewatch/internal/types"
)

// DefaultSOSHapticInterval is the repeat period of the SOS haptic.
const DefaultSOSHapticInterval = 2 * time.Second

// SOSLoop repeats a notification haptic on one device until stopped. Only one
// SOS is active at a time; starting a different alert replaces the current
// one.
type SOSLoop struct {
	clk       clock.Clock
	sink      notify.Sink
	recipient string
	interval  time.Duration
	logger    types.Logger

	mu      sync.Mutex
	gen     uint64
	timer   clock.Timer
	alertID string
	pulses  int
}

// NewSOSLoop returns an idle loop for recipient.
func NewSOSLoop(clk clock.Clock, sink notify.Sink, recipient string, interval time.Duration, logger types.Logger) *SOSLoop {
	if interval <= 0 {
		interval = DefaultSOSHapticInterval
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SOSLoop{clk: clk, sink: sink, recipient: recipient, interval: interval, logger: logger}
}

// Start begins the haptic loop for alertID with an immediate haptic. It is a
// no-op if alertID is already active.
func (s *SOSLoop) Start(alertID string) {
	s.mu.Lock()
	if s.alertID == alertID && s.timer != nil {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.alertID = alertID
	s.pulses = 0
	gen := s.gen
	s.timer = s.clk.AfterFunc(s.interval, func() { s.tick(gen) })
	s.mu.Unlock()

	s.logger.Info("sos loop started", "alert_id", alertID, "recipient", s.recipient)
	s.haptic()
}

// Stop ends the loop. It returns the alert that was active, if any.
func (s *SOSLoop) Stop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.alertID
	active := s.timer != nil
	s.stopLocked()
	if active {
		s.logger.Info("sos loop stopped", "alert_id", id, "recipient", s.recipient)
	}
	return id, active
}

// Active returns the alert currently looping.
func (s *SOSLoop) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alertID, s.timer != nil
}

// Pulses returns how many repeat haptics have fired for the current alert.
func (s *SOSLoop) Pulses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

func (s *SOSLoop) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.alertID = ""
	s.gen++
}

func (s *SOSLoop) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.pulses++
	s.timer = s.clk.AfterFunc(s.interval, func() { s.tick(gen) })
	s.mu.Unlock()

	s.haptic()
}

func (s *SOSLoop) haptic() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if err := s.sink.TriggerHaptic(ctx, s.recipient, types.HapticNotification); err != nil {
		s.logger.Warn("sos haptic failed", "recipient", s.recipient, "error", err)
	}
}
