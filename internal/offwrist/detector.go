// Package offwrist decides when a child's watch has likely been taken off and
// when it has been put back on.
//
// The detector is a pure function of (now, snapshot, state): it owns no
// goroutines or timers. The monitor session drives it from its 60s tick, from
// accepted heart-rate samples and from the prompt timeout, and is the only
// mutator of a child's State.
//
// Removal uses two confidence bars:
//   - strong: heart rate stale for more than 120s and no motion for more
//     than 300s (sensor lost skin contact, watch lying still);
//   - fallback: heart rate still fresh but no motion for more than 60s.
//
// Back-on needs three consecutive fresh, motion-correlated samples. Any
// disqualifying sample resets the count.
package offwrist

import (
	"time"

	"safewatch/internal/types"
)

// Action is what the caller should do after an evaluation.
type Action string

const (
	ActionNone Action = "none"
	// ActionPrompt asks the child "are you still wearing your watch?".
	ActionPrompt Action = "prompt"
	// ActionAlertRemoved emits a watch_removed alert to guardians.
	ActionAlertRemoved Action = "alert_removed"
	// ActionAlertBackOn emits a watch_back_on alert to guardians.
	ActionAlertBackOn Action = "alert_back_on"
	// ActionDismissed closes a pending prompt without alerting anyone.
	ActionDismissed Action = "dismissed"
)

// Config holds the detector timings.
type Config struct {
	EvaluationInterval    time.Duration `envconfig:"EVALUATION_INTERVAL" default:"60s"`
	HRStaleAfter          time.Duration `envconfig:"HR_STALE_AFTER" default:"120s"`
	MotionStrongAfter     time.Duration `envconfig:"MOTION_STRONG_AFTER" default:"300s"`
	MotionFallbackAfter   time.Duration `envconfig:"MOTION_FALLBACK_AFTER" default:"60s"`
	AlertCooldown         time.Duration `envconfig:"ALERT_COOLDOWN" default:"120s"`
	PromptTimeout         time.Duration `envconfig:"PROMPT_TIMEOUT" default:"15s"`
	BackOnMaxSampleAge    time.Duration `envconfig:"BACK_ON_MAX_SAMPLE_AGE" default:"8s"`
	BackOnMaxSinceMotion  time.Duration `envconfig:"BACK_ON_MAX_SINCE_MOTION" default:"20s"`
	BackOnRequiredSamples int           `envconfig:"BACK_ON_REQUIRED_SAMPLES" default:"3" validate:"min=1"`
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		EvaluationInterval:    60 * time.Second,
		HRStaleAfter:          120 * time.Second,
		MotionStrongAfter:     300 * time.Second,
		MotionFallbackAfter:   60 * time.Second,
		AlertCooldown:         120 * time.Second,
		PromptTimeout:         15 * time.Second,
		BackOnMaxSampleAge:    8 * time.Second,
		BackOnMaxSinceMotion:  20 * time.Second,
		BackOnRequiredSamples: 3,
	}
}

// State is the per-child off-wrist state. BackOnCandidateCount only grows
// while IsLikelyOffWrist is true.
type State struct {
	IsLikelyOffWrist     bool      `json:"is_likely_off_wrist"`
	BackOnCandidateCount int       `json:"back_on_candidate_count"`
	LastAlertTimestamp   time.Time `json:"last_alert_timestamp"`
	// PendingPromptChildName is set while a prompt awaits an answer.
	PendingPromptChildName *string `json:"pending_prompt_child_name,omitempty"`

	PromptIssuedAt   time.Time `json:"prompt_issued_at"`
	RemovedAlertSent bool      `json:"removed_alert_sent"`
	// MonitoringSince stands in for the last motion time until the first
	// movement is observed.
	MonitoringSince time.Time `json:"monitoring_since"`
}

// NewState returns the state for a monitor started at now.
func NewState(now time.Time) State {
	return State{MonitoringSince: now}
}

// PromptPending reports whether a prompt is waiting for the child.
func (s State) PromptPending() bool {
	return s.PendingPromptChildName != nil
}

// Detector evaluates off-wrist heuristics. The zero value is not usable; use
// New.
type Detector struct {
	cfg Config
}

// New returns a Detector. Zero fields in cfg take their defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = def.EvaluationInterval
	}
	if cfg.HRStaleAfter <= 0 {
		cfg.HRStaleAfter = def.HRStaleAfter
	}
	if cfg.MotionStrongAfter <= 0 {
		cfg.MotionStrongAfter = def.MotionStrongAfter
	}
	if cfg.MotionFallbackAfter <= 0 {
		cfg.MotionFallbackAfter = def.MotionFallbackAfter
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = def.PromptTimeout
	}
	if cfg.BackOnMaxSampleAge <= 0 {
		cfg.BackOnMaxSampleAge = def.BackOnMaxSampleAge
	}
	if cfg.BackOnMaxSinceMotion <= 0 {
		cfg.BackOnMaxSinceMotion = def.BackOnMaxSinceMotion
	}
	if cfg.BackOnRequiredSamples <= 0 {
		cfg.BackOnRequiredSamples = def.BackOnRequiredSamples
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Input is the subset of the signal snapshot the detector reads.
type Input struct {
	HasHeartRate        bool
	LastHeartRateUpdate time.Time
	HeartRateSampleAge  time.Duration
	LastMotionTimestamp time.Time
}

// InputFrom extracts the detector input from a snapshot.
func InputFrom(snap types.SignalSnapshot) Input {
	return Input{
		HasHeartRate:        snap.HasHeartRate(),
		LastHeartRateUpdate: snap.LastHeartRateUpdate,
		HeartRateSampleAge:  snap.HeartRateSampleAge,
		LastMotionTimestamp: snap.LastMotionTimestamp,
	}
}

// Evaluate runs the periodic removal check. It emits ActionPrompt exactly
// once per episode and never before the first heart-rate sample.
func (d *Detector) Evaluate(now time.Time, in Input, s State, childName string) (State, Action) {
	if !in.HasHeartRate {
		return s, ActionNone
	}
	if s.IsLikelyOffWrist {
		return s, ActionNone
	}
	if !s.LastAlertTimestamp.IsZero() && now.Sub(s.LastAlertTimestamp) < d.cfg.AlertCooldown {
		return s, ActionNone
	}
	if !d.likelyRemoved(now, in, s) {
		return s, ActionNone
	}

	name := childName
	s.IsLikelyOffWrist = true
	s.BackOnCandidateCount = 0
	s.LastAlertTimestamp = now
	s.PendingPromptChildName = &name
	s.PromptIssuedAt = now
	s.RemovedAlertSent = false
	return s, ActionPrompt
}

func (d *Detector) likelyRemoved(now time.Time, in Input, s State) bool {
	sinceHR := now.Sub(in.LastHeartRateUpdate)
	sinceMotion := now.Sub(lastMotion(in, s))
	if sinceHR > d.cfg.HRStaleAfter {
		return sinceMotion > d.cfg.MotionStrongAfter
	}
	return sinceMotion > d.cfg.MotionFallbackAfter
}

// ConfirmPresent handles the child answering "still here" to a pending
// prompt: the episode ends with no alert.
func (d *Detector) ConfirmPresent(s State) (State, Action) {
	if !s.PromptPending() {
		return s, ActionNone
	}
	s.IsLikelyOffWrist = false
	s.BackOnCandidateCount = 0
	s.PendingPromptChildName = nil
	s.PromptIssuedAt = time.Time{}
	s.RemovedAlertSent = false
	return s, ActionDismissed
}

// PromptTimedOut handles an unanswered prompt. The off-wrist flag stays set
// so back-on detection keeps running.
func (d *Detector) PromptTimedOut(now time.Time, s State) (State, Action) {
	if !s.PromptPending() {
		return s, ActionNone
	}
	if now.Sub(s.PromptIssuedAt) < d.cfg.PromptTimeout {
		return s, ActionNone
	}
	s.PendingPromptChildName = nil
	s.RemovedAlertSent = true
	return s, ActionAlertRemoved
}

// OnHeartRate runs back-on confirmation for an accepted heart-rate sample.
func (d *Detector) OnHeartRate(now time.Time, in Input, s State) (State, Action) {
	if !s.IsLikelyOffWrist {
		return s, ActionNone
	}
	sinceMotion := now.Sub(lastMotion(in, s))
	good := in.HeartRateSampleAge < d.cfg.BackOnMaxSampleAge && sinceMotion < d.cfg.BackOnMaxSinceMotion
	if !good {
		s.BackOnCandidateCount = 0
		return s, ActionNone
	}

	s.BackOnCandidateCount++
	if s.BackOnCandidateCount < d.cfg.BackOnRequiredSamples {
		return s, ActionNone
	}

	alerted := s.RemovedAlertSent
	s.IsLikelyOffWrist = false
	s.BackOnCandidateCount = 0
	s.PendingPromptChildName = nil
	s.PromptIssuedAt = time.Time{}
	s.RemovedAlertSent = false
	if !alerted {
		// Guardians never heard about the removal.
		return s, ActionDismissed
	}
	return s, ActionAlertBackOn
}

func lastMotion(in Input, s State) time.Time {
	if in.LastMotionTimestamp.IsZero() || in.LastMotionTimestamp.Before(s.MonitoringSince) {
		return s.MonitoringSince
	}
	return in.LastMotionTimestamp
}
