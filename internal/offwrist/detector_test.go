package offwrist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

// goodSample is a fresh heart-rate sample with motion one second before now.
func goodSample(now time.Time) Input {
	return Input{
		HasHeartRate:        true,
		LastHeartRateUpdate: now.Add(-2 * time.Second),
		HeartRateSampleAge:  2 * time.Second,
		LastMotionTimestamp: now.Add(-time.Second),
	}
}

func offWristState() State {
	s := NewState(t0)
	s.IsLikelyOffWrist = true
	s.RemovedAlertSent = true
	return s
}

func TestDetector_Evaluate_NoHeartRateYet(t *testing.T) {
	d := New(Config{})
	s := NewState(t0)

	s2, action := d.Evaluate(at(3600), Input{}, s, "Mia")
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, s, s2)
}

func TestDetector_ExampleScenario(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(t0)
	in := Input{HasHeartRate: true, LastHeartRateUpdate: t0}

	// sinceHR=125 > 120 but sinceMotion=125 < 300: strong case fails.
	s, action := d.Evaluate(at(125), in, s, "Mia")
	assert.Equal(t, ActionNone, action)
	assert.False(t, s.IsLikelyOffWrist)

	s, action = d.Evaluate(at(301), in, s, "Mia")
	require.Equal(t, ActionPrompt, action)
	assert.True(t, s.IsLikelyOffWrist)
	require.True(t, s.PromptPending())
	assert.Equal(t, "Mia", *s.PendingPromptChildName)

	// Too early for the prompt timeout.
	s, action = d.PromptTimedOut(at(310), s)
	assert.Equal(t, ActionNone, action)

	s, action = d.PromptTimedOut(at(316), s)
	require.Equal(t, ActionAlertRemoved, action)
	assert.True(t, s.IsLikelyOffWrist, "flag stays set after removal alert")
	assert.False(t, s.PromptPending())

	for i, sec := range []float64{320, 325, 330} {
		s, action = d.OnHeartRate(at(sec), goodSample(at(sec)), s)
		if i < 2 {
			assert.Equal(t, ActionNone, action)
			assert.Equal(t, i+1, s.BackOnCandidateCount)
		}
	}
	assert.Equal(t, ActionAlertBackOn, action)
	assert.False(t, s.IsLikelyOffWrist)
	assert.Equal(t, 0, s.BackOnCandidateCount)
}

func TestDetector_Evaluate_FallbackWhileHeartRateFresh(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(t0)

	in := Input{HasHeartRate: true, LastHeartRateUpdate: at(55), LastMotionTimestamp: at(0)}
	_, action := d.Evaluate(at(60), in, s, "Mia")
	assert.Equal(t, ActionNone, action, "sinceMotion=60 is not > 60")

	in.LastHeartRateUpdate = at(115)
	_, action = d.Evaluate(at(120), in, s, "Mia")
	assert.Equal(t, ActionPrompt, action)
}

func TestDetector_Evaluate_StaleHeartRateSkipsFallback(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(t0)
	in := Input{HasHeartRate: true, LastHeartRateUpdate: at(0), LastMotionTimestamp: at(0)}

	// Quiet well past 60s, but with heart rate stale only the 300s bar counts.
	for _, sec := range []float64{121, 200, 300} {
		_, action := d.Evaluate(at(sec), in, s, "Mia")
		assert.Equal(t, ActionNone, action, "t=%v", sec)
	}

	_, action := d.Evaluate(at(300.5), in, s, "Mia")
	assert.Equal(t, ActionPrompt, action)
}

func TestDetector_Evaluate_PromptIsEdgeTriggered(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(t0)
	in := Input{HasHeartRate: true, LastHeartRateUpdate: t0}

	s, action := d.Evaluate(at(400), in, s, "Mia")
	require.Equal(t, ActionPrompt, action)

	for sec := 460.0; sec < 3600; sec += 60 {
		s, action = d.Evaluate(at(sec), in, s, "Mia")
		assert.Equal(t, ActionNone, action, "t=%v", sec)
	}
	s, _ = d.PromptTimedOut(at(415), s)
	for sec := 3600.0; sec < 7200; sec += 60 {
		s, action = d.Evaluate(at(sec), in, s, "Mia")
		assert.Equal(t, ActionNone, action, "t=%v", sec)
	}
}

func TestDetector_ConfirmPresent_ResetsWithoutAlert(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(t0)
	in := Input{HasHeartRate: true, LastHeartRateUpdate: t0}

	s, _ = d.Evaluate(at(400), in, s, "Mia")
	s, action := d.ConfirmPresent(s)
	assert.Equal(t, ActionDismissed, action)
	assert.False(t, s.IsLikelyOffWrist)
	assert.Equal(t, 0, s.BackOnCandidateCount)
	assert.False(t, s.PromptPending())

	// A late timeout after the answer does nothing.
	s, action = d.PromptTimedOut(at(415), s)
	assert.Equal(t, ActionNone, action)

	// Cooldown: no new prompt within 120s of the last one.
	_, action = d.Evaluate(at(500), in, s, "Mia")
	assert.Equal(t, ActionNone, action)
	_, action = d.Evaluate(at(520), in, s, "Mia")
	assert.Equal(t, ActionPrompt, action)
}

func TestDetector_ConfirmPresent_NoPrompt(t *testing.T) {
	d := New(DefaultConfig())
	s, action := d.ConfirmPresent(NewState(t0))
	assert.Equal(t, ActionNone, action)
	assert.False(t, s.IsLikelyOffWrist)
}

func TestDetector_OnHeartRate_TwoGoodOneBadThreeGood(t *testing.T) {
	d := New(DefaultConfig())
	s := offWristState()

	now := at(1000)
	var action Action
	for i := 0; i < 2; i++ {
		now = now.Add(5 * time.Second)
		s, action = d.OnHeartRate(now, goodSample(now), s)
		require.Equal(t, ActionNone, action)
	}
	assert.Equal(t, 2, s.BackOnCandidateCount)

	now = now.Add(5 * time.Second)
	bad := goodSample(now)
	bad.HeartRateSampleAge = 9 * time.Second
	s, action = d.OnHeartRate(now, bad, s)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, 0, s.BackOnCandidateCount)

	for i := 0; i < 2; i++ {
		now = now.Add(5 * time.Second)
		s, action = d.OnHeartRate(now, goodSample(now), s)
		assert.Equal(t, ActionNone, action)
		assert.True(t, s.IsLikelyOffWrist)
	}

	now = now.Add(5 * time.Second)
	s, action = d.OnHeartRate(now, goodSample(now), s)
	assert.Equal(t, ActionAlertBackOn, action)
	assert.False(t, s.IsLikelyOffWrist)
}

func TestDetector_OnHeartRate_MotionTooOldDisqualifies(t *testing.T) {
	d := New(DefaultConfig())
	s := offWristState()
	s.BackOnCandidateCount = 2

	now := at(1000)
	in := goodSample(now)
	in.LastMotionTimestamp = now.Add(-20 * time.Second)

	s, action := d.OnHeartRate(now, in, s)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, 0, s.BackOnCandidateCount)
}

func TestDetector_OnHeartRate_IgnoredWhileOnWrist(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(t0)
	now := at(100)

	for i := 0; i < 5; i++ {
		var action Action
		s, action = d.OnHeartRate(now, goodSample(now), s)
		assert.Equal(t, ActionNone, action)
	}
	assert.Equal(t, 0, s.BackOnCandidateCount, "count only grows while off-wrist")
}

func TestDetector_OnHeartRate_BackOnBeforeTimeoutDismissesPrompt(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(t0)
	in := Input{HasHeartRate: true, LastHeartRateUpdate: t0}

	s, _ = d.Evaluate(at(400), in, s, "Mia")
	require.True(t, s.PromptPending())

	var action Action
	for _, sec := range []float64{402, 404, 406} {
		s, action = d.OnHeartRate(at(sec), goodSample(at(sec)), s)
	}
	assert.Equal(t, ActionDismissed, action)
	assert.False(t, s.PromptPending())
	assert.False(t, s.IsLikelyOffWrist)

	_, action = d.PromptTimedOut(at(415), s)
	assert.Equal(t, ActionNone, action)
}

func TestDetector_MotionBeforeMonitorStartIgnored(t *testing.T) {
	d := New(DefaultConfig())
	s := NewState(at(1000))
	in := Input{HasHeartRate: true, LastHeartRateUpdate: at(1000), LastMotionTimestamp: at(0)}

	_, action := d.Evaluate(at(1030), in, s, "Mia")
	assert.Equal(t, ActionNone, action, "sinceMotion is measured from the restart")
}

func TestNew_FillsDefaults(t *testing.T) {
	d := New(Config{PromptTimeout: 30 * time.Second})
	cfg := d.Config()
	assert.Equal(t, 30*time.Second, cfg.PromptTimeout)
	assert.Equal(t, 3, cfg.BackOnRequiredSamples)
	assert.Equal(t, 60*time.Second, cfg.EvaluationInterval)
}
