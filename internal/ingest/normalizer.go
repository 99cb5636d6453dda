// Package ingest turns raw watch readings into the canonical per-child
// SignalSnapshot consumed by the detectors.
//
// Implausible or stale readings are discarded silently: the next reading
// self-heals, so nothing here retries or alerts.
package ingest

import (
	"math"
	"sync"
	"time"

	"safewatch/internal/types"
)

// Plausibility bounds for raw readings.
const (
	MinPlausibleBPM = 0.0   // exclusive
	MaxPlausibleBPM = 240.0 // exclusive
	// MaxHeartRateSampleAge is the staleness bound beyond which a heart-rate
	// sample is inert.
	MaxHeartRateSampleAge = 15 * time.Second
	// DefaultMotionThreshold is the deviation from 1g that counts as movement.
	DefaultMotionThreshold = 0.05
)

// HeartRateReading is one heart-rate sample as reported by the watch.
type HeartRateReading struct {
	BPM        float64   `json:"bpm"`
	SampleTime time.Time `json:"sample_time"`
}

// MotionReading is an accelerometer vector magnitude in g.
type MotionReading struct {
	Magnitude float64   `json:"magnitude"`
	Time      time.Time `json:"time"`
}

// BatteryReading is a battery level in percent.
type BatteryReading struct {
	Percent int       `json:"percent"`
	Time    time.Time `json:"time"`
}

// LocationReading is a GPS fix.
type LocationReading struct {
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	AccuracyMeters float64   `json:"accuracy"`
	Time           time.Time `json:"time"`
}

// DiscardReason explains why a reading did not update the snapshot.
type DiscardReason string

const (
	Accepted            DiscardReason = ""
	DiscardImplausible  DiscardReason = "implausible"
	DiscardStale        DiscardReason = "stale"
	DiscardSuperseded   DiscardReason = "superseded"
	DiscardBelowMotion  DiscardReason = "below_motion_threshold"
	DiscardZeroAccuracy DiscardReason = "zero_accuracy"
	DiscardOutOfRange   DiscardReason = "out_of_range"
)

// Normalizer owns one SignalSnapshot per child. It is the single writer;
// readers get copies from Snapshot.
type Normalizer struct {
	mu              sync.RWMutex
	snapshots       map[string]*types.SignalSnapshot
	motionThreshold float64
}

// NewNormalizer returns a Normalizer. A non-positive motionThreshold uses
// DefaultMotionThreshold.
func NewNormalizer(motionThreshold float64) *Normalizer {
	if motionThreshold <= 0 {
		motionThreshold = DefaultMotionThreshold
	}
	return &Normalizer{
		snapshots:       make(map[string]*types.SignalSnapshot),
		motionThreshold: motionThreshold,
	}
}

// Reset drops any snapshot held for childID so a restarted session begins
// from an empty view.
func (n *Normalizer) Reset(childID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.snapshots, childID)
}

// Snapshot returns a copy of the child's current snapshot.
func (n *Normalizer) Snapshot(childID string) types.SignalSnapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.snapshots[childID]
	if !ok {
		return types.SignalSnapshot{ChildID: childID}
	}
	return copySnapshot(s)
}

// HeartRate applies a heart-rate sample received at now. Samples with
// BPM <= 0, BPM >= 240 or age >= 15s never touch the snapshot, nor do
// samples taken before the one already applied.
func (n *Normalizer) HeartRate(childID string, r HeartRateReading, now time.Time) (types.SignalSnapshot, DiscardReason) {
	if !(r.BPM > MinPlausibleBPM && r.BPM < MaxPlausibleBPM) || math.IsNaN(r.BPM) {
		return n.Snapshot(childID), DiscardImplausible
	}
	age := now.Sub(r.SampleTime)
	if age < 0 {
		age = 0
	}
	if age >= MaxHeartRateSampleAge {
		return n.Snapshot(childID), DiscardStale
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.get(childID)
	if r.SampleTime.Before(s.LastHeartRateUpdate) {
		return copySnapshot(s), DiscardSuperseded
	}
	bpm := r.BPM
	s.HeartRateBPM = &bpm
	s.HeartRateSampleAge = age
	s.LastHeartRateUpdate = r.SampleTime
	return copySnapshot(s), Accepted
}

// Motion applies an accelerometer magnitude. Only readings whose deviation
// from 1g reaches the threshold advance LastMotionTimestamp.
func (n *Normalizer) Motion(childID string, r MotionReading) (types.SignalSnapshot, DiscardReason) {
	if math.IsNaN(r.Magnitude) || math.IsInf(r.Magnitude, 0) || r.Magnitude < 0 {
		return n.Snapshot(childID), DiscardImplausible
	}
	dev := math.Abs(r.Magnitude - 1.0)

	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.get(childID)
	s.MotionMagnitudeDeviation = dev
	if dev < n.motionThreshold {
		return copySnapshot(s), DiscardBelowMotion
	}
	if r.Time.After(s.LastMotionTimestamp) {
		s.LastMotionTimestamp = r.Time
	}
	return copySnapshot(s), Accepted
}

// Battery applies a battery level; values outside 0..100 are discarded.
func (n *Normalizer) Battery(childID string, r BatteryReading) (types.SignalSnapshot, DiscardReason) {
	if r.Percent < 0 || r.Percent > 100 {
		return n.Snapshot(childID), DiscardOutOfRange
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.get(childID)
	pct := r.Percent
	s.BatteryPercent = &pct
	return copySnapshot(s), Accepted
}

// Location applies a GPS fix; zero-accuracy or out-of-range fixes are
// discarded.
func (n *Normalizer) Location(childID string, r LocationReading) (types.SignalSnapshot, DiscardReason) {
	if r.AccuracyMeters <= 0 {
		return n.Snapshot(childID), DiscardZeroAccuracy
	}
	p := types.LatLon{Lat: r.Lat, Lon: r.Lon}
	if types.ValidateLatLon(p) != nil {
		return n.Snapshot(childID), DiscardOutOfRange
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.get(childID)
	s.Location = &p
	s.LocationTime = r.Time
	return copySnapshot(s), Accepted
}

// get must be called with mu held for writing.
func (n *Normalizer) get(childID string) *types.SignalSnapshot {
	s, ok := n.snapshots[childID]
	if !ok {
		s = &types.SignalSnapshot{ChildID: childID}
		n.snapshots[childID] = s
	}
	return s
}

func copySnapshot(s *types.SignalSnapshot) types.SignalSnapshot {
	out := *s
	if s.HeartRateBPM != nil {
		v := *s.HeartRateBPM
		out.HeartRateBPM = &v
	}
	if s.BatteryPercent != nil {
		v := *s.BatteryPercent
		out.BatteryPercent = &v
	}
	if s.Location != nil {
		v := *s.Location
		out.Location = &v
	}
	return out
}
