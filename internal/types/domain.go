package types

import "time"

// LatLon is a WGS84 coordinate in decimal degrees.
type LatLon struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lon float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// Zone is a circular geofence owned by a guardian for one child.
// Zones are read-only to the evaluator.
type Zone struct {
	ID           string  `json:"id"`
	ChildID      string  `json:"child_id"`
	Name         string  `json:"name" validate:"required,max=200"`
	Center       LatLon  `json:"center"`
	RadiusMeters float64 `json:"radius_meters" validate:"gte=0"`
	IsSafe       bool    `json:"is_safe"`
}

// SignalSnapshot is the canonical per-child view of the latest sensor
// readings. It is overwritten on every accepted reading and has no
// persistent identity.
type SignalSnapshot struct {
	ChildID string `json:"child_id"`

	// HeartRateBPM is nil until the first plausible sample arrives.
	HeartRateBPM *float64 `json:"heart_rate_bpm,omitempty"`
	// HeartRateSampleAge is the age of the most recent sample at the
	// moment it was accepted.
	HeartRateSampleAge time.Duration `json:"heart_rate_sample_age"`
	// LastHeartRateUpdate is when the most recent plausible sample was taken.
	LastHeartRateUpdate time.Time `json:"last_heart_rate_update"`

	MotionMagnitudeDeviation float64   `json:"motion_magnitude_deviation"`
	LastMotionTimestamp      time.Time `json:"last_motion_timestamp"`

	BatteryPercent *int      `json:"battery_percent,omitempty"`
	Location       *LatLon   `json:"location,omitempty"`
	LocationTime   time.Time `json:"location_time"`
}

// HasHeartRate reports whether at least one plausible heart-rate sample has
// been accepted.
func (s SignalSnapshot) HasHeartRate() bool {
	return s.HeartRateBPM != nil && !s.LastHeartRateUpdate.IsZero()
}

// Alert is an immutable safety event addressed to one guardian.
type Alert struct {
	ID         string         `json:"id"`
	// Seq is assigned by the store on insert. It increases per guardian in
	// commit order and is the cursor alert listeners read by.
	Seq        int64          `json:"seq,omitempty"`
	Kind       AlertKind      `json:"kind"`
	ChildID    string         `json:"child_id"`
	GuardianID string         `json:"guardian_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
	// Dismissed is the only mutable field, set by the guardian UI.
	Dismissed bool `json:"dismissed"`
}

// AlertCursor is a guardian's position in their alert stream: the sequence of
// the last processed alert and the newest timestamp seen.
type AlertCursor struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationSettings are a guardian's per-child alert preferences.
type NotificationSettings struct {
	SafeZoneAlert        bool   `json:"safeZoneAlert"`
	UnsafeZoneAlert      bool   `json:"unsafeZoneAlert"`
	LowBatteryAlert      bool   `json:"lowBatteryAlert"`
	WatchRemovedAlert    bool   `json:"watchRemovedAlert"`
	NewConnectionRequest bool   `json:"newConnectionRequest"`
	Sound                string `json:"sound"`
	LowBatteryThreshold  int    `json:"lowBatteryThreshold" validate:"gte=10,lte=50"`
}

// Low-battery threshold bounds exposed by the guardian slider.
const (
	DefaultLowBatteryThreshold = 20
	MinLowBatteryThreshold     = 10
	MaxLowBatteryThreshold     = 50
)

// DefaultNotificationSettings returns the settings used when a guardian has
// never saved preferences: everything enabled, default sound, 20%.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		SafeZoneAlert:        true,
		UnsafeZoneAlert:      true,
		LowBatteryAlert:      true,
		WatchRemovedAlert:    true,
		NewConnectionRequest: true,
		Sound:                "default",
		LowBatteryThreshold:  DefaultLowBatteryThreshold,
	}
}

// LinkState is the pairing record for one (guardian, child) pair.
type LinkState struct {
	GuardianID string     `json:"guardian_id"`
	ChildID    string     `json:"child_id"`
	Status     LinkStatus `json:"status"`
	PINHash    string     `json:"-"`
	IsAdmin    bool       `json:"is_admin"`
	ChildName  string     `json:"child_name,omitempty"`
	ParentName string     `json:"parent_name,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PairingLookup is the backend response to a pairing-code status check.
type PairingLookup struct {
	Status     PairingCodeStatus `json:"status"`
	GuardianID string            `json:"guardianId,omitempty"`
	ChildID    string            `json:"childId,omitempty"`
	ChildName  string            `json:"childName,omitempty"`
	ParentName string            `json:"parentName,omitempty"`
}
