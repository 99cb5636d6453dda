package notify

import (
	"fmt"

	"safewatch/internal/types"
)

// DefaultSound is used when a guardian has not picked a sound.
const DefaultSound = "default"

var titles = map[types.AlertKind]string{
	types.AlertWatchRemoved:      "Watch Removed",
	types.AlertWatchBackOn:       "Watch Back On",
	types.AlertBatteryLow:        "Low Battery",
	types.AlertSOS:               "SOS",
	types.AlertHalt:              "HALT",
	types.AlertSafeZoneExit:      "Left Safe Zone",
	types.AlertUnsafeZoneEntry:   "Entered Unsafe Zone",
	types.AlertConnectionRequest: "New Connection Request",
}

// Render builds the guardian-facing presentation for a. childName falls back
// to "Your child" when empty.
func Render(a types.Alert, childName, sound string) Presentation {
	if childName == "" {
		childName = "Your child"
	}
	if sound == "" {
		sound = DefaultSound
	}
	title, ok := titles[a.Kind]
	if !ok {
		title = "Alert"
	}
	return Presentation{
		AlertID:   a.ID,
		Recipient: a.GuardianID,
		Title:     title,
		Body:      body(a, childName),
		SoundID:   sound,
	}
}

func body(a types.Alert, child string) string {
	switch a.Kind {
	case types.AlertWatchRemoved:
		return fmt.Sprintf("%s may have taken off their watch.", child)
	case types.AlertWatchBackOn:
		return fmt.Sprintf("%s is wearing their watch again.", child)
	case types.AlertBatteryLow:
		if pct, ok := intField(a.Payload, "percent"); ok {
			return fmt.Sprintf("%s's watch battery is at %d%%.", child, pct)
		}
		return fmt.Sprintf("%s's watch battery is low.", child)
	case types.AlertSOS:
		return fmt.Sprintf("%s pressed the SOS button!", child)
	case types.AlertHalt:
		return fmt.Sprintf("A HALT signal was sent to %s.", child)
	case types.AlertSafeZoneExit:
		return fmt.Sprintf("%s left %s.", child, stringField(a.Payload, "zone_name", "a safe zone"))
	case types.AlertUnsafeZoneEntry:
		zone := stringField(a.Payload, "zone_name", "an unsafe zone")
		if repeat, _ := a.Payload["repeat"].(bool); repeat {
			return fmt.Sprintf("%s is still in %s.", child, zone)
		}
		return fmt.Sprintf("%s entered %s.", child, zone)
	case types.AlertConnectionRequest:
		return fmt.Sprintf("%s wants to connect to %s.", stringField(a.Payload, "parent_name", "Someone"), child)
	default:
		return fmt.Sprintf("New alert for %s.", child)
	}
}

func stringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// intField accepts both int and the float64 produced by JSON decoding.
func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
