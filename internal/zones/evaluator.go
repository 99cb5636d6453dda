// Package zones evaluates a child's location against circular geofences.
//
// Danger zones alert on entry, repeat at most once per cooldown while the
// child stays inside, and re-arm immediately when the child leaves. Safe
// zones alert only on the inside-to-outside transition.
package zones

import (
	"math"
	"time"

	"safewatch/internal/types"
)

// EarthRadiusMeters is the mean earth radius used for great-circle distance.
const EarthRadiusMeters = 6371000.0

// DefaultDangerCooldown is the minimum time between repeat alerts for the
// same danger zone.
const DefaultDangerCooldown = 120 * time.Second

// Watermark maps a danger-zone name to the time of its last alert. An entry
// exists only while the child is inside that zone.
type Watermark map[string]time.Time

// Clone returns an independent copy of w.
func (w Watermark) Clone() Watermark {
	out := make(Watermark, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Event is a zone transition detected by the evaluator.
type Event struct {
	Kind types.AlertKind
	Zone types.Zone
	// Repeat is true for a "still in zone" reminder after the cooldown.
	Repeat   bool
	Location types.LatLon
	At       time.Time
}

// Evaluator checks locations against zones.
type Evaluator struct {
	Cooldown time.Duration
}

// NewEvaluator returns an Evaluator with the given danger cooldown; zero uses
// DefaultDangerCooldown.
func NewEvaluator(cooldown time.Duration) *Evaluator {
	if cooldown <= 0 {
		cooldown = DefaultDangerCooldown
	}
	return &Evaluator{Cooldown: cooldown}
}

// Distance returns the haversine great-circle distance in meters.
func Distance(a, b types.LatLon) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Contains reports whether p lies within the zone's radius (boundary
// inclusive).
func Contains(z types.Zone, p types.LatLon) bool {
	return Distance(z.Center, p) <= z.RadiusMeters
}

// CheckDangerZones evaluates loc against the unsafe zones. It returns at most
// one event (first qualifying zone in list order) and the updated watermark.
// The input watermark is not modified.
func (e *Evaluator) CheckDangerZones(now time.Time, loc types.LatLon, zones []types.Zone, wm Watermark) ([]Event, Watermark) {
	next := wm.Clone()
	var events []Event

	for _, z := range zones {
		if z.IsSafe {
			continue
		}
		if !Contains(z, loc) {
			delete(next, z.Name)
			continue
		}
		if len(events) > 0 {
			continue
		}
		prior, seen := next[z.Name]
		switch {
		case !seen:
			events = append(events, Event{Kind: types.AlertUnsafeZoneEntry, Zone: z, Location: loc, At: now})
			next[z.Name] = now
		case now.Sub(prior) >= e.Cooldown:
			events = append(events, Event{Kind: types.AlertUnsafeZoneEntry, Zone: z, Repeat: true, Location: loc, At: now})
			next[z.Name] = now
		}
	}
	return events, next
}

// CheckSafeZoneExit returns an event for the first safe zone that contained
// prev but does not contain curr. A nil prev (first reading) never alerts.
func (e *Evaluator) CheckSafeZoneExit(now time.Time, prev *types.LatLon, curr types.LatLon, zones []types.Zone) []Event {
	if prev == nil {
		return nil
	}
	for _, z := range zones {
		if !z.IsSafe {
			continue
		}
		if Contains(z, *prev) && !Contains(z, curr) {
			return []Event{{Kind: types.AlertSafeZoneExit, Zone: z, Location: curr, At: now}}
		}
	}
	return nil
}
