package alerts

import (
	"sort"
	"sync"

	"safewatch/internal/types"
)

// Phase is the lifecycle phase of a Watermark.
type Phase int

const (
	// PhaseBaseline means no batch has been observed since Reset. The next
	// batch only establishes the watermark.
	PhaseBaseline Phase = iota
	// PhaseArmed means batches surface alerts past the watermark.
	PhaseArmed
)

func (p Phase) String() string {
	if p == PhaseArmed {
		return "armed"
	}
	return "baseline"
}

// Watermark is a guardian's position in their alert stream. Alerts are
// ordered by the store-assigned sequence, so an alert that is persisted late
// still sorts after everything already processed. The position never moves
// backwards.
type Watermark struct {
	mu     sync.Mutex
	phase  Phase
	cursor types.AlertCursor
}

// NewWatermark returns a watermark in PhaseBaseline.
func NewWatermark() *Watermark {
	return &Watermark{}
}

// Reset re-enters PhaseBaseline. Nothing from the previous session is reused.
func (w *Watermark) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.phase = PhaseBaseline
	w.cursor = types.AlertCursor{}
}

// Phase returns the current phase.
func (w *Watermark) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Value returns the cursor: the highest sequence processed and the newest
// timestamp seen.
func (w *Watermark) Value() types.AlertCursor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Observe processes one batch and returns the alerts to present in sequence
// order. The first batch after Reset is the baseline and returns nothing.
// Afterwards every alert with a sequence above the cursor at the start of
// the batch survives, and alerts describing the same condition collapse to
// the latest one.
func (w *Watermark) Observe(batch []types.Alert) []types.Alert {
	sorted := make([]types.Alert, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Seq < sorted[j].Seq
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase == PhaseBaseline {
		for _, a := range sorted {
			w.advance(a)
		}
		w.phase = PhaseArmed
		return nil
	}

	bound := w.cursor.Seq
	var fresh []types.Alert
	for _, a := range sorted {
		if a.Seq <= bound {
			continue
		}
		fresh = append(fresh, a)
	}
	for _, a := range fresh {
		w.advance(a)
	}
	return collapse(fresh)
}

// Advance moves the cursor forward to c, e.g. after a dismissal.
func (w *Watermark) Advance(c types.AlertCursor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advanceTo(c)
}

func (w *Watermark) advance(a types.Alert) {
	w.advanceTo(types.AlertCursor{Seq: a.Seq, Timestamp: a.Timestamp})
}

func (w *Watermark) advanceTo(c types.AlertCursor) {
	if c.Seq > w.cursor.Seq {
		w.cursor.Seq = c.Seq
	}
	if c.Timestamp.After(w.cursor.Timestamp) {
		w.cursor.Timestamp = c.Timestamp
	}
}

// collapse keeps the last alert per condition, preserving order. Distinct
// conditions sharing a timestamp are all kept.
func collapse(sorted []types.Alert) []types.Alert {
	if len(sorted) < 2 {
		return sorted
	}
	newest := make(map[string]int, len(sorted))
	for i, a := range sorted {
		newest[conditionKey(a)] = i
	}
	out := make([]types.Alert, 0, len(newest))
	for i, a := range sorted {
		if newest[conditionKey(a)] == i {
			out = append(out, a)
		}
	}
	return out
}

// conditionKey identifies the underlying condition an alert reports. Zone
// alerts are per zone; everything else is per kind and child.
func conditionKey(a types.Alert) string {
	key := string(a.Kind) + "|" + a.ChildID + "|" + a.GuardianID
	if zone, ok := a.Payload["zone_name"].(string); ok {
		key += "|" + zone
	}
	return key
}
