package alerts

import (
	"sync"

	"safewatch/internal/types"
)

// BatteryMonitor detects downward crossings of each guardian's low-battery
// threshold. After firing it stays quiet until the level rises above the
// threshold again.
type BatteryMonitor struct {
	mu    sync.Mutex
	below map[string]bool
}

// NewBatteryMonitor returns a monitor with every guardian armed.
func NewBatteryMonitor() *BatteryMonitor {
	return &BatteryMonitor{below: make(map[string]bool)}
}

// Observe reports whether percent is a fresh crossing at or below threshold
// for guardianID. An out-of-range threshold uses the default. The first
// reading counts as a crossing when it is already low.
func (b *BatteryMonitor) Observe(guardianID string, percent, threshold int) bool {
	if threshold < types.MinLowBatteryThreshold || threshold > types.MaxLowBatteryThreshold {
		threshold = types.DefaultLowBatteryThreshold
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	low := percent <= threshold
	was := b.below[guardianID]
	b.below[guardianID] = low
	return low && !was
}

// Reset re-arms every guardian.
func (b *BatteryMonitor) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.below = make(map[string]bool)
}
