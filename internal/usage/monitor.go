// Package usage reports how full a session's context window is, in
// ten-percent steps that only ever increase.
package usage

import (
	"math"
	"sync"
)

// Step is the granularity of reported thresholds.
const Step = 10

// Threshold rounds a percentage down to a multiple of Step.
func Threshold(pct float64) int {
	if pct <= 0 || math.IsNaN(pct) {
		return 0
	}
	return int(math.Floor(pct/Step)) * Step
}

// Percent returns used/limit as a percentage. A zero limit yields 0.
func Percent(used, limit int) float64 {
	if limit <= 0 || used <= 0 {
		return 0
	}
	return float64(used) * 100 / float64(limit)
}

// Monitor remembers the last threshold shown for each session.
type Monitor struct {
	mu   sync.Mutex
	last map[string]int
}

// NewMonitor creates a monitor.
func NewMonitor() *Monitor {
	return &Monitor{last: make(map[string]int)}
}

// Observe records a usage percentage. It returns the threshold to display
// and true when it is at least Step and above the last one displayed.
func (m *Monitor) Observe(sessionID string, pct float64) (int, bool) {
	t := Threshold(pct)
	if t < Step {
		return 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t <= m.last[sessionID] {
		return 0, false
	}
	m.last[sessionID] = t
	return t, true
}

// Last returns the last displayed threshold of a session.
func (m *Monitor) Last(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[sessionID]
}

// Reset forgets a session, e.g. after it was compacted.
func (m *Monitor) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, sessionID)
}
