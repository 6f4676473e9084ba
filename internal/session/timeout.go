package session

import "time"

// Monitor decides whether the analysis budget is used up. It is polled by
// backends through disasm.AbortFunc, so Expired must stay cheap.
type Monitor struct {
	budget time.Duration
	now    func() time.Time
	start  time.Time
}

// NewMonitor returns a monitor with the given budget. A zero budget never
// expires and a negative one has always expired. now defaults to time.Now.
func NewMonitor(budget time.Duration, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{budget: budget, now: now}
}

// Start resets the start of the budget to now.
func (m *Monitor) Start() {
	m.start = m.now()
}

// Budget returns the configured budget.
func (m *Monitor) Budget() time.Duration {
	return m.budget
}

// Expired reports whether the time since Start, truncated to microseconds,
// has reached the budget.
func (m *Monitor) Expired() bool {
	switch {
	case m.budget == 0:
		return false
	case m.budget < 0:
		return true
	}
	elapsed := m.now().Sub(m.start).Truncate(time.Microsecond)
	return elapsed >= m.budget
}
