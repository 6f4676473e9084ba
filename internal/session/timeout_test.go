package session

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMonitorExpired(t *testing.T) {
	tests := []struct {
		name    string
		budget  time.Duration
		elapsed time.Duration
		want    bool
	}{
		{"unbounded", 0, 1000 * time.Hour, false},
		{"negative budget", -time.Second, 0, true},
		{"fresh", time.Second, 0, false},
		{"below budget", time.Second, 999 * time.Millisecond, false},
		{"sub-microsecond remainder is truncated", time.Second, time.Second - 500*time.Nanosecond, false},
		{"at budget", time.Second, time.Second, true},
		{"past budget", time.Second, 3 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := NewMonitor(tt.budget, clock.Now)
			m.Start()
			clock.Advance(tt.elapsed)
			if got := m.Expired(); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorPolling(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(time.Second, clock.Now)
	m.Start()

	polls := 0
	for !m.Expired() {
		clock.Advance(100 * time.Millisecond)
		polls++
		if polls > 100 {
			t.Fatal("monitor never expired")
		}
	}
	if polls != 10 {
		t.Errorf("expired after %d polls of 0.1s, want 10", polls)
	}
}

func TestMonitorStartResets(t *testing.T) {
	clock := newFakeClock()
	m := NewMonitor(time.Second, clock.Now)
	m.Start()
	clock.Advance(2 * time.Second)
	if !m.Expired() {
		t.Fatal("Expired() = false after 2s")
	}
	m.Start()
	if m.Expired() {
		t.Error("Expired() = true right after Start")
	}
}
