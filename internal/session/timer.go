package session

import "time"

// Timer is a tick-driven timer. The owner advances it from its clock
// loop with Clock; there is no background goroutine, so stopping it is
// race-free and a stopped timer can never fire against a torn-down
// session.
type Timer struct {
	timeout time.Duration
	elapsed time.Duration
	running bool
}

// Start arms the timer. A positive timeout replaces the current one.
func (t *Timer) Start(timeout time.Duration) {
	if timeout > 0 {
		t.timeout = timeout
	}
	t.elapsed = 0
	t.running = true
}

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.running = false
}

// IsRunning reports whether the timer is armed.
func (t *Timer) IsRunning() bool {
	return t.running
}

// Clock advances the timer by the elapsed wall time since the last tick.
func (t *Timer) Clock(d time.Duration) {
	if !t.running {
		return
	}
	t.elapsed += d
}

// Expired reports whether an armed timer has reached its timeout.
func (t *Timer) Expired() bool {
	return t.running && t.timeout > 0 && t.elapsed >= t.timeout
}
