package actuator

import "time"

// pacer enforces the minimum interval between dispatch starts on one channel.
// Guarded by the channel mutex.
type pacer struct {
	interval time.Duration
	last     time.Time
}

// delay returns how long a non-forced dispatch must wait at now.
func (p *pacer) delay(now time.Time) time.Duration {
	if p.interval <= 0 || p.last.IsZero() {
		return 0
	}
	d := p.interval - now.Sub(p.last)
	if d < 0 {
		return 0
	}
	return d
}

// mark records a dispatch start. Forced dispatches mark too, so later
// non-forced commands are spaced from them.
func (p *pacer) mark(at time.Time) { p.last = at }
