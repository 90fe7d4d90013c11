package actuator

// health is the channel's consecutive-failure circuit breaker.
//
// Unlike a timed breaker there is no half-open probe: the circuit only closes
// on an explicit reset or on a success (which, while open, can only come from a
// forced command). Guarded by the channel mutex.
type health struct {
	threshold int
	failures  int
	state     Circuit
}

func (h *health) healthy() bool { return h.state == CircuitClosed }

// success clears the failure streak. It reports whether the circuit closed.
func (h *health) success() bool {
	h.failures = 0
	if h.state == CircuitOpen {
		h.state = CircuitClosed
		return true
	}
	return false
}

// failure records a terminal failure. It reports whether the circuit opened.
func (h *health) failure() bool {
	h.failures++
	if h.state == CircuitClosed && h.failures >= h.threshold {
		h.state = CircuitOpen
		return true
	}
	return false
}

// reset is idempotent. It reports whether the circuit closed.
func (h *health) reset() bool {
	h.failures = 0
	if h.state == CircuitOpen {
		h.state = CircuitClosed
		return true
	}
	return false
}
