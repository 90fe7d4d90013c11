package actuator

// history is a fixed-capacity ring of terminal outcomes plus running totals.
// Guarded by the channel mutex.
type history struct {
	buf  []Record
	next int
	size int

	total     uint64
	successes uint64
	failures  uint64
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &history{buf: make([]Record, capacity)}
}

func (h *history) add(r Record) {
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
	h.total++
	if r.State == StateSuccess {
		h.successes++
	} else {
		h.failures++
	}
}

// recent returns retained records oldest first.
func (h *history) recent() []Record {
	out := make([]Record, 0, h.size)
	start := (h.next - h.size + len(h.buf)) % len(h.buf)
	for i := 0; i < h.size; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// resize keeps the newest records that fit the new capacity.
func (h *history) resize(capacity int) {
	if capacity <= 0 || capacity == len(h.buf) {
		return
	}
	keep := h.recent()
	if len(keep) > capacity {
		keep = keep[len(keep)-capacity:]
	}
	h.buf = make([]Record, capacity)
	copy(h.buf, keep)
	h.size = len(keep)
	h.next = h.size % capacity
}
