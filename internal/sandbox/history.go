package sandbox

// historyRing is a fixed-capacity buffer of command results.
type historyRing struct {
	buf  []CommandResult
	head int // next write position
	size int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{buf: make([]CommandResult, capacity)}
}

func (h *historyRing) push(r CommandResult) {
	h.buf[h.head] = r
	h.head = (h.head + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// newest returns up to limit entries, most recent first.
func (h *historyRing) newest(limit int) []CommandResult {
	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]CommandResult, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.head - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
