package pipeline

import "sync"

// HistoryCapacity is the number of snapshots kept per source.
const HistoryCapacity = 60

// MetricsHistory is a fixed-size ring of the most recent snapshots of a
// source. The oldest entry is evicted once the ring is full.
type MetricsHistory struct {
	mu    sync.Mutex
	buf   [HistoryCapacity]PerformanceSnapshot
	start int
	size  int
}

// NewMetricsHistory creates an empty history.
func NewMetricsHistory() *MetricsHistory {
	return &MetricsHistory{}
}

// Append adds s as the newest entry.
func (h *MetricsHistory) Append(s PerformanceSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < HistoryCapacity {
		h.buf[(h.start+h.size)%HistoryCapacity] = s
		h.size++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % HistoryCapacity
}

// Snapshot returns a copy of the entries, oldest first. The copy does not
// change when the history is appended to later.
func (h *MetricsHistory) Snapshot() []PerformanceSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]PerformanceSnapshot, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%HistoryCapacity]
	}
	return out
}

// Len returns the number of stored snapshots.
func (h *MetricsHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}
