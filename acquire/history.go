package acquire

import (
	"sync"
	"time"
)

// Reading is one poll of one node
type Reading struct {
	Node   string             `json:"node"`
	Time   time.Time          `json:"timestamp"`
	Values map[string]float64 `json:"values"`
}

// History is a fixed capacity ring buffer of readings.  Once full, each
// Append overwrites the oldest reading.
type History struct {
	mu    sync.RWMutex
	buf   []Reading
	head  int
	count int
}

// NewHistory returns a history holding up to capacity readings
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Reading, capacity)}
}

// Append adds a reading
func (h *History) Append(r Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.head] = r
	h.head = (h.head + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Len is the number of readings held
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Cap is the capacity
func (h *History) Cap() int {
	return len(h.buf)
}

// Contiguous returns the readings oldest first, as a new slice
func (h *History) Contiguous() []Reading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Reading, 0, h.count)
	start := (h.head - h.count + len(h.buf)) % len(h.buf)
	for i := 0; i < h.count; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

// Last returns the newest reading, if there is one
func (h *History) Last() (Reading, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.count == 0 {
		return Reading{}, false
	}
	return h.buf[(h.head-1+len(h.buf))%len(h.buf)], true
}

// Reset empties the history
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head, h.count = 0, 0
	for i := range h.buf {
		h.buf[i] = Reading{}
	}
}
