package feed

import (
	"sync"
	"time"

	"fieldsense/internal/model"
)

// History keeps the most recent accepted events, oldest first.
type History struct {
	mu    sync.RWMutex
	buf   []model.TelemetryEvent
	limit int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit}
}

func (h *History) Add(ev model.TelemetryEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) < h.limit {
		h.buf = append(h.buf, ev)
		return
	}
	copy(h.buf, h.buf[1:])
	h.buf[len(h.buf)-1] = ev
}

// List returns up to limit of the newest events; limit <= 0 means all.
func (h *History) List(limit int) []model.TelemetryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.buf) {
		limit = len(h.buf)
	}
	out := make([]model.TelemetryEvent, limit)
	copy(out, h.buf[len(h.buf)-limit:])
	return out
}

func (h *History) Since(ts time.Time) []model.TelemetryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.TelemetryEvent, 0)
	for _, ev := range h.buf {
		if !ev.ReceivedAt.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.buf)
}
