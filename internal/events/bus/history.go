package bus

import "sync"

// DefaultHistoryLimit bounds the per-task event ring used for replay
// and UI reconnection.
const DefaultHistoryLimit = 200

// taskHistory keeps a bounded ring of events per task id. Events without
// a task id are not retained. Both bus implementations record into the
// ring at publish time so replay order matches publish order.
type taskHistory struct {
	mu    sync.RWMutex
	limit int
	rings map[string][]*Event
}

func newTaskHistory(limit int) *taskHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &taskHistory{
		limit: limit,
		rings: make(map[string][]*Event),
	}
}

// record appends the event to its task ring, evicting the oldest entry
// when the ring is full.
func (h *taskHistory) record(event *Event) {
	if event == nil || event.TaskID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ring := append(h.rings[event.TaskID], event)
	if len(ring) > h.limit {
		// Copy instead of re-slicing so the evicted prefix can be collected.
		trimmed := make([]*Event, h.limit)
		copy(trimmed, ring[len(ring)-h.limit:])
		ring = trimmed
	}
	h.rings[event.TaskID] = ring
}

// history returns up to limit of the most recent events for the task,
// oldest first. limit <= 0 returns the entire ring.
func (h *taskHistory) history(taskID string, limit int) []*Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.rings[taskID]
	if len(ring) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}

	out := make([]*Event, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

// drop discards the ring for a task (after deletion or cleanup).
func (h *taskHistory) drop(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, taskID)
}
