// Package slots tracks per-agent load for intake-time dispatch hints.
// Scores move in fixed 50-point steps: busy +50, idle -50, clamped to
// [0, 100].
package slots

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
)

// ErrNoSlots is returned when a selection has no agent slots to pick from
var ErrNoSlots = errors.New("no agent slots available")

// Slot is the load state of one registered agent.
type Slot struct {
	AgentID       string `json:"agent_id"`
	Busy          bool   `json:"busy"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	LoadScore     int    `json:"load_score"`
	IdleCounter   int    `json:"idle_counter"`
}

// Tracker maintains one slot per agent plus a task-type preference map.
type Tracker struct {
	mu      sync.RWMutex
	slots   map[string]*Slot
	typeMap map[string]string // task type -> preferred agent id
	logger  *logger.Logger
	bus     bus.EventBus
}

// DefaultTypeMapping maps intake task types onto the built-in agents.
func DefaultTypeMapping() map[string]string {
	return map[string]string{
		"web-dev":  "web-dev-agent",
		"research": "research-agent",
		"system":   "system-agent",
	}
}

// NewTracker creates a load tracker. A nil typeMap disables task-type
// preference.
func NewTracker(log *logger.Logger, eventBus bus.EventBus, typeMap map[string]string) *Tracker {
	return &Tracker{
		slots:   make(map[string]*Slot),
		typeMap: typeMap,
		logger:  log,
		bus:     eventBus,
	}
}

// Ensure creates the slot for an agent if it does not exist yet.
func (t *Tracker) Ensure(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLocked(agentID)
}

func (t *Tracker) ensureLocked(agentID string) *Slot {
	slot, ok := t.slots[agentID]
	if !ok {
		slot = &Slot{AgentID: agentID}
		t.slots[agentID] = slot
	}
	return slot
}

// MarkBusy raises the agent's load by 50 (clamped to 100) and records the
// task it is working on.
func (t *Tracker) MarkBusy(agentID, taskID string) {
	t.mu.Lock()
	slot := t.ensureLocked(agentID)
	slot.Busy = true
	slot.CurrentTaskID = taskID
	slot.LoadScore += 50
	if slot.LoadScore > 100 {
		slot.LoadScore = 100
	}
	score := slot.LoadScore
	t.mu.Unlock()

	t.publish(events.AgentBusy, agentID, taskID, score)
}

// MarkIdle lowers the agent's load by 50 (clamped to 0) and bumps its idle
// counter.
func (t *Tracker) MarkIdle(agentID string) {
	t.mu.Lock()
	slot := t.ensureLocked(agentID)
	slot.Busy = false
	slot.CurrentTaskID = ""
	slot.IdleCounter++
	slot.LoadScore -= 50
	if slot.LoadScore < 0 {
		slot.LoadScore = 0
	}
	score := slot.LoadScore
	t.mu.Unlock()

	t.publish(events.AgentIdle, agentID, "", score)
}

// SelectFor returns the preferred slot for a task type. A task-type mapping
// wins even when that agent is busy; otherwise the least-loaded slot wins
// (ties broken by agent id).
func (t *Tracker) SelectFor(taskType string) (*Slot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if preferred, ok := t.typeMap[taskType]; ok {
		if slot, exists := t.slots[preferred]; exists {
			copied := *slot
			return &copied, nil
		}
	}

	var best *Slot
	for _, slot := range t.slots {
		if best == nil ||
			slot.LoadScore < best.LoadScore ||
			(slot.LoadScore == best.LoadScore && slot.AgentID < best.AgentID) {
			best = slot
		}
	}
	if best == nil {
		return nil, ErrNoSlots
	}
	copied := *best
	return &copied, nil
}

// EstimatedWait converts an agent's load score into a wait hint:
// ceil(load * 1000 / 100) milliseconds. Unknown agents wait nothing.
func (t *Tracker) EstimatedWait(agentID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.slots[agentID]
	if !ok {
		return 0
	}
	ms := (slot.LoadScore*1000 + 99) / 100
	return time.Duration(ms) * time.Millisecond
}

// Get returns a copy of the agent's slot.
func (t *Tracker) Get(agentID string) (Slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	slot, ok := t.slots[agentID]
	if !ok {
		return Slot{}, false
	}
	return *slot, true
}

// Snapshot returns copies of all slots ordered by agent id.
func (t *Tracker) Snapshot() []Slot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Slot, 0, len(t.slots))
	for _, slot := range t.slots {
		out = append(out, *slot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (t *Tracker) publish(eventType, agentID, taskID string, score int) {
	if t.bus == nil {
		return
	}
	event := bus.NewTaskEvent(eventType, "slots", taskID, agentID, map[string]interface{}{
		"load_score": score,
	})
	if err := t.bus.Publish(context.Background(), eventType, event); err != nil {
		t.logger.Warn("Failed to publish slot event",
			zap.String("type", eventType),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
