package kernel

import (
	"errors"
	"time"
)

// ErrExecutionNotFound is returned when an execution id is unknown
var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionStatus tracks a single handler invocation.
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution records one kernel invocation of an agent handler.
type Execution struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id,omitempty"`
	AgentID    string          `json:"agent_id"`
	Input      string          `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
}

// record stores a new execution and evicts the oldest entries beyond the
// history limit.
func (k *Kernel) record(e *Execution) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.executions[e.ID] = e
	k.order = append(k.order, e.ID)
	if drop := len(k.order) - k.historyLimit; drop > 0 {
		for _, id := range k.order[:drop] {
			delete(k.executions, id)
		}
		k.order = k.order[drop:]
	}
}

// finish applies a mutation to a stored execution under the write lock.
func (k *Kernel) finish(id string, fn func(*Execution)) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.executions[id]; ok {
		fn(e)
	}
}

// snapshot returns a copy of a stored execution, or nil if evicted.
func (k *Kernel) snapshot(id string) *Execution {
	k.mu.RLock()
	defer k.mu.RUnlock()

	e, ok := k.executions[id]
	if !ok {
		return nil
	}
	copied := *e
	return &copied
}

// GetExecution returns a copy of the execution with the given id.
func (k *Kernel) GetExecution(id string) (*Execution, error) {
	e := k.snapshot(id)
	if e == nil {
		return nil, ErrExecutionNotFound
	}
	return e, nil
}

// History returns the most recent executions, newest first. A limit of zero
// or less returns everything retained.
func (k *Kernel) History(limit int) []*Execution {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if limit <= 0 || limit > len(k.order) {
		limit = len(k.order)
	}
	result := make([]*Execution, 0, limit)
	for i := len(k.order) - 1; i >= 0 && len(result) < limit; i-- {
		if e, ok := k.executions[k.order[i]]; ok {
			copied := *e
			result = append(result, &copied)
		}
	}
	return result
}

// ExecutionsByAgent returns the retained executions for one agent, oldest
// first.
func (k *Kernel) ExecutionsByAgent(agentID string) []*Execution {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var result []*Execution
	for _, id := range k.order {
		e, ok := k.executions[id]
		if !ok || e.AgentID != agentID {
			continue
		}
		copied := *e
		result = append(result, &copied)
	}
	return result
}
