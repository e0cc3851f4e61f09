package queue

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrTaskExists is returned when a task already exists in the queue
	ErrTaskExists = errors.New("task already exists in queue")
	// ErrNotPending is returned when enqueueing an entry that is not pending
	ErrNotPending = errors.New("task is not pending")
	// ErrNotFound is returned when a task id is not tracked by the queue
	ErrNotFound = errors.New("task not found in queue")
)

// Priority bands, highest first on dequeue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// ParsePriority maps a priority name to its band. Unknown names fall back
// to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ClampPriority converts an opaque wire integer (higher = more urgent)
// into a valid band.
func ClampPriority(v int) Priority {
	if v < int(PriorityLow) {
		return PriorityLow
	}
	if v > int(PriorityCritical) {
		return PriorityCritical
	}
	return Priority(v)
}

// EntryState tracks an entry through its queue lifecycle.
type EntryState string

const (
	StatePending   EntryState = "pending"
	StateAssigned  EntryState = "assigned"
	StateRunning   EntryState = "running"
	StateRetrying  EntryState = "retrying"
	StateCompleted EntryState = "completed"
	StateFailed    EntryState = "failed"
	StateCancelled EntryState = "cancelled"
)

// Entry represents a task waiting in (or tracked by) the priority queue.
type Entry struct {
	TaskID     string
	Name       string
	Input      string
	AgentID    string // explicit agent selection, optional
	AgentTag   string // tag-based agent selection, optional
	Priority   Priority
	MaxRetries int
	Attempts   int // runs finished (failed or completed)
	Metadata   map[string]interface{}
	State      EntryState
	QueuedAt   time.Time
	// EarliestRunAt gates dequeue for retried entries; zero means
	// immediately eligible.
	EarliestRunAt time.Time
	FinishedAt    time.Time // set when the entry reaches a terminal state
}

func (e *Entry) eligible(now time.Time) bool {
	return e.EarliestRunAt.IsZero() || !e.EarliestRunAt.After(now)
}

// TaskQueue manages four FIFO priority bands plus a bounded history of
// finished entries. A single mutex serializes every operation.
type TaskQueue struct {
	mu           sync.RWMutex
	bands        [numPriorities][]*Entry
	taskMap      map[string]*Entry // live entries by task id (any non-terminal state)
	history      []*Entry          // completed/failed/cancelled, oldest first
	maxSize      int
	historyLimit int
	baseBackoff  time.Duration
}

// DefaultHistoryLimit bounds the finished-entry history.
const DefaultHistoryLimit = 1000

// NewTaskQueue creates a new task queue. maxSize of 0 means unlimited.
func NewTaskQueue(maxSize int, baseBackoff time.Duration, historyLimit int) *TaskQueue {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	return &TaskQueue{
		taskMap:      make(map[string]*Entry),
		maxSize:      maxSize,
		historyLimit: historyLimit,
		baseBackoff:  baseBackoff,
	}
}

// Enqueue adds a pending entry to the back of its priority band.
func (q *TaskQueue) Enqueue(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry.State != "" && entry.State != StatePending {
		return ErrNotPending
	}
	if _, exists := q.taskMap[entry.TaskID]; exists {
		return ErrTaskExists
	}
	if q.maxSize > 0 && q.waitingLocked() >= q.maxSize {
		return ErrQueueFull
	}

	entry.State = StatePending
	if entry.QueuedAt.IsZero() {
		entry.QueuedAt = time.Now()
	}
	entry.Priority = ClampPriority(int(entry.Priority))

	q.bands[entry.Priority] = append(q.bands[entry.Priority], entry)
	q.taskMap[entry.TaskID] = entry
	return nil
}

// Dequeue removes and returns the oldest eligible entry of the highest
// non-empty band and marks it assigned. Entries whose EarliestRunAt lies
// in the future are skipped without blocking anything behind them.
// Returns nil if no entry is eligible.
func (q *TaskQueue) Dequeue() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for p := PriorityCritical; p >= PriorityLow; p-- {
		band := q.bands[p]
		for i, entry := range band {
			if !entry.eligible(now) {
				continue
			}
			q.bands[p] = append(band[:i:i], band[i+1:]...)
			entry.State = StateAssigned
			return entry
		}
	}
	return nil
}

// MarkRunning transitions an assigned entry to running.
func (q *TaskQueue) MarkRunning(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.taskMap[taskID]
	if !ok {
		return ErrNotFound
	}
	entry.State = StateRunning
	return nil
}

// MarkCompleted finishes an entry successfully and moves it to history.
func (q *TaskQueue) MarkCompleted(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.taskMap[taskID]
	if !ok {
		return ErrNotFound
	}

	entry.Attempts++
	entry.State = StateCompleted
	entry.FinishedAt = time.Now()
	q.finishLocked(entry)
	return nil
}

// MarkFailed finishes a run. With retry=true and retries left, the entry
// re-enters the back of its band with an exponential-backoff eligibility
// time; otherwise it moves to the failed history.
func (q *TaskQueue) MarkFailed(taskID string, retry bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.taskMap[taskID]
	if !ok {
		return ErrNotFound
	}

	if retry && entry.Attempts < entry.MaxRetries {
		entry.Attempts++
		entry.State = StateRetrying
		entry.EarliestRunAt = time.Now().Add(q.backoff(entry.Attempts))
		q.bands[entry.Priority] = append(q.bands[entry.Priority], entry)
		return nil
	}

	entry.Attempts++
	entry.State = StateFailed
	entry.FinishedAt = time.Now()
	q.finishLocked(entry)
	return nil
}

// Cancel removes an entry wherever it currently lives (waiting in a band
// or assigned/running) and records the cancellation in history.
func (q *TaskQueue) Cancel(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.taskMap[taskID]
	if !ok {
		return false
	}

	q.removeFromBandLocked(entry)
	entry.State = StateCancelled
	entry.FinishedAt = time.Now()
	q.finishLocked(entry)
	return true
}

// Get returns the live entry for a task id, if tracked.
func (q *TaskQueue) Get(taskID string) (*Entry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	entry, ok := q.taskMap[taskID]
	return entry, ok
}

// Len returns the number of entries waiting in bands.
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.waitingLocked()
}

// Pending returns the number of waiting entries that are eligible to run now.
func (q *TaskQueue) Pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := time.Now()
	n := 0
	for p := range q.bands {
		for _, entry := range q.bands[p] {
			if entry.eligible(now) {
				n++
			}
		}
	}
	return n
}

// IsFull returns true if the queue is at max capacity
func (q *TaskQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && q.waitingLocked() >= q.maxSize
}

// Snapshot returns all waiting entries, highest band first, FIFO within
// a band (for status endpoints).
func (q *TaskQueue) Snapshot() []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*Entry, 0, q.waitingLocked())
	for p := PriorityCritical; p >= PriorityLow; p-- {
		out = append(out, q.bands[p]...)
	}
	return out
}

// History returns finished entries, oldest first.
func (q *TaskQueue) History() []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*Entry, len(q.history))
	copy(out, q.history)
	return out
}

func (q *TaskQueue) waitingLocked() int {
	n := 0
	for p := range q.bands {
		n += len(q.bands[p])
	}
	return n
}

// backoff computes base * 2^attempts with a shift clamp so pathological
// attempt counts cannot overflow the duration.
func (q *TaskQueue) backoff(attempts int) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	return q.baseBackoff << uint(attempts)
}

func (q *TaskQueue) removeFromBandLocked(entry *Entry) {
	band := q.bands[entry.Priority]
	for i, e := range band {
		if e == entry {
			q.bands[entry.Priority] = append(band[:i:i], band[i+1:]...)
			return
		}
	}
}

// finishLocked moves a terminal entry from the live map into history,
// trimming history to its bound.
func (q *TaskQueue) finishLocked(entry *Entry) {
	delete(q.taskMap, entry.TaskID)
	q.history = append(q.history, entry)
	if len(q.history) > q.historyLimit {
		trimmed := make([]*Entry, q.historyLimit)
		copy(trimmed, q.history[len(q.history)-q.historyLimit:])
		q.history = trimmed
	}
}
