// Package scheduler processes the task queue and coordinates execution:
// it binds the priority queue, the agent registry, the kernel, the task
// store and the cancellation registry into one processing loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/agent/registry"
	"github.com/taskmesh/taskmesh/internal/cancel"
	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/kernel"
	"github.com/taskmesh/taskmesh/internal/orchestrator/queue"
	"github.com/taskmesh/taskmesh/internal/task/models"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	ErrWaitTimeout             = errors.New("timed out waiting for task")
	ErrTaskFinished            = errors.New("task already finished")
)

// waitPollInterval is how often WaitFor re-reads the task record.
const waitPollInterval = 25 * time.Millisecond

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	ProcessInterval time.Duration // How often the loop drains the queue
	MaxConcurrent   int64         // Max concurrent agent executions
	MaxRetries      int           // Default retry budget per task
	BaseBackoff     time.Duration // Base delay for exponential retry backoff
	Lease           time.Duration // How long a store claim stays exclusive
}

// DefaultSchedulerConfig returns default configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ProcessInterval: 100 * time.Millisecond,
		MaxConcurrent:   10,
		MaxRetries:      2,
		BaseBackoff:     time.Second,
		Lease:           time.Minute,
	}
}

// FromConfig converts the application's scheduler section, keeping defaults
// for unset values.
func FromConfig(cfg config.SchedulerConfig) SchedulerConfig {
	out := DefaultSchedulerConfig()
	if cfg.ProcessIntervalMS > 0 {
		out.ProcessInterval = time.Duration(cfg.ProcessIntervalMS) * time.Millisecond
	}
	if cfg.MaxConcurrentTasks > 0 {
		out.MaxConcurrent = int64(cfg.MaxConcurrentTasks)
	}
	if cfg.MaxRetries > 0 {
		out.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseBackoffMS > 0 {
		out.BaseBackoff = time.Duration(cfg.BaseBackoffMS) * time.Millisecond
	}
	if cfg.LeaseMS > 0 {
		out.Lease = time.Duration(cfg.LeaseMS) * time.Millisecond
	}
	return out
}

// SubmitOptions carries optional submission parameters.
type SubmitOptions struct {
	Priority queue.Priority
	AgentID  string // explicit agent selection
	AgentTag string // tag-based agent selection
	// MaxRetries overrides the configured default when set.
	MaxRetries *int
	Metadata   map[string]interface{}
}

// QueueStatus contains queue statistics
type QueueStatus struct {
	QueuedTasks      int
	ActiveExecutions int
	MaxConcurrent    int64
	TotalProcessed   int64
	TotalFailed      int64
}

// Scheduler manages the task queue processing loop
type Scheduler struct {
	queue    *queue.TaskQueue
	registry *registry.Registry
	kernel   *kernel.Kernel
	store    store.Store
	cancels  *cancel.Registry
	bus      bus.EventBus
	logger   *logger.Logger
	config   SchedulerConfig

	// workerID identifies this scheduler's store claims.
	workerID string
	sem      *semaphore.Weighted

	// Statistics
	active         int64
	totalProcessed int64
	totalFailed    int64

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(
	q *queue.TaskQueue,
	reg *registry.Registry,
	k *kernel.Kernel,
	st store.Store,
	cancels *cancel.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
	cfg SchedulerConfig,
) *Scheduler {
	return &Scheduler{
		queue:    q,
		registry: reg,
		kernel:   k,
		store:    st,
		cancels:  cancels,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "scheduler")),
		config:   cfg,
		workerID: "scheduler-" + uuid.New().String()[:8],
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Submit registers a task record and enqueues it for processing.
func (s *Scheduler) Submit(ctx context.Context, name, input string, opts SubmitOptions) (*models.TaskRecord, error) {
	maxRetries := s.config.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	meta := make(map[string]interface{}, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	if name != "" {
		meta["name"] = name
	}

	record, err := s.store.Create(ctx, input, store.CreateOptions{
		AgentID:  opts.AgentID,
		Metadata: meta,
	})
	if err != nil {
		return nil, err
	}

	// The handle exists for the task's whole life so Cancel can fire at
	// any point between submission and the terminal state.
	s.cancels.Acquire(record.ID)

	entry := &queue.Entry{
		TaskID:     record.ID,
		Name:       name,
		Input:      input,
		AgentID:    opts.AgentID,
		AgentTag:   opts.AgentTag,
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
		Metadata:   opts.Metadata,
	}
	if err := s.queue.Enqueue(entry); err != nil {
		status := models.StatusFailed
		errInfo := &models.ErrorInfo{
			Message:     fmt.Sprintf("failed to enqueue task: %v", err),
			FailedLayer: models.LayerScheduler,
		}
		if _, uerr := s.store.Update(ctx, record.ID, store.Patch{Status: &status, Error: errInfo}); uerr != nil {
			s.logger.Error("Failed to record enqueue failure",
				zap.String("task_id", record.ID),
				zap.Error(uerr))
		}
		s.cancels.Release(record.ID)
		return nil, err
	}

	s.publishTaskEvent(events.TaskQueued, record.ID, opts.AgentID, map[string]interface{}{
		"name":     name,
		"priority": entry.Priority.String(),
	})
	s.logger.Info("Task submitted",
		zap.String("task_id", record.ID),
		zap.String("name", name),
		zap.String("priority", entry.Priority.String()))
	return record, nil
}

// ProcessNext dequeues and dispatches one task if there is both an eligible
// entry and a free concurrency slot. It returns true when an entry was
// consumed; the kernel invocation itself runs on its own goroutine.
func (s *Scheduler) ProcessNext(ctx context.Context) (bool, error) {
	if !s.sem.TryAcquire(1) {
		return false, nil
	}

	entry := s.queue.Dequeue()
	if entry == nil {
		s.sem.Release(1)
		return false, nil
	}

	selected, reason, err := s.selectAgent(entry)
	if err != nil {
		s.sem.Release(1)
		s.logger.Warn("No agent available for task",
			zap.String("task_id", entry.TaskID),
			zap.Error(err))
		s.retryOrFail(entry, err, models.LayerScheduler, nil)
		return true, nil
	}

	claimed, err := s.store.Claim(ctx, entry.TaskID, s.workerID, s.config.Lease.Milliseconds())
	if err != nil {
		s.sem.Release(1)
		if err == store.ErrTaskNotFound {
			// Record deleted while queued; drop the entry.
			s.queue.Cancel(entry.TaskID)
			s.cancels.Release(entry.TaskID)
			return true, nil
		}
		s.retryOrFail(entry, err, models.LayerStore, nil)
		return true, err
	}
	if !claimed {
		s.sem.Release(1)
		s.retryOrFail(entry, errors.New("task lease held by another worker"), models.LayerScheduler, nil)
		return true, nil
	}

	if _, err := s.store.Update(ctx, entry.TaskID, store.Patch{
		AgentID:         &selected.ID,
		SelectionReason: &reason,
	}); err != nil {
		s.logger.Warn("Failed to record agent selection",
			zap.String("task_id", entry.TaskID),
			zap.Error(err))
	}
	_ = s.queue.MarkRunning(entry.TaskID)

	s.logger.Info("Processing task",
		zap.String("task_id", entry.TaskID),
		zap.String("agent_id", selected.ID),
		zap.String("selection_reason", reason))

	s.wg.Add(1)
	atomic.AddInt64(&s.active, 1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer atomic.AddInt64(&s.active, -1)
		s.execute(entry, selected)
	}()
	return true, nil
}

// ProcessAll drains the queue until it is empty or concurrency saturates.
// It returns how many entries were consumed.
func (s *Scheduler) ProcessAll(ctx context.Context) int {
	n := 0
	for {
		ok, err := s.ProcessNext(ctx)
		if err != nil {
			s.logger.Error("Queue processing error", zap.Error(err))
		}
		if !ok {
			return n
		}
		n++
	}
}

// WaitFor polls until the task reaches a terminal status or the timeout
// elapses. Context cancellation interrupts the wait.
func (s *Scheduler) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (*models.TaskRecord, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		record, err := s.store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if record.Status.IsTerminal() {
			return record, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// Cancel removes the task from the queue, aborts its running handler if
// any, and marks the record cancelled.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return ErrTaskFinished
	}

	s.queue.Cancel(taskID)
	s.cancels.Abort(taskID, "cancelled by request")
	s.cancels.Release(taskID)

	status := models.StatusCancelled
	if _, err := s.store.Update(ctx, taskID, store.Patch{Status: &status}); err != nil {
		return err
	}
	_ = s.store.ReleaseLease(ctx, taskID, s.workerID)

	s.publishTaskEvent(events.TaskCancelled, taskID, record.AgentID, map[string]interface{}{
		"reason": "cancelled by request",
	})
	s.logger.Info("Task cancelled", zap.String("task_id", taskID))
	return nil
}

// Start begins the scheduler processing loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Scheduler starting",
		zap.Duration("process_interval", s.config.ProcessInterval),
		zap.Int64("max_concurrent", s.config.MaxConcurrent))

	s.wg.Add(1)
	go s.processLoop(ctx)

	return nil
}

// Stop stops the processing loop and waits for in-flight executions.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetQueueStatus returns the current queue status
func (s *Scheduler) GetQueueStatus() *QueueStatus {
	return &QueueStatus{
		QueuedTasks:      s.queue.Len(),
		ActiveExecutions: int(atomic.LoadInt64(&s.active)),
		MaxConcurrent:    s.config.MaxConcurrent,
		TotalProcessed:   atomic.LoadInt64(&s.totalProcessed),
		TotalFailed:      atomic.LoadInt64(&s.totalFailed),
	}
}

// WorkerID returns the id this scheduler claims store leases with.
func (s *Scheduler) WorkerID() string {
	return s.workerID
}

// processLoop is the main processing loop
func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProcessInterval)
	defer ticker.Stop()

	s.logger.Info("Scheduler processing loop started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stopping due to stop signal")
			return
		case <-ticker.C:
			s.ProcessAll(ctx)
		}
	}
}

// execute runs one claimed entry through the kernel and settles the
// outcome. It runs under the task's cancellation handle, not the loop
// context, so a scheduler stop never aborts work in flight.
func (s *Scheduler) execute(entry *queue.Entry, selected *agent.Agent) {
	// Submit acquired the handle; a miss means the task already settled,
	// typically cancelled while assigned.
	handle, ok := s.cancels.Get(entry.TaskID)
	if !ok {
		s.logger.Info("Task settled before execution", zap.String("task_id", entry.TaskID))
		return
	}
	runCtx := handle.Context()

	started := time.Now()
	waited := started.Sub(entry.QueuedAt)

	rt := agent.RuntimeContext{
		TaskID:   entry.TaskID,
		AgentID:  selected.ID,
		EmitStep: s.stepEmitter(entry.TaskID, selected.ID),
	}
	exec, err := s.kernel.Run(runCtx, selected.ID, entry.Input, rt)

	var execMS int64
	if exec != nil {
		execMS = exec.DurationMS
	}
	timings := map[string]interface{}{
		"wait_ms": waited.Milliseconds(),
		"exec_ms": execMS,
	}

	if err != nil {
		if handle.Aborted() || cancel.IsAbort(err) {
			// Cancel already settled the queue entry, the record and
			// the handle.
			s.logger.Info("Task cancelled during execution", zap.String("task_id", entry.TaskID))
			return
		}
		s.retryOrFail(entry, err, models.LayerAgent, timings)
		return
	}
	if handle.Aborted() {
		// The handler finished but the task was cancelled meanwhile;
		// keep the cancelled record.
		s.logger.Info("Task cancelled during execution", zap.String("task_id", entry.TaskID))
		return
	}

	status := models.StatusCompleted
	output := exec.Output
	if _, uerr := s.store.Update(context.Background(), entry.TaskID, store.Patch{
		Status:   &status,
		Output:   &output,
		Metadata: timings,
	}); uerr != nil {
		s.logger.Error("Failed to record task completion",
			zap.String("task_id", entry.TaskID),
			zap.Error(uerr))
	}
	_ = s.store.ReleaseLease(context.Background(), entry.TaskID, s.workerID)
	_ = s.queue.MarkCompleted(entry.TaskID)
	atomic.AddInt64(&s.totalProcessed, 1)
	s.cancels.Release(entry.TaskID)

	s.logger.Info("Task completed",
		zap.String("task_id", entry.TaskID),
		zap.String("agent_id", selected.ID),
		zap.Int64("wait_ms", waited.Milliseconds()),
		zap.Int64("exec_ms", execMS))
}

// retryOrFail finishes a failed run: while the entry has retry budget it
// re-enters the queue with backoff, otherwise the record goes terminal
// with the failure attributed to the given layer.
func (s *Scheduler) retryOrFail(entry *queue.Entry, cause error, layer string, timings map[string]interface{}) {
	if err := s.queue.MarkFailed(entry.TaskID, true); err != nil {
		// Entry already finished, typically cancelled mid-flight.
		return
	}

	if _, live := s.queue.Get(entry.TaskID); live {
		// Release the lease so the retry attempt can claim again.
		_ = s.store.ReleaseLease(context.Background(), entry.TaskID, s.workerID)
		s.publishTaskEvent(events.TaskStep, entry.TaskID, entry.AgentID, map[string]interface{}{
			"phase": "retrying",
			"error": cause.Error(),
		})
		s.logger.Info("Task scheduled for retry",
			zap.String("task_id", entry.TaskID),
			zap.Error(cause))
		return
	}

	status := models.StatusFailed
	errInfo := &models.ErrorInfo{
		Message:     cause.Error(),
		FailedLayer: layer,
	}
	if _, err := s.store.Update(context.Background(), entry.TaskID, store.Patch{
		Status:   &status,
		Error:    errInfo,
		Metadata: timings,
	}); err != nil {
		s.logger.Error("Failed to record task failure",
			zap.String("task_id", entry.TaskID),
			zap.Error(err))
	}
	_ = s.store.ReleaseLease(context.Background(), entry.TaskID, s.workerID)
	atomic.AddInt64(&s.totalFailed, 1)
	s.cancels.Release(entry.TaskID)

	s.logger.Warn("Task failed permanently",
		zap.String("task_id", entry.TaskID),
		zap.Error(cause))
}

// selectAgent resolves the entry's agent: explicit id, then first agent
// carrying the tag, then any registered agent.
func (s *Scheduler) selectAgent(entry *queue.Entry) (*agent.Agent, string, error) {
	if entry.AgentID != "" {
		a, err := s.registry.Get(entry.AgentID)
		if err != nil {
			return nil, "", err
		}
		return a, "explicitly requested", nil
	}
	if entry.AgentTag != "" {
		if a, ok := s.registry.FirstByTag(entry.AgentTag); ok {
			return a, fmt.Sprintf("first agent tagged %q", entry.AgentTag), nil
		}
	}
	a, err := s.registry.Random()
	if err != nil {
		return nil, "", err
	}
	return a, "random selection", nil
}

func (s *Scheduler) stepEmitter(taskID, agentID string) func(string, map[string]interface{}) {
	return func(message string, data map[string]interface{}) {
		payload := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			payload[k] = v
		}
		payload["message"] = message
		s.publishTaskEvent(events.TaskStep, taskID, agentID, payload)
	}
}

func (s *Scheduler) publishTaskEvent(eventType, taskID, agentID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewTaskEvent(eventType, "scheduler", taskID, agentID, data)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("Failed to publish scheduler event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}
