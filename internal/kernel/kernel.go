// Package kernel performs atomic agent invocations. It owns the agent
// lifecycle (register, start, stop, unregister), runs handlers against a
// cancellation context, records executions, and emits task lifecycle events.
// The kernel never retries; that is the scheduler's and orchestrator's job.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/agent/registry"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/common/tracing"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
)

// DefaultHistoryLimit bounds the in-memory execution history.
const DefaultHistoryLimit = 1000

// Kernel invokes agent handlers and tracks their executions.
type Kernel struct {
	registry *registry.Registry
	bus      bus.EventBus
	logger   *logger.Logger

	mu           sync.RWMutex
	executions   map[string]*Execution
	order        []string // execution ids, oldest first
	inboxes      map[string]bus.Subscription
	historyLimit int
}

// New creates a kernel bound to an agent registry and event bus.
func New(reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger) *Kernel {
	return &Kernel{
		registry:     reg,
		bus:          eventBus,
		logger:       log.WithFields(zap.String("component", "kernel")),
		executions:   make(map[string]*Execution),
		inboxes:      make(map[string]bus.Subscription),
		historyLimit: DefaultHistoryLimit,
	}
}

// Run invokes the agent's handler once and records the execution. The
// returned execution is also available through GetExecution afterwards.
// Handler failures are reported both on the execution and as the returned
// error; the caller decides whether to retry.
func (k *Kernel) Run(ctx context.Context, agentID, input string, rt agent.RuntimeContext) (*Execution, error) {
	ctx, span := tracing.Tracer("taskmesh-kernel").Start(ctx, "kernel.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("task.id", rt.TaskID),
	)

	a, err := k.registry.Get(agentID)
	if err != nil {
		return nil, err
	}
	if rt.AgentID == "" {
		rt.AgentID = agentID
	}

	execution := &Execution{
		ID:        uuid.New().String(),
		TaskID:    rt.TaskID,
		AgentID:   agentID,
		Input:     input,
		Status:    ExecutionRunning,
		StartedAt: time.Now().UTC(),
	}
	k.record(execution)

	if err := k.registry.SetState(agentID, agent.StateRunning); err != nil {
		k.logger.Warn("Failed to mark agent running", zap.String("agent_id", agentID), zap.Error(err))
	}
	k.publish(events.TaskStarted, rt.TaskID, agentID, map[string]interface{}{
		"execution_id": execution.ID,
	})

	type result struct {
		output string
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		output, err := a.Handler(ctx, input, rt)
		resultCh <- result{output: output, err: err}
	}()

	var output string
	var runErr error
	select {
	case res := <-resultCh:
		output = res.output
		runErr = res.err
	case <-ctx.Done():
		runErr = context.Cause(ctx)
	}

	finished := time.Now().UTC()
	if runErr != nil {
		k.finish(execution.ID, func(e *Execution) {
			e.Status = ExecutionFailed
			e.Error = runErr.Error()
			e.FinishedAt = finished
			e.DurationMS = finished.Sub(e.StartedAt).Milliseconds()
		})
		if err := k.registry.SetState(agentID, agent.StateError); err != nil {
			k.logger.Warn("Failed to mark agent errored", zap.String("agent_id", agentID), zap.Error(err))
		}
		k.publish(events.TaskFailed, rt.TaskID, agentID, map[string]interface{}{
			"execution_id": execution.ID,
			"error":        runErr.Error(),
		})
		k.logger.Error("Agent execution failed",
			zap.String("execution_id", execution.ID),
			zap.String("agent_id", agentID),
			zap.String("task_id", rt.TaskID),
			zap.Error(runErr))
		return k.snapshot(execution.ID), runErr
	}

	k.finish(execution.ID, func(e *Execution) {
		e.Status = ExecutionSuccess
		e.Output = output
		e.FinishedAt = finished
		e.DurationMS = finished.Sub(e.StartedAt).Milliseconds()
	})
	if err := k.registry.SetState(agentID, agent.StateIdle); err != nil {
		k.logger.Warn("Failed to mark agent idle", zap.String("agent_id", agentID), zap.Error(err))
	}
	k.publish(events.TaskCompleted, rt.TaskID, agentID, map[string]interface{}{
		"execution_id": execution.ID,
		"duration_ms":  finished.Sub(execution.StartedAt).Milliseconds(),
	})
	k.logger.Debug("Agent execution completed",
		zap.String("execution_id", execution.ID),
		zap.String("agent_id", agentID),
		zap.String("task_id", rt.TaskID))
	return k.snapshot(execution.ID), nil
}

// publish emits a task lifecycle event; failures are logged, never fatal.
func (k *Kernel) publish(eventType, taskID, agentID string, data map[string]interface{}) {
	if k.bus == nil {
		return
	}
	event := bus.NewTaskEvent(eventType, "kernel", taskID, agentID, data)
	if err := k.bus.Publish(context.Background(), eventType, event); err != nil {
		k.logger.Warn("Failed to publish kernel event", zap.String("type", eventType), zap.Error(err))
	}
}
