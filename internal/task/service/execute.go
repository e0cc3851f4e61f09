package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/common/stringutil"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/orchestrator/dispatch"
	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
	"github.com/taskmesh/taskmesh/internal/task/models"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

// executionLease is how long a store claim stays exclusive while this
// worker drives the task.
const executionLease = time.Minute

// Execute runs one dispatched payload to its terminal state. It is the
// executor the dispatch consumer is started with.
//
// Task-level failures settle the record and return nil; a non-nil return
// is reserved for infrastructure errors, where redelivery can help.
func (s *Service) Execute(ctx context.Context, payload *dispatch.QueuedTaskPayload) error {
	taskID := payload.RegisteredTaskID
	if taskID == "" {
		taskID = payload.TaskID
	}
	log := s.logger.WithTaskID(taskID)

	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			log.Warn("Dropping dispatched task with no record")
			return nil
		}
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if record.Status.IsTerminal() {
		// Redelivered after settling; nothing left to do.
		log.Debug("Skipping terminal task", zap.String("status", string(record.Status)))
		return nil
	}
	log = log.WithConversationID(record.ConversationID)

	claimed, err := s.store.Claim(ctx, taskID, s.workerID, executionLease.Milliseconds())
	if err != nil {
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !claimed {
		log.Debug("Task lease held by another worker, skipping")
		return nil
	}

	handle := s.cancels.Acquire(taskID)
	if handle.Aborted() {
		// Cancelled between accept and pickup.
		s.finishCancelled(record, handle.Err().Reason)
		return nil
	}

	s.publishTaskEvent(events.TaskStarted, taskID, record.AgentID, map[string]interface{}{
		"agent_id": record.AgentID,
	})

	plan, err := s.planner.Plan(payload.Input, payload.MultiAgentConfig)
	if err != nil {
		s.failTask(taskID, record.AgentID, fmt.Sprintf("planning failed: %v", err), models.LayerOrchestrator)
		return nil
	}
	if plan.MultiAgent != record.MultiAgent {
		if _, uerr := s.store.Update(ctx, taskID, store.Patch{MultiAgent: &plan.MultiAgent}); uerr != nil {
			log.Warn("Failed to record planner verdict", zap.Error(uerr))
		}
	}

	wf := buildWorkflow(taskID, payload, plan)
	wf.BaseInput = s.baseInput(ctx, record, payload.Input)

	runCtx := handle.Context()
	if ms := metaTimeoutMS(payload.Meta); ms > 0 {
		var cancelRun context.CancelFunc
		runCtx, cancelRun = context.WithTimeout(runCtx, time.Duration(ms)*time.Millisecond)
		defer cancelRun()
	}

	tracking := s.beginWorkflow(taskID, wf)
	res, err := s.engine.Execute(runCtx, wf, engine.ExecuteOptions{OnNodeEvent: tracking.observe})
	if err != nil {
		// Validation and setup errors; no node ever ran.
		s.failTask(taskID, record.AgentID, err.Error(), models.LayerOrchestrator)
		return nil
	}

	s.settle(runCtx, record, res)
	return nil
}

// settle writes the workflow outcome into the record, announces it, and
// frees the agent slot and cancellation handle.
func (s *Service) settle(runCtx context.Context, record *models.TaskRecord, res *engine.Result) {
	taskID := record.ID
	// Terminal writes get a fresh context: the task's own cancellation
	// must not block recording its outcome.
	ctx := context.Background()

	patch := store.Patch{InvolvedAgents: res.InvolvedAgents}
	eventType := events.TaskCompleted
	eventData := map[string]interface{}{
		"duration_ms":     res.DurationMS,
		"involved_agents": res.InvolvedAgents,
	}

	switch res.Status {
	case engine.StatusSucceeded:
		status := models.StatusCompleted
		output := renderOutput(res)
		progress := 100
		patch.Status, patch.Output, patch.Progress = &status, &output, &progress
		eventData["output_chars"] = len(output)

	case engine.StatusCancelled:
		if errors.Is(context.Cause(runCtx), context.DeadlineExceeded) {
			status := models.StatusFailed
			patch.Status = &status
			patch.Error = &models.ErrorInfo{Message: "task timed out", FailedLayer: models.LayerOrchestrator}
			eventType = events.TaskFailed
			eventData["error"] = "task timed out"
			break
		}
		status := models.StatusCancelled
		reason := "cancelled"
		if h, ok := s.cancels.Get(taskID); ok {
			if cause := h.Err(); cause != nil {
				reason = cause.Reason
			}
		}
		patch.Status = &status
		patch.Error = &models.ErrorInfo{Message: reason}
		eventType = events.TaskCancelled
		eventData["reason"] = reason

	default:
		status := models.StatusFailed
		message := failureMessage(res)
		patch.Status = &status
		patch.Error = &models.ErrorInfo{Message: message, FailedLayer: models.LayerAgent}
		eventType = events.TaskFailed
		eventData["error"] = message
	}

	if _, err := s.store.Update(ctx, taskID, patch); err != nil {
		s.logger.Error("Failed to record task outcome",
			zap.String("task_id", taskID),
			zap.String("status", string(res.Status)),
			zap.Error(err))
	}
	_ = s.store.ReleaseLease(ctx, taskID, s.workerID)

	s.publishTaskEvent(eventType, taskID, record.AgentID, eventData)
	s.slots.MarkIdle(record.AgentID)
	s.cancels.Release(taskID)

	s.logger.Info("Task settled",
		zap.String("task_id", taskID),
		zap.String("status", string(res.Status)),
		zap.Strings("involved_agents", res.InvolvedAgents),
		zap.Int64("duration_ms", res.DurationMS))
}

// failTask settles a task that never produced a workflow result.
func (s *Service) failTask(taskID, agentID, message, layer string) {
	status := models.StatusFailed
	if _, err := s.store.Update(context.Background(), taskID, store.Patch{
		Status: &status,
		Error:  &models.ErrorInfo{Message: message, FailedLayer: layer},
	}); err != nil {
		s.logger.Error("Failed to record task failure",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	_ = s.store.ReleaseLease(context.Background(), taskID, s.workerID)

	s.publishTaskEvent(events.TaskFailed, taskID, agentID, map[string]interface{}{
		"error": message,
	})
	if agentID != "" {
		s.slots.MarkIdle(agentID)
	}
	s.cancels.Release(taskID)
}

// finishCancelled settles a task aborted outside a running workflow.
func (s *Service) finishCancelled(record *models.TaskRecord, reason string) {
	if reason == "" {
		reason = "cancelled"
	}
	status := models.StatusCancelled
	if _, err := s.store.Update(context.Background(), record.ID, store.Patch{
		Status: &status,
		Error:  &models.ErrorInfo{Message: reason},
	}); err != nil {
		s.logger.Error("Failed to record task cancellation",
			zap.String("task_id", record.ID),
			zap.Error(err))
	}
	_ = s.store.ReleaseLease(context.Background(), record.ID, s.workerID)

	s.publishTaskEvent(events.TaskCancelled, record.ID, record.AgentID, map[string]interface{}{
		"reason": reason,
	})
	if record.AgentID != "" {
		s.slots.MarkIdle(record.AgentID)
	}
	s.cancels.Release(record.ID)
}

// buildWorkflow shapes the execution: the planned graph when the planner
// went multi-agent, otherwise a single atomic invocation of the selected
// agent.
func buildWorkflow(taskID string, payload *dispatch.QueuedTaskPayload, plan *planner.Decision) *engine.Workflow {
	if plan.MultiAgent {
		return engine.NewGraph(taskID, payload.Input, plan.Nodes)
	}
	return engine.NewAtomic(taskID, payload.SelectedAgentID, payload.Input)
}

// metaTimeoutMS recovers the per-task timeout from payload metadata. JSON
// round-trips numbers as float64; the memory bus hands the int through.
func metaTimeoutMS(meta map[string]interface{}) int64 {
	switch n := meta["timeout_ms"].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// baseInput assembles the structured input every agent invocation under
// this task receives.
func (s *Service) baseInput(ctx context.Context, record *models.TaskRecord, input string) map[string]interface{} {
	base := map[string]interface{}{
		"task_id":         record.ID,
		"conversation_id": record.ConversationID,
		"query":           input,
	}
	if history := s.conversationHistory(ctx, record); len(history) > 0 {
		base["history"] = history
	}
	if record.Generation != nil {
		base["generation"] = record.Generation
	}
	if record.SystemMode != "" {
		base["system_mode"] = string(record.SystemMode)
	}
	return base
}

// conversationHistory returns the conversation's completed turns, oldest
// first, capped at the configured turn count with both sides truncated.
func (s *Service) conversationHistory(ctx context.Context, record *models.TaskRecord) []map[string]string {
	if s.config.HistoryTurns <= 0 || record.ConversationID == "" {
		return nil
	}

	records, err := s.store.Query(ctx, store.Filter{
		ConversationID: record.ConversationID,
		Status:         models.StatusCompleted,
		SortBy:         "created_at",
		SortOrder:      "asc",
	})
	if err != nil {
		s.logger.Warn("Failed to load conversation history",
			zap.String("conversation_id", record.ConversationID),
			zap.Error(err))
		return nil
	}

	turns := make([]map[string]string, 0, len(records))
	for _, r := range records {
		if r.ID == record.ID {
			continue
		}
		turns = append(turns, map[string]string{
			"input":  stringutil.TruncateString(r.Input, s.config.HistoryTurnChars),
			"output": stringutil.TruncateString(r.Output, s.config.HistoryTurnChars),
		})
	}
	if len(turns) > s.config.HistoryTurns {
		turns = turns[len(turns)-s.config.HistoryTurns:]
	}
	return turns
}

// renderOutput produces the task's display output from a succeeded
// workflow, appending tolerated node failures so partial results are
// never silently clean.
func renderOutput(res *engine.Result) string {
	out := agent.Normalize(res.FinalOutput()).Render()
	if len(res.Failures) == 0 {
		return out
	}

	var b strings.Builder
	b.WriteString(out)
	b.WriteString("\n\nPartial failures:\n")
	for _, f := range res.Failures {
		fmt.Fprintf(&b, "- %s: %s\n", f.NodeID, f.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

// failureMessage picks the record's failure reason: the first hard
// failure wins, atomic runs drop the synthetic node prefix.
func failureMessage(res *engine.Result) string {
	pick := func(f engine.NodeFailure) string {
		if f.NodeID == engine.AtomicNodeID {
			return f.Message
		}
		return fmt.Sprintf("node %s (%s): %s", f.NodeID, f.AgentID, f.Message)
	}
	for _, f := range res.Failures {
		if !f.Allowed {
			return pick(f)
		}
	}
	if len(res.Failures) > 0 {
		return pick(res.Failures[0])
	}
	return "workflow failed"
}
