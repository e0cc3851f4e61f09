package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/orchestrator/dispatch"
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
	"github.com/taskmesh/taskmesh/internal/orchestrator/queue"
	"github.com/taskmesh/taskmesh/internal/task/dto"
	"github.com/taskmesh/taskmesh/internal/task/models"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

// minTimeoutMS is the smallest per-task timeout a request may ask for.
const minTimeoutMS = 1000

var validAgentTypes = map[string]bool{
	"web-dev":  true,
	"research": true,
	"system":   true,
}

// selection is the outcome of agent classification for one request.
type selection struct {
	agentID  string
	version  string
	reason   string
	decision *models.AgentDecision
}

// Submit runs the intake pipeline: validate, resolve id reuse, classify
// onto an agent, register the record, and hand the payload to the dispatch
// consumers. It returns as soon as the task is queued; execution happens
// asynchronously on a worker.
func (s *Service) Submit(ctx context.Context, req *dto.SubmitRequest) (*dto.SubmitAccepted, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	input := strings.TrimSpace(req.Input)

	// A reused id is rejected while the existing task is live; once it is
	// terminal the submit becomes a retry of that lineage under a fresh id.
	var original *models.TaskRecord
	if req.TaskID != "" {
		existing, err := s.store.Get(ctx, req.TaskID)
		switch {
		case err == nil && !existing.Status.IsTerminal():
			return nil, fmt.Errorf("%w: %s", ErrTaskRunning, req.TaskID)
		case err == nil:
			original = existing
		case !errors.Is(err, store.ErrTaskNotFound):
			return nil, fmt.Errorf("look up task %s: %w", req.TaskID, err)
		}
	}

	sel, err := s.classify(req, input)
	if err != nil {
		return nil, err
	}

	record, err := s.register(ctx, req, input, sel, original)
	if err != nil {
		return nil, err
	}

	// The handle exists before the queued event so a cancel arriving
	// between accept and execution has something to fire.
	s.cancels.Acquire(record.ID)
	s.slots.MarkBusy(sel.agentID, record.ID)

	wait := s.slots.EstimatedWait(sel.agentID)
	s.publishTaskEvent(events.TaskQueued, record.ID, sel.agentID, map[string]interface{}{
		"agent_id":          sel.agentID,
		"selection_reason":  sel.reason,
		"estimated_wait_ms": wait.Milliseconds(),
	})

	payload := &dispatch.QueuedTaskPayload{
		TaskID:           req.TaskID,
		Input:            input,
		SelectedAgentID:  sel.agentID,
		RegisteredTaskID: record.ID,
		AgentType:        req.AgentType,
		MultiAgentConfig: req.MultiAgent,
		Priority:         int(queue.ParsePriority(req.Priority)),
	}
	if payload.TaskID == "" {
		payload.TaskID = record.ID
	}
	if req.TimeoutMS > 0 {
		payload.Meta = map[string]interface{}{"timeout_ms": req.TimeoutMS}
	}

	if err := s.dispatch.Dispatch(ctx, payload); err != nil {
		s.failTask(record.ID, sel.agentID, "task was accepted but could not be queued", models.LayerIntake)
		return nil, fmt.Errorf("queue task %s: %w", record.ID, err)
	}

	s.logger.Info("Task accepted",
		zap.String("task_id", record.ID),
		zap.String("agent_id", sel.agentID),
		zap.String("selection_reason", sel.reason),
		zap.Bool("is_retry", record.IsRetry))
	// The record is pending until a worker claims it; the accept response
	// reports the hand-off itself.
	return &dto.SubmitAccepted{TaskID: record.ID, Status: "queued"}, nil
}

// validate collects every constraint violation instead of stopping at the
// first, so the client can fix them all in one round trip.
func (s *Service) validate(req *dto.SubmitRequest) error {
	var errs []string
	if strings.TrimSpace(req.Input) == "" {
		errs = append(errs, "input is required")
	} else if len(req.Input) > s.config.MaxInputLength {
		errs = append(errs, fmt.Sprintf("input exceeds %d characters", s.config.MaxInputLength))
	}
	if req.AgentType != "" && !validAgentTypes[req.AgentType] {
		errs = append(errs, fmt.Sprintf("unknown agent type %q", req.AgentType))
	}
	if req.TimeoutMS != 0 && (req.TimeoutMS < minTimeoutMS || req.TimeoutMS > s.config.MaxTimeoutMS) {
		errs = append(errs, fmt.Sprintf("timeoutMs must be between %d and %d", minTimeoutMS, s.config.MaxTimeoutMS))
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// classify picks the agent for a request. An explicitly requested,
// registered agent always wins; a task type routes through the slot
// tracker's preference map; otherwise the input text is classified.
func (s *Service) classify(req *dto.SubmitRequest, input string) (*selection, error) {
	if s.registry.Count() == 0 {
		return nil, ErrNoAgents
	}

	if req.Agent != "" {
		if a, err := s.registry.Get(req.Agent); err == nil {
			return &selection{
				agentID: a.ID,
				version: a.Version,
				reason:  "explicitly requested",
				decision: &models.AgentDecision{
					Candidates:     []string{a.ID},
					ManualOverride: true,
				},
			}, nil
		}
		s.logger.Warn("Requested agent not registered, falling back to classification",
			zap.String("agent_id", req.Agent))
	}

	taskType := req.AgentType
	reason := "matched task type " + taskType
	if taskType == "" {
		taskType = s.inferType(input)
		reason = "classified from input"
	}

	slot, err := s.slots.SelectFor(taskType)
	if err != nil {
		return nil, ErrNoAgents
	}

	sel := &selection{
		agentID: slot.AgentID,
		reason:  reason,
		decision: &models.AgentDecision{
			Candidates: []string{slot.AgentID},
			Scores:     map[string]float64{slot.AgentID: float64(100 - slot.LoadScore)},
		},
	}
	if a, err := s.registry.Get(slot.AgentID); err == nil {
		sel.version = a.Version
	}
	return sel, nil
}

// inferType maps input text onto a task type: research intent keywords
// route to the research agent, system-surface keywords to the system
// agent, and everything else defaults to web-dev.
func (s *Service) inferType(input string) string {
	if planner.Classify(input).Research {
		return "research"
	}
	lower := strings.ToLower(input)
	for _, kw := range []string{"prompt", "orchestrator", "kernel"} {
		if strings.Contains(lower, kw) {
			return "system"
		}
	}
	return "web-dev"
}

// register writes the pending record: a retry linked to the reused
// terminal task, or a fresh record. The conversation id defaults to the
// task's own id so every task belongs to a conversation.
func (s *Service) register(ctx context.Context, req *dto.SubmitRequest, input string, sel *selection, original *models.TaskRecord) (*models.TaskRecord, error) {
	multiAgent := requestsMultiAgent(req.MultiAgent)

	if original != nil {
		record, err := s.store.CreateRetry(ctx, original.ID, &input)
		if err != nil {
			return nil, fmt.Errorf("create retry of %s: %w", original.ID, err)
		}
		// Classification ran against the new input, so the inherited
		// agent fields are refreshed.
		record, err = s.store.Update(ctx, record.ID, store.Patch{
			AgentID:         &sel.agentID,
			AgentVersion:    &sel.version,
			SelectionReason: &sel.reason,
			Decision:        sel.decision,
			MultiAgent:      &multiAgent,
			Metadata:        submitMetadata(req),
		})
		if err != nil {
			return nil, fmt.Errorf("update retry record: %w", err)
		}
		return record, nil
	}

	id := req.TaskID
	if id == "" {
		id = uuid.New().String()
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = id
	}

	record, err := s.store.Create(ctx, input, store.CreateOptions{
		ID:              id,
		AgentID:         sel.agentID,
		AgentVersion:    sel.version,
		SelectionReason: sel.reason,
		ConversationID:  conversationID,
		Decision:        sel.decision,
		Generation:      req.Generation,
		SystemMode:      models.SystemMode(req.SystemMode),
		MultiAgent:      multiAgent,
		Metadata:        submitMetadata(req),
	})
	if err != nil {
		return nil, fmt.Errorf("register task: %w", err)
	}
	return record, nil
}

// requestsMultiAgent reports whether the request asks for the multi-agent
// path up front. The planner's verdict at execution time is authoritative;
// this only seeds the record for list views.
func requestsMultiAgent(spec *planner.Spec) bool {
	if spec == nil {
		return false
	}
	if spec.Enabled != nil {
		return *spec.Enabled
	}
	return len(spec.Graph) > 0 || spec.Template != ""
}

func submitMetadata(req *dto.SubmitRequest) map[string]interface{} {
	meta := make(map[string]interface{})
	if req.TimeoutMS > 0 {
		meta["timeout_ms"] = req.TimeoutMS
	}
	if req.Priority != "" {
		meta["priority"] = queue.ParsePriority(req.Priority).String()
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
