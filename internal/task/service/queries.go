package service

import (
	"context"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/task/dto"
	"github.com/taskmesh/taskmesh/internal/task/models"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

// snapshotMessageLimit caps how many recent events a snapshot carries.
const snapshotMessageLimit = 20

// Get returns the raw task record.
func (s *Service) Get(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	return s.store.Get(ctx, taskID)
}

// Envelope returns the condensed three-state answer for a task.
func (s *Service) Envelope(ctx context.Context, taskID string) (*dto.Envelope, error) {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return dto.EnvelopeFromRecord(record), nil
}

// Snapshot returns the live view of a task: the record plus its most
// recent bus events. The stream endpoint pushes this same shape.
func (s *Service) Snapshot(ctx context.Context, taskID string) (*dto.Snapshot, error) {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return dto.SnapshotFromRecord(record, s.bus.History(taskID, snapshotMessageLimit)), nil
}

// Details returns the diagnostic view: record fields, recent events, and
// the workflow graph when one ran in this process.
func (s *Service) Details(ctx context.Context, taskID string) (*dto.Details, error) {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	details := &dto.Details{
		Status:     string(record.Status),
		AgentID:    record.AgentID,
		StartedAt:  record.StartedAt,
		EndedAt:    record.CompletedAt,
		DurationMS: record.DurationMS,
		Progress:   record.Progress,
		Cancelable: !record.Status.IsTerminal(),
		Logs:       dto.LogsFromEvents(s.bus.History(taskID, 0)),
	}
	if t, ok := s.trackedWorkflow(taskID); ok {
		details.Workflow = t.definition()
		details.Graph, details.CurrentStep = t.view()
	}
	return details, nil
}

// List returns task projections matching the request.
func (s *Service) List(ctx context.Context, req *dto.ListTasksRequest) (*dto.ListTasksResponse, error) {
	filter := store.Filter{
		ConversationID: req.ConversationID,
		Status:         models.Status(req.Status),
		AgentID:        req.AgentID,
		Search:         req.Search,
		Limit:          req.Limit,
		Offset:         req.Offset,
		SortBy:         "created_at",
		SortOrder:      "desc",
	}
	records, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	tasks := make([]dto.TaskDTO, 0, len(records))
	for _, record := range records {
		tasks = append(tasks, dto.FromRecord(record))
	}
	return &dto.ListTasksResponse{Tasks: tasks, Total: len(tasks)}, nil
}

// Cancel aborts a task. A live handle means submit or a worker owns the
// record and will settle it; without one (typically a record inherited
// from a previous process) the record is settled inline.
func (s *Service) Cancel(ctx context.Context, taskID string) (*dto.CancelResponse, error) {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if record.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, taskID, record.Status)
	}

	if !s.cancels.Abort(taskID, "cancelled by request") {
		s.finishCancelled(record, "cancelled by request")
	}
	return &dto.CancelResponse{OK: true, Status: string(models.StatusCancelled)}, nil
}

// Progress records an externally reported progress value and announces it
// as a step event. Values are clamped to [0, 100].
func (s *Service) Progress(ctx context.Context, taskID string, progress int, message string) error {
	record, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, taskID, record.Status)
	}

	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	if _, err := s.store.Update(ctx, taskID, store.Patch{Progress: &progress}); err != nil {
		return err
	}

	data := map[string]interface{}{"progress": progress}
	if message != "" {
		data["message"] = message
	}
	s.publishTaskEvent(events.TaskStep, taskID, record.AgentID, data)
	return nil
}

// Watch subscribes notify to every event that can change the task's
// snapshot. The caller owns the returned subscriptions.
func (s *Service) Watch(taskID string, notify func(event *bus.Event)) ([]bus.Subscription, error) {
	handler := func(_ context.Context, event *bus.Event) error {
		if event.TaskID == taskID {
			notify(event)
		}
		return nil
	}

	var subs []bus.Subscription
	for _, subject := range []string{
		events.BuildTaskWildcardSubject(),
		events.BuildGraphNodeWildcardSubject(),
	} {
		sub, err := s.bus.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
