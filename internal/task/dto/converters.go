package dto

import (
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/task/models"
)

// FromRecord projects a task record onto its public DTO.
func FromRecord(record *models.TaskRecord) TaskDTO {
	return TaskDTO{
		ID:              record.ID,
		Input:           record.Input,
		Output:          record.Output,
		Status:          string(record.Status),
		AgentID:         record.AgentID,
		SelectionReason: record.SelectionReason,
		ConversationID:  record.ConversationID,
		Progress:        record.Progress,
		IsRetry:         record.IsRetry,
		OriginalTaskID:  record.OriginalTaskID,
		RetryCount:      record.RetryCount,
		Retries:         record.Retries,
		InvolvedAgents:  record.InvolvedAgents,
		MultiAgent:      record.MultiAgent,
		Error:           record.Error,
		Generation:      record.Generation,
		SystemMode:      string(record.SystemMode),
		StartedAt:       record.StartedAt,
		CompletedAt:     record.CompletedAt,
		DurationMS:      record.DurationMS,
		CreatedAt:       record.CreatedAt,
	}
}

// EnvelopeFromRecord condenses a record into the query envelope. Cancelled
// collapses into failed with the abort reason so clients only ever see
// three states.
func EnvelopeFromRecord(record *models.TaskRecord) *Envelope {
	task := FromRecord(record)
	env := &Envelope{Agent: record.AgentID, Task: &task}

	switch record.Status {
	case models.StatusCompleted:
		env.Status = string(models.StatusCompleted)
		env.Result = record.Output
	case models.StatusFailed:
		env.Status = string(models.StatusFailed)
		env.Reason = errorReason(record)
	case models.StatusCancelled:
		env.Status = string(models.StatusFailed)
		env.Reason = errorReason(record)
	default:
		env.Status = string(models.StatusInProgress)
	}
	return env
}

// SnapshotFromRecord builds the live snapshot from a record plus its most
// recent bus events.
func SnapshotFromRecord(record *models.TaskRecord, events []*bus.Event) *Snapshot {
	snap := &Snapshot{
		TaskID:     record.ID,
		Status:     string(record.Status),
		Progress:   record.Progress,
		Agent:      record.AgentID,
		Input:      record.Input,
		Messages:   LogsFromEvents(events),
		StartedAt:  record.StartedAt,
		DurationMS: record.DurationMS,
		Generation: record.Generation,
	}
	switch record.Status {
	case models.StatusCompleted:
		snap.Result = record.Output
	case models.StatusFailed, models.StatusCancelled:
		snap.Reason = errorReason(record)
	}
	return snap
}

// LogsFromEvents renders bus events as log entries, oldest first.
func LogsFromEvents(events []*bus.Event) []LogEntry {
	logs := make([]LogEntry, 0, len(events))
	for _, event := range events {
		logs = append(logs, logFromEvent(event))
	}
	return logs
}

func logFromEvent(event *bus.Event) LogEntry {
	entry := LogEntry{
		Timestamp: event.Timestamp,
		Type:      event.Type,
		AgentID:   event.AgentID,
	}
	if data, ok := event.Data.(map[string]interface{}); ok {
		entry.Data = data
		if msg, ok := data["message"].(string); ok {
			entry.Message = msg
		}
	}
	return entry
}

func errorReason(record *models.TaskRecord) string {
	if record.Error != nil && record.Error.Message != "" {
		return record.Error.Message
	}
	if record.Status == models.StatusCancelled {
		return "cancelled"
	}
	return ""
}
