// Package store defines the durable task record store and its drivers.
// All drivers expose identical semantics; callers never depend on which
// one is configured.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/taskmesh/taskmesh/internal/task/models"
)

var (
	// ErrTaskNotFound is returned when a task id has no record
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when renaming onto an id already in use
	ErrTaskExists = errors.New("task id already in use")
)

// RestartFailureMessage is written into records normalized at boot.
const RestartFailureMessage = "Task failed after server restart"

// CreateOptions carries optional fields for Create. The zero value is
// valid.
type CreateOptions struct {
	// ID requests an explicit task id; one is generated when empty.
	// Equal-id creates replace the existing record atomically.
	ID              string
	AgentID         string
	AgentVersion    string
	SelectionReason string
	ConversationID  string
	Decision        *models.AgentDecision
	Generation      *models.GenerationConfig
	SystemMode      models.SystemMode
	MultiAgent      bool
	Metadata        map[string]interface{}
	IsRetry         bool
	OriginalTaskID  string
	RetryCount      int
}

// Patch is a partial update; nil fields stay untouched. Patching a status
// into a terminal state sets CompletedAt and DurationMS when absent.
type Patch struct {
	Status          *models.Status
	Output          *string
	Error           *models.ErrorInfo
	Progress        *int
	AgentID         *string
	AgentVersion    *string
	SelectionReason *string
	InvolvedAgents  []string // nil leaves the list unchanged
	Decision        *models.AgentDecision
	MultiAgent      *bool
	// Metadata entries are merged into the record's metadata.
	Metadata map[string]interface{}
}

// Filter narrows Query results. Zero-valued fields do not filter.
type Filter struct {
	Status         models.Status
	AgentID        string
	ConversationID string
	StartDate      *time.Time
	EndDate        *time.Time
	IsRetry        *bool
	OriginalTaskID string
	// Search matches records whose input or output contains the text
	// (case-insensitive).
	Search    string
	Limit     int
	Offset    int
	SortBy    string // created_at | started_at | completed_at | status
	SortOrder string // asc | desc
}

// Store is the durable task record store.
type Store interface {
	// Create registers a record in pending status with the start time set.
	Create(ctx context.Context, input string, opts CreateOptions) (*models.TaskRecord, error)

	// Update applies a patch and returns the updated record.
	Update(ctx context.Context, id string, patch Patch) (*models.TaskRecord, error)

	// Get returns the record for an id.
	Get(ctx context.Context, id string) (*models.TaskRecord, error)

	// Query returns records matching the filter.
	Query(ctx context.Context, filter Filter) ([]*models.TaskRecord, error)

	// CreateRetry copies the original's input and agent into a fresh
	// pending record linked through original_task_id, and appends the new
	// id to the original's retries list.
	CreateRetry(ctx context.Context, originalID string, newInput *string) (*models.TaskRecord, error)

	// RetryChain returns the lineage root followed by every retry in order.
	RetryChain(ctx context.Context, id string) ([]*models.TaskRecord, error)

	// Rekey atomically renames a record and rewrites every other record's
	// original_task_id and retries references to the old id.
	Rekey(ctx context.Context, oldID, newID string) (*models.TaskRecord, error)

	// Delete removes a record.
	Delete(ctx context.Context, id string) error

	// DeleteByConversation removes every record in a conversation and
	// returns how many were removed.
	DeleteByConversation(ctx context.Context, conversationID string) (int, error)

	// DeleteOlderThan removes records created more than the given number
	// of days ago and returns how many were removed.
	DeleteOlderThan(ctx context.Context, days int) (int, error)

	// Claim attempts to take the task's lease for a worker. It succeeds
	// only when the record is pending or in_progress and its lease is
	// absent or expired; on success the record moves to in_progress.
	Claim(ctx context.Context, taskID, workerID string, leaseMS int64) (bool, error)

	// RenewLease extends the lease when the worker still holds it.
	RenewLease(ctx context.Context, taskID, workerID string, leaseMS int64) (bool, error)

	// ReleaseLease clears the lease when the worker holds it. Releasing a
	// lease held by someone else is a no-op.
	ReleaseLease(ctx context.Context, taskID, workerID string) error

	// NormalizeAtStartup fails every pending/in_progress record left over
	// from a previous process and returns how many were normalized.
	// Called once at boot, before any worker runs.
	NormalizeAtStartup(ctx context.Context) (int, error)

	// Close releases driver resources.
	Close() error
}

// ApplyPatch applies patch semantics onto a record in place. Drivers share
// this so terminal-status bookkeeping cannot drift between them.
func ApplyPatch(record *models.TaskRecord, patch Patch, now time.Time) {
	if patch.Status != nil {
		record.Status = *patch.Status
		if record.Status.IsTerminal() {
			if record.CompletedAt == nil {
				completed := now
				record.CompletedAt = &completed
			}
			if record.DurationMS == 0 {
				record.DurationMS = record.CompletedAt.Sub(record.StartedAt).Milliseconds()
			}
		}
	}
	if patch.Output != nil {
		record.Output = *patch.Output
	}
	if patch.Error != nil {
		record.Error = patch.Error
	}
	if patch.Progress != nil {
		record.Progress = *patch.Progress
	}
	if patch.AgentID != nil {
		record.AgentID = *patch.AgentID
	}
	if patch.AgentVersion != nil {
		record.AgentVersion = *patch.AgentVersion
	}
	if patch.SelectionReason != nil {
		record.SelectionReason = *patch.SelectionReason
	}
	if patch.InvolvedAgents != nil {
		record.InvolvedAgents = append([]string(nil), patch.InvolvedAgents...)
	}
	if patch.Decision != nil {
		record.Decision = patch.Decision
	}
	if patch.MultiAgent != nil {
		record.MultiAgent = *patch.MultiAgent
	}
	if patch.Metadata != nil {
		if record.Metadata == nil {
			record.Metadata = make(map[string]interface{}, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			record.Metadata[k] = v
		}
	}
	record.UpdatedAt = now
}
