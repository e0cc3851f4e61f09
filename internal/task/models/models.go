// Package models defines the durable task record and its nested value
// types. The task store exclusively owns these records; every other
// component holds references only.
package models

import "time"

// Status is the lifecycle status of a task record.
type Status string

const (
	// StatusPending means the task is registered but not yet claimed
	StatusPending Status = "pending"
	// StatusInProgress means a worker holds the task's lease
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the task finished successfully
	StatusCompleted Status = "completed"
	// StatusFailed means the task finished with an error
	StatusFailed Status = "failed"
	// StatusCancelled means the task was aborted before completing
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal records never
// transition again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SystemMode selects how much autonomy the run is granted.
type SystemMode string

const (
	SystemModeAssist     SystemMode = "assist"
	SystemModePower      SystemMode = "power"
	SystemModeAutonomous SystemMode = "autonomous"
)

// GenerationMode selects deterministic or creative generation.
type GenerationMode string

const (
	GenerationCreative      GenerationMode = "creative"
	GenerationDeterministic GenerationMode = "deterministic"
)

// Layers a failure can be attributed to.
const (
	LayerIntake       = "intake"
	LayerOrchestrator = "orchestrator"
	LayerScheduler    = "scheduler"
	LayerKernel       = "kernel"
	LayerAgent        = "agent"
	LayerModel        = "model"
	LayerTool         = "tool"
	LayerStore        = "store"
)

// ErrorInfo captures a failure in operator-readable form.
type ErrorInfo struct {
	Message     string   `json:"message"`
	Code        string   `json:"code,omitempty"`
	FailedLayer string   `json:"failed_layer,omitempty"`
	Stack       string   `json:"stack,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// AgentDecision records how the agent was chosen for a task.
type AgentDecision struct {
	Candidates     []string           `json:"candidates,omitempty"`
	Scores         map[string]float64 `json:"scores,omitempty"`
	ManualOverride bool               `json:"manual_override"`
}

// GenerationConfig tunes output generation for a task.
type GenerationConfig struct {
	Mode        GenerationMode `json:"mode"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Seed        *int64         `json:"seed,omitempty"`
}

// TaskRecord is the durable record of one task.
//
// Invariants: started_at <= completed_at; terminal status implies
// completed_at is set; is_retry implies original_task_id references a real
// record; an id listed in some record's retries has original_task_id
// pointing back at that record; worker_id and lease_expires_at are set and
// cleared together.
type TaskRecord struct {
	ID     string `json:"id"`
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Status Status `json:"status"`

	AgentID         string `json:"agent_id,omitempty"`
	AgentVersion    string `json:"agent_version,omitempty"`
	SelectionReason string `json:"selection_reason,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`

	Error *ErrorInfo `json:"error,omitempty"`

	IsRetry        bool     `json:"is_retry"`
	OriginalTaskID string   `json:"original_task_id,omitempty"`
	RetryCount     int      `json:"retry_count"`
	Retries        []string `json:"retries,omitempty"`

	Decision       *AgentDecision `json:"decision,omitempty"`
	InvolvedAgents []string       `json:"involved_agents,omitempty"`

	ConversationID string            `json:"conversation_id,omitempty"`
	Progress       int               `json:"progress"`
	Generation     *GenerationConfig `json:"generation,omitempty"`
	SystemMode     SystemMode        `json:"system_mode,omitempty"`
	MultiAgent     bool              `json:"multi_agent"`

	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastClaimedAt  *time.Time `json:"last_claimed_at,omitempty"`
	ClaimCount     int        `json:"claim_count"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leased reports whether the record currently carries an unexpired lease.
func (t *TaskRecord) Leased(now time.Time) bool {
	return t.WorkerID != "" && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate the canonical record.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.LeaseExpiresAt != nil {
		v := *t.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	if t.LastClaimedAt != nil {
		v := *t.LastClaimedAt
		c.LastClaimedAt = &v
	}
	if t.Error != nil {
		e := *t.Error
		e.Suggestions = append([]string(nil), t.Error.Suggestions...)
		c.Error = &e
	}
	if t.Decision != nil {
		d := *t.Decision
		d.Candidates = append([]string(nil), t.Decision.Candidates...)
		if t.Decision.Scores != nil {
			d.Scores = make(map[string]float64, len(t.Decision.Scores))
			for k, v := range t.Decision.Scores {
				d.Scores[k] = v
			}
		}
		c.Decision = &d
	}
	if t.Generation != nil {
		g := *t.Generation
		if t.Generation.Seed != nil {
			s := *t.Generation.Seed
			g.Seed = &s
		}
		c.Generation = &g
	}
	c.Retries = append([]string(nil), t.Retries...)
	c.InvolvedAgents = append([]string(nil), t.InvolvedAgents...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
