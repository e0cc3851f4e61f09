// Package dto defines the request and response shapes of the task API.
// Conversions from the store's records live in converters.go so handlers
// never expose internal fields (leases, worker ids) by accident.
package dto

import (
	"time"

	"github.com/taskmesh/taskmesh/internal/task/models"
)

// TaskDTO is the public projection of a task record.
type TaskDTO struct {
	ID              string                   `json:"id"`
	Input           string                   `json:"input"`
	Output          string                   `json:"output,omitempty"`
	Status          string                   `json:"status"`
	AgentID         string                   `json:"agent_id,omitempty"`
	SelectionReason string                   `json:"selection_reason,omitempty"`
	ConversationID  string                   `json:"conversation_id,omitempty"`
	Progress        int                      `json:"progress"`
	IsRetry         bool                     `json:"is_retry,omitempty"`
	OriginalTaskID  string                   `json:"original_task_id,omitempty"`
	RetryCount      int                      `json:"retry_count,omitempty"`
	Retries         []string                 `json:"retries,omitempty"`
	InvolvedAgents  []string                 `json:"involved_agents,omitempty"`
	MultiAgent      bool                     `json:"multi_agent,omitempty"`
	Error           *models.ErrorInfo        `json:"error,omitempty"`
	Generation      *models.GenerationConfig `json:"generation,omitempty"`
	SystemMode      string                   `json:"system_mode,omitempty"`
	StartedAt       time.Time                `json:"started_at"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
	DurationMS      int64                    `json:"duration_ms,omitempty"`
	CreatedAt       time.Time                `json:"created_at"`
}

// Envelope is the condensed answer of GET /api/v1/tasks/:id. Status is one
// of completed, in_progress or failed; a cancelled task reports failed with
// the abort reason.
type Envelope struct {
	Status string   `json:"status"`
	Result string   `json:"result,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Agent  string   `json:"agent,omitempty"`
	Task   *TaskDTO `json:"task"`
}

// LogEntry is one event rendered for snapshots and details.
type LogEntry struct {
	Timestamp time.Time              `json:"ts"`
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agentId,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Snapshot is the live view of a task: current status plus the most recent
// event messages. The stream endpoint pushes this same shape.
type Snapshot struct {
	TaskID     string                   `json:"task_id"`
	Status     string                   `json:"status"`
	Progress   int                      `json:"progress"`
	Agent      string                   `json:"agent,omitempty"`
	Input      string                   `json:"input"`
	Messages   []LogEntry               `json:"messages"`
	Result     string                   `json:"result,omitempty"`
	Reason     string                   `json:"reason,omitempty"`
	StartedAt  time.Time                `json:"startedAt"`
	DurationMS int64                    `json:"durationMs"`
	Generation *models.GenerationConfig `json:"generation,omitempty"`
}

// WorkflowNode is one node of the workflow definition as exposed by
// details: what was asked for, before any execution state.
type WorkflowNode struct {
	ID           string   `json:"id"`
	AgentID      string   `json:"agentId"`
	Input        string   `json:"input,omitempty"`
	Role         string   `json:"role,omitempty"`
	DependsOn    []string `json:"dependsOn,omitempty"`
	AllowFailure bool     `json:"allowFailure,omitempty"`
	Retries      int      `json:"retries,omitempty"`
	TimeoutMS    int64    `json:"timeoutMs,omitempty"`
}

// GraphNode is one node of a workflow graph as exposed by details.
type GraphNode struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agentId"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Status    string   `json:"status"`
	Role      string   `json:"role,omitempty"`
}

// Graph is the node view of a DAG task.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
}

// Details is the full diagnostic view of a task.
type Details struct {
	Status      string     `json:"status"`
	AgentID     string     `json:"agentId,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	DurationMS  int64      `json:"durationMs"`
	Progress    int        `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Cancelable  bool       `json:"cancelable"`
	Logs        []LogEntry `json:"logs"`
	// Workflow is the definition the task ran with; Graph carries the
	// per-node execution state for the same nodes.
	Workflow []WorkflowNode `json:"workflow,omitempty"`
	Graph    *Graph         `json:"graph,omitempty"`
}

// CancelResponse confirms a cancel request.
type CancelResponse struct {
	OK     bool   `json:"ok"`
	Status string `json:"status"`
}

// ListTasksResponse is the listing response.
type ListTasksResponse struct {
	Tasks []TaskDTO `json:"tasks"`
	Total int       `json:"total"`
}
