package dto

import (
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
	"github.com/taskmesh/taskmesh/internal/task/models"
)

// SubmitRequest is the body of POST /api/v1/tasks/submit.
type SubmitRequest struct {
	Input string `json:"input"`
	// Agent selects a specific agent id; it wins over all inference when
	// the id is registered.
	Agent string `json:"agent,omitempty"`
	// AgentType is a category hint (web-dev, research, system) resolved
	// through the slot tracker's type mapping.
	AgentType      string                   `json:"agentType,omitempty"`
	ConversationID string                   `json:"conversationId,omitempty"`
	Generation     *models.GenerationConfig `json:"generation,omitempty"`
	SystemMode     string                   `json:"systemMode,omitempty"`
	MultiAgent     *planner.Spec            `json:"multiAgent,omitempty"`
	// TaskID reuses an id: rejected while that task is non-terminal,
	// retried (fresh id, linked lineage) once it is.
	TaskID    string `json:"taskId,omitempty"`
	Priority  string `json:"priority,omitempty"` // critical|high|normal|low
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// SubmitAccepted is the 202 response of a successful submit.
type SubmitAccepted struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// ListTasksRequest narrows GET /api/v1/tasks.
type ListTasksRequest struct {
	ConversationID string
	Status         string
	AgentID        string
	Search         string
	Limit          int
	Offset         int
}
