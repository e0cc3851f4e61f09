package events

import "time"

// NodeTransitionPayload rides on graph.node.* events and describes one
// workflow node state change.
type NodeTransitionPayload struct {
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Role       string    `json:"role,omitempty"`
	State      string    `json:"state"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// WorkflowPayload rides on workflow.* lifecycle events.
type WorkflowPayload struct {
	WorkflowID string   `json:"workflow_id"`
	Status     string   `json:"status,omitempty"`
	NodeCount  int      `json:"node_count"`
	Agents     []string `json:"agents,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
	Error      string   `json:"error,omitempty"`
}
