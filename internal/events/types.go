// Package events provides event types and utilities for the taskmesh event system.
package events

// Event types for task lifecycle
const (
	TaskQueued    = "task.queued"
	TaskStarted   = "task.started"
	TaskStep      = "task.step"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskCancelled = "task.cancelled"
)

// Event types for agent lifecycle
const (
	AgentRegistered = "agent.registered"
	AgentStarted    = "agent.started"
	AgentStopped    = "agent.stopped"
	AgentBusy       = "agent.busy"
	AgentIdle       = "agent.idle"
)

// Event types for tool invocations
const (
	ToolCalled    = "tool.called"
	ToolCompleted = "tool.completed"
)

// Event types for inter-agent messaging
const (
	IPCMessage = "ipc.message" // Base subject for agent inbox delivery
)

// Event types for workflow graph execution
const (
	GraphNode          = "graph.node" // Base subject for per-node transitions
	GraphNodeRunning   = "graph.node.running"
	GraphNodeSucceeded = "graph.node.succeeded"
	GraphNodeFailed    = "graph.node.failed"
	GraphNodeSkipped   = "graph.node.skipped"
	GraphNodeCancelled = "graph.node.cancelled"
)

// Event types for orchestrator progress
const (
	WorkflowStarted   = "workflow.started"
	WorkflowStep      = "orchestrator.execute-workflow"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowCancelled = "workflow.cancelled"
)

// BuildTaskWildcardSubject creates a wildcard subscription covering every
// task lifecycle event (task.queued, task.started, ...).
func BuildTaskWildcardSubject() string {
	return "task.>"
}

// BuildAgentWildcardSubject creates a wildcard subscription covering every
// agent lifecycle event.
func BuildAgentWildcardSubject() string {
	return "agent.*"
}

// BuildIPCMessageSubject creates the inbox subject for a specific agent
func BuildIPCMessageSubject(agentID string) string {
	return IPCMessage + "." + agentID
}

// BuildIPCMessageWildcardSubject creates a wildcard subscription for all agent inboxes
func BuildIPCMessageWildcardSubject() string {
	return IPCMessage + ".*"
}

// BuildGraphNodeWildcardSubject creates a wildcard subscription for all workflow node transitions
func BuildGraphNodeWildcardSubject() string {
	return GraphNode + ".*"
}

// BuildDLQSubject creates the dead-letter subject paired with a dispatch subject
func BuildDLQSubject(subject string) string {
	return subject + "-dlq"
}
