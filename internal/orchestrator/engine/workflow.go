// Package engine executes workflows: either a single atomic agent
// invocation or a dependency graph of agent nodes dispatched in
// topological waves with per-node timeouts, retries and failure policy.
package engine

import (
	"errors"
	"fmt"
	"time"
)

// Common validation errors
var (
	ErrEmptyWorkflow   = errors.New("workflow has no nodes")
	ErrWorkflowShape   = errors.New("workflow must be atomic or graph, not both")
	ErrDuplicateNode   = errors.New("duplicate node id")
	ErrUnknownDep      = errors.New("node depends on unknown node")
	ErrCycle           = errors.New("workflow graph contains a cycle")
	ErrAgentIDRequired = errors.New("node agent id is required")
)

// AtomicNodeID is the synthetic node id an atomic workflow executes under.
const AtomicNodeID = "main"

// NodeState tracks a node through execution.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
	NodeCancelled NodeState = "cancelled"
)

// Terminal reports whether the state is final.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// Node is one unit of a graph workflow.
type Node struct {
	ID      string `json:"id" yaml:"id"`
	AgentID string `json:"agent_id" yaml:"agent_id"`
	// Input is the node's own objective; empty means the workflow objective.
	Input string `json:"input,omitempty" yaml:"input,omitempty"`
	// Role labels the node's purpose (research, build, review, final).
	Role      string   `json:"role,omitempty" yaml:"role,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// AllowFailure keeps the workflow going when this node fails; the
	// failure is still reported in the result.
	AllowFailure bool `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	// Retries is the extra attempt budget after the first run.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
	// Timeout bounds each attempt; zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// AtomicSpec describes a single-agent workflow.
type AtomicSpec struct {
	AgentID string
	Retries int
	Timeout time.Duration
}

// Workflow is one execution request. Exactly one of Atomic or Nodes is set.
type Workflow struct {
	ID     string
	TaskID string
	// Objective is the task input text; nodes without their own input
	// inherit it.
	Objective string
	// BaseInput is the structured input assembled by intake, merged into
	// every node's runtime context.
	BaseInput map[string]interface{}

	Atomic *AtomicSpec
	Nodes  []*Node
}

// NewAtomic builds a single-agent workflow.
func NewAtomic(taskID, agentID, objective string) *Workflow {
	return &Workflow{
		TaskID:    taskID,
		Objective: objective,
		Atomic:    &AtomicSpec{AgentID: agentID},
	}
}

// NewGraph builds a graph workflow from the given nodes.
func NewGraph(taskID, objective string, nodes []*Node) *Workflow {
	return &Workflow{
		TaskID:    taskID,
		Objective: objective,
		Nodes:     nodes,
	}
}

// IsAtomic reports whether the workflow is a single-agent invocation.
func (w *Workflow) IsAtomic() bool {
	return w.Atomic != nil
}

// Validate rejects malformed workflows before any node runs: both or
// neither shape set, duplicate or empty node ids, missing agent ids,
// dependencies on unknown nodes, and cycles.
func (w *Workflow) Validate() error {
	if w.Atomic != nil {
		if len(w.Nodes) > 0 {
			return ErrWorkflowShape
		}
		if w.Atomic.AgentID == "" {
			return ErrAgentIDRequired
		}
		return nil
	}
	if len(w.Nodes) == 0 {
		return ErrEmptyWorkflow
	}

	byID := make(map[string]*Node, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node id is required")
		}
		if n.AgentID == "" {
			return fmt.Errorf("%w: node %q", ErrAgentIDRequired, n.ID)
		}
		if _, exists := byID[n.ID]; exists {
			return fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
		}
		byID[n.ID] = n
	}
	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on %q", ErrUnknownDep, n.ID, dep)
			}
		}
	}

	// Kahn's count: if a topological pass cannot settle every node the
	// remainder forms a cycle.
	inDegree := make(map[string]int, len(w.Nodes))
	dependents := make(map[string][]string, len(w.Nodes))
	for _, n := range w.Nodes {
		inDegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	queue := make([]string, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(w.Nodes) {
		return ErrCycle
	}
	return nil
}

// graphNodes returns the node list the executor runs: the declared graph,
// or the atomic spec wrapped as a single node.
func (w *Workflow) graphNodes() []*Node {
	if w.Atomic == nil {
		return w.Nodes
	}
	return []*Node{{
		ID:      AtomicNodeID,
		AgentID: w.Atomic.AgentID,
		Retries: w.Atomic.Retries,
		Timeout: w.Atomic.Timeout,
	}}
}
