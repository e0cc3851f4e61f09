package service

import (
	"sync"

	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
	"github.com/taskmesh/taskmesh/internal/task/dto"
)

// maxTrackedWorkflows bounds the in-memory workflow views kept for the
// details endpoint. Finished views are evicted once the cap is reached.
const maxTrackedWorkflows = 256

// taskWorkflow is the live view of one task's workflow: node states as
// the engine reports them, plus the node currently running.
type taskWorkflow struct {
	mu     sync.RWMutex
	wf     *engine.Workflow
	states map[string]engine.NodeState
	step   string
}

func newTaskWorkflow(wf *engine.Workflow) *taskWorkflow {
	states := make(map[string]engine.NodeState)
	if wf.IsAtomic() {
		states[engine.AtomicNodeID] = engine.NodePending
	} else {
		for _, n := range wf.Nodes {
			states[n.ID] = engine.NodePending
		}
	}
	return &taskWorkflow{wf: wf, states: states}
}

// observe records one node transition. The engine may call it from
// multiple worker goroutines.
func (t *taskWorkflow) observe(ev engine.NodeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.states[ev.NodeID] = ev.State
	if ev.State == engine.NodeRunning {
		t.step = ev.NodeID
	}
}

// finished reports whether every node reached a terminal state.
func (t *taskWorkflow) finished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, state := range t.states {
		if !state.Terminal() {
			return false
		}
	}
	return true
}

// view renders the graph for the details endpoint along with the current
// step. Atomic workflows show as a single node.
func (t *taskWorkflow) view() (*dto.Graph, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	g := &dto.Graph{}
	if t.wf.IsAtomic() {
		g.Nodes = []dto.GraphNode{{
			ID:      engine.AtomicNodeID,
			AgentID: t.wf.Atomic.AgentID,
			Status:  string(t.states[engine.AtomicNodeID]),
		}}
		return g, t.step
	}

	g.Nodes = make([]dto.GraphNode, 0, len(t.wf.Nodes))
	for _, n := range t.wf.Nodes {
		g.Nodes = append(g.Nodes, dto.GraphNode{
			ID:        n.ID,
			AgentID:   n.AgentID,
			DependsOn: n.DependsOn,
			Status:    string(t.states[n.ID]),
			Role:      n.Role,
		})
	}
	return g, t.step
}

// definition renders the workflow as it was defined, independent of
// execution state. Atomic workflows show as a single node.
func (t *taskWorkflow) definition() []dto.WorkflowNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.wf.IsAtomic() {
		return []dto.WorkflowNode{{
			ID:        engine.AtomicNodeID,
			AgentID:   t.wf.Atomic.AgentID,
			Retries:   t.wf.Atomic.Retries,
			TimeoutMS: t.wf.Atomic.Timeout.Milliseconds(),
		}}
	}

	nodes := make([]dto.WorkflowNode, 0, len(t.wf.Nodes))
	for _, n := range t.wf.Nodes {
		nodes = append(nodes, dto.WorkflowNode{
			ID:           n.ID,
			AgentID:      n.AgentID,
			Input:        n.Input,
			Role:         n.Role,
			DependsOn:    n.DependsOn,
			AllowFailure: n.AllowFailure,
			Retries:      n.Retries,
			TimeoutMS:    n.Timeout.Milliseconds(),
		})
	}
	return nodes
}

// beginWorkflow registers the view for a starting workflow, evicting one
// finished view when the cap is hit.
func (s *Service) beginWorkflow(taskID string, wf *engine.Workflow) *taskWorkflow {
	t := newTaskWorkflow(wf)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workflows) >= maxTrackedWorkflows {
		for id, w := range s.workflows {
			if id != taskID && w.finished() {
				delete(s.workflows, id)
				break
			}
		}
	}
	s.workflows[taskID] = t
	return t
}

// trackedWorkflow returns the view for a task, if one was ever started.
func (s *Service) trackedWorkflow(taskID string) (*taskWorkflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.workflows[taskID]
	return t, ok
}
