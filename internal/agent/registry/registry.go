// Package registry tracks the set of registered agents and their lifecycle
// states. Reads return snapshots; a single lock serializes writers.
package registry

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
)

var (
	// ErrAgentExists is returned when registering an id twice
	ErrAgentExists = errors.New("agent already registered")
	// ErrAgentNotFound is returned when an agent id is not registered
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoAgents is returned when a selection has nothing to pick from
	ErrNoAgents = errors.New("no agents available")
)

// Registry manages registered agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agent.Agent
	logger *logger.Logger
	bus    bus.EventBus
}

// NewRegistry creates a new agent registry. Registered/unregistered agents
// are announced on the bus.
func NewRegistry(log *logger.Logger, eventBus bus.EventBus) *Registry {
	return &Registry{
		agents: make(map[string]*agent.Agent),
		logger: log,
		bus:    eventBus,
	}
}

// Register adds a new agent and announces it.
func (r *Registry) Register(a *agent.Agent) error {
	if err := agent.Validate(a); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists {
		r.mu.Unlock()
		return ErrAgentExists
	}
	if a.State == "" {
		a.State = agent.StateUninitialized
	}
	r.agents[a.ID] = a
	r.mu.Unlock()

	r.logger.Info("Registered agent", zap.String("agent_id", a.ID), zap.Strings("tags", a.Tags))
	r.publish(events.AgentRegistered, a.ID)
	return nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	if _, exists := r.agents[id]; !exists {
		r.mu.Unlock()
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	r.mu.Unlock()

	r.logger.Info("Unregistered agent", zap.String("agent_id", id))
	return nil
}

// Get returns a registered agent.
func (r *Registry) Get(id string) (*agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// Exists checks if an agent id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[id]
	return exists
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns all registered agents ordered by id.
func (r *Registry) List() []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*agent.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ListByTag returns agents carrying the given capability tag, ordered by id.
func (r *Registry) ListByTag(tag string) []*agent.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*agent.Agent
	for _, a := range r.agents {
		if a.HasTag(tag) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// FirstByTag returns the first agent (by id order) carrying the tag.
func (r *Registry) FirstByTag(tag string) (*agent.Agent, bool) {
	matches := r.ListByTag(tag)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Random picks a pseudo-random registered agent.
func (r *Registry) Random() (*agent.Agent, error) {
	all := r.List()
	if len(all) == 0 {
		return nil, ErrNoAgents
	}
	return all[rand.Intn(len(all))], nil
}

// SetState updates an agent's lifecycle state.
func (r *Registry) SetState(id string, state agent.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, exists := r.agents[id]
	if !exists {
		return ErrAgentNotFound
	}
	a.State = state
	return nil
}

func (r *Registry) publish(eventType, agentID string) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "registry", map[string]interface{}{"agent_id": agentID})
	event.AgentID = agentID
	if err := r.bus.Publish(context.Background(), eventType, event); err != nil {
		r.logger.Warn("Failed to publish agent event",
			zap.String("type", eventType),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
