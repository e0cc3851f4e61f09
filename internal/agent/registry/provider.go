package registry

import (
	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events/bus"
)

// Provide creates the agent registry and loads the built-in agents with
// the given handler.
func Provide(log *logger.Logger, eventBus bus.EventBus, handler agent.Handler) (*Registry, error) {
	reg := NewRegistry(log, eventBus)
	if err := reg.LoadDefaults(handler); err != nil {
		return nil, err
	}
	return reg, nil
}
