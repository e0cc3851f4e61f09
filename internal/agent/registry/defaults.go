package registry

import "github.com/taskmesh/taskmesh/internal/agent"

// DefaultAgents returns the built-in agent set, all backed by the given
// handler. The composition root injects the real handler; tests inject
// stubs.
func DefaultAgents(handler agent.Handler) []*agent.Agent {
	return []*agent.Agent{
		{
			ID:          "web-dev-agent",
			Name:        "Web Development Agent",
			Description: "Builds and modifies application code, UI and APIs.",
			Version:     "1.0.0",
			Tags:        []string{"build", "code", "frontend", "backend", "web"},
			Permissions: []string{"code_generation", "refactoring"},
			Handler:     handler,
		},
		{
			ID:          "research-agent",
			Name:        "Research Agent",
			Description: "Investigates, analyzes and summarizes source material.",
			Version:     "1.0.0",
			Tags:        []string{"research", "analysis", "summarization"},
			Permissions: []string{"web_search", "document_analysis"},
			Handler:     handler,
		},
		{
			ID:          "system-agent",
			Name:        "System Agent",
			Description: "Reviews output, handles prompt and orchestration queries.",
			Version:     "1.0.0",
			Tags:        []string{"system", "review", "prompt", "orchestration"},
			Permissions: []string{"review", "validation"},
			Handler:     handler,
		},
	}
}

// LoadDefaults registers the built-in agents. Registration conflicts are
// returned so callers notice double loading.
func (r *Registry) LoadDefaults(handler agent.Handler) error {
	for _, a := range DefaultAgents(handler) {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}
