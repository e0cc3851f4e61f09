package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
)

// Template is a named, pre-declared workflow graph.
type Template struct {
	Description string      `yaml:"description,omitempty"`
	Nodes       []*NodeSpec `yaml:"nodes"`
}

type templatesFile struct {
	Templates map[string]*Template `yaml:"templates"`
}

// LoadTemplates reads named workflow templates from a YAML file and
// validates each graph so a broken template fails at startup rather
// than on first use.
func LoadTemplates(path string) (map[string]*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}

	var f templatesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates file: %w", err)
	}

	for name, tpl := range f.Templates {
		if tpl == nil || len(tpl.Nodes) == 0 {
			return nil, fmt.Errorf("template %q has no nodes", name)
		}
		nodes := make([]*engine.Node, 0, len(tpl.Nodes))
		for _, s := range tpl.Nodes {
			nodes = append(nodes, s.toNode(FailurePolicy{DefaultAction: ActionStop}))
		}
		if err := engine.NewGraph("", "", nodes).Validate(); err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
	}
	return f.Templates, nil
}
