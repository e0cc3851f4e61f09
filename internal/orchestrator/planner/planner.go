// Package planner decides whether a task needs multiple agents and builds
// the workflow graph when it does. The rule planner classifies intent
// signals from the input text; explicit graphs and named templates
// bypass classification.
package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
)

// Agents the rule planner assigns per intent.
const (
	ResearchAgentID = "research-agent"
	BuildAgentID    = "web-dev-agent"
	ReviewAgentID   = "system-agent"
)

// Planner modes and kinds.
const (
	ModeAuto  = "auto"
	ModeForce = "force"

	PlannerRule = "rule"
	PlannerNone = "none"
)

// Failure policy actions.
const (
	ActionContinue = "continue"
	ActionStop     = "stop"
)

// Decision sources.
const (
	SourceRule     = "rule"
	SourceTemplate = "template"
	SourceExplicit = "explicit"
)

// ErrUnknownTemplate reports a request naming a template the planner does
// not carry.
var ErrUnknownTemplate = errors.New("unknown workflow template")

// Intent keyword groups, matched case-insensitively as substrings.
var (
	researchKeywords = []string{"research", "analy", "summar", "investig", "benchmark", "compare"}
	buildKeywords    = []string{"build", "implement", "code", "create", "develop", "ui", "frontend", "backend", "api", "design"}
	reviewKeywords   = []string{"review", "audit", "security", "test", "validate", "check", "verify"}
)

// Intents is the set of detected intent signals.
type Intents struct {
	Research bool
	Build    bool
	Review   bool
}

// Count returns how many signals matched.
func (i Intents) Count() int {
	n := 0
	for _, b := range []bool{i.Research, i.Build, i.Review} {
		if b {
			n++
		}
	}
	return n
}

// List returns the matched signals in fixed order.
func (i Intents) List() []string {
	var out []string
	if i.Research {
		out = append(out, "research")
	}
	if i.Build {
		out = append(out, "build")
	}
	if i.Review {
		out = append(out, "review")
	}
	return out
}

// Classify detects intent signals in the input text.
func Classify(input string) Intents {
	lower := strings.ToLower(input)
	match := func(keywords []string) bool {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	}
	return Intents{
		Research: match(researchKeywords),
		Build:    match(buildKeywords),
		Review:   match(reviewKeywords),
	}
}

// FailurePolicy controls how node failures are treated.
type FailurePolicy struct {
	// DefaultAction applies to nodes without a per-node entry:
	// continue tolerates the failure, stop aborts the workflow.
	DefaultAction string `json:"defaultAction,omitempty" yaml:"default_action,omitempty"`
	// PerNode overrides the action for specific node ids.
	PerNode map[string]string `json:"perNode,omitempty" yaml:"per_node,omitempty"`
	// Retries is the extra attempt budget per node.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

func (fp FailurePolicy) allowFailure(nodeID string) bool {
	action := fp.DefaultAction
	if a, ok := fp.PerNode[nodeID]; ok {
		action = a
	}
	return action == ActionContinue
}

// NodeSpec is one node of a requested or templated graph. Failure
// handling comes from the failure policy, not the node itself.
type NodeSpec struct {
	ID        string   `json:"id" yaml:"id"`
	AgentID   string   `json:"agentId" yaml:"agent_id"`
	Input     string   `json:"input,omitempty" yaml:"input,omitempty"`
	Role      string   `json:"role,omitempty" yaml:"role,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	// Retries overrides the policy budget when set.
	Retries   *int `json:"retries,omitempty" yaml:"retries,omitempty"`
	TimeoutMS int  `json:"timeoutMs,omitempty" yaml:"timeout_ms,omitempty"`
}

func (s *NodeSpec) toNode(fp FailurePolicy) *engine.Node {
	retries := fp.Retries
	if s.Retries != nil {
		retries = *s.Retries
	}
	return &engine.Node{
		ID:           s.ID,
		AgentID:      s.AgentID,
		Input:        s.Input,
		Role:         s.Role,
		DependsOn:    s.DependsOn,
		AllowFailure: fp.allowFailure(s.ID),
		Retries:      retries,
		Timeout:      time.Duration(s.TimeoutMS) * time.Millisecond,
	}
}

// Spec is the multiAgent section of a submit request.
type Spec struct {
	// Enabled overrides the decision for this request: false forces the
	// single-agent path, true forces multi-agent.
	Enabled       *bool          `json:"enabled,omitempty"`
	Template      string         `json:"template,omitempty"`
	Graph         []*NodeSpec    `json:"graph,omitempty"`
	FinalAgentID  string         `json:"finalAgentId,omitempty"`
	FailurePolicy *FailurePolicy `json:"failurePolicy,omitempty"`
}

// Config holds the planner settings.
type Config struct {
	Enabled       bool
	Mode          string // auto|force
	Planner       string // rule|none
	FinalAgentID  string
	Retries       int
	DefaultAction string // continue|stop
	Templates     map[string]*Template
}

// DefaultConfig returns default planner configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Mode:          ModeAuto,
		Planner:       PlannerRule,
		DefaultAction: ActionStop,
	}
}

// FromConfig converts the application's planner section. Template files
// are loaded separately with LoadTemplates.
func FromConfig(p config.PlannerConfig) Config {
	out := DefaultConfig()
	out.Enabled = p.Enabled
	if p.Mode != "" {
		out.Mode = p.Mode
	}
	if p.Planner != "" {
		out.Planner = p.Planner
	}
	out.FinalAgentID = p.FinalAgentID
	if p.Retries > 0 {
		out.Retries = p.Retries
	}
	if p.DefaultAction != "" {
		out.DefaultAction = p.DefaultAction
	}
	return out
}

// Decision is the planner verdict for one task.
type Decision struct {
	MultiAgent bool
	// Intents lists the detected signals, also on the single-agent path.
	Intents []string
	// Source names what produced the nodes: rule, template or explicit.
	Source string
	Nodes  []*engine.Node
}

// Planner builds workflow graphs from raw input.
type Planner struct {
	config Config
	logger *logger.Logger
}

// New creates a planner.
func New(cfg Config, log *logger.Logger) *Planner {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.Planner == "" {
		cfg.Planner = PlannerRule
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = ActionStop
	}
	return &Planner{
		config: cfg,
		logger: log.WithFields(zap.String("component", "planner")),
	}
}

// Plan decides single- versus multi-agent for the input and builds the
// node list when multi. The explicit request graph wins over a named
// template, which wins over rule classification. A disabled planner
// always yields the single-agent path.
func (p *Planner) Plan(input string, spec *Spec) (*Decision, error) {
	intents := Classify(input)
	decision := &Decision{Intents: intents.List()}

	if !p.config.Enabled || p.config.Planner == PlannerNone {
		return decision, nil
	}
	if spec != nil && spec.Enabled != nil && !*spec.Enabled {
		return decision, nil
	}

	fp := p.policy(spec)

	switch {
	case spec != nil && len(spec.Graph) > 0:
		decision.Source = SourceExplicit
		decision.Nodes = p.fromSpecs(spec.Graph, fp, p.finalAgent(spec))

	case spec != nil && spec.Template != "":
		tpl, ok := p.config.Templates[spec.Template]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, spec.Template)
		}
		decision.Source = SourceTemplate
		decision.Nodes = p.fromSpecs(tpl.Nodes, fp, p.finalAgent(spec))

	default:
		forced := p.config.Mode == ModeForce ||
			(spec != nil && spec.Enabled != nil && *spec.Enabled)
		if !forced && intents.Count() < 2 {
			return decision, nil
		}
		decision.Source = SourceRule
		decision.Nodes = p.ruleGraph(intents, fp, p.finalAgent(spec))
	}

	decision.MultiAgent = true
	if err := engine.NewGraph("", input, decision.Nodes).Validate(); err != nil {
		return nil, fmt.Errorf("planned graph invalid: %w", err)
	}

	p.logger.Debug("Planned multi-agent workflow",
		zap.String("source", decision.Source),
		zap.Strings("intents", decision.Intents),
		zap.Int("nodes", len(decision.Nodes)))
	return decision, nil
}

func (p *Planner) finalAgent(spec *Spec) string {
	if spec != nil && spec.FinalAgentID != "" {
		return spec.FinalAgentID
	}
	return p.config.FinalAgentID
}

// policy resolves the effective failure policy: request overrides on top
// of configured defaults.
func (p *Planner) policy(spec *Spec) FailurePolicy {
	fp := FailurePolicy{
		DefaultAction: p.config.DefaultAction,
		Retries:       p.config.Retries,
	}
	if spec == nil || spec.FailurePolicy == nil {
		return fp
	}
	o := spec.FailurePolicy
	if o.DefaultAction != "" {
		fp.DefaultAction = o.DefaultAction
	}
	if len(o.PerNode) > 0 {
		fp.PerNode = o.PerNode
	}
	if o.Retries > 0 {
		fp.Retries = o.Retries
	}
	return fp
}

// ruleGraph builds the intent-derived graph: research and build run in
// parallel when both are present, review depends on every non-review
// node, and an empty graph falls back to a single build node.
func (p *Planner) ruleGraph(intents Intents, fp FailurePolicy, finalAgentID string) []*engine.Node {
	var nodes []*engine.Node
	add := func(id, agentID, role string) {
		nodes = append(nodes, &engine.Node{
			ID:           id,
			AgentID:      agentID,
			Role:         role,
			AllowFailure: fp.allowFailure(id),
			Retries:      fp.Retries,
		})
	}

	if intents.Research {
		add("research", ResearchAgentID, engine.RoleResearch)
	}
	if intents.Build || len(nodes) == 0 {
		add("build", BuildAgentID, engine.RoleBuild)
	}
	if intents.Review {
		deps := make([]string, 0, len(nodes))
		for _, n := range nodes {
			deps = append(deps, n.ID)
		}
		add("review", ReviewAgentID, engine.RoleReview)
		nodes[len(nodes)-1].DependsOn = deps
	}

	return p.appendFinal(nodes, fp, finalAgentID)
}

// fromSpecs converts request or template node specs, applying the failure
// policy and appending the final aggregator when configured.
func (p *Planner) fromSpecs(specs []*NodeSpec, fp FailurePolicy, finalAgentID string) []*engine.Node {
	nodes := make([]*engine.Node, 0, len(specs))
	for _, s := range specs {
		nodes = append(nodes, s.toNode(fp))
	}
	return p.appendFinal(nodes, fp, finalAgentID)
}

// appendFinal adds the aggregator node depending on every other node,
// unless one already carries the final role.
func (p *Planner) appendFinal(nodes []*engine.Node, fp FailurePolicy, finalAgentID string) []*engine.Node {
	if finalAgentID == "" {
		return nodes
	}
	for _, n := range nodes {
		if n.Role == engine.RoleFinal {
			return nodes
		}
	}
	deps := make([]string, 0, len(nodes))
	for _, n := range nodes {
		deps = append(deps, n.ID)
	}
	return append(nodes, &engine.Node{
		ID:           "final",
		AgentID:      finalAgentID,
		Role:         engine.RoleFinal,
		DependsOn:    deps,
		AllowFailure: fp.allowFailure("final"),
		Retries:      fp.Retries,
	})
}
