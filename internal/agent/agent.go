// Package agent defines the in-process agent contract: the model the
// registry tracks, the handler signature the kernel invokes, and the
// result envelope every agent answers with.
package agent

import (
	"context"
	"fmt"
	"time"
)

// State tracks an agent through its lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateError         State = "error"
)

// RuntimeContext carries per-invocation context into a handler: which task
// is running, the structured base input assembled by the intake pipeline,
// and a step callback for progress reporting.
type RuntimeContext struct {
	TaskID  string
	AgentID string
	// Role is set for DAG node invocations (research, build, review, final).
	Role string
	// BaseInput is the structured input assembled by intake
	// (task_id, conversation_id, history, query, generation, system_mode).
	BaseInput map[string]interface{}
	// EmitStep reports intermediate progress; wired to task.step events.
	// Nil when the caller does not track steps.
	EmitStep func(message string, data map[string]interface{})
}

// Step reports progress through the runtime context, if wired.
func (rt RuntimeContext) Step(message string, data map[string]interface{}) {
	if rt.EmitStep != nil {
		rt.EmitStep(message, data)
	}
}

// Handler is the work function of an agent. It receives the rendered input
// text plus the runtime context and returns the raw output, which the
// intake pipeline normalizes into a Result.
type Handler func(ctx context.Context, input string, rt RuntimeContext) (string, error)

// MessageHandler receives inbox messages sent between agents.
type MessageHandler func(ctx context.Context, msg InboxMessage)

// InboxMessage is a point-to-point message between two registered agents.
type InboxMessage struct {
	From    string                 `json:"from"`
	To      string                 `json:"to"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	SentAt  time.Time              `json:"sent_at"`
}

// Agent is a registered in-process agent. The registry owns State; nothing
// else mutates it directly.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	State       State    `json:"state"`

	Handler   Handler        `json:"-"`
	OnMessage MessageHandler `json:"-"`
}

// HasTag reports whether the agent carries the given capability tag.
func (a *Agent) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Validate checks an agent definition before registration.
func Validate(a *Agent) error {
	if a == nil {
		return fmt.Errorf("agent is required")
	}
	if a.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if a.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if a.Handler == nil {
		return fmt.Errorf("agent %q has no handler", a.ID)
	}
	return nil
}
