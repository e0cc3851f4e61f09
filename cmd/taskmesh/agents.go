package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
)

// workDelay is the simulated execution time of a built-in agent.
const workDelay = 150 * time.Millisecond

// builtinHandler returns the handler backing the built-in agents. Until a
// model-backed executor is wired in, agents answer deterministically: a
// cancellable pause bracketed by tool events, one progress step, then an
// enveloped text result derived from the node role and input.
func builtinHandler(log *logger.Logger, eventBus bus.EventBus) agent.Handler {
	return func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		tool := roleTool(rt.Role)
		publishTool(eventBus, events.ToolCalled, rt, map[string]interface{}{"tool": tool})

		select {
		case <-time.After(workDelay):
		case <-ctx.Done():
			return "", context.Cause(ctx)
		}
		publishTool(eventBus, events.ToolCompleted, rt, map[string]interface{}{
			"tool":        tool,
			"duration_ms": workDelay.Milliseconds(),
		})

		log.Debug("Built-in agent invoked",
			zap.String("agent_id", rt.AgentID),
			zap.String("task_id", rt.TaskID),
			zap.String("role", rt.Role))
		rt.Step("composing response", map[string]interface{}{"role": rt.Role})

		raw, err := json.Marshal(agent.Wrap(rt.AgentID, agent.TextResult(respond(rt, input))))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// roleTool names the simulated tool each role reaches for.
func roleTool(role string) string {
	switch role {
	case engine.RoleResearch:
		return "search"
	case engine.RoleBuild:
		return "codegen"
	case engine.RoleReview:
		return "lint"
	}
	return "compose"
}

func publishTool(eventBus bus.EventBus, subject string, rt agent.RuntimeContext, data map[string]interface{}) {
	event := bus.NewTaskEvent(subject, "agent", rt.TaskID, rt.AgentID, data)
	_ = eventBus.Publish(context.Background(), subject, event)
}

func respond(rt agent.RuntimeContext, input string) string {
	objective := strings.TrimSpace(input)
	switch rt.Role {
	case engine.RoleResearch:
		return fmt.Sprintf("Findings for %q: requirements and constraints collected, prior art reviewed.", objective)
	case engine.RoleBuild:
		return fmt.Sprintf("Build result for %q: implementation drafted and assembled.", objective)
	case engine.RoleReview:
		return fmt.Sprintf("Review of %q: no blocking issues found.", objective)
	case engine.RoleFinal:
		return finalSummary(rt, objective)
	}
	return fmt.Sprintf("[%s] handled: %s", rt.AgentID, objective)
}

// finalSummary folds the upstream node outputs into one answer, in node id
// order so reruns render identically.
func finalSummary(rt agent.RuntimeContext, objective string) string {
	deps, _ := rt.BaseInput["dep_outputs"].(map[string]interface{})
	if len(deps) == 0 {
		return fmt.Sprintf("Summary for %q: no upstream output to merge.", objective)
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Summary for %q:", objective)
	for _, id := range ids {
		text, _ := deps[id].(string)
		fmt.Fprintf(&b, "\n- %s: %s", id, agent.Normalize(text).Render())
	}
	return b.String()
}
