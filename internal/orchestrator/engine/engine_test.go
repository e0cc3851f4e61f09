package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/agent/registry"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/kernel"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestEngine(t *testing.T) (*Engine, *kernel.Kernel, *bus.MemoryEventBus) {
	t.Helper()

	log := newTestLogger()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	reg := registry.NewRegistry(log, eventBus)
	k := kernel.New(reg, eventBus, log)
	eng := New(k, eventBus, log, Config{
		NodeTimeout: time.Second,
		BaseBackoff: time.Millisecond,
		MaxParallel: 8,
	})
	return eng, k, eventBus
}

func registerHandler(t *testing.T, k *kernel.Kernel, id string, handler agent.Handler) {
	t.Helper()
	err := k.Register(&agent.Agent{ID: id, Name: id, Handler: handler})
	if err != nil {
		t.Fatalf("Register %s failed: %v", id, err)
	}
}

func TestEngine_AtomicSuccess(t *testing.T) {
	eng, k, _ := newTestEngine(t)
	registerHandler(t, k, "echo-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "echo: " + input, nil
	})

	wf := NewAtomic("task-1", "echo-agent", "hello")
	res, err := eng.Execute(context.Background(), wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", res.Status)
	}
	if res.Outputs[AtomicNodeID] != "echo: hello" {
		t.Errorf("unexpected output %q", res.Outputs[AtomicNodeID])
	}
	if res.FinalOutput() != "echo: hello" {
		t.Errorf("unexpected final output %q", res.FinalOutput())
	}
	if len(res.InvolvedAgents) != 1 || res.InvolvedAgents[0] != "echo-agent" {
		t.Errorf("unexpected involved agents %v", res.InvolvedAgents)
	}
	if res.TaskID != "task-1" {
		t.Errorf("result mistagged: %s", res.TaskID)
	}
}

func TestEngine_ChainPassesDependencyOutputs(t *testing.T) {
	eng, k, _ := newTestEngine(t)

	var mu sync.Mutex
	var ran []string
	record := func(id string) {
		mu.Lock()
		ran = append(ran, id)
		mu.Unlock()
	}

	registerHandler(t, k, "first", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		record("a")
		return "out-a", nil
	})
	registerHandler(t, k, "second", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		record("b")
		deps, _ := rt.BaseInput["dep_outputs"].(map[string]interface{})
		if deps["a"] != "out-a" {
			return "", fmt.Errorf("missing dependency output, got %v", deps)
		}
		if rt.BaseInput["objective"] != "chain it" {
			return "", fmt.Errorf("objective not merged, got %v", rt.BaseInput["objective"])
		}
		return "out-b", nil
	})

	wf := NewGraph("task-chain", "chain it", []*Node{
		{ID: "a", AgentID: "first"},
		{ID: "b", AgentID: "second", DependsOn: []string{"a"}},
	})
	res, err := eng.Execute(context.Background(), wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (failures: %v)", res.Status, res.Failures)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Errorf("expected a before b, got %v", ran)
	}
	if len(res.Order) != 2 || res.Order[1] != "b" {
		t.Errorf("unexpected completion order %v", res.Order)
	}
	if res.FinalOutput() != "out-b" {
		t.Errorf("expected last output to win, got %q", res.FinalOutput())
	}
}

func TestEngine_ParallelFanIn(t *testing.T) {
	eng, k, _ := newTestEngine(t)

	release := make(chan struct{})
	registerHandler(t, k, "research-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		<-release
		return "findings", nil
	})
	registerHandler(t, k, "web-dev-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		<-release
		return "artifact", nil
	})
	registerHandler(t, k, "system-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		deps, _ := rt.BaseInput["dep_outputs"].(map[string]interface{})
		if deps["research"] != "findings" || deps["build"] != "artifact" {
			return "", fmt.Errorf("review started before both dependencies settled: %v", deps)
		}
		return "reviewed", nil
	})

	// Both roots block until released together, proving they were
	// dispatched in the same wave.
	close(release)

	wf := NewGraph("task-fan", "ship it", []*Node{
		{ID: "research", AgentID: "research-agent", Role: RoleResearch},
		{ID: "build", AgentID: "web-dev-agent", Role: RoleBuild},
		{ID: "review", AgentID: "system-agent", Role: RoleReview, DependsOn: []string{"research", "build"}},
	})
	res, err := eng.Execute(context.Background(), wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (failures: %v)", res.Status, res.Failures)
	}
	if got := len(res.InvolvedAgents); got != 3 {
		t.Errorf("expected 3 involved agents, got %d: %v", got, res.InvolvedAgents)
	}
	if res.Order[len(res.Order)-1] != "review" {
		t.Errorf("review should settle last, got order %v", res.Order)
	}
}

func TestEngine_ValidationRejectsBadGraphs(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	cases := []struct {
		name string
		wf   *Workflow
		want error
	}{
		{
			name: "empty",
			wf:   NewGraph("t", "x", nil),
			want: ErrEmptyWorkflow,
		},
		{
			name: "unknown dependency",
			wf: NewGraph("t", "x", []*Node{
				{ID: "a", AgentID: "agent", DependsOn: []string{"ghost"}},
			}),
			want: ErrUnknownDep,
		},
		{
			name: "duplicate id",
			wf: NewGraph("t", "x", []*Node{
				{ID: "a", AgentID: "agent"},
				{ID: "a", AgentID: "agent"},
			}),
			want: ErrDuplicateNode,
		},
		{
			name: "cycle",
			wf: NewGraph("t", "x", []*Node{
				{ID: "a", AgentID: "agent", DependsOn: []string{"b"}},
				{ID: "b", AgentID: "agent", DependsOn: []string{"a"}},
			}),
			want: ErrCycle,
		},
		{
			name: "self-dependency",
			wf: NewGraph("t", "x", []*Node{
				{ID: "a", AgentID: "agent", DependsOn: []string{"a"}},
			}),
			want: ErrCycle,
		},
		{
			name: "missing agent",
			wf: NewGraph("t", "x", []*Node{
				{ID: "a", AgentID: ""},
			}),
			want: ErrAgentIDRequired,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Execute(context.Background(), tc.wf, ExecuteOptions{})
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestEngine_HardFailureAbortsGraph(t *testing.T) {
	eng, k, _ := newTestEngine(t)

	registerHandler(t, k, "broken", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "", errors.New("boom")
	})
	// A peer that only returns once aborted, proving running nodes get
	// interrupted rather than awaited.
	registerHandler(t, k, "slow", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	registerHandler(t, k, "downstream", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "never", nil
	})

	wf := NewGraph("task-abort", "x", []*Node{
		{ID: "fail", AgentID: "broken"},
		{ID: "peer", AgentID: "slow"},
		{ID: "after", AgentID: "downstream", DependsOn: []string{"fail"}},
	})
	res, err := eng.Execute(context.Background(), wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if len(res.Failures) != 1 || res.Failures[0].NodeID != "fail" || res.Failures[0].Allowed {
		t.Errorf("unexpected failures %v", res.Failures)
	}

	states := map[string]NodeState{}
	reasons := map[string]string{}
	for _, ns := range res.Nodes {
		states[ns.ID] = ns.State
		reasons[ns.ID] = ns.Error
	}
	if states["fail"] != NodeFailed {
		t.Errorf("fail node state = %s", states["fail"])
	}
	if states["after"] != NodeSkipped {
		t.Errorf("downstream should be skipped, got %s", states["after"])
	}
	if reasons["after"] != "dependency fail failed" {
		t.Errorf("skip reason should name the dependency, got %q", reasons["after"])
	}
	if states["peer"] != NodeCancelled {
		t.Errorf("running peer should be interrupted, got %s", states["peer"])
	}
}

func TestEngine_AllowFailureContinuesDownstream(t *testing.T) {
	eng, k, _ := newTestEngine(t)

	registerHandler(t, k, "flaky-research", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "", errors.New("rate limited")
	})
	registerHandler(t, k, "web-dev-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "artifact", nil
	})
	registerHandler(t, k, "aggregator", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		deps, _ := rt.BaseInput["dep_outputs"].(map[string]interface{})
		if _, ok := deps["research"]; ok {
			return "", errors.New("failed dependency output should be absent")
		}
		if deps["build"] != "artifact" {
			return "", fmt.Errorf("missing build output: %v", deps)
		}
		return "summary", nil
	})

	wf := NewGraph("task-partial", "x", []*Node{
		{ID: "research", AgentID: "flaky-research", Role: RoleResearch, AllowFailure: true},
		{ID: "build", AgentID: "web-dev-agent", Role: RoleBuild},
		{ID: "final", AgentID: "aggregator", Role: RoleFinal, DependsOn: []string{"research", "build"}},
	})
	res, err := eng.Execute(context.Background(), wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded despite tolerated failure, got %s (failures: %v)", res.Status, res.Failures)
	}
	if len(res.Failures) != 1 || !res.Failures[0].Allowed || res.Failures[0].NodeID != "research" {
		t.Errorf("unexpected failures %v", res.Failures)
	}
	if res.FinalOutput() != "summary" {
		t.Errorf("final node output should win, got %q", res.FinalOutput())
	}
	// The failed agent still ran and must be reported.
	found := false
	for _, id := range res.InvolvedAgents {
		if id == "flaky-research" {
			found = true
		}
	}
	if !found {
		t.Errorf("failed agent missing from involved agents %v", res.InvolvedAgents)
	}
}

func TestEngine_NodeRetrySucceeds(t *testing.T) {
	eng, k, _ := newTestEngine(t)

	var mu sync.Mutex
	calls := 0
	registerHandler(t, k, "flaky", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return "", errors.New("transient")
		}
		return "recovered", nil
	})

	wf := NewGraph("task-retry", "x", []*Node{
		{ID: "a", AgentID: "flaky", Retries: 1},
	})
	res, err := eng.Execute(context.Background(), wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded after retry, got %s", res.Status)
	}
	if res.Nodes[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", res.Nodes[0].Attempts)
	}
	if res.Outputs["a"] != "recovered" {
		t.Errorf("unexpected output %q", res.Outputs["a"])
	}
}

func TestEngine_NodeTimeoutFails(t *testing.T) {
	eng, k, _ := newTestEngine(t)

	registerHandler(t, k, "stuck", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	wf := NewGraph("task-timeout", "x", []*Node{
		{ID: "a", AgentID: "stuck", Timeout: 20 * time.Millisecond},
	})
	res, err := eng.Execute(context.Background(), wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusFailed {
		t.Fatalf("expected failed on timeout, got %s", res.Status)
	}
	if len(res.Failures) != 1 || res.Failures[0].NodeID != "a" {
		t.Fatalf("unexpected failures %v", res.Failures)
	}
}

func TestEngine_CancellationWinsOverAllowedFailure(t *testing.T) {
	eng, k, _ := newTestEngine(t)

	failed := make(chan struct{})
	registerHandler(t, k, "fails-first", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		close(failed)
		return "", errors.New("tolerated")
	})
	registerHandler(t, k, "waits", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	registerHandler(t, k, "tail", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "never", nil
	})

	ctx, cancelRun := context.WithCancel(context.Background())
	go func() {
		<-failed
		cancelRun()
	}()

	wf := NewGraph("task-cancel", "x", []*Node{
		{ID: "soft", AgentID: "fails-first", AllowFailure: true},
		{ID: "long", AgentID: "waits"},
		{ID: "end", AgentID: "tail", DependsOn: []string{"long"}},
	})
	res, err := eng.Execute(ctx, wf, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != StatusCancelled {
		t.Fatalf("cancellation must win over tolerated failures, got %s", res.Status)
	}
	states := map[string]NodeState{}
	for _, ns := range res.Nodes {
		states[ns.ID] = ns.State
	}
	if states["long"] != NodeCancelled {
		t.Errorf("running node should be cancelled, got %s", states["long"])
	}
	if states["end"] != NodeCancelled {
		t.Errorf("pending node should be cancelled, got %s", states["end"])
	}
	if len(res.Failures) != 1 {
		t.Errorf("tolerated failure should still be reported, got %v", res.Failures)
	}
}

// A handler that already failed on its own must keep its failure even when
// the run context was cancelled right after it returned; only the
// cancellation itself settles a node cancelled.
func TestRunCancelledClassifiesByError(t *testing.T) {
	cancelled, cancel := context.WithCancelCause(context.Background())
	abort := errors.New("task aborted")
	cancel(abort)

	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want bool
	}{
		{"handler error with run cancelled", cancelled, errors.New("rate limited"), false},
		{"attempt timeout with run cancelled", cancelled, context.DeadlineExceeded, false},
		{"cancellation cause", cancelled, abort, true},
		{"plain cancellation", cancelled, context.Canceled, true},
		{"wrapped cancellation cause", cancelled, fmt.Errorf("run agent: %w", abort), true},
		{"live run", context.Background(), context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := runCancelled(tc.ctx, tc.err); got != tc.want {
				t.Errorf("runCancelled(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestEngine_NodeTransitionsObserved(t *testing.T) {
	eng, k, eventBus := newTestEngine(t)
	registerHandler(t, k, "echo-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "done", nil
	})

	var mu sync.Mutex
	var seen []NodeState
	opts := ExecuteOptions{OnNodeEvent: func(ev NodeEvent) {
		mu.Lock()
		seen = append(seen, ev.State)
		mu.Unlock()
	}}

	wf := NewGraph("task-events", "x", []*Node{{ID: "a", AgentID: "echo-agent"}})
	res, err := eng.Execute(context.Background(), wf, opts)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", res.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != NodeRunning || seen[1] != NodeSucceeded {
		t.Errorf("expected running then succeeded, got %v", seen)
	}

	// Transitions are also retained in the task's event history.
	got := false
	for _, ev := range eventBus.History("task-events", 0) {
		if ev.Type == "graph.node.succeeded" {
			got = true
		}
	}
	if !got {
		t.Error("graph.node.succeeded missing from the task history")
	}
}
