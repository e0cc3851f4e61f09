package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/common/tracing"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/kernel"
)

// Node roles the planner assigns. Only RoleFinal changes engine behavior:
// the final node's output wins when the workflow answer is assembled.
const (
	RoleResearch = "research"
	RoleBuild    = "build"
	RoleReview   = "review"
	RoleFinal    = "final"
)

// Status is the workflow terminal status.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Config holds engine tuning knobs.
type Config struct {
	// NodeTimeout bounds each node attempt when the node declares none.
	NodeTimeout time.Duration
	// BaseBackoff is the base delay between node retry attempts; it
	// doubles with each attempt.
	BaseBackoff time.Duration
	// MaxParallel caps concurrently running nodes.
	MaxParallel int64
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		NodeTimeout: 2 * time.Minute,
		BaseBackoff: 200 * time.Millisecond,
		MaxParallel: 8,
	}
}

// FromConfig converts the application's planner section, keeping defaults
// for unset values.
func FromConfig(p config.PlannerConfig) Config {
	out := DefaultConfig()
	if p.NodeTimeoutMS > 0 {
		out.NodeTimeout = p.NodeTimeout()
	}
	return out
}

// NodeEvent is one observed node transition. OnNodeEvent observers may be
// invoked from multiple goroutines.
type NodeEvent struct {
	WorkflowID string
	TaskID     string
	NodeID     string
	AgentID    string
	Role       string
	State      NodeState
	Attempt    int
	Err        error
	At         time.Time
}

// Trace renders the transition in the dotted graph.node.<id>.<state> form
// used in step events and logs.
func (e NodeEvent) Trace() string {
	return fmt.Sprintf("graph.node.%s.%s", e.NodeID, e.State)
}

// ExecuteOptions carries optional execution parameters.
type ExecuteOptions struct {
	// OnNodeEvent observes node transitions as they happen, in addition
	// to the events published on the bus.
	OnNodeEvent func(NodeEvent)
}

// NodeFailure records one failed node.
type NodeFailure struct {
	NodeID  string `json:"node_id"`
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
	// Allowed marks failures the node's policy tolerated.
	Allowed bool `json:"allowed"`
}

// NodeStatus is the terminal snapshot of one node.
type NodeStatus struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Role       string    `json:"role,omitempty"`
	DependsOn  []string  `json:"depends_on,omitempty"`
	State      NodeState `json:"state"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// Result is the outcome of one workflow execution.
type Result struct {
	WorkflowID string
	TaskID     string
	Status     Status
	// Outputs maps succeeded node ids to their outputs.
	Outputs map[string]string
	// Order lists succeeded node ids in completion order.
	Order []string
	// Failures lists failed nodes in failure order, allowed ones included.
	Failures []NodeFailure
	// InvolvedAgents lists agents that actually ran, in node declaration
	// order, deduplicated.
	InvolvedAgents []string
	Nodes          []NodeStatus
	StartedAt      time.Time
	FinishedAt     time.Time
	DurationMS     int64
}

// FinalOutput picks the workflow answer: the final-role node's output when
// one succeeded, otherwise the most recently completed node's output.
func (r *Result) FinalOutput() string {
	for _, ns := range r.Nodes {
		if ns.Role == RoleFinal && ns.State == NodeSucceeded {
			return r.Outputs[ns.ID]
		}
	}
	if len(r.Order) > 0 {
		return r.Outputs[r.Order[len(r.Order)-1]]
	}
	return ""
}

// HardFailed reports whether any failure exceeded its node's policy.
func (r *Result) HardFailed() bool {
	for _, f := range r.Failures {
		if !f.Allowed {
			return true
		}
	}
	return false
}

// peerFailure is the internal abort cause when a non-tolerated node
// failure interrupts the rest of the graph.
type peerFailure struct {
	nodeID string
}

func (p *peerFailure) Error() string {
	return "workflow aborted: node " + p.nodeID + " failed"
}

func isPeerFailure(err error) bool {
	var pf *peerFailure
	return errors.As(err, &pf)
}

// Engine executes workflows against the kernel.
type Engine struct {
	kernel *kernel.Kernel
	bus    bus.EventBus
	logger *logger.Logger
	config Config
}

// New creates a workflow engine.
func New(k *kernel.Kernel, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Engine {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultConfig().NodeTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	return &Engine{
		kernel: k,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "engine")),
		config: cfg,
	}
}

// Execute runs the workflow to a terminal state and returns the outcome.
// Node failures and cancellation are reported through the result, not the
// error; the error covers validation and setup only. Cancelling ctx aborts
// running nodes and marks pending ones cancelled; the result is still
// assembled so callers can persist partial outputs.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, opts ExecuteOptions) (*Result, error) {
	ctx, span := tracing.Tracer("taskmesh-orchestrator").Start(ctx, "orchestrator.execute-workflow")
	defer span.End()

	if wf == nil {
		return nil, ErrEmptyWorkflow
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}

	id := wf.ID
	if id == "" {
		id = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("workflow.id", id),
		attribute.String("task.id", wf.TaskID),
	)

	nodes := wf.graphNodes()
	x := &execution{
		eng:        e,
		wf:         wf,
		opts:       opts,
		id:         id,
		nodes:      nodes,
		runs:       make(map[string]*nodeRun, len(nodes)),
		inDegree:   make(map[string]int, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
		outputs:    make(map[string]string, len(nodes)),
		doneCh:     make(chan *nodeRun, len(nodes)),
		sem:        semaphore.NewWeighted(e.config.MaxParallel),
	}
	for _, n := range nodes {
		x.runs[n.ID] = &nodeRun{node: n, state: NodePending}
		x.inDegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			x.dependents[dep] = append(x.dependents[dep], n.ID)
		}
	}

	e.logger.Info("Workflow starting",
		zap.String("workflow_id", id),
		zap.String("task_id", wf.TaskID),
		zap.Int("nodes", len(nodes)),
		zap.Bool("atomic", wf.IsAtomic()))
	e.publishWorkflow(events.WorkflowStarted, wf.TaskID, &events.WorkflowPayload{
		WorkflowID: id,
		NodeCount:  len(nodes),
	})

	res := x.run(ctx)

	subject := events.WorkflowCompleted
	switch res.Status {
	case StatusFailed:
		subject = events.WorkflowFailed
	case StatusCancelled:
		subject = events.WorkflowCancelled
	}
	payload := &events.WorkflowPayload{
		WorkflowID: id,
		Status:     string(res.Status),
		NodeCount:  len(nodes),
		Agents:     res.InvolvedAgents,
		DurationMS: res.DurationMS,
	}
	if len(res.Failures) > 0 {
		payload.Error = res.Failures[0].Message
	}
	e.publishWorkflow(subject, wf.TaskID, payload)
	span.SetAttributes(attribute.String("workflow.status", string(res.Status)))

	e.logger.Info("Workflow finished",
		zap.String("workflow_id", id),
		zap.String("task_id", wf.TaskID),
		zap.String("status", string(res.Status)),
		zap.Int("failures", len(res.Failures)),
		zap.Int64("duration_ms", res.DurationMS))
	return res, nil
}

func (e *Engine) publishWorkflow(subject, taskID string, payload *events.WorkflowPayload) {
	if e.bus == nil {
		return
	}
	event := bus.NewTaskEvent(subject, "orchestrator", taskID, "", payload)
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.logger.Warn("Failed to publish workflow event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// nodeRun is the mutable execution state of one node. The orchestration
// loop owns it; a worker goroutine fills in the outcome fields before
// handing it back over doneCh.
type nodeRun struct {
	node     *Node
	state    NodeState
	attempts int
	output   string
	err      error
	started  time.Time
	finished time.Time
}

// execution is the state of one Execute call. A single orchestration
// loop mutates the maps; workers communicate outcomes over doneCh only.
type execution struct {
	eng  *Engine
	wf   *Workflow
	opts ExecuteOptions
	id   string

	nodes      []*Node
	runs       map[string]*nodeRun
	inDegree   map[string]int
	dependents map[string][]string
	outputs    map[string]string
	order      []string
	failures   []NodeFailure

	sem      *semaphore.Weighted
	doneCh   chan *nodeRun
	inFlight int
	settled  int

	// cancelled is set when an outside abort reached the workflow, as
	// opposed to the internal abort after a hard node failure.
	cancelled bool
	started   time.Time
}

func (x *execution) run(ctx context.Context) *Result {
	x.started = time.Now().UTC()

	// A hard node failure aborts the rest of the graph through runCtx;
	// external cancellation arrives through the parent context.
	runCtx, abortRun := context.WithCancelCause(ctx)
	defer abortRun(nil)

	for _, n := range x.nodes {
		if x.inDegree[n.ID] == 0 {
			x.launch(runCtx, n.ID)
		}
	}

	for x.settled < len(x.nodes) {
		if x.inFlight == 0 {
			// Nothing running and nothing became ready; only an abort
			// leaves pending nodes behind like this.
			x.settlePending(runCtx)
			continue
		}
		nr := <-x.doneCh
		x.inFlight--
		x.settleOutcome(runCtx, abortRun, nr)
	}

	return x.result()
}

// launch moves a pending node to running and hands it to a worker.
func (x *execution) launch(runCtx context.Context, id string) {
	nr := x.runs[id]
	nr.state = NodeRunning

	var depOutputs map[string]string
	for _, dep := range nr.node.DependsOn {
		if out, ok := x.outputs[dep]; ok {
			if depOutputs == nil {
				depOutputs = make(map[string]string, len(nr.node.DependsOn))
			}
			depOutputs[dep] = out
		}
	}

	x.inFlight++
	go x.worker(runCtx, nr, depOutputs)
}

// worker runs one node through the kernel with timeout and retry, then
// reports the outcome on doneCh.
func (x *execution) worker(runCtx context.Context, nr *nodeRun, depOutputs map[string]string) {
	defer func() {
		nr.finished = time.Now().UTC()
		x.doneCh <- nr
	}()

	if err := x.sem.Acquire(runCtx, 1); err != nil {
		nr.state = NodeCancelled
		nr.err = context.Cause(runCtx)
		return
	}
	defer x.sem.Release(1)

	n := nr.node
	nr.started = time.Now().UTC()

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = x.eng.config.NodeTimeout
	}
	attempts := n.Retries + 1
	input, rt := x.nodeInput(n, depOutputs)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		nr.attempts = attempt
		x.emit(n, NodeRunning, attempt, nil)

		attemptCtx, cancelAttempt := context.WithTimeout(runCtx, timeout)
		exec, err := x.eng.kernel.Run(attemptCtx, n.AgentID, input, rt)
		cancelAttempt()

		if err == nil {
			nr.state = NodeSucceeded
			nr.output = exec.Output
			return
		}
		lastErr = err

		// Classify by the error itself: a handler that already failed on
		// its own keeps its failure even when the run was cancelled right
		// after it returned. Only the cancellation surfacing as the error
		// settles the node cancelled.
		if runCancelled(runCtx, err) {
			nr.state = NodeCancelled
			nr.err = context.Cause(runCtx)
			return
		}
		if attempt < attempts {
			backoff := x.eng.config.BaseBackoff << (attempt - 1)
			timer := time.NewTimer(backoff)
			select {
			case <-runCtx.Done():
				timer.Stop()
				nr.state = NodeCancelled
				nr.err = context.Cause(runCtx)
				return
			case <-timer.C:
			}
		}
	}

	nr.state = NodeFailed
	nr.err = lastErr
}

// runCancelled reports whether err is the run context's own cancellation.
// A per-attempt timeout or a genuine handler error stays a failure even
// when the run context is already done.
func runCancelled(runCtx context.Context, err error) bool {
	if runCtx.Err() == nil {
		return false
	}
	if cause := context.Cause(runCtx); cause != nil && errors.Is(err, cause) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// settleOutcome books one worker outcome and unblocks or aborts the rest
// of the graph accordingly.
func (x *execution) settleOutcome(runCtx context.Context, abortRun context.CancelCauseFunc, nr *nodeRun) {
	x.settled++
	n := nr.node

	switch nr.state {
	case NodeSucceeded:
		x.outputs[n.ID] = nr.output
		x.order = append(x.order, n.ID)
		x.emit(n, NodeSucceeded, nr.attempts, nil)
		x.eng.logger.Info("Node succeeded",
			zap.String("workflow_id", x.id),
			zap.String("node_id", n.ID),
			zap.String("agent_id", n.AgentID),
			zap.Int("attempts", nr.attempts))
		x.unblock(runCtx, n.ID)

	case NodeFailed:
		x.failures = append(x.failures, NodeFailure{
			NodeID:  n.ID,
			AgentID: n.AgentID,
			Message: nr.err.Error(),
			Allowed: n.AllowFailure,
		})
		x.emit(n, NodeFailed, nr.attempts, nr.err)
		if n.AllowFailure {
			x.eng.logger.Warn("Node failed, policy allows continuing",
				zap.String("workflow_id", x.id),
				zap.String("node_id", n.ID),
				zap.Error(nr.err))
			x.unblock(runCtx, n.ID)
			return
		}
		x.eng.logger.Error("Node failed, aborting workflow",
			zap.String("workflow_id", x.id),
			zap.String("node_id", n.ID),
			zap.Error(nr.err))
		abortRun(&peerFailure{nodeID: n.ID})
		x.settlePending(runCtx)

	case NodeCancelled:
		if !isPeerFailure(nr.err) {
			x.cancelled = true
		}
		x.emit(n, NodeCancelled, nr.attempts, nr.err)
		x.settlePending(runCtx)
	}
}

// unblock decrements dependents of a settled node and launches the ones
// whose dependencies are all settled. A tolerated failure unblocks its
// dependents too; they run without that dependency's output.
func (x *execution) unblock(runCtx context.Context, id string) {
	if runCtx.Err() != nil {
		return
	}
	for _, depID := range x.dependents[id] {
		x.inDegree[depID]--
		if x.inDegree[depID] == 0 && x.runs[depID].state == NodePending {
			x.launch(runCtx, depID)
		}
	}
}

// settlePending finishes every node that never launched. After a hard
// node failure the remainder is skipped; after an outside abort it is
// cancelled.
func (x *execution) settlePending(runCtx context.Context) {
	cause := context.Cause(runCtx)
	if cause == nil {
		// Unreachable for a validated graph; settle instead of hanging.
		cause = errors.New("workflow stalled with unreachable nodes")
	}

	state := NodeCancelled
	if isPeerFailure(cause) {
		state = NodeSkipped
	} else {
		x.cancelled = true
	}

	for _, n := range x.nodes {
		nr := x.runs[n.ID]
		if nr.state != NodePending {
			continue
		}
		nr.state = state
		nr.err = x.pendingReason(n, cause)
		nr.finished = time.Now().UTC()
		x.settled++
		x.emit(n, state, 0, nr.err)
	}
}

// pendingReason attributes a skip or cancel to the first unsatisfied
// dependency, falling back to the workflow-level cause.
func (x *execution) pendingReason(n *Node, cause error) error {
	for _, dep := range n.DependsOn {
		switch x.runs[dep].state {
		case NodeFailed, NodeSkipped, NodeCancelled:
			return fmt.Errorf("dependency %s %s", dep, x.runs[dep].state)
		}
	}
	return cause
}

func (x *execution) nodeInput(n *Node, depOutputs map[string]string) (string, agent.RuntimeContext) {
	objective := n.Input
	if objective == "" {
		objective = x.wf.Objective
	}

	base := make(map[string]interface{}, len(x.wf.BaseInput)+3)
	for k, v := range x.wf.BaseInput {
		base[k] = v
	}
	base["objective"] = objective
	if n.Role != "" {
		base["role"] = n.Role
	}
	if len(depOutputs) > 0 {
		outs := make(map[string]interface{}, len(depOutputs))
		for k, v := range depOutputs {
			outs[k] = v
		}
		base["dep_outputs"] = outs
	}

	rt := agent.RuntimeContext{
		TaskID:    x.wf.TaskID,
		AgentID:   n.AgentID,
		Role:      n.Role,
		BaseInput: base,
		EmitStep:  x.stepEmitter(n),
	}
	return objective, rt
}

// stepEmitter forwards handler progress onto the bus, tagged with the node.
func (x *execution) stepEmitter(n *Node) func(string, map[string]interface{}) {
	if x.eng.bus == nil {
		return nil
	}
	return func(message string, data map[string]interface{}) {
		payload := make(map[string]interface{}, len(data)+2)
		for k, v := range data {
			payload[k] = v
		}
		payload["message"] = message
		payload["node"] = n.ID
		event := bus.NewTaskEvent(events.TaskStep, "orchestrator", x.wf.TaskID, n.AgentID, payload)
		if err := x.eng.bus.Publish(context.Background(), events.TaskStep, event); err != nil {
			x.eng.logger.Warn("Failed to publish step event", zap.Error(err))
		}
	}
}

// emit reports a node transition to the observer and the bus.
func (x *execution) emit(n *Node, state NodeState, attempt int, cause error) {
	at := time.Now().UTC()
	ev := NodeEvent{
		WorkflowID: x.id,
		TaskID:     x.wf.TaskID,
		NodeID:     n.ID,
		AgentID:    n.AgentID,
		Role:       n.Role,
		State:      state,
		Attempt:    attempt,
		Err:        cause,
		At:         at,
	}
	if x.opts.OnNodeEvent != nil {
		x.opts.OnNodeEvent(ev)
	}
	if x.eng.bus == nil {
		return
	}

	var subject string
	switch state {
	case NodeRunning:
		subject = events.GraphNodeRunning
	case NodeSucceeded:
		subject = events.GraphNodeSucceeded
	case NodeFailed:
		subject = events.GraphNodeFailed
	case NodeSkipped:
		subject = events.GraphNodeSkipped
	case NodeCancelled:
		subject = events.GraphNodeCancelled
	default:
		return
	}
	payload := &events.NodeTransitionPayload{
		WorkflowID: x.id,
		NodeID:     n.ID,
		AgentID:    n.AgentID,
		Role:       n.Role,
		State:      string(state),
		Attempt:    attempt,
		At:         at,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	event := bus.NewTaskEvent(subject, "orchestrator", x.wf.TaskID, n.AgentID, payload)
	if err := x.eng.bus.Publish(context.Background(), subject, event); err != nil {
		x.eng.logger.Warn("Failed to publish node transition",
			zap.String("subject", subject),
			zap.Error(err))
	}

	if state.Terminal() {
		step := bus.NewTaskEvent(events.WorkflowStep, "orchestrator", x.wf.TaskID, n.AgentID, map[string]interface{}{
			"workflow_id": x.id,
			"node":        n.ID,
			"state":       string(state),
			"trace":       ev.Trace(),
		})
		if err := x.eng.bus.Publish(context.Background(), events.WorkflowStep, step); err != nil {
			x.eng.logger.Warn("Failed to publish workflow step", zap.Error(err))
		}
	}
}

// result assembles the terminal snapshot. An outside abort wins over node
// failures when both happened.
func (x *execution) result() *Result {
	finished := time.Now().UTC()

	status := StatusSucceeded
	hard := false
	for _, f := range x.failures {
		if !f.Allowed {
			hard = true
			break
		}
	}
	switch {
	case x.cancelled:
		status = StatusCancelled
	case hard:
		status = StatusFailed
	}

	res := &Result{
		WorkflowID: x.id,
		TaskID:     x.wf.TaskID,
		Status:     status,
		Outputs:    x.outputs,
		Order:      x.order,
		Failures:   x.failures,
		Nodes:      make([]NodeStatus, 0, len(x.nodes)),
		StartedAt:  x.started,
		FinishedAt: finished,
		DurationMS: finished.Sub(x.started).Milliseconds(),
	}

	seen := make(map[string]bool, len(x.nodes))
	for _, n := range x.nodes {
		nr := x.runs[n.ID]
		ns := NodeStatus{
			ID:        n.ID,
			AgentID:   n.AgentID,
			Role:      n.Role,
			DependsOn: n.DependsOn,
			State:     nr.state,
			Attempts:  nr.attempts,
			StartedAt: nr.started,
		}
		if nr.err != nil {
			ns.Error = nr.err.Error()
		}
		if !nr.finished.IsZero() {
			ns.FinishedAt = nr.finished
			if !nr.started.IsZero() {
				ns.DurationMS = nr.finished.Sub(nr.started).Milliseconds()
			}
		}
		res.Nodes = append(res.Nodes, ns)

		if !nr.started.IsZero() && !seen[n.AgentID] {
			seen[n.AgentID] = true
			res.InvolvedAgents = append(res.InvolvedAgents, n.AgentID)
		}
	}
	return res
}
