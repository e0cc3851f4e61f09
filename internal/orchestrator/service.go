// Package orchestrator binds the task execution machinery into one
// service:
//
//   - Priority queue and scheduler for background submissions
//   - Multi-agent planner for graph decisions
//   - Workflow engine executing atomic and DAG workflows
//
// The intake pipeline talks to this facade instead of wiring the
// individual components itself.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
	"github.com/taskmesh/taskmesh/internal/orchestrator/queue"
	"github.com/taskmesh/taskmesh/internal/orchestrator/scheduler"
	"github.com/taskmesh/taskmesh/internal/task/models"
)

// Common errors
var (
	ErrServiceAlreadyRunning = errors.New("orchestrator service is already running")
	ErrServiceNotRunning     = errors.New("orchestrator service is not running")
)

// Service is the orchestration facade.
type Service struct {
	queue     *queue.TaskQueue
	scheduler *scheduler.Scheduler
	planner   *planner.Planner
	engine    *engine.Engine
	logger    *logger.Logger

	running bool
}

// NewService assembles the orchestrator from its components.
func NewService(
	q *queue.TaskQueue,
	sched *scheduler.Scheduler,
	p *planner.Planner,
	eng *engine.Engine,
	log *logger.Logger,
) *Service {
	return &Service{
		queue:     q,
		scheduler: sched,
		planner:   p,
		engine:    eng,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Start launches the scheduler processing loop.
func (s *Service) Start(ctx context.Context) error {
	if s.running {
		return ErrServiceAlreadyRunning
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.running = true
	s.logger.Info("Orchestrator service started")
	return nil
}

// Stop halts the scheduler loop and waits for in-flight executions.
func (s *Service) Stop() error {
	if !s.running {
		return ErrServiceNotRunning
	}
	if err := s.scheduler.Stop(); err != nil {
		return err
	}
	s.running = false
	s.logger.Info("Orchestrator service stopped")
	return nil
}

// Plan decides single- versus multi-agent for the input.
func (s *Service) Plan(input string, spec *planner.Spec) (*planner.Decision, error) {
	return s.planner.Plan(input, spec)
}

// Execute runs a workflow to its terminal state.
func (s *Service) Execute(ctx context.Context, wf *engine.Workflow, opts engine.ExecuteOptions) (*engine.Result, error) {
	return s.engine.Execute(ctx, wf, opts)
}

// Submit queues a background task through the scheduler.
func (s *Service) Submit(ctx context.Context, name, input string, opts scheduler.SubmitOptions) (*models.TaskRecord, error) {
	return s.scheduler.Submit(ctx, name, input, opts)
}

// WaitFor blocks until the background task is terminal or the timeout hits.
func (s *Service) WaitFor(ctx context.Context, taskID string, timeout time.Duration) (*models.TaskRecord, error) {
	return s.scheduler.WaitFor(ctx, taskID, timeout)
}

// CancelBackground cancels a scheduler-submitted task.
func (s *Service) CancelBackground(ctx context.Context, taskID string) error {
	return s.scheduler.Cancel(ctx, taskID)
}

// QueueStatus reports scheduler queue statistics.
func (s *Service) QueueStatus() *scheduler.QueueStatus {
	return s.scheduler.GetQueueStatus()
}
