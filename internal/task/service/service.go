// Package service implements the intake pipeline: validate and classify a
// submitted task, register it with the store, hand it to the dispatch
// consumers, and drive one execution through the orchestrator engine to a
// terminal state. It also answers the read-side queries (envelope,
// snapshot, details) the HTTP layer exposes.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent/registry"
	"github.com/taskmesh/taskmesh/internal/agent/slots"
	"github.com/taskmesh/taskmesh/internal/cancel"
	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/orchestrator/dispatch"
	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

// Common errors
var (
	// ErrTaskRunning rejects a submit that reuses a task id before the
	// existing task reached a terminal state.
	ErrTaskRunning = errors.New("task still running")
	// ErrAlreadyTerminal rejects operations on finished tasks.
	ErrAlreadyTerminal = errors.New("task already terminal")
	// ErrNoAgents is returned when no registered agent can take the task.
	ErrNoAgents = errors.New("no agents available")
)

// ValidationError lists every constraint a submit request violated.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// Config holds intake validation and context-building settings.
type Config struct {
	// MaxInputLength bounds the trimmed input text.
	MaxInputLength int
	// MaxTimeoutMS bounds a request's per-task timeout.
	MaxTimeoutMS int
	// HistoryTurns is how many completed conversation turns feed the
	// base input.
	HistoryTurns int
	// HistoryTurnChars truncates each side of a history turn.
	HistoryTurnChars int
}

// DefaultConfig returns default intake configuration.
func DefaultConfig() Config {
	return Config{
		MaxInputLength:   10000,
		MaxTimeoutMS:     600000,
		HistoryTurns:     4,
		HistoryTurnChars: 2000,
	}
}

// FromConfig converts the application's intake section, keeping defaults
// for unset values.
func FromConfig(c config.IntakeConfig) Config {
	out := DefaultConfig()
	if c.MaxInputLength > 0 {
		out.MaxInputLength = c.MaxInputLength
	}
	if c.MaxTimeoutMS > 0 {
		out.MaxTimeoutMS = c.MaxTimeoutMS
	}
	if c.HistoryTurns > 0 {
		out.HistoryTurns = c.HistoryTurns
	}
	if c.HistoryTurnChars > 0 {
		out.HistoryTurnChars = c.HistoryTurnChars
	}
	return out
}

// Service is the task intake service.
type Service struct {
	store    store.Store
	bus      bus.EventBus
	registry *registry.Registry
	slots    *slots.Tracker
	cancels  *cancel.Registry
	planner  *planner.Planner
	engine   *engine.Engine
	dispatch *dispatch.Service
	config   Config
	logger   *logger.Logger

	// workerID identifies this service's store claims.
	workerID string

	// workflows tracks live and finished workflow shapes for the details
	// view, keyed by task id.
	mu        sync.RWMutex
	workflows map[string]*taskWorkflow
}

// NewService creates the intake service.
func NewService(
	taskStore store.Store,
	eventBus bus.EventBus,
	agents *registry.Registry,
	tracker *slots.Tracker,
	cancels *cancel.Registry,
	p *planner.Planner,
	eng *engine.Engine,
	d *dispatch.Service,
	cfg Config,
	log *logger.Logger,
) *Service {
	return &Service{
		store:     taskStore,
		bus:       eventBus,
		registry:  agents,
		slots:     tracker,
		cancels:   cancels,
		planner:   p,
		engine:    eng,
		dispatch:  d,
		config:    cfg,
		logger:    log.WithFields(zap.String("component", "task_service")),
		workerID:  "worker-" + uuid.New().String()[:8],
		workflows: make(map[string]*taskWorkflow),
	}
}

func (s *Service) publishTaskEvent(eventType, taskID, agentID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewTaskEvent(eventType, "intake", taskID, agentID, data)
	if err := s.bus.Publish(context.Background(), eventType, event); err != nil {
		s.logger.Warn("Failed to publish task event",
			zap.String("type", eventType),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}
