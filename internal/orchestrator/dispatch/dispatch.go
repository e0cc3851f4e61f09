// Package dispatch moves accepted tasks from intake to executing workers
// over the event bus. Every worker process joins the same queue group, so
// each payload lands on exactly one of them; payloads that exhaust their
// delivery budget go to the paired dead-letter subject.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
)

// Common errors
var (
	ErrAlreadyStarted = errors.New("dispatch consumer already started")
	ErrNotStarted     = errors.New("dispatch consumer not started")
)

// QueuedTaskPayload is the wire shape handed between workers. Priority is
// an opaque urgency hint, higher = more urgent.
type QueuedTaskPayload struct {
	TaskID           string                 `json:"taskId"`
	Input            string                 `json:"input"`
	SelectedAgentID  string                 `json:"selectedAgentId"`
	RegisteredTaskID string                 `json:"registeredTaskId"`
	AgentType        string                 `json:"agentType,omitempty"`
	MultiAgentConfig *planner.Spec          `json:"multiAgentConfig,omitempty"`
	Priority         int                    `json:"priority,omitempty"`
	Meta             map[string]interface{} `json:"meta,omitempty"`
}

// Executor runs one dispatched task to its terminal state.
type Executor func(ctx context.Context, payload *QueuedTaskPayload) error

// Config holds dispatch settings.
type Config struct {
	// Subject the payloads travel on.
	Subject string
	// QueueGroup shared by all consuming workers.
	QueueGroup string
	// MaxDeliver is how many local executor attempts a payload gets
	// before it is dead-lettered.
	MaxDeliver int
}

// DefaultConfig returns default dispatch configuration.
func DefaultConfig() Config {
	return Config{
		Subject:    "task.dispatch",
		QueueGroup: "workers",
		MaxDeliver: 1,
	}
}

// FromConfig converts the application's dispatch section, keeping
// defaults for unset values.
func FromConfig(d config.DispatchConfig) Config {
	out := DefaultConfig()
	if d.Subject != "" {
		out.Subject = d.Subject
	}
	if d.QueueGroup != "" {
		out.QueueGroup = d.QueueGroup
	}
	if d.MaxDeliver > 0 {
		out.MaxDeliver = d.MaxDeliver
	}
	return out
}

// Service publishes and consumes queued task payloads.
type Service struct {
	bus    bus.EventBus
	logger *logger.Logger
	config Config

	mu     sync.Mutex
	sub    bus.Subscription
	runCtx context.Context
}

// New creates a dispatch service.
func New(eventBus bus.EventBus, log *logger.Logger, cfg Config) *Service {
	if cfg.Subject == "" {
		cfg.Subject = DefaultConfig().Subject
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultConfig().QueueGroup
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 1
	}
	return &Service{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "dispatch")),
		config: cfg,
	}
}

// Subject returns the subject payloads travel on.
func (s *Service) Subject() string {
	return s.config.Subject
}

// Dispatch publishes the payload for one worker in the group to pick up.
func (s *Service) Dispatch(ctx context.Context, payload *QueuedTaskPayload) error {
	if payload == nil || payload.TaskID == "" {
		return fmt.Errorf("payload requires a task id")
	}
	event := bus.NewTaskEvent(s.config.Subject, "dispatch", payload.TaskID, payload.SelectedAgentID, payload)
	if err := s.bus.Publish(ctx, s.config.Subject, event); err != nil {
		return fmt.Errorf("dispatch task %s: %w", payload.TaskID, err)
	}
	s.logger.Debug("Task dispatched",
		zap.String("task_id", payload.TaskID),
		zap.String("agent_id", payload.SelectedAgentID),
		zap.String("subject", s.config.Subject))
	return nil
}

// Start joins the queue group and feeds payloads to the executor. The
// context bounds every execution this consumer starts.
func (s *Service) Start(ctx context.Context, executor Executor) error {
	if executor == nil {
		return fmt.Errorf("executor is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return ErrAlreadyStarted
	}
	s.runCtx = ctx

	sub, err := s.bus.QueueSubscribe(s.config.Subject, s.config.QueueGroup, func(_ context.Context, event *bus.Event) error {
		s.consume(event, executor)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.config.Subject, err)
	}
	s.sub = sub

	s.logger.Info("Dispatch consumer started",
		zap.String("subject", s.config.Subject),
		zap.String("queue_group", s.config.QueueGroup),
		zap.Int("max_deliver", s.config.MaxDeliver))
	return nil
}

// Stop leaves the queue group. In-flight executions finish on their own.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return ErrNotStarted
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	s.logger.Info("Dispatch consumer stopped")
	return err
}

// consume runs one delivered payload through the executor, retrying up to
// the delivery budget and dead-lettering on exhaustion.
func (s *Service) consume(event *bus.Event, executor Executor) {
	payload, err := decodePayload(event.Data)
	if err != nil {
		s.logger.Error("Dropping undecodable dispatch payload",
			zap.String("event_id", event.ID),
			zap.Error(err))
		s.deadLetter(event.Data, 0, err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= s.config.MaxDeliver; attempt++ {
		lastErr = executor(s.runCtx, payload)
		if lastErr == nil {
			return
		}
		s.logger.Warn("Dispatched task execution failed",
			zap.String("task_id", payload.TaskID),
			zap.Int("attempt", attempt),
			zap.Int("max_deliver", s.config.MaxDeliver),
			zap.Error(lastErr))
	}
	s.deadLetter(payload, s.config.MaxDeliver, lastErr)
}

// deadLetter publishes the payload and its terminal error to the paired
// DLQ subject for offline inspection.
func (s *Service) deadLetter(payload interface{}, attempts int, cause error) {
	subject := events.BuildDLQSubject(s.config.Subject)
	taskID := ""
	agentID := ""
	if p, ok := payload.(*QueuedTaskPayload); ok {
		taskID = p.TaskID
		agentID = p.SelectedAgentID
	}
	event := bus.NewTaskEvent(subject, "dispatch", taskID, agentID, map[string]interface{}{
		"payload":  payload,
		"error":    cause.Error(),
		"attempts": attempts,
	})
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.logger.Error("Failed to dead-letter payload",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	s.logger.Error("Task dead-lettered",
		zap.String("task_id", taskID),
		zap.String("subject", subject),
		zap.Int("attempts", attempts),
		zap.Error(cause))
}

// decodePayload recovers the payload from an event regardless of driver:
// the memory bus hands the struct through, NATS round-trips JSON.
func decodePayload(data interface{}) (*QueuedTaskPayload, error) {
	switch v := data.(type) {
	case *QueuedTaskPayload:
		return v, nil
	case QueuedTaskPayload:
		return &v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("re-encode payload: %w", err)
		}
		var p QueuedTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("payload has no task id")
		}
		return &p, nil
	}
}
