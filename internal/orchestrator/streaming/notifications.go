package streaming

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
)

// SnapshotProvider returns the current public snapshot for a task. The
// notifier stays decoupled from the task service through this hook.
type SnapshotProvider func(ctx context.Context, taskID string) (interface{}, error)

// Notifier bridges bus traffic to the WebSocket hub. Every task
// lifecycle or node transition event triggers a fresh snapshot push to
// the task's subscribers.
type Notifier struct {
	bus      bus.EventBus
	hub      *Hub
	snapshot SnapshotProvider
	logger   *logger.Logger
	subs     []bus.Subscription
}

// NewNotifier creates a notifier. The snapshot provider must be non-nil.
func NewNotifier(eventBus bus.EventBus, hub *Hub, provider SnapshotProvider, log *logger.Logger) *Notifier {
	return &Notifier{
		bus:      eventBus,
		hub:      hub,
		snapshot: provider,
		logger:   log.WithFields(zap.String("component", "stream_notifier")),
	}
}

// Start subscribes to task and node transition subjects.
func (n *Notifier) Start() error {
	subjects := []string{
		events.BuildTaskWildcardSubject(),
		events.BuildGraphNodeWildcardSubject(),
	}
	for _, subject := range subjects {
		sub, err := n.bus.Subscribe(subject, n.onEvent)
		if err != nil {
			n.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		n.subs = append(n.subs, sub)
	}
	n.logger.Info("Stream notifier started", zap.Int("subjects", len(subjects)))
	return nil
}

// Stop removes the bus subscriptions.
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	n.subs = nil
}

func (n *Notifier) onEvent(ctx context.Context, event *bus.Event) error {
	if event.TaskID == "" {
		return nil
	}
	// Skip the snapshot work when nobody is watching.
	if n.hub.GetTaskSubscriberCount(event.TaskID) == 0 {
		return nil
	}

	snap, err := n.snapshot(ctx, event.TaskID)
	if err != nil {
		n.logger.Debug("Snapshot unavailable",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
		return nil
	}
	n.hub.Broadcast(event.TaskID, snap)
	return nil
}
