package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/agent/registry"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
)

// Register adds the agent to the registry. The agent stays uninitialized
// until Start is called.
func (k *Kernel) Register(a *agent.Agent) error {
	return k.registry.Register(a)
}

// Start brings a registered agent online: its state becomes idle and it is
// subscribed to its IPC inbox so other agents can reach it through
// SendMessage. Starting an already started agent is a no-op.
func (k *Kernel) Start(agentID string) error {
	a, err := k.registry.Get(agentID)
	if err != nil {
		return err
	}

	k.mu.RLock()
	_, started := k.inboxes[agentID]
	k.mu.RUnlock()
	if started {
		return nil
	}

	sub, err := k.bus.Subscribe(events.BuildIPCMessageSubject(agentID), k.inboxHandler(a))
	if err != nil {
		return fmt.Errorf("failed to subscribe agent inbox: %w", err)
	}

	k.mu.Lock()
	if _, started := k.inboxes[agentID]; started {
		// Lost a concurrent Start; keep the first subscription.
		k.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil
	}
	k.inboxes[agentID] = sub
	k.mu.Unlock()

	if err := k.registry.SetState(agentID, agent.StateIdle); err != nil {
		return err
	}
	k.publishAgentEvent(events.AgentStarted, agentID)
	k.logger.Info("Started agent", zap.String("agent_id", agentID))
	return nil
}

// Stop takes an agent offline: the inbox subscription is dropped and the
// state becomes stopped. Stopping an agent that was never started only
// updates its state.
func (k *Kernel) Stop(agentID string) error {
	if _, err := k.registry.Get(agentID); err != nil {
		return err
	}

	k.mu.Lock()
	sub, started := k.inboxes[agentID]
	delete(k.inboxes, agentID)
	k.mu.Unlock()

	if started {
		if err := sub.Unsubscribe(); err != nil {
			k.logger.Warn("Failed to unsubscribe agent inbox", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	if err := k.registry.SetState(agentID, agent.StateStopped); err != nil {
		return err
	}
	k.publishAgentEvent(events.AgentStopped, agentID)
	k.logger.Info("Stopped agent", zap.String("agent_id", agentID))
	return nil
}

// StopAll stops every started agent. Used during shutdown.
func (k *Kernel) StopAll() {
	k.mu.RLock()
	ids := make([]string, 0, len(k.inboxes))
	for id := range k.inboxes {
		ids = append(ids, id)
	}
	k.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := k.Stop(id); err != nil {
			k.logger.Warn("Failed to stop agent", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// Unregister stops the agent if it was started and removes it from the
// registry.
func (k *Kernel) Unregister(agentID string) error {
	k.mu.Lock()
	sub, started := k.inboxes[agentID]
	delete(k.inboxes, agentID)
	k.mu.Unlock()

	if started {
		_ = sub.Unsubscribe()
	}
	return k.registry.Unregister(agentID)
}

// Started reports whether the agent currently holds an inbox subscription.
func (k *Kernel) Started(agentID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	_, started := k.inboxes[agentID]
	return started
}

// SendMessage delivers a point-to-point message to another agent's inbox.
// The recipient must be registered; it only receives the message while
// started.
func (k *Kernel) SendMessage(ctx context.Context, from, to string, payload map[string]interface{}) error {
	if !k.registry.Exists(to) {
		return registry.ErrAgentNotFound
	}

	msg := agent.InboxMessage{
		From:    from,
		To:      to,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	event := bus.NewEvent(events.IPCMessage, "kernel", msg)
	event.AgentID = to
	return k.bus.Publish(ctx, events.BuildIPCMessageSubject(to), event)
}

// inboxHandler dispatches inbox deliveries to the agent's message callback
// and mirrors them as observability events.
func (k *Kernel) inboxHandler(a *agent.Agent) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		msg, err := decodeInboxMessage(event.Data)
		if err != nil {
			k.logger.Warn("Dropping malformed inbox message", zap.String("agent_id", a.ID), zap.Error(err))
			return err
		}
		if a.OnMessage != nil {
			a.OnMessage(ctx, msg)
		}
		k.publishIPCObserved(a.ID, msg)
		return nil
	}
}

func (k *Kernel) publishIPCObserved(agentID string, msg agent.InboxMessage) {
	event := bus.NewEvent(events.IPCMessage, "kernel", map[string]interface{}{
		"from": msg.From,
		"to":   msg.To,
	})
	event.AgentID = agentID
	if err := k.bus.Publish(context.Background(), events.IPCMessage, event); err != nil {
		k.logger.Warn("Failed to publish ipc event", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (k *Kernel) publishAgentEvent(eventType, agentID string) {
	event := bus.NewEvent(eventType, "kernel", map[string]interface{}{"agent_id": agentID})
	event.AgentID = agentID
	if err := k.bus.Publish(context.Background(), eventType, event); err != nil {
		k.logger.Warn("Failed to publish agent event",
			zap.String("type", eventType),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// decodeInboxMessage tolerates both in-process delivery, where Data is the
// typed message, and wire delivery, where Data arrives as a generic map.
func decodeInboxMessage(data interface{}) (agent.InboxMessage, error) {
	switch m := data.(type) {
	case agent.InboxMessage:
		return m, nil
	case *agent.InboxMessage:
		return *m, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return agent.InboxMessage{}, err
	}
	var msg agent.InboxMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return agent.InboxMessage{}, err
	}
	return msg, nil
}
