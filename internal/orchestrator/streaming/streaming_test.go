package streaming

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()

	hub := NewHub(newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.GetClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", hub.GetClientCount(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func readFrame(t *testing.T, c *Client) *Frame {
	t.Helper()
	select {
	case data := <-c.send:
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		return &frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHub_BroadcastReachesSubscribers(t *testing.T) {
	hub := newTestHub(t)

	watcher := NewClient("watcher", nil, hub, newTestLogger())
	other := NewClient("other", nil, hub, newTestLogger())
	hub.Register(watcher)
	hub.Register(other)
	waitForClients(t, hub, 2)

	watcher.Subscribe("task-1")
	other.Subscribe("task-2")

	hub.Broadcast("task-1", map[string]string{"status": "in_progress"})

	frame := readFrame(t, watcher)
	if frame.Type != "task" {
		t.Errorf("frame type = %q, want task", frame.Type)
	}
	if frame.TaskID != "task-1" {
		t.Errorf("frame task id = %q, want task-1", frame.TaskID)
	}
	data, ok := frame.Data.(map[string]interface{})
	if !ok || data["status"] != "in_progress" {
		t.Errorf("frame data = %#v, want status in_progress", frame.Data)
	}

	select {
	case extra := <-other.send:
		t.Errorf("unsubscribed client received frame: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub := newTestHub(t)

	client := NewClient("c1", nil, hub, newTestLogger())
	hub.Register(client)
	waitForClients(t, hub, 1)

	client.Subscribe("task-1")
	if got := hub.GetTaskSubscriberCount("task-1"); got != 1 {
		t.Fatalf("subscriber count = %d, want 1", got)
	}
	if !client.IsSubscribed("task-1") {
		t.Fatal("client should report subscription")
	}

	client.Unsubscribe("task-1")
	if got := hub.GetTaskSubscriberCount("task-1"); got != 0 {
		t.Fatalf("subscriber count after unsubscribe = %d, want 0", got)
	}

	hub.Broadcast("task-1", map[string]string{"status": "completed"})
	select {
	case extra := <-client.send:
		t.Errorf("unsubscribed client received frame: %s", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterCleansSubscriptions(t *testing.T) {
	hub := newTestHub(t)

	client := NewClient("c1", nil, hub, newTestLogger())
	hub.Register(client)
	waitForClients(t, hub, 1)
	client.Subscribe("task-1")

	hub.Unregister(client)
	waitForClients(t, hub, 0)

	if got := hub.GetTaskSubscriberCount("task-1"); got != 0 {
		t.Errorf("subscriber count after unregister = %d, want 0", got)
	}
	if _, open := <-client.send; open {
		t.Error("send channel should be closed after unregister")
	}
}

func TestNotifier_PushesSnapshotsOnTaskEvents(t *testing.T) {
	log := newTestLogger()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := newTestHub(t)
	client := NewClient("c1", nil, hub, log)
	hub.Register(client)
	waitForClients(t, hub, 1)
	client.Subscribe("task-1")

	notifier := NewNotifier(eventBus, hub, func(ctx context.Context, taskID string) (interface{}, error) {
		return map[string]string{"taskId": taskID, "status": "in_progress"}, nil
	}, log)
	if err := notifier.Start(); err != nil {
		t.Fatalf("notifier start failed: %v", err)
	}
	t.Cleanup(notifier.Stop)

	event := bus.NewTaskEvent(events.TaskStarted, "test", "task-1", "web-dev-agent", nil)
	if err := eventBus.Publish(context.Background(), events.TaskStarted, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	frame := readFrame(t, client)
	if frame.TaskID != "task-1" {
		t.Errorf("frame task id = %q, want task-1", frame.TaskID)
	}
	data, ok := frame.Data.(map[string]interface{})
	if !ok || data["status"] != "in_progress" {
		t.Errorf("frame data = %#v, want snapshot", frame.Data)
	}
}

func TestNotifier_IgnoresUnwatchedTasks(t *testing.T) {
	log := newTestLogger()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := newTestHub(t)

	var calls atomic.Int32
	notifier := NewNotifier(eventBus, hub, func(ctx context.Context, taskID string) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}, log)
	if err := notifier.Start(); err != nil {
		t.Fatalf("notifier start failed: %v", err)
	}
	t.Cleanup(notifier.Stop)

	event := bus.NewTaskEvent(events.TaskStarted, "test", "task-unwatched", "", nil)
	if err := eventBus.Publish(context.Background(), events.TaskStarted, event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("snapshot provider called %d times for unwatched task", got)
	}
}
