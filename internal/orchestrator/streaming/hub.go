// Package streaming pushes live task snapshots to WebSocket subscribers.
// Clients connect once and subscribe to task ids; every lifecycle event
// on a subscribed task produces a fresh snapshot frame.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
)

// Frame is the wire envelope pushed to clients.
type Frame struct {
	Type   string      `json:"type"`
	TaskID string      `json:"taskId"`
	Data   interface{} `json:"data"`
}

// Client is one WebSocket connection and its task subscriptions.
type Client struct {
	ID      string
	conn    *websocket.Conn
	taskIDs map[string]bool
	send    chan []byte
	hub     *Hub
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		taskIDs: make(map[string]bool),
		send:    make(chan []byte, 256),
		hub:     hub,
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// Hub routes task frames to subscribed clients.
type Hub struct {
	clients map[*Client]bool

	// taskClients indexes subscribers by task id for routing.
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastFrame

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastFrame struct {
	taskID  string
	payload interface{}
}

// NewHub creates a WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *broadcastFrame, 256),
		logger:      log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run processes hub traffic until the context ends, then closes every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.taskClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for _, taskID := range client.subscribedTasks() {
					h.dropSubscriberLocked(taskID, client)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver fans one frame out to the task's subscribers. Clients whose
// send buffer is full are dropped; a stalled reader must not block the
// rest of the hub.
func (h *Hub) deliver(msg *broadcastFrame) {
	h.mu.RLock()
	subscribers := make([]*Client, 0, len(h.taskClients[msg.taskID]))
	for client := range h.taskClients[msg.taskID] {
		subscribers = append(subscribers, client)
	}
	h.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	data, err := json.Marshal(&Frame{
		Type:   "task",
		TaskID: msg.taskID,
		Data:   msg.payload,
	})
	if err != nil {
		h.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}

	for _, client := range subscribers {
		select {
		case client.send <- data:
		default:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for _, taskID := range client.subscribedTasks() {
					h.dropSubscriberLocked(taskID, client)
				}
			}
			h.mu.Unlock()
			h.logger.Warn("Dropped slow client", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) dropSubscriberLocked(taskID string, client *Client) {
	if clients, ok := h.taskClients[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskClients, taskID)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a task frame for every subscriber of the task.
func (h *Hub) Broadcast(taskID string, payload interface{}) {
	h.broadcast <- &broadcastFrame{
		taskID:  taskID,
		payload: payload,
	}
}

// SubscribeClient subscribes a client to a task.
func (h *Hub) SubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskClients[taskID]; !ok {
		h.taskClients[taskID] = make(map[*Client]bool)
	}
	h.taskClients[taskID][client] = true
	h.logger.Debug("Client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
}

// UnsubscribeClient unsubscribes a client from a task.
func (h *Hub) UnsubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dropSubscriberLocked(taskID, client)
	h.logger.Debug("Client unsubscribed from task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetTaskSubscriberCount returns the number of clients subscribed to a task.
func (h *Hub) GetTaskSubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}
