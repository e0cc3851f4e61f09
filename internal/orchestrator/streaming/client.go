package streaming

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is how often pings are sent. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// maxMessageSize bounds inbound frames; clients only send small
	// subscription messages.
	maxMessageSize = 4096
)

// SubscriptionMessage is the only inbound frame clients send: subscribe
// or unsubscribe to a set of task ids.
type SubscriptionMessage struct {
	Action  string   `json:"action"`
	TaskIDs []string `json:"task_ids"`
}

// ReadPump reads subscription messages from the connection until it
// closes, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var sub SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Debug("Ignoring malformed subscription message", zap.Error(err))
			continue
		}

		switch sub.Action {
		case "subscribe":
			for _, taskID := range sub.TaskIDs {
				c.Subscribe(taskID)
			}
		case "unsubscribe":
			for _, taskID := range sub.TaskIDs {
				c.Unsubscribe(taskID)
			}
		default:
			c.logger.Debug("Ignoring unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// WritePump writes queued frames to the connection and keeps it alive
// with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe adds a task subscription for this client.
func (c *Client) Subscribe(taskID string) {
	c.mu.Lock()
	c.taskIDs[taskID] = true
	c.mu.Unlock()

	c.hub.SubscribeClient(c, taskID)
}

// Unsubscribe removes a task subscription for this client.
func (c *Client) Unsubscribe(taskID string) {
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()

	c.hub.UnsubscribeClient(c, taskID)
}

// IsSubscribed reports whether this client follows the task.
func (c *Client) IsSubscribed(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.taskIDs[taskID]
}

// subscribedTasks snapshots the client's subscriptions for hub cleanup.
func (c *Client) subscribedTasks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.taskIDs))
	for id := range c.taskIDs {
		ids = append(ids, id)
	}
	return ids
}
