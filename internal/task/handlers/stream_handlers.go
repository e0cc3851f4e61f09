package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/task/dto"
	"github.com/taskmesh/taskmesh/internal/task/models"
)

// streamHeartbeat keeps idle SSE connections from being reaped by proxies.
const streamHeartbeat = 15 * time.Second

// httpStreamTask streams task snapshots as server-sent events: one `task`
// event per observed mutation, a comment heartbeat in between, and the
// connection closes after the terminal snapshot is delivered.
func (h *TaskHandlers) httpStreamTask(c *gin.Context) {
	taskID := c.Param("id")

	// Bus events only signal that something changed; the pushed payload is
	// always a fresh snapshot. Coalescing through a 1-slot channel is fine
	// because a later snapshot supersedes any missed wake-up.
	updates := make(chan struct{}, 1)
	subs, err := h.service.Watch(taskID, func(*bus.Event) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	// Subscribed before the first read, so a task settling in between
	// still shows up terminal in the snapshot below.
	snapshot, err := h.service.Snapshot(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	if !h.pushSnapshot(c, snapshot) || terminalStatus(snapshot.Status) {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-updates:
			snapshot, err := h.service.Snapshot(c.Request.Context(), taskID)
			if err != nil {
				h.logger.Warn("Dropping stream, snapshot refresh failed",
					zap.String("task_id", taskID),
					zap.Error(err))
				return
			}
			if !h.pushSnapshot(c, snapshot) || terminalStatus(snapshot.Status) {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

// pushSnapshot writes one SSE frame; false means the client is gone.
func (h *TaskHandlers) pushSnapshot(c *gin.Context, snapshot *dto.Snapshot) bool {
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("Failed to encode snapshot",
			zap.String("task_id", snapshot.TaskID),
			zap.Error(err))
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "event: task\ndata: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func terminalStatus(status string) bool {
	return models.Status(status).IsTerminal()
}
