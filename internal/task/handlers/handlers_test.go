package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/agent/registry"
	"github.com/taskmesh/taskmesh/internal/agent/slots"
	"github.com/taskmesh/taskmesh/internal/cancel"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	"github.com/taskmesh/taskmesh/internal/kernel"
	"github.com/taskmesh/taskmesh/internal/orchestrator/dispatch"
	"github.com/taskmesh/taskmesh/internal/orchestrator/engine"
	"github.com/taskmesh/taskmesh/internal/orchestrator/planner"
	"github.com/taskmesh/taskmesh/internal/task/dto"
	"github.com/taskmesh/taskmesh/internal/task/service"
	"github.com/taskmesh/taskmesh/internal/task/store"
)

type httpRig struct {
	router *gin.Engine
	kernel *kernel.Kernel
	slots  *slots.Tracker
}

// newHTTPRig assembles the full intake stack behind a gin router, the way
// main wires it, against in-memory drivers.
func newHTTPRig(t *testing.T) *httpRig {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	taskStore := store.NewMemoryStore()
	t.Cleanup(func() { _ = taskStore.Close() })

	reg := registry.NewRegistry(log, eventBus)
	k := kernel.New(reg, eventBus, log)
	tracker := slots.NewTracker(log, eventBus, slots.DefaultTypeMapping())
	cancels := cancel.NewRegistry(log)
	eng := engine.New(k, eventBus, log, engine.Config{
		NodeTimeout: 5 * time.Second,
		BaseBackoff: time.Millisecond,
		MaxParallel: 8,
	})
	p := planner.New(planner.DefaultConfig(), log)
	d := dispatch.New(eventBus, log, dispatch.DefaultConfig())

	svc := service.NewService(taskStore, eventBus, reg, tracker, cancels, p, eng, d, service.DefaultConfig(), log)
	require.NoError(t, d.Start(context.Background(), svc.Execute))
	t.Cleanup(func() { _ = d.Stop() })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterTaskRoutes(router, svc, log)

	return &httpRig{router: router, kernel: k, slots: tracker}
}

func (r *httpRig) register(t *testing.T, id string, handler agent.Handler) {
	t.Helper()
	require.NoError(t, r.kernel.Register(&agent.Agent{ID: id, Name: id, Handler: handler}))
	r.slots.Ensure(id)
}

func (r *httpRig) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.router.ServeHTTP(resp, req)
	return resp
}

func (r *httpRig) submit(t *testing.T, body interface{}) dto.SubmitAccepted {
	t.Helper()
	resp := r.do(t, http.MethodPost, "/api/v1/tasks/submit", body)
	require.Equal(t, http.StatusAccepted, resp.Code, "submit response: %s", resp.Body.String())
	var accepted dto.SubmitAccepted
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))
	return accepted
}

// waitEnvelope polls the task endpoint until it reports wantStatus.
func (r *httpRig) waitEnvelope(t *testing.T, taskID, wantStatus string) dto.Envelope {
	t.Helper()
	var env dto.Envelope
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp := r.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
		require.Equal(t, http.StatusOK, resp.Code)
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
		if env.Status == wantStatus {
			return env
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reported status %q (last %q)", taskID, wantStatus, env.Status)
	return env
}

func TestTaskHandlers_SubmitRunsToCompletion(t *testing.T) {
	rig := newHTTPRig(t)
	rig.register(t, "web-dev-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "rendered: " + input, nil
	})

	accepted := rig.submit(t, map[string]interface{}{"input": "make a landing page"})
	require.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, "queued", accepted.Status)

	env := rig.waitEnvelope(t, accepted.TaskID, "completed")
	assert.Equal(t, "rendered: make a landing page", env.Result)
	assert.Equal(t, "web-dev-agent", env.Agent)
	require.NotNil(t, env.Task)
	assert.Equal(t, 100, env.Task.Progress)

	resp := rig.do(t, http.MethodGet, "/api/v1/tasks/"+accepted.TaskID+"/snapshot", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var snap dto.Snapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snap))
	assert.Equal(t, "completed", snap.Status)
	assert.Equal(t, "rendered: make a landing page", snap.Result)
	assert.NotEmpty(t, snap.Messages)

	resp = rig.do(t, http.MethodGet, "/api/v1/tasks/"+accepted.TaskID+"/details", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var details dto.Details
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &details))
	assert.Equal(t, "completed", details.Status)
	assert.False(t, details.Cancelable)
	assert.NotEmpty(t, details.Logs)
}

func TestTaskHandlers_SubmitValidation(t *testing.T) {
	rig := newHTTPRig(t)

	resp := rig.do(t, http.MethodPost, "/api/v1/tasks/submit", map[string]interface{}{"input": "   "})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var body struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "validation failed", body.Error)
	assert.Contains(t, body.Details, "input is required")
}

func TestTaskHandlers_SubmitMalformedBody(t *testing.T) {
	rig := newHTTPRig(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/submit", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	rig.router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestTaskHandlers_SubmitWithoutAgents(t *testing.T) {
	rig := newHTTPRig(t)

	resp := rig.do(t, http.MethodPost, "/api/v1/tasks/submit", map[string]interface{}{"input": "anything"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestTaskHandlers_DuplicateTaskIDConflicts(t *testing.T) {
	rig := newHTTPRig(t)

	release := make(chan struct{})
	rig.register(t, "web-dev-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		<-release
		return "done", nil
	})

	first := rig.submit(t, map[string]interface{}{"input": "hold it", "taskId": "dup-1"})
	require.Equal(t, "dup-1", first.TaskID)

	resp := rig.do(t, http.MethodPost, "/api/v1/tasks/submit", map[string]interface{}{
		"input":  "hold it too",
		"taskId": "dup-1",
	})
	assert.Equal(t, http.StatusConflict, resp.Code)

	close(release)
	rig.waitEnvelope(t, "dup-1", "completed")
}

func TestTaskHandlers_CancelFlow(t *testing.T) {
	rig := newHTTPRig(t)
	rig.register(t, "web-dev-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	accepted := rig.submit(t, map[string]interface{}{"input": "long running work"})

	resp := rig.do(t, http.MethodPost, "/api/v1/tasks/"+accepted.TaskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var cancelResp dto.CancelResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &cancelResp))
	assert.True(t, cancelResp.OK)
	assert.Equal(t, "cancelled", cancelResp.Status)

	// Cancelled collapses into failed with the abort reason.
	env := rig.waitEnvelope(t, accepted.TaskID, "failed")
	assert.Equal(t, "cancelled by request", env.Reason)

	resp = rig.do(t, http.MethodPost, "/api/v1/tasks/"+accepted.TaskID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestTaskHandlers_UnknownTask(t *testing.T) {
	rig := newHTTPRig(t)

	for _, path := range []string{
		"/api/v1/tasks/nope",
		"/api/v1/tasks/nope/snapshot",
		"/api/v1/tasks/nope/details",
		"/api/v1/tasks/nope/stream",
	} {
		resp := rig.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.Code, "GET %s", path)
	}
	resp := rig.do(t, http.MethodPost, "/api/v1/tasks/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestTaskHandlers_ListFiltersByConversation(t *testing.T) {
	rig := newHTTPRig(t)
	rig.register(t, "web-dev-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		return "ok", nil
	})

	a := rig.submit(t, map[string]interface{}{"input": "one", "conversationId": "conv-a"})
	b := rig.submit(t, map[string]interface{}{"input": "two", "conversationId": "conv-b"})
	rig.waitEnvelope(t, a.TaskID, "completed")
	rig.waitEnvelope(t, b.TaskID, "completed")

	resp := rig.do(t, http.MethodGet, "/api/v1/tasks?conversation_id=conv-a", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list dto.ListTasksResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, a.TaskID, list.Tasks[0].ID)
}

func TestTaskHandlers_StreamPushesTerminalSnapshot(t *testing.T) {
	rig := newHTTPRig(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	rig.register(t, "web-dev-agent", func(ctx context.Context, input string, rt agent.RuntimeContext) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return "streamed result", nil
	})

	server := httptest.NewServer(rig.router)
	t.Cleanup(server.Close)

	accepted := rig.submit(t, map[string]interface{}{"input": "watch this run"})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started executing")
	}

	resp, err := http.Get(server.URL + "/api/v1/tasks/" + accepted.TaskID + "/stream")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	type streamResult struct {
		sawTask      bool
		sawCompleted bool
	}
	done := make(chan streamResult, 1)
	go func() {
		var res streamResult
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "event: task" {
				res.sawTask = true
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"status":"completed"`) {
				res.sawCompleted = true
			}
		}
		// The handler closes the stream after the terminal snapshot.
		done <- res
	}()

	close(release)

	select {
	case res := <-done:
		assert.True(t, res.sawTask, "no task event frames observed")
		assert.True(t, res.sawCompleted, "terminal snapshot never streamed")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after the task settled")
	}
}
