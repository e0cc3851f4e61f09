// Package cancel provides the cancellation registry: one abort handle per
// live task id. Every blocking operation in the core races against the
// task's Done channel and surfaces an *AbortError when cancellation wins.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/common/logger"
)

// AbortError is the cause recorded when a task is aborted. It travels
// through context.Cause so any layer holding the task's context can
// distinguish an abort from an ordinary timeout or completion.
type AbortError struct {
	TaskID string
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("task %s aborted: %s", e.TaskID, e.Reason)
}

// IsAbort reports whether err is (or wraps) an *AbortError.
func IsAbort(err error) bool {
	var abortErr *AbortError
	return errors.As(err, &abortErr)
}

// Cause extracts the *AbortError recorded on a context, or nil when the
// context ended for any other reason.
func Cause(ctx context.Context) *AbortError {
	var abortErr *AbortError
	if errors.As(context.Cause(ctx), &abortErr) {
		return abortErr
	}
	return nil
}

// Handle is a task's cancellation handle. Observers select on Done();
// the abort cause is available through Err once the handle fires.
type Handle struct {
	taskID string
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newHandle(taskID string) *Handle {
	ctx, cancelFn := context.WithCancelCause(context.Background())
	return &Handle{
		taskID: taskID,
		ctx:    ctx,
		cancel: cancelFn,
	}
}

// TaskID returns the task this handle belongs to.
func (h *Handle) TaskID() string {
	return h.taskID
}

// Context returns the handle's context. Derive per-node or per-call
// contexts from it so aborts propagate transitively.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Done returns the channel closed when the task is aborted or released.
func (h *Handle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Err returns the abort cause, or nil if the handle has not been aborted.
// A released handle's context is cancelled without an abort cause, so Err
// stays nil after a normal release.
func (h *Handle) Err() *AbortError {
	return Cause(h.ctx)
}

// Aborted reports whether Abort has fired for this handle.
func (h *Handle) Aborted() bool {
	return h.Err() != nil
}

func (h *Handle) abort(cause *AbortError) {
	h.cancel(cause)
}

// Registry maintains cancellation handles keyed by task id.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  *logger.Logger
}

// NewRegistry creates an empty cancellation registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  log,
	}
}

// Acquire returns the task's handle, creating it on first use. Repeated
// calls for the same id return the same handle until it is released.
func (r *Registry) Acquire(taskID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[taskID]; ok {
		return h
	}

	h := newHandle(taskID)
	r.handles[taskID] = h
	return h
}

// Get returns the task's handle without creating one.
func (r *Registry) Get(taskID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[taskID]
	return h, ok
}

// Abort marks the task cancelled and wakes every observer of its handle.
// Aborting twice, or aborting an unknown id, is harmless; the return value
// reports whether a live handle was found.
func (r *Registry) Abort(taskID, reason string) bool {
	r.mu.Lock()
	h, ok := r.handles[taskID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	h.abort(&AbortError{TaskID: taskID, Reason: reason})
	r.logger.Info("Task aborted",
		zap.String("task_id", taskID),
		zap.String("reason", reason))
	return true
}

// Link propagates aborts from a parent task to a child handle: when the
// parent fires, the child is aborted with the parent's reason. The watch
// ends as soon as either side terminates.
func (r *Registry) Link(parentID string, child *Handle) {
	parent := r.Acquire(parentID)

	go func() {
		select {
		case <-parent.Done():
			reason := "parent task cancelled"
			if cause := parent.Err(); cause != nil {
				reason = cause.Reason
			}
			child.abort(&AbortError{TaskID: child.taskID, Reason: reason})
		case <-child.Done():
		}
	}()
}

// Release removes the task's handle and cancels its context without
// recording an abort cause. Call it once the task reaches a terminal
// state; releasing an unknown id is a no-op.
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	h, ok := r.handles[taskID]
	delete(r.handles, taskID)
	r.mu.Unlock()

	if ok {
		// Plain context.Canceled cause: Err() stays nil for observers.
		h.cancel(nil)
	}
}

// Active returns the number of live handles.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
