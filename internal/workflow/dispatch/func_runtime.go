package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// HandlerFunc executes one task in-process.
type HandlerFunc func(ctx context.Context, spec json.RawMessage) (json.RawMessage, error)

// FuncRuntime runs registered handlers on their own goroutines, keyed by task
// kind.
type FuncRuntime struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	jobs     map[Handle]*funcJob
}

type funcJob struct {
	cancel context.CancelFunc
	done   chan struct{}
	output json.RawMessage
	err    error
}

// NewFuncRuntime returns a runtime with no handlers registered.
func NewFuncRuntime() *FuncRuntime {
	return &FuncRuntime{
		handlers: map[string]HandlerFunc{},
		jobs:     map[Handle]*funcJob{},
	}
}

// Register binds a handler to a task kind, replacing any previous one.
func (r *FuncRuntime) Register(kind string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// Start launches the handler for item.Kind. The worker outlives ctx; only
// Cancel stops it.
func (r *FuncRuntime) Start(ctx context.Context, item WorkItem) (Handle, error) {
	r.mu.Lock()
	fn, ok := r.handlers[item.Kind]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("dispatch: no handler registered for kind %q", item.Kind)
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &funcJob{cancel: cancel, done: make(chan struct{})}
	handle := Handle(uuid.NewString())
	r.mu.Lock()
	r.jobs[handle] = job
	r.mu.Unlock()
	spec := append(json.RawMessage(nil), item.Spec...)
	go func() {
		defer close(job.done)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				job.err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		job.output, job.err = fn(workerCtx, spec)
	}()
	return handle, nil
}

// Poll reports whether the handler has returned.
func (r *FuncRuntime) Poll(h Handle) PollResult {
	r.mu.Lock()
	job, ok := r.jobs[h]
	r.mu.Unlock()
	if !ok {
		return PollResult{Done: true, Err: ErrUnknownHandle}
	}
	select {
	case <-job.done:
		return PollResult{Done: true, Output: job.output, Err: job.err}
	default:
		return PollResult{}
	}
}

// Cancel cancels the handler's context. Handlers that ignore ctx keep running.
func (r *FuncRuntime) Cancel(h Handle) error {
	r.mu.Lock()
	job, ok := r.jobs[h]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	job.cancel()
	return nil
}

// Forget drops a finished job.
func (r *FuncRuntime) Forget(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, h)
}
