package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSetupTimeout bounds how long Start may wait on a runtime.
const DefaultSetupTimeout = 5 * time.Second

// ErrUnknownHandle is reported by Poll and Cancel for tasks the dispatcher is
// not tracking.
var ErrUnknownHandle = errors.New("dispatch: unknown worker handle")

// ErrSetupTimeout is returned when a runtime does not start a task within the
// setup window.
var ErrSetupTimeout = errors.New("dispatch: worker setup timed out")

// Handle is an opaque reference to one in-flight worker.
type Handle string

// WorkItem is what a runtime receives for a task.
type WorkItem struct {
	TaskID string
	Kind   string
	Spec   json.RawMessage
}

// PollResult reports a worker's progress. Output and Err are only meaningful
// when Done is true.
type PollResult struct {
	Done   bool
	Output json.RawMessage
	Err    error
}

// Runtime is the worker runtime contract. Poll must not block.
type Runtime interface {
	Start(ctx context.Context, item WorkItem) (Handle, error)
	Poll(h Handle) PollResult
	Cancel(h Handle) error
}

// Forgetter is implemented by runtimes that keep per-handle state after a
// worker finishes and want to drop it once the result has been consumed.
type Forgetter interface {
	Forget(h Handle)
}

// Dispatcher maps task ids to live worker handles.
type Dispatcher struct {
	runtime      Runtime
	setupTimeout time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[string]Handle
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSetupTimeout overrides DefaultSetupTimeout. Non-positive values are
// ignored.
func WithSetupTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.setupTimeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(dp *Dispatcher) {
		if logger != nil {
			dp.logger = logger
		}
	}
}

// New wires a dispatcher to a runtime.
func New(runtime Runtime, opts ...Option) (*Dispatcher, error) {
	if runtime == nil {
		return nil, fmt.Errorf("dispatch: runtime is required")
	}
	dp := &Dispatcher{
		runtime:      runtime,
		setupTimeout: DefaultSetupTimeout,
		logger:       zap.NewNop(),
		inflight:     map[string]Handle{},
	}
	for _, opt := range opts {
		opt(dp)
	}
	return dp, nil
}

type startResult struct {
	handle Handle
	err    error
}

// Start asks the runtime to begin item and records the handle. It returns
// ErrSetupTimeout if the runtime has not answered within the setup window;
// a handle that arrives after that is cancelled in the background.
func (d *Dispatcher) Start(ctx context.Context, item WorkItem) (Handle, error) {
	if item.TaskID == "" {
		return "", fmt.Errorf("dispatch: task id is required")
	}
	d.mu.Lock()
	_, busy := d.inflight[item.TaskID]
	d.mu.Unlock()
	if busy {
		return "", fmt.Errorf("dispatch: task %s already has a worker", item.TaskID)
	}
	setupCtx, cancel := context.WithTimeout(ctx, d.setupTimeout)
	defer cancel()
	done := make(chan startResult, 1)
	go func() {
		handle, err := d.runtime.Start(setupCtx, item)
		done <- startResult{handle: handle, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		if res.handle == "" {
			return "", fmt.Errorf("dispatch: runtime returned an empty handle for %s", item.TaskID)
		}
		d.mu.Lock()
		d.inflight[item.TaskID] = res.handle
		d.mu.Unlock()
		return res.handle, nil
	case <-setupCtx.Done():
		go d.abandon(item.TaskID, done)
		if errors.Is(setupCtx.Err(), context.DeadlineExceeded) {
			return "", ErrSetupTimeout
		}
		return "", setupCtx.Err()
	}
}

func (d *Dispatcher) abandon(taskID string, done <-chan startResult) {
	res := <-done
	if res.err != nil || res.handle == "" {
		return
	}
	if err := d.runtime.Cancel(res.handle); err != nil {
		d.logger.Warn("cancel late worker", zap.String("task", taskID), zap.Error(err))
	}
}

// Poll reports progress for the worker running taskID. It never blocks on
// the worker.
func (d *Dispatcher) Poll(taskID string) PollResult {
	handle, ok := d.Handle(taskID)
	if !ok {
		return PollResult{Done: true, Err: ErrUnknownHandle}
	}
	return d.runtime.Poll(handle)
}

// Cancel asks the runtime to stop the worker for taskID. Best effort.
func (d *Dispatcher) Cancel(taskID string) error {
	handle, ok := d.Handle(taskID)
	if !ok {
		return ErrUnknownHandle
	}
	if err := d.runtime.Cancel(handle); err != nil {
		return fmt.Errorf("dispatch: cancel %s: %w", taskID, err)
	}
	return nil
}

// CancelAll cancels every in-flight worker concurrently and returns the
// first error. Handles stay registered until Release.
func (d *Dispatcher) CancelAll(ctx context.Context) error {
	ids := d.InFlight()
	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := d.Cancel(id); err != nil && !errors.Is(err, ErrUnknownHandle) {
				d.logger.Warn("cancel worker", zap.String("task", id), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Release drops the handle for taskID once its terminal state is recorded.
func (d *Dispatcher) Release(taskID string) {
	d.mu.Lock()
	handle, ok := d.inflight[taskID]
	delete(d.inflight, taskID)
	d.mu.Unlock()
	if !ok {
		return
	}
	if f, ok := d.runtime.(Forgetter); ok {
		f.Forget(handle)
	}
}

// Handle returns the live handle for taskID.
func (d *Dispatcher) Handle(taskID string) (Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle, ok := d.inflight[taskID]
	return handle, ok
}

// InFlight returns the ids of tasks holding a worker, sorted.
func (d *Dispatcher) InFlight() []string {
	d.mu.Lock()
	ids := make([]string, 0, len(d.inflight))
	for id := range d.inflight {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	sort.Strings(ids)
	return ids
}
