package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/dispatch"
	"github.com/kingrea/trellis/internal/workflow/graph"
	"github.com/kingrea/trellis/internal/workflow/persist"
	"github.com/kingrea/trellis/internal/workflow/results"
	"github.com/kingrea/trellis/internal/workflow/scheduler"
	"github.com/kingrea/trellis/internal/workflow/status"
)

// ErrClosed is returned by mutating calls after Shutdown.
var ErrClosed = errors.New("workflow engine: shut down")

// maxTransitionLog bounds the in-memory transition log.
const maxTransitionLog = 10000

// Engine drives tasks from submission to a terminal status.
type Engine struct {
	dispatcher *dispatch.Dispatcher
	persist    *persist.Manager
	clock      func() time.Time
	logger     *zap.Logger
	hooks      []TransitionHook
	graphOpts  []graph.Option
	limit      atomic.Int64

	mu          sync.Mutex
	graph       *graph.Graph
	results     *results.Store
	settleQueue []string
	transitions []Transition
	tick        int
	last        TickSummary
	dirty       bool
	restored    bool
	closed      bool
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTransitionHook registers a hook called for every status transition.
func WithTransitionHook(hook TransitionHook) Option {
	return func(e *Engine) {
		if hook != nil {
			e.hooks = append(e.hooks, hook)
		}
	}
}

// WithConcurrencyLimit sets the initial maximum number of Running tasks.
// Zero means unlimited.
func WithConcurrencyLimit(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.limit.Store(int64(n))
		}
	}
}

// WithIDGenerator overrides how ids are assigned to descriptors submitted
// without one.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.graphOpts = append(e.graphOpts, graph.WithIDGenerator(gen))
		}
	}
}

// New wires an engine to its dispatcher and persistence manager.
func New(dispatcher *dispatch.Dispatcher, manager *persist.Manager, opts ...Option) (*Engine, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("workflow engine: dispatcher is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("workflow engine: persistence manager is required")
	}
	e := &Engine{
		dispatcher: dispatcher,
		persist:    manager,
		clock:      time.Now,
		logger:     zap.NewNop(),
		results:    results.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.graph = graph.New(e.graphOpts...)
	return e, nil
}

// Submit adds a batch of tasks atomically. Structural problems (cycles,
// unknown dependencies, duplicate ids, invalid descriptors) reject the whole
// batch. The new state is snapshotted; a failed snapshot is reported through
// persistence health, not as a Submit error.
func (e *Engine) Submit(ctx context.Context, descs []workflow.Descriptor) ([]workflow.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	tasks, err := e.graph.Submit(descs, e.now())
	if err != nil {
		e.logger.Info("submission rejected", zap.Int("tasks", len(descs)), zap.Error(err))
		return nil, err
	}
	for _, task := range tasks {
		e.settleQueue = append(e.settleQueue, task.ID)
	}
	e.dirty = true
	e.logger.Info("tasks submitted", zap.Int("tasks", len(tasks)))
	e.persistLocked(ctx)
	return tasks, nil
}

// Tick runs one pass of the scheduler loop: poll running workers, settle
// readiness, dispatch within the concurrency limit, snapshot. Once the graph
// is drained further ticks are no-ops that return the same summary.
func (e *Engine) Tick(ctx context.Context) (TickSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.last.clone(), ErrClosed
	}
	if e.tick > 0 && e.last.Drained && len(e.settleQueue) == 0 && e.graph.Counts().Active() == 0 {
		if e.dirty {
			e.last.PersistErr = errorString(e.persistLocked(ctx))
		}
		return e.last.clone(), nil
	}
	e.tick++
	summary := TickSummary{Tick: e.tick}

	if err := e.pollLocked(&summary); err != nil {
		return summary, err
	}
	if err := e.settleLocked(&summary); err != nil {
		return summary, err
	}
	if err := e.dispatchLocked(ctx, &summary); err != nil {
		return summary, err
	}
	if err := e.settleLocked(&summary); err != nil {
		return summary, err
	}
	summary.PersistErr = errorString(e.persistLocked(ctx))
	summary.Counts = e.graph.Counts()
	summary.Drained = summary.Counts.Active() == 0
	e.last = summary
	if summary.Drained {
		e.logger.Info("graph drained", zap.Int("tick", summary.Tick), zap.Stringer("counts", summary.Counts))
	}
	return summary.clone(), nil
}

// pollLocked checks every Running task and records finished workers.
func (e *Engine) pollLocked(summary *TickSummary) error {
	for _, task := range e.graph.WithStatus(workflow.StatusRunning) {
		res := e.dispatcher.Poll(task.ID)
		if !res.Done {
			continue
		}
		if err := e.finishLocked(task.ID, res); err != nil {
			return err
		}
		e.dispatcher.Release(task.ID)
		summary.Finished = append(summary.Finished, task.ID)
		e.settleQueue = append(e.settleQueue, task.ID)
	}
	return nil
}

func (e *Engine) finishLocked(id string, res dispatch.PollResult) error {
	if res.Err != nil {
		code := workflow.CodeWorkerFailure
		if errors.Is(res.Err, context.Canceled) {
			code = workflow.CodeCancelled
		}
		_, err := e.transitionLocked(id, workflow.StatusFailed, graph.TransitionOptions{Err: workflow.NewTaskError(code, res.Err)})
		return err
	}
	if err := e.results.Record(id, res.Output); err != nil {
		e.logger.Error("result rejected", zap.String("task", id), zap.Error(err))
		_, terr := e.transitionLocked(id, workflow.StatusFailed, graph.TransitionOptions{Err: workflow.NewTaskError(workflow.CodeInvariantViolation, err)})
		return terr
	}
	_, err := e.transitionLocked(id, workflow.StatusComplete, graph.TransitionOptions{})
	return err
}

// settleLocked drains the settle queue. Each queued id is either a task that
// just reached a terminal status, whose dependents need re-evaluation, or a
// Pending/Blocked task that should be resolved itself. Tasks that become
// Skipped are queued in turn so the skip cascades transitively.
func (e *Engine) settleLocked(summary *TickSummary) error {
	for len(e.settleQueue) > 0 {
		id := e.settleQueue[0]
		e.settleQueue = e.settleQueue[1:]
		task, ok := e.graph.Task(id)
		if !ok {
			continue
		}
		candidates := []workflow.Task{task}
		if task.Status.Terminal() {
			candidates = e.graph.Dependents(id)
		}
		for _, candidate := range candidates {
			if candidate.Status != workflow.StatusPending && candidate.Status != workflow.StatusBlocked {
				continue
			}
			next := e.graph.Resolve(candidate.ID)
			if next == candidate.Status {
				continue
			}
			if _, err := e.transitionLocked(candidate.ID, next, graph.TransitionOptions{}); err != nil {
				return err
			}
			if next == workflow.StatusSkipped {
				if summary != nil {
					summary.Skipped = append(summary.Skipped, candidate.ID)
				}
				e.settleQueue = append(e.settleQueue, candidate.ID)
			}
		}
	}
	return nil
}

// dispatchLocked starts Ready tasks oldest first until the concurrency limit
// is reached. Tasks the runtime refuses fail with a dispatch error. Once ctx
// is done nothing more is started and the remaining tasks stay Ready.
func (e *Engine) dispatchLocked(ctx context.Context, summary *TickSummary) error {
	if ctx.Err() != nil {
		return nil
	}
	sched, err := scheduler.New(readyQueue{e.graph})
	if err != nil {
		return err
	}
	batch, err := sched.Runnable(scheduler.RunnableRequest{
		MaxParallel: e.ConcurrencyLimit(),
		Running:     e.dispatcher.InFlight(),
	})
	if err != nil {
		return err
	}
	for id, reason := range batch.Skipped {
		if summary.Deferred == nil {
			summary.Deferred = make(map[string]string, len(batch.Skipped))
		}
		summary.Deferred[id] = string(reason.Reason)
		e.logger.Debug("dispatch deferred", zap.String("task", id), zap.String("reason", string(reason.Reason)), zap.String("detail", reason.Detail))
	}
	for _, task := range batch.Tasks {
		if ctx.Err() != nil {
			e.logger.Info("dispatch stopped", zap.String("next", task.ID), zap.Error(ctx.Err()))
			return nil
		}
		spec, err := e.results.BuildInjectedSpec(task)
		if err != nil {
			if _, terr := e.failLocked(task.ID, workflow.CodeInvariantViolation, err); terr != nil {
				return terr
			}
			continue
		}
		handle, err := e.dispatcher.Start(ctx, dispatch.WorkItem{TaskID: task.ID, Kind: task.Kind, Spec: spec})
		if err != nil && ctx.Err() != nil {
			e.logger.Info("dispatch interrupted", zap.String("task", task.ID), zap.Error(err))
			return nil
		}
		if err != nil {
			e.logger.Warn("dispatch failed", zap.String("task", task.ID), zap.String("kind", task.Kind), zap.Error(err))
			if _, terr := e.failLocked(task.ID, workflow.CodeDispatchError, err); terr != nil {
				return terr
			}
			continue
		}
		if _, err := e.transitionLocked(task.ID, workflow.StatusRunning, graph.TransitionOptions{Handle: string(handle)}); err != nil {
			return err
		}
		summary.Dispatched = append(summary.Dispatched, task.ID)
	}
	return nil
}

func (e *Engine) failLocked(id string, code workflow.ErrorCode, cause error) (workflow.Task, error) {
	task, err := e.transitionLocked(id, workflow.StatusFailed, graph.TransitionOptions{Err: workflow.NewTaskError(code, cause)})
	if err != nil {
		return workflow.Task{}, err
	}
	e.settleQueue = append(e.settleQueue, id)
	return task, nil
}

// transitionLocked applies one state machine edge, records it and notifies
// hooks.
func (e *Engine) transitionLocked(id string, to workflow.Status, opts graph.TransitionOptions) (workflow.Task, error) {
	before, ok := e.graph.Task(id)
	if !ok {
		return workflow.Task{}, workflow.NotFoundError(id)
	}
	if opts.At.IsZero() {
		opts.At = e.now()
	}
	task, err := e.graph.Transition(id, to, opts)
	if err != nil {
		return workflow.Task{}, fmt.Errorf("workflow engine: %w", err)
	}
	rec := Transition{TaskID: id, From: before.Status, To: to, At: opts.At, Error: task.Error}
	if to == workflow.StatusRunning {
		rec.At = task.StartedAt
	} else if to.Terminal() {
		rec.At = task.CompletedAt
	}
	e.transitions = append(e.transitions, rec)
	if len(e.transitions) > maxTransitionLog {
		e.transitions = append([]Transition(nil), e.transitions[len(e.transitions)-maxTransitionLog:]...)
	}
	e.dirty = true
	fields := []zap.Field{zap.String("task", id), zap.String("from", string(before.Status)), zap.String("to", string(to))}
	if task.Error != nil {
		fields = append(fields, zap.String("code", string(task.Error.Code)), zap.String("error", task.Error.Message))
	}
	e.logger.Debug("task transition", fields...)
	for _, hook := range e.hooks {
		hook(rec)
	}
	return task, nil
}

// persistLocked snapshots state when something changed since the last
// successful snapshot. Failures keep the state dirty so the next tick
// retries.
func (e *Engine) persistLocked(ctx context.Context) error {
	if !e.dirty {
		return nil
	}
	if err := e.persist.Save(ctx, e.graph, e.results, e.now()); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

// SetConcurrencyLimit changes the maximum number of Running tasks for future
// dispatch decisions. Running tasks are never preempted. Zero means
// unlimited.
func (e *Engine) SetConcurrencyLimit(n int) error {
	if n < 0 {
		return fmt.Errorf("workflow engine: concurrency limit must be >= 0, got %d", n)
	}
	if old := e.limit.Swap(int64(n)); old != int64(n) {
		e.logger.Info("concurrency limit changed", zap.Int64("from", old), zap.Int("to", n))
	}
	return nil
}

// ConcurrencyLimit returns the current limit.
func (e *Engine) ConcurrencyLimit() int {
	return int(e.limit.Load())
}

// Summarize returns the status projection.
func (e *Engine) Summarize() status.Summary {
	e.mu.Lock()
	tasks := e.graph.Tasks()
	e.mu.Unlock()
	counts := workflow.NewCounts()
	for _, task := range tasks {
		counts[task.Status]++
	}
	return status.Summarize(status.Source{
		Tasks:            tasks,
		InFlight:         e.dispatcher.InFlight(),
		Persistence:      e.persist.Health(),
		ConcurrencyLimit: e.ConcurrencyLimit(),
		Drained:          counts.Active() == 0,
		Now:              e.now(),
	})
}

// Task returns a copy of one task.
func (e *Engine) Task(id string) (workflow.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Task(id)
}

// Tasks returns copies of every task in submission order.
func (e *Engine) Tasks() []workflow.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Tasks()
}

// Output returns the recorded output of a Complete task.
func (e *Engine) Output(id string) (json.RawMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.results.Output(id)
}

// Transitions returns the transition log, oldest first.
func (e *Engine) Transitions() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

// LastTick returns the most recent tick summary.
func (e *Engine) LastTick() TickSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last.clone()
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

// readyQueue feeds the scheduler the tasks that already reached Ready.
type readyQueue struct {
	graph *graph.Graph
}

func (q readyQueue) ReadyTasks() []workflow.Task {
	return q.graph.WithStatus(workflow.StatusReady)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
