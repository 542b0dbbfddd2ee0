package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/trellis/internal/workflow"
)

// Restore loads the latest snapshot into an engine that has not been used
// yet. Tasks that were Running when the previous process died are failed
// with interrupted_by_restart; their dependents are skipped on the first
// tick. A missing or corrupt snapshot yields an empty graph.
func (e *Engine) Restore(ctx context.Context) (RestoreReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return RestoreReport{}, ErrClosed
	}
	if e.restored || e.tick > 0 || e.graph.Len() > 0 {
		return RestoreReport{}, fmt.Errorf("workflow engine: restore must run once before any submission or tick")
	}
	e.restored = true
	loaded := e.persist.Load(ctx, e.graphOpts...)
	e.graph = loaded.Graph
	e.results = loaded.Results
	report := RestoreReport{
		Cold:    loaded.Cold,
		Tasks:   loaded.Graph.Len(),
		Results: loaded.Results.Len(),
	}
	if loaded.Diagnostic != nil {
		report.Diagnostic = loaded.Diagnostic.Error()
	}
	for _, task := range e.graph.Tasks() {
		switch task.Status {
		case workflow.StatusRunning:
			if _, err := e.failLocked(task.ID, workflow.CodeInterruptedByRestart, nil); err != nil {
				return report, err
			}
			report.Interrupted = append(report.Interrupted, task.ID)
		case workflow.StatusPending, workflow.StatusBlocked:
			e.settleQueue = append(e.settleQueue, task.ID)
		}
	}
	if len(report.Interrupted) > 0 {
		e.logger.Warn("tasks interrupted by restart", zap.Strings("tasks", report.Interrupted))
		e.persistLocked(ctx)
	}
	return report, nil
}

// Cancel fails one non-terminal task with a cancelled error. A Running task's
// worker is asked to stop first. Dependents are skipped immediately.
func (e *Engine) Cancel(ctx context.Context, id string) (workflow.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return workflow.Task{}, ErrClosed
	}
	task, ok := e.graph.Task(id)
	if !ok {
		return workflow.Task{}, workflow.NotFoundError(id)
	}
	if task.Status.Terminal() {
		return workflow.Task{}, workflow.TransitionError(id, task.Status, workflow.StatusFailed)
	}
	if task.Status == workflow.StatusRunning {
		e.stopWorkerLocked(id)
	}
	failed, err := e.failLocked(id, workflow.CodeCancelled, nil)
	if err != nil {
		return workflow.Task{}, err
	}
	if err := e.settleLocked(nil); err != nil {
		return failed, err
	}
	e.logger.Info("task cancelled", zap.String("task", id))
	e.persistLocked(ctx)
	return failed, nil
}

// FailTimedOut fails a Running task with a timeout error. It is the hook an
// external watchdog uses.
func (e *Engine) FailTimedOut(ctx context.Context, id string) (workflow.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return workflow.Task{}, ErrClosed
	}
	task, ok := e.graph.Task(id)
	if !ok {
		return workflow.Task{}, workflow.NotFoundError(id)
	}
	if task.Status != workflow.StatusRunning {
		return workflow.Task{}, workflow.TransitionError(id, task.Status, workflow.StatusFailed)
	}
	e.stopWorkerLocked(id)
	failed, err := e.failLocked(id, workflow.CodeTimeout, fmt.Errorf("running since %s", task.StartedAt.Format(time.RFC3339)))
	if err != nil {
		return workflow.Task{}, err
	}
	if err := e.settleLocked(nil); err != nil {
		return failed, err
	}
	e.logger.Warn("task timed out", zap.String("task", id), zap.Time("started_at", task.StartedAt))
	e.persistLocked(ctx)
	return failed, nil
}

// Overdue returns Running tasks started more than timeout ago.
func (e *Engine) Overdue(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-timeout)
	var ids []string
	for _, task := range e.graph.WithStatus(workflow.StatusRunning) {
		if task.StartedAt.Before(cutoff) {
			ids = append(ids, task.ID)
		}
	}
	return ids
}

// Shutdown cancels every running worker, fails those tasks as cancelled,
// cascades skips and writes a final snapshot. The engine rejects further
// mutations afterwards. The returned error is the final snapshot's.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	running := e.graph.WithStatus(workflow.StatusRunning)
	if err := e.dispatcher.CancelAll(ctx); err != nil {
		e.logger.Warn("cancel workers on shutdown", zap.Error(err))
	}
	for _, task := range running {
		e.dispatcher.Release(task.ID)
		if _, err := e.failLocked(task.ID, workflow.CodeCancelled, fmt.Errorf("shutdown")); err != nil {
			return err
		}
	}
	if err := e.settleLocked(nil); err != nil {
		return err
	}
	e.dirty = true
	err := e.persistLocked(ctx)
	e.logger.Info("engine shut down", zap.Int("cancelled", len(running)), zap.Stringer("counts", e.graph.Counts()))
	if err != nil {
		return fmt.Errorf("workflow engine: final snapshot: %w", err)
	}
	return nil
}

func (e *Engine) stopWorkerLocked(id string) {
	if err := e.dispatcher.Cancel(id); err != nil {
		e.logger.Warn("cancel worker", zap.String("task", id), zap.Error(err))
	}
	e.dispatcher.Release(id)
}
