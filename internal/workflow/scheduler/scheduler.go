package scheduler

import (
	"fmt"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/graph"
)

// ReadySource is the subset of the task graph the scheduler reads.
type ReadySource interface {
	ReadyTasks() []workflow.Task
}

// Selector exposes the minimal contract the engine needs to request a
// dispatch batch.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector on top of the task graph.
type Scheduler struct {
	source ReadySource
}

// New wires a Scheduler to a ready-task source.
func New(source ReadySource) (*Scheduler, error) {
	if source == nil {
		return nil, fmt.Errorf("workflow: scheduler requires a task source")
	}
	return &Scheduler{source: source}, nil
}

// RunnableRequest captures the current runtime state plus the scheduling
// constraints for one tick.
type RunnableRequest struct {
	// MaxParallel caps how many tasks may be running at once, including the
	// tasks listed in Running. Values <= 0 disable the limit.
	MaxParallel int
	// Running lists task ids that currently hold a worker.
	Running []string
}

// RunnableBatch describes the scheduler's decision. Tasks are in dispatch
// order; Skipped holds the ready tasks left for a later tick.
type RunnableBatch struct {
	Tasks   []workflow.Task
	Skipped map[string]SkipReason
}

// IDs returns the ids of the batch in dispatch order.
func (b RunnableBatch) IDs() []string {
	if len(b.Tasks) == 0 {
		return nil
	}
	ids := make([]string, len(b.Tasks))
	for i, task := range b.Tasks {
		ids[i] = task.ID
	}
	return ids
}

// SkipReason explains why a ready task was left for a later tick.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler skip reasons.
type SkipReasonCode string

const (
	SkipReasonConcurrency SkipReasonCode = "concurrency"
	SkipReasonActive      SkipReasonCode = "already-running"
)

// Runnable returns the ready tasks that fit in the free slots, oldest first.
// Ready tasks that do not fit are reported in Skipped.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	ready := s.source.ReadyTasks()
	graph.SortForDispatch(ready)
	running := req.runningSet()
	limit := req.slots(len(ready), len(running))
	result := RunnableBatch{}
	for _, task := range ready {
		if _, active := running[task.ID]; active {
			result.addSkip(task.ID, SkipReason{Reason: SkipReasonActive, Detail: "task already running"})
			continue
		}
		if len(result.Tasks) >= limit {
			result.addSkip(task.ID, SkipReason{
				Reason: SkipReasonConcurrency,
				Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel),
			})
			continue
		}
		result.Tasks = append(result.Tasks, task)
	}
	return result, nil
}

func (req RunnableRequest) runningSet() map[string]struct{} {
	if len(req.Running) == 0 {
		return map[string]struct{}{}
	}
	set := make(map[string]struct{}, len(req.Running))
	for _, id := range req.Running {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

func (req RunnableRequest) slots(queueLen int, runningCount int) int {
	if req.MaxParallel <= 0 {
		return queueLen
	}
	remaining := req.MaxParallel - runningCount
	if remaining <= 0 {
		return 0
	}
	if remaining > queueLen {
		return queueLen
	}
	return remaining
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}
