package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/trellis/internal/workflow"
)

// Graph stores tasks and their dependency edges.
type Graph struct {
	tasks      map[string]*workflow.Task
	orderedIDs []string
	dependents map[string][]string
	newID      func() string
}

// Option customizes a Graph.
type Option func(*Graph)

// WithIDGenerator overrides how ids are assigned to descriptors submitted
// without one.
func WithIDGenerator(gen func() string) Option {
	return func(g *Graph) {
		if gen != nil {
			g.newID = gen
		}
	}
}

// New returns an empty graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		tasks:      map[string]*workflow.Task{},
		dependents: map[string][]string{},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromTasks rebuilds a graph from previously persisted tasks. Statuses and
// timestamps are taken as-is; structure is validated the same way Submit does.
func FromTasks(tasks []workflow.Task, opts ...Option) (*Graph, error) {
	g := New(opts...)
	for _, task := range tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("graph: persisted task without id")
		}
		if !task.Status.Valid() {
			return nil, fmt.Errorf("graph: task %s has unknown status %q", task.ID, task.Status)
		}
		if _, exists := g.tasks[task.ID]; exists {
			return nil, workflow.DuplicateTaskError(task.ID)
		}
		clone := task.Clone()
		clone.WorkerHandle = ""
		g.tasks[task.ID] = &clone
		g.orderedIDs = append(g.orderedIDs, task.ID)
	}
	for _, id := range g.orderedIDs {
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, workflow.UnknownDependencyError(id, dep)
			}
		}
	}
	if err := g.checkAcyclic(g.orderedIDs); err != nil {
		return nil, err
	}
	g.indexDependents(g.orderedIDs)
	return g, nil
}

// Submit validates the batch against the existing graph and inserts every
// task, or none of them. Tasks are created Pending (no dependencies) or
// Blocked. Within a batch, createdAt increases by one nanosecond per task so
// dispatch ordering follows submission order.
func (g *Graph) Submit(descs []workflow.Descriptor, now time.Time) ([]workflow.Task, error) {
	if len(descs) == 0 {
		return nil, nil
	}
	batch := make([]workflow.Descriptor, len(descs))
	inBatch := make(map[string]int, len(descs))
	for idx, desc := range descs {
		normalized := desc.Normalized()
		if normalized.ID == "" {
			normalized.ID = g.newID()
		}
		if err := normalized.Validate(); err != nil {
			return nil, err
		}
		if _, exists := g.tasks[normalized.ID]; exists {
			return nil, workflow.DuplicateTaskError(normalized.ID)
		}
		if _, exists := inBatch[normalized.ID]; exists {
			return nil, workflow.DuplicateTaskError(normalized.ID)
		}
		inBatch[normalized.ID] = idx
		batch[idx] = normalized
	}
	for _, desc := range batch {
		for _, dep := range desc.DependsOn {
			if _, ok := g.tasks[dep]; ok {
				continue
			}
			if _, ok := inBatch[dep]; ok {
				continue
			}
			return nil, workflow.UnknownDependencyError(desc.ID, dep)
		}
	}
	staged := make(map[string]*workflow.Task, len(batch))
	ids := make([]string, 0, len(batch))
	for idx, desc := range batch {
		staged[desc.ID] = &workflow.Task{
			ID:                      desc.ID,
			Kind:                    desc.Kind,
			Spec:                    desc.Spec,
			DependsOn:               desc.DependsOn,
			InjectDependencyResults: desc.InjectDependencyResults,
			Status:                  workflow.InitialStatus(desc.DependsOn),
			CreatedAt:               now.Add(time.Duration(idx)),
		}
		ids = append(ids, desc.ID)
	}
	if err := g.checkAcyclicWith(staged, ids); err != nil {
		return nil, err
	}
	out := make([]workflow.Task, 0, len(ids))
	for _, id := range ids {
		g.tasks[id] = staged[id]
		g.orderedIDs = append(g.orderedIDs, id)
		out = append(out, staged[id].Clone())
	}
	g.indexDependents(ids)
	return out, nil
}

// TransitionOptions carries the data a transition needs.
type TransitionOptions struct {
	At     time.Time
	Handle string
	Err    *workflow.TaskError
}

// Transition moves a task along one edge of the state machine and stamps the
// matching timestamp. Illegal edges return ErrInvalidTransition and leave the
// task untouched.
func (g *Graph) Transition(id string, to workflow.Status, opts TransitionOptions) (workflow.Task, error) {
	task, ok := g.tasks[id]
	if !ok {
		return workflow.Task{}, workflow.NotFoundError(id)
	}
	from := task.Status
	if !workflow.CanTransition(from, to) {
		return workflow.Task{}, workflow.TransitionError(id, from, to)
	}
	if to == workflow.StatusRunning && opts.Handle == "" {
		return workflow.Task{}, workflow.InvariantError("task %s: running requires a worker handle", id)
	}
	at := opts.At
	if at.Before(task.CreatedAt) {
		at = task.CreatedAt
	}
	if !task.StartedAt.IsZero() && at.Before(task.StartedAt) {
		at = task.StartedAt
	}
	task.Status = to
	switch {
	case to == workflow.StatusRunning:
		task.StartedAt = at
		task.WorkerHandle = opts.Handle
	case to.Terminal():
		task.CompletedAt = at
		task.WorkerHandle = ""
		if to == workflow.StatusFailed {
			failure := opts.Err
			if failure == nil {
				failure = &workflow.TaskError{Code: workflow.CodeWorkerFailure}
			}
			errCopy := *failure
			task.Error = &errCopy
		}
	}
	return task.Clone(), nil
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (workflow.Task, bool) {
	task, ok := g.tasks[id]
	if !ok {
		return workflow.Task{}, false
	}
	return task.Clone(), true
}

// Tasks returns copies of every task in submission order.
func (g *Graph) Tasks() []workflow.Task {
	out := make([]workflow.Task, 0, len(g.orderedIDs))
	for _, id := range g.orderedIDs {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.orderedIDs)
}

// WithStatus returns tasks currently in status, in dispatch order.
func (g *Graph) WithStatus(status workflow.Status) []workflow.Task {
	var out []workflow.Task
	for _, id := range g.orderedIDs {
		if task := g.tasks[id]; task.Status == status {
			out = append(out, task.Clone())
		}
	}
	SortForDispatch(out)
	return out
}

// Counts tallies tasks by status.
func (g *Graph) Counts() workflow.Counts {
	counts := workflow.NewCounts()
	for _, task := range g.tasks {
		counts[task.Status]++
	}
	return counts
}

// ReadyTasks returns Pending or Blocked tasks whose dependencies are all
// Complete, ordered by createdAt then id. It does not mutate anything.
func (g *Graph) ReadyTasks() []workflow.Task {
	var out []workflow.Task
	for _, id := range g.orderedIDs {
		task := g.tasks[id]
		if task.Status != workflow.StatusPending && task.Status != workflow.StatusBlocked {
			continue
		}
		if g.Resolve(id) == workflow.StatusReady {
			out = append(out, task.Clone())
		}
	}
	SortForDispatch(out)
	return out
}

// Dependents returns tasks whose dependsOn includes id, sorted by id.
func (g *Graph) Dependents(id string) []workflow.Task {
	ids := g.dependents[id]
	out := make([]workflow.Task, 0, len(ids))
	for _, depID := range ids {
		out = append(out, g.tasks[depID].Clone())
	}
	return out
}

// Resolve reports the status a Pending or Blocked task should move to given
// its dependencies: Skipped when any dependency Failed or was Skipped, Ready
// when all are Complete, otherwise its current status. Other statuses are
// returned unchanged.
func (g *Graph) Resolve(id string) workflow.Status {
	task, ok := g.tasks[id]
	if !ok {
		return ""
	}
	if task.Status != workflow.StatusPending && task.Status != workflow.StatusBlocked {
		return task.Status
	}
	allComplete := true
	for _, depID := range task.DependsOn {
		dep := g.tasks[depID]
		switch dep.Status {
		case workflow.StatusFailed, workflow.StatusSkipped:
			return workflow.StatusSkipped
		case workflow.StatusComplete:
		default:
			allComplete = false
		}
	}
	if allComplete {
		return workflow.StatusReady
	}
	return task.Status
}

// SortForDispatch orders tasks by createdAt ascending, ties broken by id.
func SortForDispatch(tasks []workflow.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func (g *Graph) indexDependents(ids []string) {
	touched := map[string]struct{}{}
	for _, id := range ids {
		for _, dep := range g.tasks[id].DependsOn {
			g.dependents[dep] = append(g.dependents[dep], id)
			touched[dep] = struct{}{}
		}
	}
	for dep := range touched {
		sort.Strings(g.dependents[dep])
	}
}
