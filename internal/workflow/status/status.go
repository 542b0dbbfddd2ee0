// Package status projects scheduler state into a point-in-time summary for
// reporting. It only reads.
package status

import (
	"sort"
	"time"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/persist"
)

// Persistence health labels.
const (
	PersistenceOK       = "ok"
	PersistenceDegraded = "degraded"
)

// Source is everything Summarize reads.
type Source struct {
	Tasks            []workflow.Task
	InFlight         []string
	Persistence      persist.Health
	ConcurrencyLimit int
	Drained          bool
	Now              time.Time
}

// Summary is the status query result.
type Summary struct {
	Counts           workflow.Counts `json:"counts"`
	BlockedChains    []BlockedChain  `json:"blocked_chains"`
	Running          []RunningTask   `json:"running"`
	Health           Health          `json:"health"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	Drained          bool            `json:"drained"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// BlockedChain explains why a Blocked task has not started: Outstanding holds
// every transitive dependency that is not Complete yet.
type BlockedChain struct {
	TaskID      string   `json:"task_id"`
	Outstanding []string `json:"outstanding"`
}

// RunningTask describes one task holding a worker.
type RunningTask struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	// Attached is false when the dispatcher has no live handle for the task.
	Attached bool `json:"attached"`
}

// Health reports persistence health.
type Health struct {
	Persistence         string    `json:"persistence"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastPersistedAt     time.Time `json:"last_persisted_at,omitzero"`
}

// Summarize builds a Summary from src.
func Summarize(src Source) Summary {
	byID := make(map[string]workflow.Task, len(src.Tasks))
	counts := workflow.NewCounts()
	for _, task := range src.Tasks {
		byID[task.ID] = task
		counts[task.Status]++
	}
	attached := make(map[string]struct{}, len(src.InFlight))
	for _, id := range src.InFlight {
		attached[id] = struct{}{}
	}
	summary := Summary{
		Counts:           counts,
		BlockedChains:    []BlockedChain{},
		Running:          []RunningTask{},
		Health:           healthFrom(src.Persistence),
		ConcurrencyLimit: src.ConcurrencyLimit,
		Drained:          src.Drained,
		GeneratedAt:      src.Now,
	}
	for _, task := range src.Tasks {
		switch task.Status {
		case workflow.StatusBlocked:
			summary.BlockedChains = append(summary.BlockedChains, BlockedChain{
				TaskID:      task.ID,
				Outstanding: outstanding(task, byID),
			})
		case workflow.StatusRunning:
			_, ok := attached[task.ID]
			summary.Running = append(summary.Running, RunningTask{
				ID:        task.ID,
				Kind:      task.Kind,
				StartedAt: task.StartedAt,
				Attached:  ok,
			})
		}
	}
	sort.Slice(summary.BlockedChains, func(i, j int) bool {
		return summary.BlockedChains[i].TaskID < summary.BlockedChains[j].TaskID
	})
	sort.Slice(summary.Running, func(i, j int) bool {
		if !summary.Running[i].StartedAt.Equal(summary.Running[j].StartedAt) {
			return summary.Running[i].StartedAt.Before(summary.Running[j].StartedAt)
		}
		return summary.Running[i].ID < summary.Running[j].ID
	})
	return summary
}

// outstanding walks the dependency closure of task, collecting every
// dependency that is not Complete. Complete dependencies are not expanded:
// whatever they needed has already happened.
func outstanding(task workflow.Task, byID map[string]workflow.Task) []string {
	seen := map[string]struct{}{}
	stack := append([]string(nil), task.DependsOn...)
	var out []string
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		dep, ok := byID[id]
		if !ok || dep.Status == workflow.StatusComplete {
			continue
		}
		out = append(out, id)
		stack = append(stack, dep.DependsOn...)
	}
	sort.Strings(out)
	return out
}

func healthFrom(h persist.Health) Health {
	label := PersistenceOK
	if h.Degraded {
		label = PersistenceDegraded
	}
	return Health{
		Persistence:         label,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastError:           h.LastError,
		LastPersistedAt:     h.LastPersistedAt,
	}
}
