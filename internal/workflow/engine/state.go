package engine

import (
	"time"

	"github.com/kingrea/trellis/internal/workflow"
)

// TickSummary reports what one Tick did. Deferred maps Ready tasks left for
// a later tick to the scheduler's reason.
type TickSummary struct {
	Tick       int               `json:"tick"`
	Counts     workflow.Counts   `json:"counts"`
	Dispatched []string          `json:"dispatched,omitempty"`
	Finished   []string          `json:"finished,omitempty"`
	Skipped    []string          `json:"skipped,omitempty"`
	Deferred   map[string]string `json:"deferred,omitempty"`
	Drained    bool              `json:"drained"`
	PersistErr string            `json:"persist_error,omitempty"`
}

func (s TickSummary) clone() TickSummary {
	out := s
	out.Counts = s.Counts.Clone()
	out.Dispatched = cloneStrings(s.Dispatched)
	out.Finished = cloneStrings(s.Finished)
	out.Skipped = cloneStrings(s.Skipped)
	if s.Deferred != nil {
		out.Deferred = make(map[string]string, len(s.Deferred))
		for id, reason := range s.Deferred {
			out.Deferred[id] = reason
		}
	}
	return out
}

// Transition is one entry of the engine's transition log.
type Transition struct {
	TaskID string              `json:"task_id"`
	From   workflow.Status     `json:"from"`
	To     workflow.Status     `json:"to"`
	At     time.Time           `json:"at"`
	Error  *workflow.TaskError `json:"error,omitempty"`
}

// TransitionHook observes every transition. Hooks run while the engine holds
// its lock and must not call back into the engine.
type TransitionHook func(Transition)

// RestoreReport describes what Restore found.
type RestoreReport struct {
	Cold        bool     `json:"cold"`
	Diagnostic  string   `json:"diagnostic,omitempty"`
	Tasks       int      `json:"tasks"`
	Results     int      `json:"results"`
	Interrupted []string `json:"interrupted,omitempty"`
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
