package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is a task's position in the scheduling state machine.
type Status string

const (
	StatusPending  Status = "pending"
	StatusBlocked  Status = "blocked"
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
)

// Statuses lists every status in state machine order.
var Statuses = []Status{
	StatusPending,
	StatusBlocked,
	StatusReady,
	StatusRunning,
	StatusComplete,
	StatusFailed,
	StatusSkipped,
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// allowedTransitions is the state machine. The Failed edges out of Pending,
// Blocked and Ready only serve cancellation and dispatch errors.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusReady:  {},
		StatusFailed: {},
	},
	StatusBlocked: {
		StatusReady:   {},
		StatusSkipped: {},
		StatusFailed:  {},
	},
	StatusReady: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusRunning: {
		StatusComplete: {},
		StatusFailed:   {},
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// InitialStatus returns the status a freshly submitted task starts in.
func InitialStatus(dependsOn []string) Status {
	if len(dependsOn) == 0 {
		return StatusPending
	}
	return StatusBlocked
}

// Task is the unit of schedulable work tracked by the graph store.
type Task struct {
	ID                      string          `json:"id"`
	Kind                    string          `json:"kind"`
	Spec                    json.RawMessage `json:"spec,omitempty"`
	DependsOn               []string        `json:"depends_on,omitempty"`
	InjectDependencyResults bool            `json:"inject_dependency_results,omitempty"`
	Status                  Status          `json:"status"`
	CreatedAt               time.Time       `json:"created_at"`
	StartedAt               time.Time       `json:"started_at,omitzero"`
	CompletedAt             time.Time       `json:"completed_at,omitzero"`
	Error                   *TaskError      `json:"error,omitempty"`

	// WorkerHandle is only meaningful for the lifetime of this process and
	// is never persisted.
	WorkerHandle string `json:"-"`
}

// Clone returns a deep copy so callers never alias store-owned slices.
func (t Task) Clone() Task {
	clone := t
	clone.Spec = cloneRaw(t.Spec)
	clone.DependsOn = cloneStrings(t.DependsOn)
	if t.Error != nil {
		errCopy := *t.Error
		clone.Error = &errCopy
	}
	return clone
}

// Descriptor is the submission form of a task.
type Descriptor struct {
	ID                      string          `json:"id,omitempty" yaml:"id"`
	Kind                    string          `json:"kind" yaml:"kind"`
	Spec                    json.RawMessage `json:"spec,omitempty" yaml:"-"`
	DependsOn               []string        `json:"depends_on,omitempty" yaml:"depends_on"`
	InjectDependencyResults bool            `json:"inject_dependency_results,omitempty" yaml:"inject_dependency_results"`
}

// Normalized trims identifiers and copies slices.
func (d Descriptor) Normalized() Descriptor {
	out := Descriptor{
		ID:                      strings.TrimSpace(d.ID),
		Kind:                    strings.TrimSpace(d.Kind),
		Spec:                    cloneRaw(d.Spec),
		InjectDependencyResults: d.InjectDependencyResults,
	}
	if len(d.DependsOn) > 0 {
		out.DependsOn = make([]string, 0, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			out.DependsOn = append(out.DependsOn, strings.TrimSpace(dep))
		}
	}
	return out
}

// Validate checks the descriptor in isolation. Graph-level checks (unknown
// dependencies, cycles, duplicates across the store) happen at submission.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return invalidTaskf("task id is required")
	}
	if d.Kind == "" {
		return invalidTaskf("task %s: kind is required", d.ID)
	}
	if len(d.Spec) > 0 && !json.Valid(d.Spec) {
		return invalidTaskf("task %s: spec is not valid JSON", d.ID)
	}
	seen := make(map[string]struct{}, len(d.DependsOn))
	for _, dep := range d.DependsOn {
		if dep == "" {
			return invalidTaskf("task %s: empty dependency id", d.ID)
		}
		if _, dup := seen[dep]; dup {
			return invalidTaskf("task %s: dependency %s listed twice", d.ID, dep)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// Counts tallies tasks by status. Every status is present, zero or not.
type Counts map[Status]int

// NewCounts returns a Counts with every status initialised to zero.
func NewCounts() Counts {
	counts := make(Counts, len(Statuses))
	for _, status := range Statuses {
		counts[status] = 0
	}
	return counts
}

// Active returns the number of non-terminal tasks.
func (c Counts) Active() int {
	return c[StatusPending] + c[StatusBlocked] + c[StatusReady] + c[StatusRunning]
}

// Clone copies the counts.
func (c Counts) Clone() Counts {
	out := NewCounts()
	for status, n := range c {
		out[status] = n
	}
	return out
}

// String renders counts in state machine order, skipping zeros.
func (c Counts) String() string {
	var parts []string
	for _, status := range Statuses {
		if n := c[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", status, n))
		}
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, " ")
}

// EqualPayload compares two JSON payloads ignoring insignificant whitespace.
func EqualPayload(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
