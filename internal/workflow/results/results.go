// Package results holds completed task outputs and builds the injected spec a
// dependent task receives at dispatch.
package results

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kingrea/trellis/internal/workflow"
)

// Store keeps one output per completed task. Entries are never mutated once
// recorded.
type Store struct {
	outputs map[string]json.RawMessage
}

// New returns an empty store.
func New() *Store {
	return &Store{outputs: map[string]json.RawMessage{}}
}

// FromMap rebuilds a store from persisted outputs.
func FromMap(outputs map[string]json.RawMessage) *Store {
	s := New()
	for id, output := range outputs {
		s.outputs[id] = normalize(output)
	}
	return s
}

// Record stores output for id. Recording the same payload twice is a no-op;
// a different payload for an id that already has one is an invariant
// violation and leaves the stored output untouched.
func (s *Store) Record(id string, output json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("results: task id is required")
	}
	output = normalize(output)
	if !json.Valid(output) {
		return fmt.Errorf("results: output for %s is not valid JSON", id)
	}
	if existing, ok := s.outputs[id]; ok {
		if workflow.EqualPayload(existing, output) {
			return nil
		}
		return workflow.InvariantError("task %s already recorded a different output", id)
	}
	s.outputs[id] = output
	return nil
}

// Output returns a copy of the stored output for id.
func (s *Store) Output(id string) (json.RawMessage, bool) {
	output, ok := s.outputs[id]
	if !ok {
		return nil, false
	}
	return clone(output), true
}

// Has reports whether id has a recorded output.
func (s *Store) Has(id string) bool {
	_, ok := s.outputs[id]
	return ok
}

// Len returns the number of recorded outputs.
func (s *Store) Len() int {
	return len(s.outputs)
}

// IDs returns recorded task ids in lexical order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.outputs))
	for id := range s.outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies every output for persistence.
func (s *Store) Snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.outputs))
	for id, output := range s.outputs {
		out[id] = clone(output)
	}
	return out
}

// DependencyResult is one entry of an injected spec.
type DependencyResult struct {
	ID     string          `json:"id"`
	Output json.RawMessage `json:"output"`
}

// InjectedSpec is what a worker receives for a task that asked for its
// dependencies' outputs.
type InjectedSpec struct {
	Spec              json.RawMessage    `json:"spec"`
	DependencyResults []DependencyResult `json:"dependency_results"`
}

// BuildInjectedSpec returns the spec to hand to the worker for task. Tasks
// without InjectDependencyResults get their spec back unchanged; otherwise
// the spec is wrapped with the outputs of every dependency in declaration
// order. A dependency without a recorded output is an invariant violation.
func (s *Store) BuildInjectedSpec(task workflow.Task) (json.RawMessage, error) {
	if !task.InjectDependencyResults {
		return clone(task.Spec), nil
	}
	injected := InjectedSpec{
		Spec:              normalize(task.Spec),
		DependencyResults: make([]DependencyResult, 0, len(task.DependsOn)),
	}
	for _, dep := range task.DependsOn {
		output, ok := s.outputs[dep]
		if !ok {
			return nil, workflow.InvariantError("task %s: dependency %s has no recorded output", task.ID, dep)
		}
		injected.DependencyResults = append(injected.DependencyResults, DependencyResult{ID: dep, Output: output})
	}
	encoded, err := json.Marshal(injected)
	if err != nil {
		return nil, fmt.Errorf("results: encode injected spec for %s: %w", task.ID, err)
	}
	return encoded, nil
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return clone(raw)
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
