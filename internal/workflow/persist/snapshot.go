package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/graph"
	"github.com/kingrea/trellis/internal/workflow/results"
)

// SnapshotVersion is the only snapshot layout this build reads.
const SnapshotVersion = 1

// ErrCorruptSnapshot marks snapshots that cannot be decoded or fail
// structural validation.
var ErrCorruptSnapshot = errors.New("persist: corrupt snapshot")

// Snapshot is the serialized form of the graph plus recorded outputs.
type Snapshot struct {
	Version int                        `json:"version"`
	SavedAt time.Time                  `json:"saved_at"`
	Tasks   []workflow.Task            `json:"tasks"`
	Results map[string]json.RawMessage `json:"results"`
}

// Encode serializes the graph and results. Tasks keep submission order.
func Encode(g *graph.Graph, res *results.Store, savedAt time.Time) ([]byte, error) {
	if g == nil || res == nil {
		return nil, fmt.Errorf("persist: graph and results are required")
	}
	snap := Snapshot{
		Version: SnapshotVersion,
		SavedAt: savedAt.UTC(),
		Tasks:   g.Tasks(),
		Results: res.Snapshot(),
	}
	encoded, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("persist: encode snapshot: %w", err)
	}
	return append(encoded, '\n'), nil
}

// Decode rebuilds the graph and result store from snapshot bytes. Task
// statuses are restored verbatim; reconciling tasks that were Running is the
// engine's job.
func Decode(data []byte, opts ...graph.Option) (*graph.Graph, *results.Store, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if snap.Version != SnapshotVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, snap.Version)
	}
	g, err := graph.FromTasks(snap.Tasks, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	for id := range snap.Results {
		task, ok := g.Task(id)
		if !ok {
			return nil, nil, fmt.Errorf("%w: result for unknown task %s", ErrCorruptSnapshot, id)
		}
		if task.Status != workflow.StatusComplete {
			return nil, nil, fmt.Errorf("%w: result for %s task %s", ErrCorruptSnapshot, task.Status, id)
		}
	}
	return g, results.FromMap(snap.Results), nil
}
