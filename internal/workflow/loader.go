package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultBatchDir is the conventional location for YAML submission batches.
const DefaultBatchDir = "batches"

// Batch is a set of task descriptors submitted atomically.
type Batch struct {
	Tasks []Descriptor `json:"tasks"`
}

type yamlBatch struct {
	Tasks []yamlDescriptor `yaml:"tasks"`
}

type yamlDescriptor struct {
	ID                      string   `yaml:"id"`
	Kind                    string   `yaml:"kind"`
	Spec                    any      `yaml:"spec"`
	DependsOn               []string `yaml:"depends_on"`
	InjectDependencyResults bool     `yaml:"inject_dependency_results"`
}

// ParseBatchYAML decodes a submission batch from YAML (or JSON, which is valid
// YAML). Task specs are re-encoded as JSON so workers receive a stable format.
func ParseBatchYAML(data []byte) (Batch, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Batch{}, fmt.Errorf("workflow: batch payload is empty")
	}
	var raw yamlBatch
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Batch{}, fmt.Errorf("workflow: decode batch: %w", err)
	}
	batch := Batch{Tasks: make([]Descriptor, 0, len(raw.Tasks))}
	for idx, entry := range raw.Tasks {
		desc := Descriptor{
			ID:                      entry.ID,
			Kind:                    entry.Kind,
			DependsOn:               entry.DependsOn,
			InjectDependencyResults: entry.InjectDependencyResults,
		}
		if entry.Spec != nil {
			spec, err := json.Marshal(entry.Spec)
			if err != nil {
				return Batch{}, fmt.Errorf("workflow: task[%d] spec: %w", idx, err)
			}
			desc.Spec = spec
		}
		batch.Tasks = append(batch.Tasks, desc)
	}
	return batch, nil
}

// ParseBatchJSON decodes a submission batch from JSON.
func ParseBatchJSON(data []byte) (Batch, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Batch{}, fmt.Errorf("workflow: batch payload is empty")
	}
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return Batch{}, fmt.Errorf("workflow: decode batch: %w", err)
	}
	return batch, nil
}

// LoadBatchReader reads batch data from an io.Reader.
func LoadBatchReader(r io.Reader) (Batch, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Batch{}, fmt.Errorf("workflow: read batch: %w", err)
	}
	return ParseBatchYAML(content)
}

// LoadBatchFile loads a batch from an explicit file path.
func LoadBatchFile(path string) (Batch, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	batch, parseErr := ParseBatchYAML(content)
	if parseErr != nil {
		return Batch{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return batch, nil
}

// LoadBatchRelative loads a batch from the batches directory (or a custom
// baseDir if provided).
func LoadBatchRelative(baseDir, name string) (Batch, error) {
	if baseDir == "" {
		baseDir = DefaultBatchDir
	}
	return LoadBatchFile(filepath.Join(baseDir, name))
}
