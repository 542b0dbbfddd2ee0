package workflow

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseBatchYAMLRejectsEmptyPayload(t *testing.T) {
	_, err := ParseBatchYAML([]byte("   \n"))
	if err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if !strings.Contains(err.Error(), "empty") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseBatchYAMLConvertsSpecToJSON(t *testing.T) {
	const payload = `
tasks:
  - id: fetch
    kind: shell
    spec:
      command: [echo, "1"]
      env:
        MODE: fast
  - id: merge
    kind: shell
    depends_on: [fetch]
    inject_dependency_results: true
`
	batch, err := ParseBatchYAML([]byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(batch.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(batch.Tasks))
	}
	var spec struct {
		Command []string          `json:"command"`
		Env     map[string]string `json:"env"`
	}
	if err := json.Unmarshal(batch.Tasks[0].Spec, &spec); err != nil {
		t.Fatalf("spec is not JSON: %v (%s)", err, batch.Tasks[0].Spec)
	}
	if len(spec.Command) != 2 || spec.Command[1] != "1" || spec.Env["MODE"] != "fast" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	merge := batch.Tasks[1]
	if !merge.InjectDependencyResults || len(merge.DependsOn) != 1 || merge.DependsOn[0] != "fetch" {
		t.Fatalf("unexpected merge descriptor: %+v", merge)
	}
	if merge.Spec != nil {
		t.Fatalf("expected nil spec when omitted, got %s", merge.Spec)
	}
}

func TestLoadBatchFileWrapsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("tasks: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadBatchFile(path)
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if !strings.Contains(err.Error(), path) {
		t.Fatalf("error should mention %s, got %v", path, err)
	}
}

func TestParseBatchJSON(t *testing.T) {
	batch, err := ParseBatchJSON([]byte(`{"tasks":[{"id":"a","kind":"k","spec":{"n":1}}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(batch.Tasks) != 1 || string(batch.Tasks[0].Spec) != `{"n":1}` {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestDescriptorValidate(t *testing.T) {
	cases := []struct {
		name string
		desc Descriptor
		ok   bool
	}{
		{name: "valid", desc: Descriptor{ID: "a", Kind: "k", DependsOn: []string{"b"}}, ok: true},
		{name: "missing id", desc: Descriptor{Kind: "k"}},
		{name: "missing kind", desc: Descriptor{ID: "a"}},
		{name: "bad spec", desc: Descriptor{ID: "a", Kind: "k", Spec: json.RawMessage(`{`)}},
		{name: "duplicate dep", desc: Descriptor{ID: "a", Kind: "k", DependsOn: []string{"b", "b"}}},
		{name: "blank dep", desc: Descriptor{ID: "a", Kind: "k", DependsOn: []string{" "}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.desc.Normalized().Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !errors.Is(err, ErrInvalidTask) {
					t.Fatalf("expected ErrInvalidTask, got %v", err)
				}
			}
		})
	}
}
