package status

import (
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/persist"
)

var t0 = time.Unix(1730000000, 0).UTC()

func task(id string, status workflow.Status, deps ...string) workflow.Task {
	return workflow.Task{ID: id, Kind: "k", Status: status, DependsOn: deps, CreatedAt: t0}
}

func TestSummarizeReportsTransitiveBlockedChains(t *testing.T) {
	// a (running) <- b (blocked) <- d (blocked)
	// c (complete) <- d
	tasks := []workflow.Task{
		task("a", workflow.StatusRunning),
		task("b", workflow.StatusBlocked, "a"),
		task("c", workflow.StatusComplete),
		task("d", workflow.StatusBlocked, "b", "c"),
	}
	tasks[0].StartedAt = t0.Add(time.Second)
	summary := Summarize(Source{Tasks: tasks, InFlight: []string{"a"}, ConcurrencyLimit: 2, Now: t0})

	want := []BlockedChain{
		{TaskID: "b", Outstanding: []string{"a"}},
		{TaskID: "d", Outstanding: []string{"a", "b"}},
	}
	if !reflect.DeepEqual(summary.BlockedChains, want) {
		t.Fatalf("blocked chains = %+v, want %+v", summary.BlockedChains, want)
	}
	if summary.Counts[workflow.StatusBlocked] != 2 || summary.Counts[workflow.StatusRunning] != 1 || summary.Counts[workflow.StatusComplete] != 1 {
		t.Fatalf("unexpected counts %v", summary.Counts)
	}
	if len(summary.Running) != 1 || summary.Running[0].ID != "a" || !summary.Running[0].Attached {
		t.Fatalf("unexpected running %+v", summary.Running)
	}
	if summary.ConcurrencyLimit != 2 || !summary.GeneratedAt.Equal(t0) {
		t.Fatalf("unexpected metadata %+v", summary)
	}
}

func TestSummarizeHealth(t *testing.T) {
	summary := Summarize(Source{})
	if summary.Health.Persistence != PersistenceOK {
		t.Fatalf("expected ok, got %s", summary.Health.Persistence)
	}
	summary = Summarize(Source{Persistence: persist.Health{Degraded: true, ConsecutiveFailures: 4, LastError: "disk full"}})
	if summary.Health.Persistence != PersistenceDegraded || summary.Health.ConsecutiveFailures != 4 {
		t.Fatalf("unexpected health %+v", summary.Health)
	}
}

func TestSummarizeEmptyGraph(t *testing.T) {
	summary := Summarize(Source{Drained: true})
	if !summary.Drained || len(summary.BlockedChains) != 0 || len(summary.Running) != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, s := range workflow.Statuses {
		if n, ok := summary.Counts[s]; !ok || n != 0 {
			t.Fatalf("expected zero count for %s", s)
		}
	}
}
