package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/graph"
	"github.com/kingrea/trellis/internal/workflow/results"
)

var t0 = time.Unix(1730000000, 0).UTC()

func sampleState(t *testing.T) (*graph.Graph, *results.Store) {
	t.Helper()
	g := graph.New()
	_, err := g.Submit([]workflow.Descriptor{
		{ID: "a", Kind: "k", Spec: json.RawMessage(`{"n":1}`)},
		{ID: "b", Kind: "k"},
		{ID: "c", Kind: "k", DependsOn: []string{"a", "b"}, InjectDependencyResults: true},
	}, t0)
	require.NoError(t, err)
	for _, step := range []struct {
		id string
		to workflow.Status
	}{
		{"a", workflow.StatusReady}, {"a", workflow.StatusRunning}, {"a", workflow.StatusComplete},
		{"b", workflow.StatusReady}, {"b", workflow.StatusRunning},
	} {
		_, err := g.Transition(step.id, step.to, graph.TransitionOptions{At: t0.Add(time.Second), Handle: "h"})
		require.NoError(t, err)
	}
	res := results.New()
	require.NoError(t, res.Record("a", json.RawMessage(`"1"`)))
	return g, res
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	g, res := sampleState(t)
	data, err := Encode(g, res, t0)
	require.NoError(t, err)

	restored, restoredRes, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, g.Tasks()[0], restored.Tasks()[0])
	b, ok := restored.Task("b")
	require.True(t, ok)
	assert.Equal(t, workflow.StatusRunning, b.Status)
	assert.Empty(t, b.WorkerHandle, "handles never survive a restore")
	out, ok := restoredRes.Output("a")
	require.True(t, ok)
	assert.JSONEq(t, `"1"`, string(out))
}

func TestDecodeRejectsCorruptSnapshots(t *testing.T) {
	cases := map[string]string{
		"garbage":        `not json`,
		"version":        `{"version":2,"tasks":[]}`,
		"unknown dep":    `{"version":1,"tasks":[{"id":"a","kind":"k","status":"blocked","depends_on":["zz"]}]}`,
		"orphan result":  `{"version":1,"tasks":[],"results":{"a":1}}`,
		"result on open": `{"version":1,"tasks":[{"id":"a","kind":"k","status":"pending"}],"results":{"a":1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(body))
			assert.ErrorIs(t, err, ErrCorruptSnapshot)
		})
	}
}

func TestManagerColdStarts(t *testing.T) {
	store := NewMemoryStore()
	m, err := NewManager(store, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	restored := m.Load(context.Background())
	assert.True(t, restored.Cold)
	assert.NoError(t, restored.Diagnostic)
	assert.Equal(t, 0, restored.Graph.Len())

	store.Put([]byte(`{"version":1,"tasks":[{`))
	restored = m.Load(context.Background())
	assert.True(t, restored.Cold)
	assert.ErrorIs(t, restored.Diagnostic, ErrCorruptSnapshot)
}

func TestManagerTracksDegradedHealth(t *testing.T) {
	store := NewMemoryStore()
	m, err := NewManager(store, WithFailureThreshold(2))
	require.NoError(t, err)
	g, res := sampleState(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, g, res, t0))
	assert.Equal(t, t0, m.Health().LastPersistedAt)

	store.FailSaves(errors.New("disk full"))
	assert.Error(t, m.Save(ctx, g, res, t0.Add(time.Second)))
	assert.False(t, m.Health().Degraded)
	assert.Error(t, m.Save(ctx, g, res, t0.Add(2*time.Second)))
	health := m.Health()
	assert.True(t, health.Degraded)
	assert.Equal(t, 2, health.ConsecutiveFailures)
	assert.Equal(t, "disk full", health.LastError)
	assert.Equal(t, t0, health.LastPersistedAt)

	store.FailSaves(nil)
	require.NoError(t, m.Save(ctx, g, res, t0.Add(3*time.Second)))
	assert.False(t, m.Health().Degraded)
	assert.Zero(t, m.Health().ConsecutiveFailures)
}

func TestFileStoreAtomicSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, store.Save(context.Background(), []byte(`{"version":1}`)))
	require.NoError(t, store.Save(context.Background(), []byte(`{"version":1,"tasks":[]}`)))
	data, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"version":1,"tasks":[]}`, string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestSQLiteStoreUpserts(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "trellis.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, store.Save(ctx, []byte("first")))
	require.NoError(t, store.Save(ctx, []byte("second")))
	data, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestManagerRoundTripThroughSQLite(t *testing.T) {
	store, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "trellis.db"))
	require.NoError(t, err)
	m, err := NewManager(store)
	require.NoError(t, err)
	defer m.Close()

	g, res := sampleState(t)
	require.NoError(t, m.Save(context.Background(), g, res, t0))
	restored := m.Load(context.Background())
	assert.False(t, restored.Cold)
	assert.Equal(t, 3, restored.Graph.Len())
	assert.True(t, restored.Results.Has("a"))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", "x")
	assert.Error(t, err)
}
