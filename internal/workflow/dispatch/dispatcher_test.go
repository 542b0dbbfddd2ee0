package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDispatcherTracksHandles(t *testing.T) {
	fake := NewFakeRuntime()
	fake.Script("a", Outcome{Polls: 1, Output: json.RawMessage(`"ok"`)})
	dp, err := New(fake, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	handle, err := dp.Start(context.Background(), WorkItem{TaskID: "a", Kind: "k"})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, []string{"a"}, dp.InFlight())

	_, err = dp.Start(context.Background(), WorkItem{TaskID: "a", Kind: "k"})
	assert.Error(t, err, "second start for the same task must fail")

	assert.False(t, dp.Poll("a").Done)
	res := dp.Poll("a")
	require.True(t, res.Done)
	assert.JSONEq(t, `"ok"`, string(res.Output))

	dp.Release("a")
	assert.Empty(t, dp.InFlight())
	assert.ErrorIs(t, dp.Poll("a").Err, ErrUnknownHandle)
}

func TestDispatcherReportsStartErrors(t *testing.T) {
	fake := NewFakeRuntime()
	boom := errors.New("runtime unavailable")
	fake.Script("a", Outcome{StartErr: boom})
	dp, err := New(fake)
	require.NoError(t, err)
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "a"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, dp.InFlight())
}

type stuckRuntime struct {
	release  chan struct{}
	canceled chan Handle
}

func (s *stuckRuntime) Start(context.Context, WorkItem) (Handle, error) {
	<-s.release
	return "late", nil
}

func (s *stuckRuntime) Poll(Handle) PollResult { return PollResult{} }

func (s *stuckRuntime) Cancel(h Handle) error {
	s.canceled <- h
	return nil
}

func TestDispatcherBoundsSetup(t *testing.T) {
	stuck := &stuckRuntime{release: make(chan struct{}), canceled: make(chan Handle, 1)}
	dp, err := New(stuck, WithSetupTimeout(20*time.Millisecond))
	require.NoError(t, err)

	started := time.Now()
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "a"})
	assert.ErrorIs(t, err, ErrSetupTimeout)
	assert.Less(t, time.Since(started), time.Second)
	assert.Empty(t, dp.InFlight())

	close(stuck.release)
	select {
	case h := <-stuck.canceled:
		assert.Equal(t, Handle("late"), h)
	case <-time.After(2 * time.Second):
		t.Fatal("late handle was not cancelled")
	}
}

func TestDispatcherCancelAll(t *testing.T) {
	fake := NewFakeRuntime()
	fake.Script("a", Outcome{Manual: true})
	fake.Script("b", Outcome{Manual: true})
	dp, err := New(fake)
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := dp.Start(context.Background(), WorkItem{TaskID: id})
		require.NoError(t, err)
	}
	require.NoError(t, dp.CancelAll(context.Background()))
	assert.ElementsMatch(t, []string{"a", "b"}, fake.Canceled())
	for _, id := range []string{"a", "b"} {
		res := dp.Poll(id)
		require.True(t, res.Done)
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
}

func TestFuncRuntimeRunsHandlers(t *testing.T) {
	rt := NewFuncRuntime()
	gate := make(chan struct{})
	rt.Register("echo", func(ctx context.Context, spec json.RawMessage) (json.RawMessage, error) {
		<-gate
		return spec, nil
	})
	dp, err := New(rt)
	require.NoError(t, err)

	_, err = dp.Start(context.Background(), WorkItem{TaskID: "a", Kind: "missing"})
	assert.Error(t, err)

	_, err = dp.Start(context.Background(), WorkItem{TaskID: "a", Kind: "echo", Spec: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	assert.False(t, dp.Poll("a").Done, "poll must not block while the handler runs")

	close(gate)
	res := waitDone(t, dp, "a")
	require.NoError(t, res.Err)
	assert.JSONEq(t, `{"x":1}`, string(res.Output))
}

func TestFuncRuntimeCancel(t *testing.T) {
	rt := NewFuncRuntime()
	rt.Register("wait", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	dp, err := New(rt)
	require.NoError(t, err)
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "a", Kind: "wait"})
	require.NoError(t, err)
	require.NoError(t, dp.Cancel("a"))
	res := waitDone(t, dp, "a")
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestFuncRuntimeRecoversPanics(t *testing.T) {
	rt := NewFuncRuntime()
	rt.Register("panic", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})
	dp, err := New(rt)
	require.NoError(t, err)
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "a", Kind: "panic"})
	require.NoError(t, err)
	res := waitDone(t, dp, "a")
	assert.ErrorContains(t, res.Err, "boom")
}

func TestExecRuntime(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("exec runtime tests use /bin/sh")
	}
	dp, err := New(NewExecRuntime(""))
	require.NoError(t, err)

	spec := json.RawMessage(`{"script":"cat >/dev/null; echo '{\"sum\":3}'"}`)
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "json", Kind: "exec", Spec: spec})
	require.NoError(t, err)
	res := waitDone(t, dp, "json")
	require.NoError(t, res.Err)
	assert.JSONEq(t, `{"sum":3}`, string(res.Output))

	spec = json.RawMessage(`{"script":"echo plain text"}`)
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "text", Kind: "exec", Spec: spec})
	require.NoError(t, err)
	res = waitDone(t, dp, "text")
	require.NoError(t, res.Err)
	assert.JSONEq(t, `"plain text"`, string(res.Output))

	spec = json.RawMessage(`{"script":"echo nope >&2; exit 3"}`)
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "fail", Kind: "exec", Spec: spec})
	require.NoError(t, err)
	res = waitDone(t, dp, "fail")
	assert.EqualError(t, res.Err, "exit status 3: nope")

	spec = json.RawMessage(`{"script":"sleep 30"}`)
	_, err = dp.Start(context.Background(), WorkItem{TaskID: "slow", Kind: "exec", Spec: spec})
	require.NoError(t, err)
	require.NoError(t, dp.Cancel("slow"))
	res = waitDone(t, dp, "slow")
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestParseExecSpecReadsInjectedSpec(t *testing.T) {
	spec, err := ParseExecSpec(json.RawMessage(`{"spec":{"command":["echo","hi"]},"dependency_results":[]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "hi"}, spec.Command)

	_, err = ParseExecSpec(json.RawMessage(`{"dir":"/tmp"}`))
	assert.Error(t, err)
}

func waitDone(t *testing.T, dp *Dispatcher, taskID string) PollResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if res := dp.Poll(taskID); res.Done {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", taskID)
	return PollResult{}
}
