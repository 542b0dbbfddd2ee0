package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/dispatch"
	"github.com/kingrea/trellis/internal/workflow/persist"
	"github.com/kingrea/trellis/internal/workflow/results"
	"github.com/kingrea/trellis/internal/workflow/status"
)

var t0 = time.Unix(1730000000, 0).UTC()

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	eng   *Engine
	fake  *dispatch.FakeRuntime
	store *persist.MemoryStore
	clock *manualClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, persist.NewMemoryStore(), opts...)
}

func newHarnessWithStore(t *testing.T, store *persist.MemoryStore, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	fake := dispatch.NewFakeRuntime()
	dp, err := dispatch.New(fake, dispatch.WithLogger(logger))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	manager, err := persist.NewManager(store, persist.WithLogger(logger), persist.WithFailureThreshold(2))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	clock := &manualClock{now: t0}
	base := []Option{WithClock(clock.Now), WithLogger(logger)}
	eng, err := New(dp, manager, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &harness{eng: eng, fake: fake, store: store, clock: clock}
}

func (h *harness) submit(t *testing.T, descs ...workflow.Descriptor) {
	t.Helper()
	if _, err := h.eng.Submit(context.Background(), descs); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func (h *harness) tick(t *testing.T) TickSummary {
	t.Helper()
	h.clock.Advance(time.Second)
	summary, err := h.eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return summary
}

func (h *harness) drain(t *testing.T) []TickSummary {
	t.Helper()
	var ticks []TickSummary
	for i := 0; i < 200; i++ {
		summary := h.tick(t)
		ticks = append(ticks, summary)
		if summary.Drained {
			return ticks
		}
	}
	t.Fatalf("graph did not drain: %v", h.eng.Summarize().Counts)
	return nil
}

func (h *harness) task(t *testing.T, id string) workflow.Task {
	t.Helper()
	task, ok := h.eng.Task(id)
	if !ok {
		t.Fatalf("task %s missing", id)
	}
	return task
}

func desc(id string, deps ...string) workflow.Descriptor {
	return workflow.Descriptor{ID: id, Kind: "test", DependsOn: deps}
}

func count(ids []string, id string) int {
	n := 0
	for _, v := range ids {
		if v == id {
			n++
		}
	}
	return n
}

func TestInjectedResultsReachDependent(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("A", dispatch.Outcome{Polls: 2, Output: json.RawMessage(`"1"`)})
	h.fake.Script("B", dispatch.Outcome{Output: json.RawMessage(`"2"`)})
	c := desc("C", "A", "B")
	c.InjectDependencyResults = true
	c.Spec = json.RawMessage(`{"op":"join"}`)
	h.submit(t, desc("A"), desc("B"), c)

	h.drain(t)

	started := h.fake.Started()
	if n := count(h.fake.StartedIDs(), "C"); n != 1 {
		t.Fatalf("C dispatched %d times", n)
	}
	var injected results.InjectedSpec
	for _, item := range started {
		if item.TaskID == "C" {
			if err := json.Unmarshal(item.Spec, &injected); err != nil {
				t.Fatalf("decode injected spec: %v", err)
			}
		}
	}
	if len(injected.DependencyResults) != 2 ||
		injected.DependencyResults[0].ID != "A" || string(injected.DependencyResults[0].Output) != `"1"` ||
		injected.DependencyResults[1].ID != "B" || string(injected.DependencyResults[1].Output) != `"2"` {
		t.Fatalf("unexpected injected results %+v", injected.DependencyResults)
	}
	if string(injected.Spec) != `{"op":"join"}` {
		t.Fatalf("original spec lost: %s", injected.Spec)
	}
	if got := h.task(t, "C").Status; got != workflow.StatusComplete {
		t.Fatalf("C status %s, want complete", got)
	}
}

func TestFailedDependencySkipsDependent(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("A", dispatch.Outcome{Err: errors.New("boom")})
	h.fake.Script("B", dispatch.Outcome{Polls: 1, Output: json.RawMessage(`"2"`)})
	c := desc("C", "A", "B")
	c.InjectDependencyResults = true
	h.submit(t, desc("A"), desc("B"), c)

	h.drain(t)

	if got := h.task(t, "B").Status; got != workflow.StatusComplete {
		t.Fatalf("B status %s, want complete", got)
	}
	a := h.task(t, "A")
	if a.Status != workflow.StatusFailed || !errors.Is(a.Error, workflow.ErrWorkerFailure) || a.Error.Message != "boom" {
		t.Fatalf("unexpected A %+v", a)
	}
	cTask := h.task(t, "C")
	if cTask.Status != workflow.StatusSkipped || cTask.Error != nil {
		t.Fatalf("unexpected C %+v", cTask)
	}
	if count(h.fake.StartedIDs(), "C") != 0 {
		t.Fatalf("C must never be dispatched")
	}
}

func TestCyclicSubmissionLeavesNoTasks(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.Submit(context.Background(), []workflow.Descriptor{desc("X", "Y"), desc("Y", "X")})
	if !errors.Is(err, workflow.ErrCyclicDependency) {
		t.Fatalf("expected cyclic dependency, got %v", err)
	}
	if tasks := h.eng.Tasks(); len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestConcurrencyLimitDispatchesInCreationOrder(t *testing.T) {
	h := newHarness(t, WithConcurrencyLimit(1))
	h.fake.Script("t1", dispatch.Outcome{Polls: 1})
	h.fake.Script("t2", dispatch.Outcome{Polls: 1})
	h.fake.Script("t3", dispatch.Outcome{Polls: 1})
	// Submitted out of id order; creation time decides.
	h.submit(t, desc("t2"))
	h.clock.Advance(time.Millisecond)
	h.submit(t, desc("t3"))
	h.clock.Advance(-2 * time.Millisecond)
	h.submit(t, desc("t1"))

	for _, summary := range h.drain(t) {
		if len(summary.Dispatched) > 1 {
			t.Fatalf("tick %d dispatched %v with limit 1", summary.Tick, summary.Dispatched)
		}
		if summary.Counts[workflow.StatusRunning] > 1 {
			t.Fatalf("tick %d has %d running", summary.Tick, summary.Counts[workflow.StatusRunning])
		}
	}
	if got := h.fake.StartedIDs(); !reflect.DeepEqual(got, []string{"t1", "t2", "t3"}) {
		t.Fatalf("dispatch order %v", got)
	}
}

func TestConcurrencyLimitReportsDeferredTasks(t *testing.T) {
	h := newHarness(t, WithConcurrencyLimit(1))
	h.fake.Script("t1", dispatch.Outcome{Manual: true})
	h.submit(t, desc("t1"))
	h.clock.Advance(time.Millisecond)
	h.submit(t, desc("t2"))

	summary := h.tick(t)
	if !reflect.DeepEqual(summary.Dispatched, []string{"t1"}) {
		t.Fatalf("dispatched %v, want [t1]", summary.Dispatched)
	}
	if want := map[string]string{"t2": "concurrency"}; !reflect.DeepEqual(summary.Deferred, want) {
		t.Fatalf("deferred %v, want %v", summary.Deferred, want)
	}
}

func TestCancelledTickContextLeavesTasksReady(t *testing.T) {
	h := newHarness(t)
	h.submit(t, desc("a"), desc("b", "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := h.eng.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(summary.Dispatched) != 0 || len(h.fake.StartedIDs()) != 0 {
		t.Fatalf("nothing should start on a done context, started %v", h.fake.StartedIDs())
	}
	if got := h.task(t, "a"); got.Status != workflow.StatusReady || got.Error != nil {
		t.Fatalf("a = %s %v, want ready without error", got.Status, got.Error)
	}
	if got := h.task(t, "b").Status; got != workflow.StatusBlocked {
		t.Fatalf("b status %s, want blocked", got)
	}

	h.drain(t)
	for _, id := range []string{"a", "b"} {
		if got := h.task(t, id).Status; got != workflow.StatusComplete {
			t.Fatalf("%s status %s after resuming, want complete", id, got)
		}
	}
}

// cancelingRuntime cancels the host context from inside Start, the way a
// signal arriving mid-tick does.
type cancelingRuntime struct {
	*dispatch.FakeRuntime
	cancel context.CancelFunc
}

func (r cancelingRuntime) Start(ctx context.Context, item dispatch.WorkItem) (dispatch.Handle, error) {
	r.cancel()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestContextCancelledDuringDispatchIsNotADispatchError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := cancelingRuntime{FakeRuntime: dispatch.NewFakeRuntime(), cancel: cancel}
	dp, err := dispatch.New(rt, dispatch.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	manager, err := persist.NewManager(persist.NewMemoryStore())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	eng, err := New(dp, manager, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := eng.Submit(context.Background(), []workflow.Descriptor{desc("x"), desc("y"), desc("z", "x")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, id := range []string{"x", "y"} {
		task, _ := eng.Task(id)
		if task.Status != workflow.StatusReady || task.Error != nil {
			t.Fatalf("%s = %s %v, want ready without error", id, task.Status, task.Error)
		}
	}
	if task, _ := eng.Task("z"); task.Status != workflow.StatusBlocked {
		t.Fatalf("z status %s, want blocked", task.Status)
	}
}

func TestRestoreFailsInterruptedTasks(t *testing.T) {
	store := persist.NewMemoryStore()
	first := newHarnessWithStore(t, store)
	first.fake.Script("W", dispatch.Outcome{Manual: true})
	first.submit(t, desc("W"), desc("D", "W"))
	first.tick(t)
	if got := first.task(t, "W").Status; got != workflow.StatusRunning {
		t.Fatalf("W status %s, want running", got)
	}

	second := newHarnessWithStore(t, store)
	report, err := second.eng.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if report.Cold || report.Tasks != 2 || !reflect.DeepEqual(report.Interrupted, []string{"W"}) {
		t.Fatalf("unexpected report %+v", report)
	}
	second.tick(t)
	w := second.task(t, "W")
	if w.Status != workflow.StatusFailed || !errors.Is(w.Error, workflow.ErrInterruptedByRestart) {
		t.Fatalf("unexpected W %+v", w)
	}
	if got := second.task(t, "D").Status; got != workflow.StatusSkipped {
		t.Fatalf("D status %s, want skipped", got)
	}
	if len(second.fake.Started()) != 0 {
		t.Fatalf("nothing should be dispatched after restore")
	}
	if _, err := second.eng.Restore(context.Background()); err == nil {
		t.Fatalf("second restore must be rejected")
	}
}

func TestRestoreColdStartOnCorruptSnapshot(t *testing.T) {
	store := persist.NewMemoryStore()
	store.Put([]byte("{broken"))
	h := newHarnessWithStore(t, store)
	report, err := h.eng.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !report.Cold || report.Diagnostic == "" || report.Tasks != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	h.submit(t, desc("a"))
	h.drain(t)
}

func TestRestoreResumesPendingWork(t *testing.T) {
	store := persist.NewMemoryStore()
	first := newHarnessWithStore(t, store)
	first.fake.Script("a", dispatch.Outcome{Output: json.RawMessage(`{"v":1}`)})
	first.submit(t, desc("a"))
	first.drain(t)
	b := desc("b", "a")
	b.InjectDependencyResults = true
	// Submission is snapshotted right away; the process then dies before
	// the next tick.
	first.submit(t, b)

	second := newHarnessWithStore(t, store)
	report, err := second.eng.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if report.Tasks != 2 || report.Results != 1 || len(report.Interrupted) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	second.drain(t)
	if got := second.task(t, "b").Status; got != workflow.StatusComplete {
		t.Fatalf("b status %s", got)
	}
	var injected results.InjectedSpec
	if err := json.Unmarshal(second.fake.Started()[0].Spec, &injected); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(injected.DependencyResults[0].Output) != `{"v":1}` {
		t.Fatalf("restored output not injected: %+v", injected)
	}
}

func TestDispatchErrorFailsTaskAndSkipsDependents(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("a", dispatch.Outcome{StartErr: errors.New("runtime unavailable")})
	h.submit(t, desc("a"), desc("b", "a"), desc("c", "b"))
	summary := h.tick(t)
	a := h.task(t, "a")
	if a.Status != workflow.StatusFailed || !errors.Is(a.Error, workflow.ErrDispatch) {
		t.Fatalf("unexpected a %+v", a)
	}
	if !summary.Drained || !reflect.DeepEqual(summary.Skipped, []string{"b", "c"}) {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestCancelRunningTaskCascades(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("a", dispatch.Outcome{Manual: true})
	h.submit(t, desc("a"), desc("b", "a"), desc("other"))
	h.tick(t)

	cancelled, err := h.eng.Cancel(context.Background(), "a")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != workflow.StatusFailed || !errors.Is(cancelled.Error, workflow.ErrCancelled) {
		t.Fatalf("unexpected cancelled task %+v", cancelled)
	}
	if !reflect.DeepEqual(h.fake.Canceled(), []string{"a"}) {
		t.Fatalf("worker not cancelled: %v", h.fake.Canceled())
	}
	if got := h.task(t, "b").Status; got != workflow.StatusSkipped {
		t.Fatalf("b status %s, want skipped", got)
	}
	if _, err := h.eng.Cancel(context.Background(), "a"); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Fatalf("cancelling a terminal task must fail, got %v", err)
	}
	if _, err := h.eng.Cancel(context.Background(), "missing"); !errors.Is(err, workflow.ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	h.drain(t)
	if got := h.task(t, "other").Status; got != workflow.StatusComplete {
		t.Fatalf("unrelated task status %s", got)
	}
}

func TestCancelBlockedTask(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("a", dispatch.Outcome{Manual: true})
	h.submit(t, desc("a"), desc("b", "a"))
	h.tick(t)
	if _, err := h.eng.Cancel(context.Background(), "b"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.fake.Finish("a", json.RawMessage(`1`), nil)
	h.drain(t)
	if got := h.task(t, "b").Status; got != workflow.StatusFailed {
		t.Fatalf("b status %s, want failed", got)
	}
}

func TestShutdownCancelsRunningAndSnapshots(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("a", dispatch.Outcome{Manual: true})
	h.fake.Script("b", dispatch.Outcome{Manual: true})
	h.submit(t, desc("a"), desc("b"), desc("c", "a"))
	h.tick(t)
	saves := h.store.Saves()

	if err := h.eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		task := h.task(t, id)
		if task.Status != workflow.StatusFailed || !errors.Is(task.Error, workflow.ErrCancelled) {
			t.Fatalf("unexpected %s %+v", id, task)
		}
	}
	if got := h.task(t, "c").Status; got != workflow.StatusSkipped {
		t.Fatalf("c status %s", got)
	}
	if h.store.Saves() <= saves {
		t.Fatalf("expected a final snapshot")
	}
	if _, err := h.eng.Tick(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("tick after shutdown: %v", err)
	}
	if _, err := h.eng.Submit(context.Background(), []workflow.Descriptor{desc("d")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after shutdown: %v", err)
	}
}

func TestDrainedTickIsNoop(t *testing.T) {
	h := newHarness(t)
	h.submit(t, desc("a"))
	ticks := h.drain(t)
	last := ticks[len(ticks)-1]
	again := h.tick(t)
	if !reflect.DeepEqual(last, again) {
		t.Fatalf("drained tick changed summary:\n%+v\n%+v", last, again)
	}
	transitions := len(h.eng.Transitions())
	h.tick(t)
	if len(h.eng.Transitions()) != transitions {
		t.Fatalf("drained tick transitioned tasks")
	}

	h.submit(t, desc("b", "a"))
	h.drain(t)
	if got := h.task(t, "b").Status; got != workflow.StatusComplete {
		t.Fatalf("late dependent status %s", got)
	}
}

func TestPersistenceOutageDegradesHealth(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("a", dispatch.Outcome{Polls: 5})
	h.store.FailSaves(errors.New("disk full"))
	h.submit(t, desc("a"))

	first := h.tick(t)
	if first.PersistErr == "" {
		t.Fatalf("tick must report the persistence error")
	}
	if len(first.Dispatched) != 1 {
		t.Fatalf("dispatch must not wait on persistence: %+v", first)
	}
	h.tick(t)
	summary := h.eng.Summarize()
	if summary.Health.Persistence != status.PersistenceDegraded {
		t.Fatalf("expected degraded health, got %+v", summary.Health)
	}

	h.store.FailSaves(nil)
	recovered := h.tick(t)
	if recovered.PersistErr != "" {
		t.Fatalf("unexpected error after recovery: %s", recovered.PersistErr)
	}
	if h.eng.Summarize().Health.Persistence != status.PersistenceOK {
		t.Fatalf("health did not recover")
	}
}

func TestConcurrencyLimitAdjustsBetweenTicks(t *testing.T) {
	h := newHarness(t, WithConcurrencyLimit(1))
	for _, id := range []string{"a", "b", "c", "d"} {
		h.fake.Script(id, dispatch.Outcome{Manual: true})
	}
	h.submit(t, desc("a"), desc("b"), desc("c"), desc("d"))
	if got := h.tick(t).Dispatched; len(got) != 1 {
		t.Fatalf("expected one dispatch, got %v", got)
	}
	if err := h.eng.SetConcurrencyLimit(3); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if got := h.tick(t).Dispatched; !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("expected b and c, got %v", got)
	}
	if err := h.eng.SetConcurrencyLimit(1); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	summary := h.tick(t)
	if len(summary.Dispatched) != 0 || summary.Counts[workflow.StatusRunning] != 3 {
		t.Fatalf("lowering the limit must not preempt: %+v", summary)
	}
	if err := h.eng.SetConcurrencyLimit(-1); err == nil {
		t.Fatalf("negative limit must be rejected")
	}
}

func TestWatchdogTimesOutLongRunningTasks(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("slow", dispatch.Outcome{Manual: true})
	h.submit(t, desc("slow"), desc("after", "slow"))
	h.tick(t)

	dog := Watchdog{Timeout: time.Minute}
	if failed := dog.Sweep(context.Background(), h.eng, nil); len(failed) != 0 {
		t.Fatalf("nothing is overdue yet, got %v", failed)
	}
	h.clock.Advance(2 * time.Minute)
	if failed := dog.Sweep(context.Background(), h.eng, nil); !reflect.DeepEqual(failed, []string{"slow"}) {
		t.Fatalf("expected slow to time out, got %v", failed)
	}
	slow := h.task(t, "slow")
	if !errors.Is(slow.Error, workflow.ErrTimeout) {
		t.Fatalf("unexpected error %+v", slow.Error)
	}
	if got := h.task(t, "after").Status; got != workflow.StatusSkipped {
		t.Fatalf("after status %s", got)
	}
}

func TestInvalidOutputFailsTask(t *testing.T) {
	h := newHarness(t)
	h.fake.Script("a", dispatch.Outcome{Output: json.RawMessage(`{`)})
	h.submit(t, desc("a"))
	h.drain(t)
	a := h.task(t, "a")
	if a.Status != workflow.StatusFailed || !errors.Is(a.Error, workflow.ErrInvariantViolation) {
		t.Fatalf("unexpected a %+v", a)
	}
}

func TestTransitionHookSeesEveryTransition(t *testing.T) {
	var seen []Transition
	h := newHarness(t, WithTransitionHook(func(tr Transition) { seen = append(seen, tr) }))
	h.submit(t, desc("a"))
	h.drain(t)
	want := []workflow.Status{workflow.StatusReady, workflow.StatusRunning, workflow.StatusComplete}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), seen)
	}
	for i, to := range want {
		if seen[i].To != to {
			t.Fatalf("transition %d went to %s, want %s", i, seen[i].To, to)
		}
	}
	if !reflect.DeepEqual(seen, h.eng.Transitions()) {
		t.Fatalf("hook and transition log disagree")
	}
}

// randomRun builds a random DAG, scripts random outcomes and drains it. The
// same seed always produces the same graph and outcomes.
func randomRun(t *testing.T, seed int64, limit int) (*harness, map[string][]string) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	deps := map[string][]string{}
	shadow := map[string]workflow.Status{}
	var checkErr error
	hook := func(tr Transition) {
		if checkErr != nil {
			return
		}
		if shadow[tr.TaskID] != tr.From {
			checkErr = fmt.Errorf("%s: transition from %s but last seen %s", tr.TaskID, tr.From, shadow[tr.TaskID])
			return
		}
		switch tr.To {
		case workflow.StatusReady:
			for _, dep := range deps[tr.TaskID] {
				if shadow[dep] != workflow.StatusComplete {
					checkErr = fmt.Errorf("%s ready while %s is %s", tr.TaskID, dep, shadow[dep])
				}
			}
		case workflow.StatusSkipped:
			bad := false
			for _, dep := range deps[tr.TaskID] {
				if shadow[dep] == workflow.StatusFailed || shadow[dep] == workflow.StatusSkipped {
					bad = true
				}
			}
			if !bad {
				checkErr = fmt.Errorf("%s skipped without a failed dependency", tr.TaskID)
			}
		}
		shadow[tr.TaskID] = tr.To
	}
	h := newHarness(t, WithConcurrencyLimit(limit), WithTransitionHook(hook))
	n := 3 + rng.Intn(15)
	batch := make([]workflow.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t%02d", i)
		var ds []string
		for j := 0; j < i; j++ {
			if rng.Intn(4) == 0 {
				ds = append(ds, fmt.Sprintf("t%02d", j))
			}
		}
		deps[id] = ds
		d := desc(id, ds...)
		d.InjectDependencyResults = rng.Intn(2) == 0
		batch = append(batch, d)
		outcome := dispatch.Outcome{Polls: rng.Intn(3), Output: json.RawMessage(fmt.Sprintf("%d", i))}
		if rng.Intn(5) == 0 {
			outcome.Err = errors.New("scripted failure")
		}
		h.fake.Script(id, outcome)
	}
	for _, d := range batch {
		shadow[d.ID] = workflow.InitialStatus(d.DependsOn)
	}
	h.submit(t, batch...)
	h.drain(t)
	if checkErr != nil {
		t.Fatalf("seed %d: %v", seed, checkErr)
	}
	return h, deps
}

func TestRandomDAGsResolveCorrectly(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		h, deps := randomRun(t, seed, 1+int(seed%3))
		byID := map[string]workflow.Task{}
		for _, task := range h.eng.Tasks() {
			byID[task.ID] = task
		}
		started := h.fake.StartedIDs()
		for id, task := range byID {
			if !task.Status.Terminal() {
				t.Fatalf("seed %d: %s left %s", seed, id, task.Status)
			}
			anyBad, allComplete := false, true
			for _, dep := range deps[id] {
				switch byID[dep].Status {
				case workflow.StatusFailed, workflow.StatusSkipped:
					anyBad = true
					allComplete = false
				case workflow.StatusComplete:
				default:
					allComplete = false
				}
			}
			switch task.Status {
			case workflow.StatusSkipped:
				if !anyBad || count(started, id) != 0 {
					t.Fatalf("seed %d: %s skipped incorrectly", seed, id)
				}
			case workflow.StatusComplete, workflow.StatusFailed:
				if !allComplete || count(started, id) != 1 {
					t.Fatalf("seed %d: %s %s with deps %v", seed, id, task.Status, deps[id])
				}
			}
		}
		assertMonotonic(t, h.eng.Transitions())
	}
}

func TestDispatchOrderIsDeterministic(t *testing.T) {
	for seed := int64(1); seed <= 10; seed++ {
		first, _ := randomRun(t, seed, 2)
		second, _ := randomRun(t, seed, 2)
		if !reflect.DeepEqual(first.fake.StartedIDs(), second.fake.StartedIDs()) {
			t.Fatalf("seed %d: dispatch sequences differ:\n%v\n%v", seed, first.fake.StartedIDs(), second.fake.StartedIDs())
		}
	}
}

func assertMonotonic(t *testing.T, log []Transition) {
	t.Helper()
	last := map[string]Transition{}
	for _, tr := range log {
		if !workflow.CanTransition(tr.From, tr.To) {
			t.Fatalf("illegal transition %s: %s -> %s", tr.TaskID, tr.From, tr.To)
		}
		if prev, ok := last[tr.TaskID]; ok {
			if prev.To != tr.From {
				t.Fatalf("%s: gap between %s and %s", tr.TaskID, prev.To, tr.From)
			}
			if tr.At.Before(prev.At) {
				t.Fatalf("%s: transition time went backwards", tr.TaskID)
			}
		}
		last[tr.TaskID] = tr
	}
}
