package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Outcome scripts how a FakeRuntime worker behaves.
type Outcome struct {
	// StartErr makes Start fail.
	StartErr error
	// Polls is how many polls report not-done before the worker finishes.
	Polls int
	// Manual workers only finish through FakeRuntime.Finish or Cancel.
	Manual bool
	Output json.RawMessage
	Err    error
}

// FakeRuntime is a deterministic runtime for tests. Workers without a
// scripted outcome finish on their first poll with a null output.
type FakeRuntime struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	workers  map[Handle]*fakeWorker
	byTask   map[string]Handle
	started  []WorkItem
	canceled []string
	next     int
}

type fakeWorker struct {
	item    WorkItem
	outcome Outcome
	polls   int
	done    bool
	result  PollResult
}

// NewFakeRuntime returns an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		outcomes: map[string]Outcome{},
		workers:  map[Handle]*fakeWorker{},
		byTask:   map[string]Handle{},
	}
}

// Script sets the outcome for taskID.
func (f *FakeRuntime) Script(taskID string, outcome Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[taskID] = outcome
}

// Start records item and returns a sequential handle.
func (f *FakeRuntime) Start(_ context.Context, item WorkItem) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcome := f.outcomes[item.TaskID]
	if outcome.StartErr != nil {
		return "", outcome.StartErr
	}
	f.next++
	handle := Handle(fmt.Sprintf("fake-%d", f.next))
	item.Spec = append(json.RawMessage(nil), item.Spec...)
	f.workers[handle] = &fakeWorker{item: item, outcome: outcome}
	f.byTask[item.TaskID] = handle
	f.started = append(f.started, item)
	return handle, nil
}

// Poll advances the worker's poll counter.
func (f *FakeRuntime) Poll(h Handle) PollResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[h]
	if !ok {
		return PollResult{Done: true, Err: ErrUnknownHandle}
	}
	if w.done {
		return w.result
	}
	if w.outcome.Manual {
		return PollResult{}
	}
	if w.polls < w.outcome.Polls {
		w.polls++
		return PollResult{}
	}
	w.finish(w.outcome.Output, w.outcome.Err)
	return w.result
}

// Cancel marks the worker finished with context.Canceled.
func (f *FakeRuntime) Cancel(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[h]
	if !ok {
		return ErrUnknownHandle
	}
	f.canceled = append(f.canceled, w.item.TaskID)
	if !w.done {
		w.finish(nil, context.Canceled)
	}
	return nil
}

// Finish completes a running worker for taskID.
func (f *FakeRuntime) Finish(taskID string, output json.RawMessage, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.byTask[taskID]
	if !ok {
		return false
	}
	w := f.workers[h]
	if w.done {
		return false
	}
	w.finish(output, err)
	return true
}

// Started returns the work items in start order.
func (f *FakeRuntime) Started() []WorkItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkItem, len(f.started))
	copy(out, f.started)
	return out
}

// StartedIDs returns the task ids in start order.
func (f *FakeRuntime) StartedIDs() []string {
	items := f.Started()
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.TaskID
	}
	return ids
}

// Canceled returns the task ids Cancel was called for.
func (f *FakeRuntime) Canceled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

func (w *fakeWorker) finish(output json.RawMessage, err error) {
	w.done = true
	if err != nil {
		w.result = PollResult{Done: true, Err: err}
		return
	}
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	w.result = PollResult{Done: true, Output: output}
}
