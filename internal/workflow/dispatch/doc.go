// Package dispatch owns live worker handles. The Dispatcher wraps a Runtime
// (anything that can start, poll and cancel work) and guarantees that Start
// returns within a bounded setup window and that Poll never blocks.
//
// Three runtimes ship with the package: FuncRuntime runs in-process handlers
// keyed by task kind, ExecRuntime runs a child process per task, and
// FakeRuntime replays scripted outcomes for tests.
package dispatch
