// Package engine is the scheduler loop. It ties the task graph, result store,
// worker dispatcher and persistence manager together: each Tick polls running
// workers, settles readiness of dependents, dispatches ready tasks within the
// concurrency limit and snapshots the result. The Engine is the only thing
// that transitions task status.
package engine
