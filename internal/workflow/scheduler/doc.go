// Package scheduler decides which ready tasks to dispatch on a tick. It applies
// the concurrency limit and the createdAt/id ordering so the engine never
// re-implements slot accounting.
package scheduler
