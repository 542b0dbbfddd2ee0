// Package persist snapshots the task graph and result store to a durable
// store and rebuilds them at startup. A missing snapshot is a cold start; a
// corrupt one is logged and also treated as a cold start.
package persist
