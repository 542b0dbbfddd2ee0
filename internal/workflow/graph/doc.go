// Package graph owns the authoritative in-memory task graph. It validates
// submissions (known dependencies, acyclicity, unique ids) before inserting
// anything, answers readiness queries, and enforces the status state machine
// on every transition. It performs no locking: a single scheduler loop owns
// the graph.
package graph
