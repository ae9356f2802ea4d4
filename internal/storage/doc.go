// Package storage persists the task store snapshot and the execution journal.
//
// Drivers:
//   - "file":   JSON snapshot (atomic temp+rename) and an appended text log
//   - "sqlite": snapshot tables plus an executions table (modernc.org/sqlite)
//   - "memory": process-local, for tests and ephemeral runs
package storage
