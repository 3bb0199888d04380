// Package work provides the building blocks for long-running, resumable batch jobs.
//
// # Budgeted batches
//
// BatchRunner processes a prefetched, prioritized backlog one item at a time and checks the
// elapsed wall-clock time after every item. Once the budget is spent it stops and reports the
// untouched remainder; the next invocation queries the same backlog again, so stopping early
// defers work rather than losing it.
//
// The budget check happens only between items. An item's own blocking calls are not
// interrupted, so a run can exceed its budget by the duration of one item.
//
// # Per-item budgets
//
// Deadline lets a handler skip optional, slower sub-steps (for example a secondary data
// source) once its own time allowance is spent.
//
// # Skip decisions
//
// SkipCache remembers, per key, that an item needs no work. It is owned by the job that uses
// it and is invalidated explicitly when the underlying data changes.
package work
