// Package dispatch runs submitted tasks on a fixed pool of worker goroutines.
//
// Tasks are zero-argument closures. Dispatch never blocks and never rejects
// work: when every worker is busy, tasks wait in an unbounded FIFO. The pool
// reports nothing back to the submitter; tasks handle and log their own
// outcome.
//
// Key features:
//   - Fixed worker count chosen at construction
//   - Unbounded FIFO backlog (queue depth exposed through Stats)
//   - Panics inside a task are recovered and logged; the worker keeps going
//   - Stop abandons queued tasks and waits for in-flight ones
//
// Ordering:
//   - Tasks start in submission order, but with more than one worker there is
//     no ordering between their executions. Callers needing per-key exclusion
//     must provide it themselves (see internal/coordinator).
package dispatch
