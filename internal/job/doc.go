// Package job runs persisted jobs. An Engine polls a store.JobStore, claims
// runnable jobs up to its concurrency limit, resolves each job's inputs from
// its dependencies, and executes it with the Handler registered for its type.
//
// Handlers report failures through Validation, Retryable and
// ResourceExhausted; the engine turns the classification into a retry with
// backoff or a terminal failure. A Sweeper returns jobs abandoned by a dead
// engine to the queue.
package job
