// Package queue is an in-process task queue that retries failed work with
// backoff until it succeeds or exhausts its retry budget.
//
// A Queue holds tasks in priority order (higher first, FIFO among equals),
// dispatches up to Config.Concurrency of them at a time to a Processor, and
// reports every lifecycle transition on a typed event bus. State can be
// mirrored to a Persister after every mutation.
//
// Task lifecycle:
//
//	pending -> processing -> completed
//	                      -> pending (retry scheduled after backoff)
//	                      -> failed  (retries exhausted or NoRetry)
//	failed  -> pending (manual Retry / RetryAll only)
package queue
