// Package schedule submits payloads into named queues on cron or interval
// triggers.
//
// It only triggers; execution and retries belong to the queue the entry
// targets.
package schedule
