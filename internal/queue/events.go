package queue

import "time"

// EventKind enumerates the lifecycle notifications a Queue publishes.
type EventKind uint8

const (
	TaskAdded EventKind = iota + 1
	TaskStarted
	TaskCompleted
	TaskFailed
	TaskRetried
	// QueueUpdated follows every committed mutation and carries the full
	// ordered task list.
	QueueUpdated
)

func (k EventKind) String() string {
	switch k {
	case TaskAdded:
		return "task.added"
	case TaskStarted:
		return "task.started"
	case TaskCompleted:
		return "task.completed"
	case TaskFailed:
		return "task.failed"
	case TaskRetried:
		return "task.retried"
	case QueueUpdated:
		return "queue.updated"
	default:
		return "unknown"
	}
}

// Event is the payload for every kind. Fields that do not apply to a kind
// are left zero:
//   - Task: set for every task-level kind.
//   - Err: the processor error for TaskFailed and TaskRetried.
//   - Delay: the scheduled backoff for TaskRetried.
//   - Tasks: the ordered snapshot for QueueUpdated.
type Event[T any] struct {
	Kind  EventKind
	Time  time.Time
	Task  Task[T]
	Err   error
	Delay time.Duration
	Tasks []Task[T]
}
