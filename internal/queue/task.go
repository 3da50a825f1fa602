package queue

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus accepts the lowercase status names, ignoring case and spaces.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	return st, st.valid()
}

// Task is one unit of work and its retry bookkeeping.
//
// Values handed out by Queue are copies; mutating them does not affect the
// queue.
type Task[T any] struct {
	ID         string    `json:"id"`
	Payload    T         `json:"payload"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	EligibleAt time.Time `json:"eligible_at"`
	LastError  string    `json:"last_error,omitempty"`

	// seq breaks ties between tasks created within the same clock tick.
	seq uint64
}

// AddOptions tunes a single Add call. The zero value means: generated id,
// priority 0, eligible immediately.
type AddOptions struct {
	ID       string
	Priority int
	Delay    time.Duration
}

// Stats is a point-in-time count of tasks per status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
