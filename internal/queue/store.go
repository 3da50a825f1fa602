package queue

import (
	"sort"
	"time"
)

// store keeps tasks sorted by (priority desc, created asc, seq asc) with an
// id index. Priority and creation time never change after insert, so the
// order only moves on insert and removal. Callers hold Queue.mu.
type store[T any] struct {
	tasks []*Task[T]
	byID  map[string]*Task[T]
	seq   uint64
}

func newStore[T any]() *store[T] {
	return &store[T]{byID: map[string]*Task[T]{}}
}

func before[T any](a, b *Task[T]) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *store[T]) insert(t *Task[T]) error {
	if _, ok := s.byID[t.ID]; ok {
		return ErrDuplicateID
	}
	s.seq++
	t.seq = s.seq

	i := sort.Search(len(s.tasks), func(i int) bool { return before(t, s.tasks[i]) })
	s.tasks = append(s.tasks, nil)
	copy(s.tasks[i+1:], s.tasks[i:])
	s.tasks[i] = t
	s.byID[t.ID] = t
	return nil
}

func (s *store[T]) get(id string) (*Task[T], bool) {
	t, ok := s.byID[id]
	return t, ok
}

// remove refuses unknown ids and tasks that are being processed.
func (s *store[T]) remove(id string) bool {
	t, ok := s.byID[id]
	if !ok || t.Status == StatusProcessing {
		return false
	}
	for i, cur := range s.tasks {
		if cur == t {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
	delete(s.byID, id)
	return true
}

// removeIf drops every non-processing task that matches and returns
// how many were removed.
func (s *store[T]) removeIf(match func(*Task[T]) bool) int {
	n := 0
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if t.Status != StatusProcessing && match(t) {
			delete(s.byID, t.ID)
			n++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = kept
	return n
}

// nextEligible returns the first pending task in order whose eligibility
// time has passed.
func (s *store[T]) nextEligible(now time.Time) *Task[T] {
	for _, t := range s.tasks {
		if t.Status == StatusPending && !t.EligibleAt.After(now) {
			return t
		}
	}
	return nil
}

// nextWake returns the earliest future eligibility time among pending tasks.
func (s *store[T]) nextWake(now time.Time) (time.Time, bool) {
	var (
		at    time.Time
		found bool
	)
	for _, t := range s.tasks {
		if t.Status != StatusPending || !t.EligibleAt.After(now) {
			continue
		}
		if !found || t.EligibleAt.Before(at) {
			at, found = t.EligibleAt, true
		}
	}
	return at, found
}

func (s *store[T]) counts() Stats {
	st := Stats{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}

func (s *store[T]) snapshot() []Task[T] {
	out := make([]Task[T], len(s.tasks))
	for i, t := range s.tasks {
		out[i] = *t
	}
	return out
}

func (s *store[T]) filter(status Status) []Task[T] {
	out := make([]Task[T], 0)
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	return out
}
