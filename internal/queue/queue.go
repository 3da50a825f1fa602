package queue

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"retryq/internal/backoff"
	"retryq/internal/eventbus"
	rtsup "retryq/internal/runtime/supervisor"
	logx "retryq/pkg/logx"
)

const (
	loadTimeout       = 10 * time.Second
	saveTimeout       = 5 * time.Second
	warnThrottleEvery = 5 * time.Second
)

// Processor performs the work for one task. A nil return completes the task;
// any error (or panic) counts as a failed attempt.
type Processor[T any] func(ctx context.Context, payload T) error

// Queue is the facade over the task store, dispatcher and event bus.
// All methods are safe for concurrent use.
type Queue[T any] struct {
	log       logx.Logger
	bus       *eventbus.Bus[EventKind, Event[T]]
	persister Persister[T]

	mu       sync.Mutex
	cfg      Config
	policy   backoff.Policy
	rng      *rand.Rand
	store    *store[T]
	proc     Processor[T]
	inFlight int
	version  uint64

	sup        *rtsup.Supervisor
	stopping   bool
	execCtx    context.Context
	execCancel context.CancelFunc
	running    sync.WaitGroup

	wake chan struct{}

	// commits wait in outbox, in version order, until a single drainer
	// persists and publishes them.
	outbox   []commit[T]
	draining bool

	saveMu       sync.Mutex
	savedVersion uint64
	saveFailures atomic.Uint64
	saveWarn     rate.Sometimes
}

// New builds a queue and, when cfg.Persistent is set, restores the tasks p
// had stored. Tasks that were processing when they were saved come back as
// pending. A persistent queue without a persister is a config error.
func New[T any](cfg Config, log logx.Logger, p Persister[T]) (*Queue[T], error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if cfg.Persistent && p == nil {
		return nil, fmt.Errorf("%w: persistent queue needs a persister (configure storage)", ErrInvalidConfig)
	}
	if !cfg.Persistent {
		p = nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	q := &Queue[T]{
		log:       log,
		bus:       eventbus.New[EventKind, Event[T]](log.With(logx.String("comp", "queue.events"))),
		persister: p,
		cfg:       cfg,
		policy:    cfg.policy(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		store:     newStore[T](),
		wake:      make(chan struct{}, 1),
		saveWarn:  rate.Sometimes{First: 1, Interval: warnThrottleEvery},
	}
	q.restore()
	return q, nil
}

func (q *Queue[T]) restore() {
	if q.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	tasks, err := q.persister.Load(ctx)
	if err != nil {
		q.log.Warn("queue restore failed", logx.Err(err))
		return
	}

	now := time.Now()
	recovered := 0
	q.mu.Lock()
	for i := range tasks {
		t := tasks[i]
		t.ID = strings.TrimSpace(t.ID)
		if t.ID == "" {
			q.log.Warn("queue restore skipped task without id")
			continue
		}
		if t.Status == StatusProcessing || !t.Status.valid() {
			t.Status = StatusPending
			t.UpdatedAt = now
			recovered++
		}
		if err := q.store.insert(&t); err != nil {
			q.log.Warn("queue restore skipped task", logx.String("id", t.ID), logx.Err(err))
		}
	}
	n := len(q.store.tasks)
	q.mu.Unlock()

	if n > 0 {
		q.log.Info("queue restored", logx.Int("tasks", n), logx.Int("recovered", recovered))
	}
}

// Config returns the active configuration with defaults applied.
func (q *Queue[T]) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Apply swaps the retry and concurrency settings at runtime. Persistent and
// StorageKey are fixed at construction and ignored here. Tasks already
// waiting keep their scheduled eligibility time.
func (q *Queue[T]) Apply(cfg Config) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}
	q.mu.Lock()
	cfg.Persistent = q.cfg.Persistent
	cfg.StorageKey = q.cfg.StorageKey
	q.cfg = cfg
	q.policy = cfg.policy()
	q.mu.Unlock()

	q.log.Debug("queue config applied", logx.Int("concurrency", cfg.Concurrency), logx.Int("max_retries", cfg.MaxRetries))
	q.signal()
	return nil
}

// SetProcessor installs or replaces the work function. Until one is set,
// tasks wait in pending.
func (q *Queue[T]) SetProcessor(fn Processor[T]) {
	q.mu.Lock()
	q.proc = fn
	q.mu.Unlock()
	q.signal()
}

// Subscribe registers fn for kind and returns its unsubscribe func.
// Callbacks run synchronously, outside the queue's lock, so they may call back
// into the queue. Per queue, events arrive in the order their changes were
// made, one callback at a time.
func (q *Queue[T]) Subscribe(kind EventKind, fn func(Event[T])) (unsubscribe func()) {
	return q.bus.Subscribe(kind, fn)
}

// Add enqueues payload and returns the task id. It fails only with
// ErrDuplicateID; submission is never refused because of load.
func (q *Queue[T]) Add(payload T, opts AddOptions) (string, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	delay := opts.Delay
	if delay < 0 {
		delay = 0
	}

	now := time.Now()
	t := &Task[T]{
		ID:         id,
		Payload:    payload,
		Status:     StatusPending,
		Priority:   opts.Priority,
		CreatedAt:  now,
		UpdatedAt:  now,
		EligibleAt: now.Add(delay),
	}

	q.mu.Lock()
	if err := q.store.insert(t); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.commitLocked(now, Event[T]{Kind: TaskAdded, Time: now, Task: *t})
	q.mu.Unlock()

	q.log.Debug("task added", logx.String("id", id), logx.Int("priority", opts.Priority), logx.Duration("delay", delay))
	q.flush()
	q.signal()
	return id, nil
}

// Remove deletes a task. It returns false for unknown ids and for tasks that
// are currently processing.
func (q *Queue[T]) Remove(id string) bool {
	now := time.Now()
	q.mu.Lock()
	if !q.store.remove(id) {
		q.mu.Unlock()
		return false
	}
	q.commitLocked(now)
	q.mu.Unlock()

	q.log.Debug("task removed", logx.String("id", id))
	q.flush()
	return true
}

// Retry moves a failed task back to pending with a fresh retry budget. It
// returns false unless the task exists and is failed.
func (q *Queue[T]) Retry(id string) bool {
	now := time.Now()
	q.mu.Lock()
	t, ok := q.store.get(id)
	if !ok || t.Status != StatusFailed {
		q.mu.Unlock()
		return false
	}
	resetLocked(t, now)
	q.commitLocked(now)
	q.mu.Unlock()

	q.log.Debug("task retry requested", logx.String("id", id))
	q.flush()
	q.signal()
	return true
}

// RetryAll applies Retry to every failed task and returns how many moved.
func (q *Queue[T]) RetryAll() int {
	now := time.Now()
	q.mu.Lock()
	n := 0
	for _, t := range q.store.tasks {
		if t.Status == StatusFailed {
			resetLocked(t, now)
			n++
		}
	}
	if n == 0 {
		q.mu.Unlock()
		return 0
	}
	q.commitLocked(now)
	q.mu.Unlock()

	q.log.Debug("failed tasks retried", logx.Int("count", n))
	q.flush()
	q.signal()
	return n
}

func resetLocked[T any](t *Task[T], now time.Time) {
	t.Status = StatusPending
	t.Attempts = 0
	t.LastError = ""
	t.EligibleAt = now
	t.UpdatedAt = now
}

// ClearCompleted removes completed tasks and returns how many were removed.
func (q *Queue[T]) ClearCompleted() int {
	return q.clear(func(t *Task[T]) bool { return t.Status == StatusCompleted })
}

// ClearFailed removes failed tasks and returns how many were removed.
func (q *Queue[T]) ClearFailed() int {
	return q.clear(func(t *Task[T]) bool { return t.Status == StatusFailed })
}

// Clear removes every task that is not processing.
func (q *Queue[T]) Clear() int {
	return q.clear(func(*Task[T]) bool { return true })
}

func (q *Queue[T]) clear(match func(*Task[T]) bool) int {
	now := time.Now()
	q.mu.Lock()
	n := q.store.removeIf(match)
	if n == 0 {
		q.mu.Unlock()
		return 0
	}
	q.commitLocked(now)
	q.mu.Unlock()

	q.log.Debug("tasks cleared", logx.Int("count", n))
	q.flush()
	return n
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.counts()
}

// Tasks returns every tracked task in dispatch order.
func (q *Queue[T]) Tasks() []Task[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.snapshot()
}

// TasksByStatus returns the tasks in status, in dispatch order.
func (q *Queue[T]) TasksByStatus(status Status) []Task[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.filter(status)
}

func (q *Queue[T]) Get(id string) (Task[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.store.get(id)
	if !ok {
		return Task[T]{}, false
	}
	return *t, true
}

// commit is what one mutation leaves to flush: the snapshot to persist and
// the events to publish.
type commit[T any] struct {
	version  uint64
	snapshot []Task[T]
	events   []Event[T]
}

func (q *Queue[T]) commitLocked(now time.Time, events ...Event[T]) {
	q.version++
	c := commit[T]{version: q.version, events: events}
	updated := q.bus.Has(QueueUpdated)
	if q.persister != nil || updated {
		c.snapshot = q.store.snapshot()
	}
	if updated {
		c.events = append(c.events, Event[T]{Kind: QueueUpdated, Time: now, Tasks: c.snapshot})
	}
	q.outbox = append(q.outbox, c)
}

// flush delivers every queued commit in version order. Only one goroutine
// drains at a time; a caller that finds a drainer active (including a
// subscriber calling back into the queue) leaves its commit to that drainer.
func (q *Queue[T]) flush() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.outbox) > 0 {
		batch := q.outbox
		q.outbox = nil
		q.mu.Unlock()

		q.persist(batch[len(batch)-1])
		for _, c := range batch {
			for _, e := range c.events {
				q.bus.Publish(e.Kind, e)
			}
		}
		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

// persist saves c unless a newer version already reached the persister.
func (q *Queue[T]) persist(c commit[T]) {
	if q.persister == nil {
		return
	}
	q.saveMu.Lock()
	defer q.saveMu.Unlock()
	if c.version <= q.savedVersion {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	err := q.persister.Save(ctx, c.snapshot)
	cancel()
	if err != nil {
		n := q.saveFailures.Add(1)
		q.saveWarn.Do(func() {
			q.log.Warn("queue persist failed", logx.Err(err), logx.Uint64("failures", n))
		})
		return
	}
	q.savedVersion = c.version
}

// signal nudges the dispatcher. Extra signals coalesce.
func (q *Queue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
