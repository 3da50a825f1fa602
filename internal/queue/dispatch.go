package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	rtsup "retryq/internal/runtime/supervisor"
	logx "retryq/pkg/logx"
)

// Start launches the dispatcher. It is a no-op if the queue is running.
func (q *Queue[T]) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.sup != nil {
		q.mu.Unlock()
		return
	}
	// Processors get their own context so Stop can let them finish before
	// canceling it. After the Start ctx ended without a Stop, tasks still in
	// flight keep the context they were given.
	if q.execCtx == nil {
		q.execCtx, q.execCancel = context.WithCancel(context.Background())
	}
	q.stopping = false
	sup := rtsup.New(ctx,
		rtsup.WithLogger(q.log.With(logx.String("comp", "queue"))),
		rtsup.WithCancelOnError(false),
	)
	q.sup = sup
	cfg := q.cfg
	q.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		q.loop(c)
		if c.Err() != nil {
			q.detach(sup)
			return c.Err()
		}
		return errors.New("dispatcher exited unexpectedly")
	})
	q.signal()

	q.log.Info("queue started", logx.Int("concurrency", cfg.Concurrency), logx.Int("max_retries", cfg.MaxRetries))
}

// Stop stops dispatching new work and waits for in-flight processor calls
// until ctx is done. Processors still running after that see their context
// canceled; their tasks go back to pending without using up an attempt.
// Pending work stays in the queue and resumes on the next Start.
func (q *Queue[T]) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	sup, cancel := q.sup, q.execCancel
	if sup == nil && cancel == nil {
		q.mu.Unlock()
		return nil
	}
	q.sup = nil
	q.stopping = true
	q.execCtx, q.execCancel = nil, nil
	q.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		q.log.Info("queue stopped")
	case <-ctx.Done():
		err = ctx.Err()
		q.log.Warn("queue stop timed out; canceling in-flight tasks", logx.Err(err))
	}
	cancel()
	return err
}

// detach forgets sup once its context ended without a Stop, so the queue
// can be started again. Pending tasks wait for that next Start.
func (q *Queue[T]) detach(sup *rtsup.Supervisor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup == sup {
		q.sup = nil
		q.log.Info("queue dispatcher ended with its context")
	}
}

// loop is the dispatcher goroutine. It fills free slots whenever it is
// signaled or the retry timer fires.
func (q *Queue[T]) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if wait, ok := q.dispatch(); ok {
			timer.Reset(wait)
		} else {
			timer.Stop()
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// dispatch starts as many eligible tasks as the concurrency limit allows.
// It returns how long until the next delayed task becomes eligible, if any.
func (q *Queue[T]) dispatch() (time.Duration, bool) {
	for {
		q.mu.Lock()
		if q.stopping || q.proc == nil || q.inFlight >= q.cfg.Concurrency {
			q.mu.Unlock()
			return 0, false
		}
		now := time.Now()
		t := q.store.nextEligible(now)
		if t == nil {
			at, ok := q.store.nextWake(now)
			q.mu.Unlock()
			if !ok {
				return 0, false
			}
			return at.Sub(now), true
		}

		t.Status = StatusProcessing
		t.UpdatedAt = now
		q.inFlight++
		q.running.Add(1)
		task := *t
		proc := q.proc
		ctx := q.execCtx
		timeout := q.cfg.Timeout
		q.commitLocked(now, Event[T]{Kind: TaskStarted, Time: now, Task: task})
		q.mu.Unlock()

		q.log.Debug("task started", logx.String("id", task.ID), logx.Int("attempt", task.Attempts+1))
		q.flush()
		go q.execute(ctx, proc, timeout, task)
	}
}

func (q *Queue[T]) execute(ctx context.Context, proc Processor[T], timeout time.Duration, t Task[T]) {
	defer q.running.Done()
	start := time.Now()
	err := q.invoke(ctx, proc, timeout, t)
	aborted := err != nil && ctx.Err() != nil
	q.finish(t.ID, err, aborted, time.Since(start))
}

// invoke runs proc with panic capture. A timeout only cancels proc's
// context: the attempt keeps its slot until proc returns, and fails as timed
// out if the deadline passed first.
func (q *Queue[T]) invoke(ctx context.Context, proc Processor[T], timeout time.Duration, t Task[T]) error {
	if timeout <= 0 {
		return q.call(ctx, proc, t)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := q.call(runCtx, proc, t)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}
	return err
}

func (q *Queue[T]) call(ctx context.Context, proc Processor[T], t Task[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("task panicked", logx.String("id", t.ID), logx.Panic(r))
		}
	}()
	return proc(ctx, t.Payload)
}

// finish records the outcome of one attempt and wakes the dispatcher.
func (q *Queue[T]) finish(id string, err error, aborted bool, dur time.Duration) {
	now := time.Now()
	q.mu.Lock()
	q.inFlight--
	t, ok := q.store.get(id)
	if !ok {
		q.mu.Unlock()
		q.signal()
		return
	}
	t.UpdatedAt = now

	var ev Event[T]
	switch {
	case err == nil:
		t.Status = StatusCompleted
		ev = Event[T]{Kind: TaskCompleted, Time: now}
	case aborted:
		t.Status = StatusPending
		t.EligibleAt = now
	default:
		t.Attempts++
		t.LastError = describe(err)
		if IsNoRetry(err) || t.Attempts >= q.cfg.MaxRetries {
			t.Status = StatusFailed
			ev = Event[T]{Kind: TaskFailed, Time: now, Err: err}
		} else {
			delay := q.retryDelayLocked(t.Attempts, err)
			t.Status = StatusPending
			t.EligibleAt = now.Add(delay)
			ev = Event[T]{Kind: TaskRetried, Time: now, Err: err, Delay: delay}
		}
	}
	task := *t

	if ev.Kind != 0 {
		ev.Task = task
		q.commitLocked(now, ev)
	} else {
		q.commitLocked(now)
	}
	q.mu.Unlock()

	switch {
	case ev.Kind == TaskCompleted:
		q.log.Debug("task completed", logx.String("id", id), logx.Int("attempts", task.Attempts), logx.Duration("dur", dur))
	case ev.Kind == TaskFailed:
		q.log.Warn("task failed", logx.String("id", id), logx.Int("attempts", task.Attempts), logx.Err(err))
	case ev.Kind == TaskRetried:
		q.log.Debug("task retry scheduled", logx.String("id", id), logx.Int("attempts", task.Attempts), logx.Duration("delay", ev.Delay), logx.Err(err))
	default:
		q.log.Debug("task interrupted by stop", logx.String("id", id))
	}

	q.flush()
	q.signal()
}

// retryDelayLocked honors a RetryAfter hint when present, otherwise the
// configured backoff for the given post-failure attempt count.
func (q *Queue[T]) retryDelayLocked(attempts int, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return q.policy.Cap(ra.RetryAfter(), q.rng)
	}
	return q.policy.Next(attempts, q.rng)
}
