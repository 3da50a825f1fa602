package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"retryq/internal/queue"
	logx "retryq/pkg/logx"
)

// Submitter is the part of the queue registry a schedule needs.
type Submitter[T any] interface {
	Submit(ctx context.Context, name string, payload T, opts queue.AddOptions) (string, error)
}

// Entry submits Payload into Queue every time Spec fires.
type Entry[T any] struct {
	Name     string
	Spec     string
	Queue    string
	Payload  T
	Priority int
}

// Status describes one registered entry.
type Status struct {
	Name  string    `json:"name"`
	Spec  string    `json:"spec"`
	Queue string    `json:"queue"`
	Next  time.Time `json:"next,omitempty"`
	Prev  time.Time `json:"prev,omitempty"`
}

type Config struct {
	// Timezone is an IANA zone name for cron specs. Empty means local time.
	Timezone string
}

type compiled[T any] struct {
	entry Entry[T]
	sched cron.Schedule
	id    cron.EntryID
}

// Service owns one cron runner. Entries can be replaced while it runs.
type Service[T any] struct {
	log    logx.Logger
	sub    Submitter[T]
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	entries []*compiled[T]
	c       *cron.Cron
	ctx     context.Context
}

func New[T any](cfg Config, sub Submitter[T], log logx.Logger) *Service[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service[T]{
		cfg: cfg,
		log: log.With(logx.String("comp", "schedule")),
		sub: sub,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func (s *Service[T]) compile(e Entry[T]) (*compiled[T], error) {
	e.Name = strings.TrimSpace(e.Name)
	e.Queue = strings.TrimSpace(e.Queue)
	if e.Name == "" {
		return nil, fmt.Errorf("schedule name required")
	}
	if e.Queue == "" {
		return nil, fmt.Errorf("schedule %q: queue required", e.Name)
	}
	p, err := ParseSpec(e.Spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", e.Name, err)
	}
	var sched cron.Schedule
	switch p.Kind {
	case SpecInterval:
		sched = cron.Every(p.Every)
	default:
		sched, err = s.parser.Parse(p.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", e.Name, err)
		}
	}
	return &compiled[T]{entry: e, sched: sched}, nil
}

func (s *Service[T]) compileAll(entries []Entry[T]) ([]*compiled[T], error) {
	next := make([]*compiled[T], 0, len(entries))
	seen := map[string]bool{}
	for _, e := range entries {
		ce, err := s.compile(e)
		if err != nil {
			return nil, err
		}
		if seen[ce.entry.Name] {
			return nil, fmt.Errorf("schedule %q: duplicate name", ce.entry.Name)
		}
		seen[ce.entry.Name] = true
		next = append(next, ce)
	}
	return next, nil
}

// Check reports the first invalid entry without changing anything.
func (s *Service[T]) Check(entries []Entry[T]) error {
	_, err := s.compileAll(entries)
	return err
}

// Replace swaps the entry set. All entries are validated first; on error
// nothing changes.
func (s *Service[T]) Replace(entries []Entry[T]) error {
	next, err := s.compileAll(entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, ce := range s.entries {
			s.c.Remove(ce.id)
		}
		for _, ce := range next {
			s.addLocked(ce)
		}
	}
	s.entries = next
	s.log.Debug("schedules replaced", logx.Int("count", len(next)))
	return nil
}

// Apply swaps the timezone, restarting the cron runner if it changed.
func (s *Service[T]) Apply(cfg Config) error {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return nil
	}
	old := s.c
	s.startLocked(loc)
	old.Stop()
	return nil
}

func (s *Service[T]) addLocked(ce *compiled[T]) {
	e := ce.entry
	ce.id = s.c.Schedule(ce.sched, cron.FuncJob(func() { s.fire(e) }))
}

func (s *Service[T]) startLocked(loc *time.Location) {
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, ce := range s.entries {
		s.addLocked(ce)
	}
	s.c.Start()
}

// Start begins triggering. ctx is passed to every submission.
func (s *Service[T]) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.ctx = ctx
	s.startLocked(loc)
	s.log.Info("schedules started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.entries)))
	return nil
}

// Stop halts triggering and waits for running submissions until ctx is done.
func (s *Service[T]) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("schedules stopped")
}

func (s *Service[T]) fire(e Entry[T]) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := s.sub.Submit(ctx, e.Queue, e.Payload, queue.AddOptions{Priority: e.Priority})
	if err != nil {
		s.log.Warn("scheduled submit failed", logx.String("schedule", e.Name), logx.String("queue", e.Queue), logx.Err(err))
		return
	}
	s.log.Debug("scheduled submit", logx.String("schedule", e.Name), logx.String("queue", e.Queue), logx.String("id", id))
}

// Entries lists the registered entries sorted by name. Next and Prev are
// only known while the service runs.
func (s *Service[T]) Entries() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.entries))
	for _, ce := range s.entries {
		st := Status{Name: ce.entry.Name, Spec: ce.entry.Spec, Queue: ce.entry.Queue}
		if s.c != nil {
			ent := s.c.Entry(ce.id)
			st.Next, st.Prev = ent.Next, ent.Prev
		}
		out = append(out, st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
