package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"retryq/internal/queue"
	logx "retryq/pkg/logx"
)

type submission struct {
	queue    string
	payload  string
	priority int
}

type fakeSubmitter struct {
	mu   sync.Mutex
	got  []submission
	err  error
	seen chan struct{}
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{seen: make(chan struct{}, 16)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, name string, payload string, opts queue.AddOptions) (string, error) {
	f.mu.Lock()
	f.got = append(f.got, submission{queue: name, payload: payload, priority: opts.Priority})
	err := f.err
	f.mu.Unlock()
	select {
	case f.seen <- struct{}{}:
	default:
	}
	return "id", err
}

func TestParseSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		err   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron},
		{in: "@hourly", kind: SpecCron},
		{in: "cron:0 0 * * *", kind: SpecCron},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:10s", kind: SpecInterval, every: 10 * time.Second},
		{in: "interval:00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "", err: true},
		{in: "0s", err: true},
		{in: "01:75", err: true},
		{in: "soon", err: true},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.in)
		if tt.err {
			if err == nil {
				t.Fatalf("ParseSpec(%q) = %+v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", tt.in, err)
		}
		if got.Kind != tt.kind || got.Every != tt.every {
			t.Fatalf("ParseSpec(%q) = %+v", tt.in, got)
		}
	}
}

func TestReplaceValidatesAll(t *testing.T) {
	s := New[string](Config{}, newFakeSubmitter(), logx.Nop())
	if err := s.Replace([]Entry[string]{{Name: "a", Spec: "@every 1m", Queue: "q"}}); err != nil {
		t.Fatal(err)
	}

	bad := [][]Entry[string]{
		{{Name: "b", Spec: "@every 1m", Queue: "q"}, {Name: "c", Spec: "61 * * * *", Queue: "q"}},
		{{Name: "b", Spec: "1m", Queue: "q"}, {Name: "b", Spec: "2m", Queue: "q"}},
		{{Name: "b", Spec: "1m"}},
		{{Spec: "1m", Queue: "q"}},
	}
	for i, entries := range bad {
		if err := s.Check(entries); err == nil {
			t.Fatalf("case %d: Check accepted invalid entries", i)
		}
		if err := s.Replace(entries); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	if got := s.Entries(); len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("failed Replace changed entries: %+v", got)
	}
}

func TestFireSubmitsPayload(t *testing.T) {
	sub := newFakeSubmitter()
	s := New[string](Config{}, sub, logx.Nop())
	s.fire(Entry[string]{Name: "nightly", Queue: "reports", Payload: "build", Priority: 4})

	sub.err = errors.New("queue full")
	s.fire(Entry[string]{Name: "nightly", Queue: "reports", Payload: "build"})

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.got) != 2 || sub.got[0] != (submission{queue: "reports", payload: "build", priority: 4}) {
		t.Fatalf("submissions = %+v", sub.got)
	}
}

func TestRunningScheduleTriggers(t *testing.T) {
	sub := newFakeSubmitter()
	s := New[string](Config{Timezone: "UTC"}, sub, logx.Nop())
	if err := s.Replace([]Entry[string]{{Name: "tick", Spec: "* * * * * *", Queue: "q", Payload: "p"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	if st := s.Entries(); len(st) != 1 || st[0].Next.IsZero() {
		t.Fatalf("Entries while running = %+v", st)
	}
	select {
	case <-sub.seen:
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never fired")
	}

	// Replace while running swaps the entry set in place.
	if err := s.Replace([]Entry[string]{{Name: "hourly", Spec: "@hourly", Queue: "q"}}); err != nil {
		t.Fatal(err)
	}
	if st := s.Entries(); len(st) != 1 || st[0].Name != "hourly" || st[0].Next.IsZero() {
		t.Fatalf("Entries after Replace = %+v", st)
	}
}

func TestStartRejectsBadTimezone(t *testing.T) {
	s := New[string](Config{Timezone: "Mars/Olympus"}, newFakeSubmitter(), logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop(context.Background())
		t.Fatal("expected timezone error")
	}
}
