package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"retryq/internal/queue"
	"retryq/internal/storage"
)

func TestGetCreatesOncePerName(t *testing.T) {
	r := New[string](Options[string]{})
	a, err := r.Get("emails")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.Get(" emails ")
	if a != b {
		t.Fatal("same name returned different queues")
	}
	if _, err := r.Get("reports"); err != nil {
		t.Fatal(err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "emails" || names[1] != "reports" {
		t.Fatalf("Names = %v", names)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("Lookup created a queue")
	}
}

func TestInvalidAndUnknownNames(t *testing.T) {
	r := New[string](Options[string]{Strict: true, Overrides: map[string]queue.Config{"known": {}}})
	for _, name := range []string{"", "a/b", "has space"} {
		if _, err := r.Get(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Get(%q) err = %v", name, err)
		}
	}
	if _, err := r.Get("other"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("strict Get err = %v", err)
	}
	if _, err := r.Get("known"); err != nil {
		t.Fatalf("Get(known): %v", err)
	}
}

func TestStorageKeys(t *testing.T) {
	r := New[string](Options[string]{Overrides: map[string]queue.Config{"custom": {StorageKey: "elsewhere"}}})
	if got := r.StorageKey("emails"); got != "retryq:emails" {
		t.Fatalf("default key = %q", got)
	}
	if got := r.StorageKey("custom"); got != "elsewhere" {
		t.Fatalf("explicit key = %q", got)
	}
	r = New[string](Options[string]{Prefix: "app/"})
	if got := r.StorageKey("emails"); got != "app/emails" {
		t.Fatalf("prefixed key = %q", got)
	}
}

func TestPersistentQueuesUseDerivedKey(t *testing.T) {
	mem := storage.NewMemory()
	r := New[string](Options[string]{Base: queue.Config{Persistent: true}, Store: mem})
	q, err := r.Get("emails")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Add("hi", queue.AddOptions{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.Load(context.Background(), "retryq:emails"); err != nil {
		t.Fatalf("no document under derived key: %v", err)
	}

	// A second registry over the same store sees the saved task.
	again, _ := New[string](Options[string]{Base: queue.Config{Persistent: true}, Store: mem}).Get("emails")
	if _, ok := again.Get("1"); !ok {
		t.Fatal("task not restored")
	}

	noStore := New[string](Options[string]{Base: queue.Config{Persistent: true}})
	if _, err := noStore.Get("emails"); !errors.Is(err, queue.ErrInvalidConfig) {
		t.Fatalf("persistent without store err = %v", err)
	}
}

func TestSubmitAndLifecycle(t *testing.T) {
	done := make(chan string, 4)
	r := New[string](Options[string]{
		Processor: func(ctx context.Context, payload string) error {
			done <- payload
			return nil
		},
	})
	if _, err := r.Submit(context.Background(), "before", "one", queue.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	r.Start(context.Background())
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	// Queues created after Start run immediately.
	if _, err := r.Submit(context.Background(), "after", "two", queue.AddOptions{}); err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-done:
			got[p] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("only processed %v", got)
		}
	}
	if !got["one"] || !got["two"] {
		t.Fatalf("processed = %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Submit(ctx, "after", "three", queue.AddOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit with canceled ctx err = %v", err)
	}
}

func TestConfigureAppliesToExistingQueues(t *testing.T) {
	r := New[string](Options[string]{Base: queue.Config{Concurrency: 1}})
	q, _ := r.Get("emails")
	other, _ := r.Get("reports")

	err := r.Configure(queue.Config{Concurrency: 2}, map[string]queue.Config{"reports": {Concurrency: 5, MaxRetries: 7}})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if q.Config().Concurrency != 2 {
		t.Fatalf("emails concurrency = %d", q.Config().Concurrency)
	}
	if c := other.Config(); c.Concurrency != 5 || c.MaxRetries != 7 {
		t.Fatalf("reports config = %+v", c)
	}

	if err := r.Configure(queue.Config{}, map[string]queue.Config{"emails": {Concurrency: -1}}); !errors.Is(err, queue.ErrInvalidConfig) {
		t.Fatalf("invalid Configure err = %v", err)
	}
	if q.Config().Concurrency != 2 {
		t.Fatal("invalid Configure changed a queue")
	}
}

func TestSnapshot(t *testing.T) {
	r := New[string](Options[string]{})
	_, _ = r.Submit(context.Background(), "b", "x", queue.AddOptions{})
	_, _ = r.Submit(context.Background(), "a", "x", queue.AddOptions{})
	_, _ = r.Submit(context.Background(), "a", "y", queue.AddOptions{})

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a" || snap[0].Stats.Pending != 2 || snap[1].Stats.Pending != 1 {
		t.Fatalf("Snapshot = %+v", snap)
	}
}

// blockingStore holds Load for one key until release is closed.
type blockingStore struct {
	*storage.Memory
	key     string
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Load(ctx context.Context, key string) ([]byte, error) {
	if key == s.key {
		close(s.entered)
		<-s.release
	}
	return s.Memory.Load(ctx, key)
}

func TestSlowRestoreDoesNotBlockReads(t *testing.T) {
	store := &blockingStore{
		Memory:  storage.NewMemory(),
		key:     "retryq:slow",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := New[string](Options[string]{Base: queue.Config{Persistent: true}, Store: store})
	if _, err := r.Get("fast"); err != nil {
		t.Fatal(err)
	}

	created := make(chan *queue.Queue[string], 1)
	go func() {
		q, err := r.Get("slow")
		if err != nil {
			t.Error(err)
		}
		created <- q
	}()
	<-store.entered

	reads := make(chan struct{})
	go func() {
		defer close(reads)
		if _, ok := r.Lookup("fast"); !ok {
			t.Error("Lookup(fast) missed")
		}
		if snap := r.Snapshot(); len(snap) != 1 {
			t.Errorf("Snapshot = %+v", snap)
		}
		if _, err := r.Get("other"); err != nil {
			t.Error(err)
		}
	}()
	select {
	case <-reads:
	case <-time.After(time.Second):
		close(store.release)
		t.Fatal("registry reads blocked behind a queue restore")
	}

	close(store.release)
	q := <-created
	if got, ok := r.Lookup("slow"); !ok || got != q {
		t.Fatal("slow queue not registered")
	}
}
