package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"retryq/internal/storage"
)

func TestPersistentQueueSavesEveryMutation(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	p := NewStoragePersister[string](mem, "retryq:emails")

	q, err := New[string](Config{Persistent: true, StorageKey: "retryq:emails"}, testLogger(t), p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Add("a", AddOptions{ID: "a", Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Add("b", AddOptions{ID: "b", Priority: 2}); err != nil {
		t.Fatal(err)
	}

	saved, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved) != 2 || saved[0].ID != "b" || saved[1].ID != "a" {
		t.Fatalf("saved = %+v", saved)
	}

	q.Remove("a")
	saved, _ = p.Load(ctx)
	if len(saved) != 1 || saved[0].ID != "b" {
		t.Fatalf("saved after remove = %+v", saved)
	}

	raw, _ := mem.Load(ctx, "retryq:emails")
	var doc struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Version != 1 {
		t.Fatalf("document = %s (%v)", raw, err)
	}
}

func TestRestoreCoercesProcessing(t *testing.T) {
	ctx := context.Background()
	p := NewStoragePersister[string](storage.NewMemory(), "k")
	now := time.Now().Add(-time.Minute)
	err := p.Save(ctx, []Task[string]{
		{ID: "done", Payload: "x", Status: StatusCompleted, CreatedAt: now},
		{ID: "crashed", Payload: "y", Status: StatusProcessing, Attempts: 1, CreatedAt: now},
		{ID: "dead", Payload: "z", Status: StatusFailed, Attempts: 3, LastError: "boom", CreatedAt: now},
		{ID: "", Payload: "no id", Status: StatusPending, CreatedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	q, err := New[string](Config{Persistent: true}, testLogger(t), p)
	if err != nil {
		t.Fatal(err)
	}
	if st := q.Stats(); st != (Stats{Total: 3, Pending: 1, Completed: 1, Failed: 1}) {
		t.Fatalf("restored stats = %+v", st)
	}
	tk, ok := q.Get("crashed")
	if !ok || tk.Status != StatusPending || tk.Attempts != 1 {
		t.Fatalf("crashed task = %+v", tk)
	}
	if tk, _ := q.Get("dead"); tk.LastError != "boom" {
		t.Fatalf("failed task lost its error: %+v", tk)
	}

	done := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, payload string) error {
		if payload == "y" {
			close(done)
		}
		return nil
	})
	q.Start(ctx)
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("recovered task was not dispatched")
	}
}

func TestNonPersistentQueueIgnoresPersister(t *testing.T) {
	p := NewStoragePersister[string](storage.NewMemory(), "k")
	_ = p.Save(context.Background(), []Task[string]{{ID: "old", Status: StatusPending}})

	q, err := New[string](Config{}, testLogger(t), p)
	if err != nil {
		t.Fatal(err)
	}
	if st := q.Stats(); st.Total != 0 {
		t.Fatalf("non-persistent queue restored tasks: %+v", st)
	}
}

type flakyPersister struct {
	saves atomic.Int32
}

func (f *flakyPersister) Load(context.Context) ([]Task[string], error) {
	return nil, errors.New("load unavailable")
}

func (f *flakyPersister) Save(context.Context, []Task[string]) error {
	f.saves.Add(1)
	return errors.New("save unavailable")
}

func TestPersistenceErrorsAreSwallowed(t *testing.T) {
	f := &flakyPersister{}
	q, err := New[string](Config{Persistent: true}, testLogger(t), f)
	if err != nil {
		t.Fatalf("New with failing Load: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Add("x", AddOptions{}); err != nil {
			t.Fatalf("Add surfaced a persistence error: %v", err)
		}
	}
	if n := f.saves.Load(); n != 3 {
		t.Fatalf("saves = %d, want 3", n)
	}
}

func TestStaleSnapshotIsNotSaved(t *testing.T) {
	mem := storage.NewMemory()
	p := NewStoragePersister[string](mem, "k")
	q, err := New[string](Config{Persistent: true}, testLogger(t), p)
	if err != nil {
		t.Fatal(err)
	}
	q.persist(commit[string]{version: 5, snapshot: []Task[string]{{ID: "new"}}})
	q.persist(commit[string]{version: 4, snapshot: []Task[string]{{ID: "old"}}})

	saved, _ := p.Load(context.Background())
	if len(saved) != 1 || saved[0].ID != "new" {
		t.Fatalf("saved = %+v, want the newer snapshot", saved)
	}
}

func TestStoragePersisterRejectsNewerDocument(t *testing.T) {
	mem := storage.NewMemory()
	_ = mem.Save(context.Background(), "k", []byte(`{"version":99,"tasks":[]}`))
	if _, err := NewStoragePersister[string](mem, "k").Load(context.Background()); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}
