package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"retryq/internal/storage"
)

// Persister mirrors the task list somewhere outside the process.
//
// Load is called once by New; a nil slice with a nil error means nothing was
// stored yet. Save receives the full ordered list after every mutation.
// Errors from either are logged by the queue and never surface to callers.
type Persister[T any] interface {
	Load(ctx context.Context) ([]Task[T], error)
	Save(ctx context.Context, tasks []Task[T]) error
}

const documentVersion = 1

type document[T any] struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Tasks   []Task[T] `json:"tasks"`
}

// StoragePersister stores the task list as one JSON document under a single
// key of a storage.Store.
type StoragePersister[T any] struct {
	store storage.Store
	key   string
}

func NewStoragePersister[T any](st storage.Store, key string) *StoragePersister[T] {
	return &StoragePersister[T]{store: st, key: key}
}

func (p *StoragePersister[T]) Key() string { return p.key }

func (p *StoragePersister[T]) Load(ctx context.Context) ([]Task[T], error) {
	if p == nil || p.store == nil {
		return nil, nil
	}
	b, err := p.store.Load(ctx, p.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document[T]
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %q: %w", p.key, err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("decode %q: unsupported document version %d", p.key, doc.Version)
	}
	return doc.Tasks, nil
}

func (p *StoragePersister[T]) Save(ctx context.Context, tasks []Task[T]) error {
	if p == nil || p.store == nil {
		return nil
	}
	if tasks == nil {
		tasks = []Task[T]{}
	}
	b, err := json.Marshal(document[T]{Version: documentVersion, SavedAt: time.Now().UTC(), Tasks: tasks})
	if err != nil {
		return fmt.Errorf("encode %q: %w", p.key, err)
	}
	return p.store.Save(ctx, p.key, b)
}
