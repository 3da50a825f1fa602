package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("storage: key not found")
	ErrClosed   = errors.New("storage: closed")
)

// Store is the minimal persistence API used by queues.
type Store interface {
	// Load returns the value stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save replaces the value stored under key.
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (tests, ephemeral runs)
//   - "file":   one JSON document per key inside Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "bolt":   bbolt database file at Path
//   - "redis":  Redis server at Addr; keys are prefixed with Prefix
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string
	Path   string

	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis only
	Password string // redis only
	DB       int    // redis only
	Prefix   string // redis only; default "retryq:"
	TTL      time.Duration
}
