package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "retryq/pkg/logx"

	bolt "go.etcd.io/bbolt"
)

var queueBucket = []byte("queues")

type boltStore struct {
	mu  sync.RWMutex
	db  *bolt.DB
	log logx.Logger
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("bolt store opened", logx.String("path", path))
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) handle() (*bolt.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, ErrClosed
	}
	return db, nil
}

func (s *boltStore) Load(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var out []byte
	err = db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *boltStore) Save(ctx context.Context, key string, data []byte) error {
	_ = ctx
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Put([]byte(key), data)
	})
}

func (s *boltStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(key))
	})
}

func (s *boltStore) Close() error {
	s.mu.Lock()
	db := s.db
	s.db = nil
	s.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}
