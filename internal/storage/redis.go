package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "retryq/pkg/logx"

	"github.com/go-redis/redis/v8"
)

const defaultRedisPrefix = "retryq:"

type redisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Debug("redis store opened", logx.String("addr", addr), logx.Int("db", cfg.DB))
	return newRedisStore(client, cfg.Prefix, cfg.TTL, log), nil
}

func newRedisStore(client *redis.Client, prefix string, ttl time.Duration, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: client, prefix: prefix, ttl: ttl, log: log}
}

func (s *redisStore) key(k string) string {
	return s.prefix + k
}

func (s *redisStore) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

// Save uses SET so the whole task list is replaced atomically. A zero TTL
// keeps the key forever.
func (s *redisStore) Save(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.key(key), data, s.ttl).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
