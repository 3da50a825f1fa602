package queue

import (
	"fmt"
	"strings"
	"time"

	"retryq/internal/backoff"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
	DefaultConcurrency   = 1
)

// Config holds the per-queue knobs. Zero fields take the defaults above;
// negative values are rejected.
type Config struct {
	// MaxRetries is the number of failed attempts before a task is failed.
	MaxRetries int
	// RetryDelay is the backoff base.
	RetryDelay time.Duration
	// FixedDelay disables exponential backoff: every retry waits RetryDelay.
	FixedDelay bool
	// MaxRetryDelay caps computed delays and Retry-After hints.
	MaxRetryDelay time.Duration
	// RetryJitter spreads delays within ±RetryJitter (0..1). Zero keeps the
	// exact sequence.
	RetryJitter float64

	Concurrency int
	// Timeout bounds a single processor call. Zero means no limit.
	Timeout time.Duration

	Persistent bool
	StorageKey string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	c.StorageKey = strings.TrimSpace(c.StorageKey)
	return c
}

// Validate applies defaults and reports malformed values.
func (c Config) Validate() error {
	_, err := c.normalize()
	return err
}

func (c Config) normalize() (Config, error) {
	c = c.withDefaults()
	switch {
	case c.MaxRetries < 0:
		return c, fmt.Errorf("%w: max_retries must be >= 0, got %d", ErrInvalidConfig, c.MaxRetries)
	case c.RetryDelay < 0:
		return c, fmt.Errorf("%w: retry_delay must be >= 0, got %s", ErrInvalidConfig, c.RetryDelay)
	case c.MaxRetryDelay < 0:
		return c, fmt.Errorf("%w: max_retry_delay must be >= 0, got %s", ErrInvalidConfig, c.MaxRetryDelay)
	case c.RetryJitter < 0 || c.RetryJitter > 1:
		return c, fmt.Errorf("%w: retry_jitter must be within [0,1], got %v", ErrInvalidConfig, c.RetryJitter)
	case c.Concurrency < 0:
		return c, fmt.Errorf("%w: concurrency must be >= 0, got %d", ErrInvalidConfig, c.Concurrency)
	case c.Timeout < 0:
		return c, fmt.Errorf("%w: timeout must be >= 0, got %s", ErrInvalidConfig, c.Timeout)
	}
	return c, nil
}

func (c Config) policy() backoff.Policy {
	return backoff.Policy{
		Base:        c.RetryDelay,
		Max:         c.MaxRetryDelay,
		Exponential: !c.FixedDelay,
		Jitter:      c.RetryJitter,
	}
}
