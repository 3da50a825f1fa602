package config

import "encoding/json"

// Config is the retryq file configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage,omitempty"`

	// Queue holds the defaults every queue starts from.
	Queue QueueConfig `json:"queue,omitempty"`
	// Queues holds per-name overrides merged on top of Queue.
	Queues map[string]QueueConfig `json:"queues,omitempty"`
	// StrictQueues refuses submissions to names missing from Queues.
	StrictQueues bool `json:"strict_queues,omitempty"`

	Processor ProcessorConfig  `json:"processor,omitempty"`
	Scheduler SchedulerConfig  `json:"scheduler,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
	HTTP      HTTPConfig       `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Driver values: "memory", "file", "sqlite", "bolt", "redis".
// An empty driver (or "none") disables persistence.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	// Path is a directory for "file" and a database file for "sqlite"/"bolt".
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// Prefix is prepended to every storage key (queue names and redis keys).
	Prefix string `json:"prefix,omitempty"`
	TTL    string `json:"ttl,omitempty"`
}

// QueueConfig mirrors queue.Config in file form.
//
// Scalar fields are pointers so an override can distinguish "omitted" from an
// explicit zero/false.
type QueueConfig struct {
	MaxRetries         *int     `json:"max_retries,omitempty"`
	RetryDelay         string   `json:"retry_delay,omitempty"`
	ExponentialBackoff *bool    `json:"exponential_backoff,omitempty"`
	MaxRetryDelay      string   `json:"max_retry_delay,omitempty"`
	RetryJitter        *float64 `json:"retry_jitter,omitempty"`
	Concurrency        *int     `json:"concurrency,omitempty"`
	Timeout            string   `json:"timeout,omitempty"`
	Persistent         *bool    `json:"persistent,omitempty"`
	StorageKey         string   `json:"storage_key,omitempty"`
}

// Merge returns c with every field set in over replacing c's value.
func (c QueueConfig) Merge(over QueueConfig) QueueConfig {
	if over.MaxRetries != nil {
		c.MaxRetries = over.MaxRetries
	}
	if over.RetryDelay != "" {
		c.RetryDelay = over.RetryDelay
	}
	if over.ExponentialBackoff != nil {
		c.ExponentialBackoff = over.ExponentialBackoff
	}
	if over.MaxRetryDelay != "" {
		c.MaxRetryDelay = over.MaxRetryDelay
	}
	if over.RetryJitter != nil {
		c.RetryJitter = over.RetryJitter
	}
	if over.Concurrency != nil {
		c.Concurrency = over.Concurrency
	}
	if over.Timeout != "" {
		c.Timeout = over.Timeout
	}
	if over.Persistent != nil {
		c.Persistent = over.Persistent
	}
	if over.StorageKey != "" {
		c.StorageKey = over.StorageKey
	}
	return c
}

type ProcessorConfig struct {
	// Type is "log" (default) or "webhook".
	Type    string        `json:"type,omitempty"`
	Webhook WebhookConfig `json:"webhook,omitempty"`
}

type WebhookConfig struct {
	URL       string            `json:"url,omitempty"`
	Timeout   string            `json:"timeout,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleConfig submits Payload into Queue every time Spec fires.
// Spec is a cron expression, "@every 10s", "interval:5m" or a daily "HH:MM".
type ScheduleConfig struct {
	Name     string          `json:"name"`
	Spec     string          `json:"spec"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

// HTTPConfig controls the admin/submission API.
//
// Security:
//   - Prefer binding to localhost (default 127.0.0.1:8080).
//   - Binding to a non-loopback address requires Token or AllowInsecure=true.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	SubmitRate  float64 `json:"submit_rate,omitempty"`
	SubmitBurst int     `json:"submit_burst,omitempty"`

	Pprof bool `json:"pprof,omitempty"`
}
