package app

import (
	"fmt"
	"strings"
	"time"

	"retryq/internal/config"
	"retryq/internal/httpapi"
	"retryq/internal/processor"
	"retryq/internal/queue"
	"retryq/internal/registry"
	"retryq/internal/schedule"
	"retryq/internal/storage"
	logx "retryq/pkg/logx"
)

// redisQueuePrefix replaces the registry's key prefix when the redis store
// already namespaces every key.
const redisQueuePrefix = "queue:"

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory", "mem", "redis":
	case "file", "sqlite", "sqlite3", "bolt", "bbolt":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	ttl, err := config.ParseDurationField("storage.ttl", sc.TTL)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Addr:        strings.TrimSpace(sc.Addr),
		Password:    sc.Password,
		DB:          sc.DB,
		Prefix:      sc.Prefix,
		TTL:         ttl,
	}, nil
}

// queueKeyPrefix is the registry prefix for persistent queue keys.
func queueKeyPrefix(sc storage.Config) string {
	if sc.Driver == "redis" {
		return redisQueuePrefix
	}
	if p := strings.TrimSpace(sc.Prefix); p != "" {
		return p
	}
	return registry.DefaultPrefix
}

func mapQueue(field string, qc config.QueueConfig) (queue.Config, error) {
	var out queue.Config
	var err error
	if qc.MaxRetries != nil {
		out.MaxRetries = *qc.MaxRetries
	}
	if out.RetryDelay, err = config.ParseDurationField(field+".retry_delay", qc.RetryDelay); err != nil {
		return queue.Config{}, err
	}
	if qc.ExponentialBackoff != nil {
		out.FixedDelay = !*qc.ExponentialBackoff
	}
	if out.MaxRetryDelay, err = config.ParseDurationField(field+".max_retry_delay", qc.MaxRetryDelay); err != nil {
		return queue.Config{}, err
	}
	if qc.RetryJitter != nil {
		out.RetryJitter = *qc.RetryJitter
	}
	if qc.Concurrency != nil {
		out.Concurrency = *qc.Concurrency
	}
	if out.Timeout, err = config.ParseDurationField(field+".timeout", qc.Timeout); err != nil {
		return queue.Config{}, err
	}
	if qc.Persistent != nil {
		out.Persistent = *qc.Persistent
	}
	out.StorageKey = strings.TrimSpace(qc.StorageKey)
	if err := out.Validate(); err != nil {
		return queue.Config{}, fmt.Errorf("%s: %w", field, err)
	}
	return out, nil
}

// mapQueues returns the base queue config and one complete config per
// override, each override merged on top of the base section.
func mapQueues(cfg *config.Config) (queue.Config, map[string]queue.Config, error) {
	base, err := mapQueue("queue", cfg.Queue)
	if err != nil {
		return queue.Config{}, nil, err
	}
	overrides := make(map[string]queue.Config, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		name = strings.TrimSpace(name)
		if !registry.ValidName(name) {
			return queue.Config{}, nil, fmt.Errorf("queues: %w: %q", registry.ErrInvalidName, name)
		}
		qcfg, err := mapQueue("queues."+name, cfg.Queue.Merge(qc))
		if err != nil {
			return queue.Config{}, nil, err
		}
		overrides[name] = qcfg
	}
	return base, overrides, nil
}

func mapProcessor(cfg *config.Config) (processor.Config, error) {
	pc := cfg.Processor
	timeout, err := config.ParseDurationField("processor.webhook.timeout", pc.Webhook.Timeout)
	if err != nil {
		return processor.Config{}, err
	}
	return processor.Config{
		Type: strings.TrimSpace(pc.Type),
		Webhook: processor.WebhookConfig{
			Timeout:   timeout,
			Headers:   pc.Webhook.Headers,
			URL:       strings.TrimSpace(pc.Webhook.URL),
			UserAgent: pc.Webhook.UserAgent,
		},
	}, nil
}

func mapSchedules(cfg *config.Config) (schedule.Config, []schedule.Entry[processor.Payload]) {
	entries := make([]schedule.Entry[processor.Payload], 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		payload := sc.Payload
		if len(payload) == 0 {
			payload = processor.Payload("null")
		}
		entries = append(entries, schedule.Entry[processor.Payload]{
			Name:     sc.Name,
			Spec:     sc.Spec,
			Queue:    sc.Queue,
			Payload:  append(processor.Payload(nil), payload...),
			Priority: sc.Priority,
		})
	}
	return schedule.Config{Timezone: cfg.Scheduler.Timezone}, entries
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	if hc.SubmitRate < 0 {
		return httpapi.Config{}, fmt.Errorf("http.submit_rate must be >= 0")
	}
	if hc.SubmitBurst < 0 {
		return httpapi.Config{}, fmt.Errorf("http.submit_burst must be >= 0")
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		SubmitRate:    hc.SubmitRate,
		SubmitBurst:   hc.SubmitBurst,
		Pprof:         hc.Pprof,
	}, nil
}

// validate checks everything a reload would apply, without side effects.
func validate(cfg *config.Config) error {
	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	base, overrides, err := mapQueues(cfg)
	if err != nil {
		return err
	}
	if sc.Driver == "" || sc.Driver == "none" {
		if base.Persistent {
			return fmt.Errorf("queue.persistent requires storage.driver")
		}
		for name, qc := range overrides {
			if qc.Persistent {
				return fmt.Errorf("queues.%s.persistent requires storage.driver", name)
			}
		}
	}
	pc, err := mapProcessor(cfg)
	if err != nil {
		return err
	}
	if _, err := processor.New(pc, logx.Nop()); err != nil {
		return err
	}
	scfg, entries := mapSchedules(cfg)
	if err := schedule.New[processor.Payload](scfg, nil, logx.Nop()).Check(entries); err != nil {
		return err
	}
	if tz := strings.TrimSpace(scfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	return nil
}
