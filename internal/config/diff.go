package config

import (
	"bytes"
	"reflect"
	"sort"
	"strings"

	logx "retryq/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) log-safe attrs describing the new values (never includes secrets such
// as tokens or passwords) and (3) the queue names whose override changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost.Password != nst.Password {
		ost.Password, nst.Password = "old", "new"
	}
	if !reflect.DeepEqual(ost, nst) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.addr_set", strings.TrimSpace(newCfg.Storage.Addr) != ""),
			logx.String("storage.prefix", newCfg.Storage.Prefix),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		q := newCfg.Queue
		attrs = append(attrs,
			logx.String("queue.retry_delay", q.RetryDelay),
			logx.String("queue.max_retry_delay", q.MaxRetryDelay),
			logx.String("queue.timeout", q.Timeout),
		)
		if q.MaxRetries != nil {
			attrs = append(attrs, logx.Int("queue.max_retries", *q.MaxRetries))
		}
		if q.Concurrency != nil {
			attrs = append(attrs, logx.Int("queue.concurrency", *q.Concurrency))
		}
	}

	queuesChanged := diffQueues(oldCfg.Queues, newCfg.Queues)
	if len(queuesChanged) > 0 || oldCfg.StrictQueues != newCfg.StrictQueues {
		changed = append(changed, "queues")
		attrs = append(attrs,
			logx.Int("queues.changed_count", len(queuesChanged)),
			logx.Int("queues.count", len(newCfg.Queues)),
			logx.Bool("queues.strict", newCfg.StrictQueues),
		)
	}

	op, np := oldCfg.Processor, newCfg.Processor
	if !reflect.DeepEqual(op, np) {
		changed = append(changed, "processor")
		attrs = append(attrs,
			logx.String("processor.type", np.Type),
			logx.Bool("processor.webhook_url_set", strings.TrimSpace(np.Webhook.URL) != ""),
			// header values may carry credentials
			logx.Int("processor.webhook_headers", len(np.Webhook.Headers)),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		!schedulesEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	tokenChanged := oh.Token != nh.Token
	oh.Token, nh.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.allow_insecure", newCfg.HTTP.AllowInsecure),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, queuesChanged
}

func diffQueues(oldM, newM map[string]QueueConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, ook := oldM[name]
		n, nok := newM[name]
		if ook != nok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// schedulesEqual compares payloads byte-wise, ignoring surrounding whitespace.
func schedulesEqual(a, b []ScheduleConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.Spec != y.Spec || x.Queue != y.Queue || x.Priority != y.Priority {
			return false
		}
		if !bytes.Equal(bytes.TrimSpace(x.Payload), bytes.TrimSpace(y.Payload)) {
			return false
		}
	}
	return true
}
