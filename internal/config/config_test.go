package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./retryq.db
  busy_timeout: 2s
queue:
  max_retries: 5
  retry_delay: 500ms
  exponential_backoff: true
  concurrency: 2
queues:
  emails:
    concurrency: 4
    persistent: true
processor:
  type: webhook
  webhook:
    url: http://127.0.0.1:9000/hook
    timeout: 3s
schedules:
  - name: nightly
    spec: "0 3 * * *"
    queue: emails
    payload: {to: ops, kind: report}
    priority: 7
http:
  enabled: true
  addr: 127.0.0.1:8081
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("retryq.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.BusyTimeout != "2s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Queue.MaxRetries == nil || *cfg.Queue.MaxRetries != 5 {
		t.Fatalf("queue.max_retries = %v", cfg.Queue.MaxRetries)
	}
	em, ok := cfg.Queues["emails"]
	if !ok || em.Concurrency == nil || *em.Concurrency != 4 || em.Persistent == nil || !*em.Persistent {
		t.Fatalf("queues.emails = %+v", em)
	}
	if len(cfg.Schedules) != 1 {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	s := cfg.Schedules[0]
	if s.Priority != 7 || !strings.Contains(string(s.Payload), `"kind":"report"`) {
		t.Fatalf("schedule = %+v payload=%s", s, s.Payload)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:8081" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("retryq.json", []byte(`{"logging":{"level":"warn"},"queue":{"max_retries":0}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Queue.MaxRetries == nil || *cfg.Queue.MaxRetries != 0 {
		t.Fatalf("explicit zero lost: %v", cfg.Queue.MaxRetries)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown json field", "c.json", `{"bogus":1}`, "unknown field"},
		{"unknown yaml field", "c.yaml", "queue:\n  retries: 2\n", "unknown field"},
		{"trailing json", "c.json", `{} {}`, "trailing data"},
		{"multiple yaml docs", "c.yml", "logging: {}\n---\nlogging: {}\n", "multiple yaml documents"},
		{"bad yaml", "c.yaml", "queue: [", "yaml unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.file, []byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte("# nothing yet\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.HTTP.Enabled || cfg.Storage.Driver != "" {
		t.Fatalf("empty file should yield zero config: %+v", cfg)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 1500ms ", 1500 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("queue.retry_delay", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) err = %v", tt.raw, err)
		}
		if err != nil && !strings.Contains(err.Error(), "queue.retry_delay") {
			t.Fatalf("error should name the field: %v", err)
		}
		if got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("ParseDurationOrDefault = %v, %v", d, err)
	}
}

func TestQueueConfigMerge(t *testing.T) {
	three, zero := 3, 0
	yes := true
	base := QueueConfig{MaxRetries: &three, RetryDelay: "1s", Timeout: "5s"}
	got := base.Merge(QueueConfig{MaxRetries: &zero, Persistent: &yes, RetryDelay: "2s"})

	if got.MaxRetries == nil || *got.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %v, want explicit 0", got.MaxRetries)
	}
	if got.RetryDelay != "2s" || got.Timeout != "5s" {
		t.Fatalf("strings merged wrong: %+v", got)
	}
	if got.Persistent == nil || !*got.Persistent {
		t.Fatalf("Persistent = %v", got.Persistent)
	}
	if *base.MaxRetries != 3 {
		t.Fatal("Merge mutated the receiver")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, err := Decode("b.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if sections, _, _ := SummarizeConfigChange(oldCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs reported changes: %v", sections)
	}

	nine := 9
	newCfg.Queues["emails"] = newCfg.Queues["emails"].Merge(QueueConfig{Concurrency: &nine})
	newCfg.Queues["reports"] = QueueConfig{}
	newCfg.HTTP.Token = "secret"
	newCfg.Logging.Level = "info"

	sections, attrs, queues := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"http", "logging", "queues"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if strings.Join(queues, ",") != "emails,reports" {
		t.Fatalf("queues = %v", queues)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retryq.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// unchanged content is not republished
	if published, err := m.Reload(context.Background()); err != nil || published {
		t.Fatalf("Reload unchanged = %v, %v", published, err)
	}

	writeFile(t, path, "logging:\n  level: debug\n")
	rejected := errors.New("nope")
	m.SetValidator(func(ctx context.Context, c *Config) error {
		if c.Logging.Level == "debug" {
			return rejected
		}
		return nil
	})
	if _, err := m.Reload(context.Background()); !errors.Is(err, rejected) {
		t.Fatalf("Reload err = %v, want validator error", err)
	}
	if m.Get().Logging.Level != "info" {
		t.Fatal("rejected config was committed")
	}

	m.SetValidator(nil)
	if published, err := m.Reload(context.Background()); err != nil || !published {
		t.Fatalf("Reload = %v, %v", published, err)
	}
	select {
	case got := <-sub:
		if got.Logging.Level != "debug" {
			t.Fatalf("published level = %q", got.Logging.Level)
		}
	default:
		t.Fatal("no config published")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("Unsubscribe should close the channel")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retryq.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	// rewrite until the watcher is up and picks the change
	for {
		writeFile(t, path, `{"logging":{"level":"error"}}`)
		select {
		case got := <-sub:
			if got.Logging.Level != "error" {
				t.Fatalf("level = %q", got.Logging.Level)
			}
			return
		case <-deadline:
			t.Fatal("watch did not publish the new config")
		case <-tick.C:
		}
	}
}
