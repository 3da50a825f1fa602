package app

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"retryq/internal/config"
	"retryq/internal/queue"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "retryq.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const baseConfig = `
logging:
  level: error
  file:
    enabled: true
    path: %DIR%/retryq.log
storage:
  driver: file
  path: %DIR%/data
queue:
  retry_delay: 10ms
  concurrency: 1
queues:
  emails:
    concurrency: 2
    persistent: true
`

func newTestApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := writeConfig(t, dir, strings.ReplaceAll(body, "%DIR%", dir))
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, dir
}

func TestAppProcessesSubmissions(t *testing.T) {
	a, _ := newTestApp(t, baseConfig)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})

	q, ok := a.Registry().Lookup("emails")
	if !ok {
		t.Fatal("configured queue should exist before first submit")
	}
	if got := q.Config().Concurrency; got != 2 {
		t.Fatalf("emails concurrency = %d, want 2", got)
	}

	id, err := a.Registry().Submit(context.Background(), "emails", json.RawMessage(`{"to":"ops"}`), queue.AddOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		task, ok := q.Get(id)
		return ok && task.Status == queue.StatusCompleted
	})
}

func TestAppPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, strings.ReplaceAll(baseConfig, "%DIR%", dir))

	a, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	// not started: the task stays pending and is persisted
	id, err := a.Registry().Submit(context.Background(), "emails", json.RawMessage(`1`), queue.AddOptions{Priority: 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.store.Close(); err != nil {
		t.Fatal(err)
	}
	_ = a.logs.Close()

	b, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = b.store.Close()
		_ = b.logs.Close()
	})
	q, _ := b.Registry().Lookup("emails")
	task, ok := q.Get(id)
	if !ok || task.Status != queue.StatusPending || task.Priority != 3 {
		t.Fatalf("restored task = %+v, %v", task, ok)
	}
}

func TestAppReloadAppliesChanges(t *testing.T) {
	a, dir := newTestApp(t, baseConfig)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})

	next := strings.ReplaceAll(baseConfig, "%DIR%", dir)
	next = strings.Replace(next, "    concurrency: 2\n", "    concurrency: 5\n", 1)
	next += `
  reports:
    max_retries: 1
schedules:
  - name: tick
    spec: "@every 1h"
    queue: reports
    payload: {kind: tick}
`
	cfg, err := config.Decode("next.yaml", []byte(next))
	if err != nil {
		t.Fatal(err)
	}
	a.apply(context.Background(), a.Config(), cfg)

	q, _ := a.Registry().Lookup("emails")
	if got := q.Config().Concurrency; got != 5 {
		t.Fatalf("emails concurrency after reload = %d, want 5", got)
	}
	r, ok := a.Registry().Lookup("reports")
	if !ok {
		t.Fatal("reload should create newly configured queues")
	}
	if got := r.Config().MaxRetries; got != 1 {
		t.Fatalf("reports max_retries = %d", got)
	}
	entries := a.Schedules().Entries()
	if len(entries) != 1 || entries[0].Name != "tick" || entries[0].Queue != "reports" {
		t.Fatalf("schedules = %+v", entries)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad duration", "queue:\n  retry_delay: soon\n", "queue.retry_delay"},
		{"negative concurrency", "queue:\n  concurrency: -1\n", "concurrency"},
		{"bad jitter", "queues:\n  a:\n    retry_jitter: 2\n", "retry_jitter"},
		{"bad queue name", "queues:\n  \"a b\":\n    concurrency: 1\n", "invalid queue name"},
		{"unknown driver", "storage:\n  driver: tape\n", "unknown storage.driver"},
		{"sqlite without path", "storage:\n  driver: sqlite\n", "storage.path"},
		{"unknown processor", "processor:\n  type: carrier-pigeon\n", "unknown processor"},
		{"bad schedule", "schedules:\n  - name: x\n    spec: \"99 * * * *\"\n    queue: q\n", "schedule \"x\""},
		{"bad timezone", "scheduler:\n  timezone: Mars/Olympus\n", "scheduler.timezone"},
		{"persistent without storage", "queues:\n  a:\n    persistent: true\n", "persist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			body := "logging:\n  level: error\n  file:\n    enabled: true\n    path: " + filepath.Join(dir, "l.log") + "\n" + tt.body
			_, err := New(writeConfig(t, dir, body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestQueueKeyPrefix(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: "redis", Addr: "x:1"}}
	sc, err := mapStorage(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := queueKeyPrefix(sc); got != redisQueuePrefix {
		t.Fatalf("redis prefix = %q", got)
	}
	sc, _ = mapStorage(&config.Config{Storage: config.StorageConfig{Driver: "file", Prefix: "jobs/"}})
	if got := queueKeyPrefix(sc); got != "jobs/" {
		t.Fatalf("file prefix = %q", got)
	}
}

func TestStartAndStopNotifySystemd(t *testing.T) {
	// unix socket paths are short; t.TempDir can exceed the limit
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "notify")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", sock)

	read := func() string {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 256)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read notify socket: %v", err)
		}
		return string(buf[:n])
	}

	a, _ := newTestApp(t, baseConfig)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := read(); got != "READY=1" {
		t.Fatalf("after Start got %q", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx, StopAppStop)
	if got := read(); got != "STOPPING=1" {
		t.Fatalf("after Stop got %q", got)
	}
}
