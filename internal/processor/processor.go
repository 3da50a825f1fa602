// Package processor holds the work functions the retryq binary can attach to
// its queues. Payloads are raw JSON documents.
package processor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"retryq/internal/queue"
	logx "retryq/pkg/logx"
)

// Payload is the task payload type used by the binary.
type Payload = json.RawMessage

// Config selects and tunes a processor.
type Config struct {
	// Type is "log" or "webhook".
	Type    string
	Webhook WebhookConfig
}

type WebhookConfig struct {
	// Timeout bounds one HTTP request. Zero means 10s.
	Timeout time.Duration
	// Headers are sent with every request; payload headers win.
	Headers map[string]string
	// URL is used when the payload does not name one.
	URL string
	// UserAgent defaults to "retryq".
	UserAgent string
}

// New builds the processor named by cfg.Type. An empty type means "log".
func New(cfg Config, log logx.Logger) (queue.Processor[Payload], error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "log":
		return Log(log), nil
	case "webhook":
		return NewWebhook(cfg.Webhook, log).Process, nil
	default:
		return nil, fmt.Errorf("unknown processor type %q", cfg.Type)
	}
}
