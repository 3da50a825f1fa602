package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"retryq/internal/queue"
	logx "retryq/pkg/logx"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxErrorBody          = 512
)

// WebhookRequest is the payload shape the webhook processor expects.
// Body is sent verbatim when it is a JSON string, otherwise as JSON.
type WebhookRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Webhook delivers payloads as HTTP requests and maps responses onto retry
// decisions:
//   - 2xx: success
//   - 429 and 503: retryable, honoring Retry-After
//   - other 4xx: permanent failure
//   - 5xx and transport errors: retryable
type Webhook struct {
	client *http.Client
	cfg    WebhookConfig
	log    logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "retryq"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    log.With(logx.String("comp", "webhook")),
	}
}

func (w *Webhook) Process(ctx context.Context, payload Payload) error {
	var req WebhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return queue.NoRetry(fmt.Errorf("decode webhook payload: %w", err))
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		url = strings.TrimSpace(w.cfg.URL)
	}
	if url == "" {
		return queue.NoRetry(errors.New("webhook payload has no url"))
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}

	body, contentType := requestBody(req.Body)
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return queue.NoRetry(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("User-Agent", w.cfg.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range w.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)

	w.log.Debug("webhook delivered", logx.String("url", url), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))
	return classify(resp, strings.TrimSpace(string(snippet)))
}

func requestBody(raw json.RawMessage) (io.Reader, string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return strings.NewReader(s), "text/plain; charset=utf-8"
	}
	return bytes.NewReader(raw), "application/json"
}

func classify(resp *http.Response, snippet string) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("webhook returned %d", code)
	if snippet != "" {
		err = fmt.Errorf("webhook returned %d: %s", code, snippet)
	}
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return queue.RetryAfter(err, d)
		}
		return err
	case code >= 400 && code < 500:
		return queue.NoRetry(err)
	default:
		return err
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
