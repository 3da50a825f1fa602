package processor

import (
	"context"

	"retryq/internal/queue"
	logx "retryq/pkg/logx"
)

// Log returns a processor that logs each payload and succeeds.
func Log(log logx.Logger) queue.Processor[Payload] {
	return func(ctx context.Context, payload Payload) error {
		log.Info("task processed", logx.String("payload", string(payload)))
		return nil
	}
}
