package loki

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the subset of *kafka.Reader the forwarder consumes.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Forward reads messages until ctx is cancelled and pushes each one to c. Read and push
// failures are logged and skipped. Returns nil once ctx is done.
func Forward(ctx context.Context, r MessageReader, c *Client, logger *zap.Logger) error {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("worker: kafka read error", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := c.PushEventJSON(pushCtx, msg.Value); err != nil {
			logger.Warn("worker: loki push failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		cancel()
	}
}
