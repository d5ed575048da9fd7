package backfill

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

func callWithRetry[T any](
	ctx context.Context,
	maxRetries int,
	backoff time.Duration,
	logger *zap.Logger,
	call retry.RetryableFuncWithData[T],
) (T, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	return retry.DoWithData(call,
		retry.Context(ctx),
		retry.Attempts(uint(maxRetries)+1),
		retry.Delay(backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("retrying chain call",
				zap.Uint("attempt", n+1),
				zap.Int("max_retries", maxRetries),
				zap.Error(err),
			)
		}),
	)
}
