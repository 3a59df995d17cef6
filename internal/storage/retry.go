package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/brucemcpherson/bm-drive-cloud/internal/backoff"
	"github.com/brucemcpherson/bm-drive-cloud/internal/metrics"
)

// RetryPolicy configures the retries a backend runs around its own metadata
// calls. Zero values take the backoff defaults.
type RetryPolicy struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	SilenceAttempts bool
}

// retryWith runs fn under p, counting each retry against operation.
func retryWith[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, operation string,
	isRetryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func(ctx context.Context, _ backoff.Config[T], _ int) (T, error) {
		return fn(ctx)
	}, backoff.Config[T]{
		BaseDelay:       p.BaseDelay,
		MaxDelay:        p.MaxDelay,
		MaxAttempts:     p.MaxAttempts,
		SilenceAttempts: p.SilenceAttempts,
		Logger:          logger,
		IsRetryable:     isRetryable,
		OnRetry: func(int, error, time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues(operation).Inc()
		},
	})
}
