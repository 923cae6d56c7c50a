package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DialWithRetry connects to the broker, doubling the delay after each failed
// attempt up to a cap. It stops early when ctx is done.
func DialWithRetry(ctx context.Context, url string, attempts int, delay time.Duration, logger *slog.Logger) (*amqp091.Connection, error) {
	return dialWithRetry(ctx, func() (*amqp091.Connection, error) { return amqp091.Dial(url) }, attempts, delay, logger)
}

func dialWithRetry[C any](ctx context.Context, dial func() (C, error), attempts int, delay time.Duration, logger *slog.Logger) (C, error) {
	var zero C
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := dial()
		if err == nil {
			if i > 1 {
				logger.Info("amqp connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := backoff(delay, i)
		logger.Warn("amqp dial failed",
			slog.String("op", "amqp.DialWithRetry"),
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("err", err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("connect to amqp broker after %d attempts: %w", attempts, lastErr)
}

func backoff(base time.Duration, attempt int) time.Duration {
	sleep := base
	for i := 1; i < attempt && sleep < maxRetryDelay; i++ {
		sleep *= 2
	}
	return min(sleep, maxRetryDelay)
}
