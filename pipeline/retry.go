package pipeline

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// executeWithRetry runs a single stage action under its retry policy and
// returns the number of attempts made alongside the last error.
//
// Structural failures (missing context values, errors marked Unrecoverable)
// abort the loop immediately: repeating an operation cannot produce data an
// earlier stage never wrote.
func executeWithRetry(ctx context.Context, lggr *zap.SugaredLogger, stage *Stage, sc *Context) (uint, error) {
	policy := stage.retry.normalized()

	var attempts uint

	opts := []retry.Option{
		retry.Attempts(policy.MaxAttempts),
		retry.Delay(policy.Delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			lggr.Infow("Stage failed. Retrying...",
				"stage", stage.Name(), "attempt", n+1, "maxAttempts", policy.MaxAttempts, "error", err)
		}),
	}
	if policy.LinearBackoff {
		opts = append(opts, retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * policy.Delay
		}))
	} else {
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	}

	err := retry.Do(func() error {
		attempts++
		err := stage.action(ctx, sc)
		if err != nil && isUnrecoverable(err) {
			return retry.Unrecoverable(err)
		}

		return err
	}, opts...)

	return attempts, err
}
