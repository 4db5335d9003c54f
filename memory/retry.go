package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy retries an operation a bounded number of times with a
// fixed pause between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Pause       time.Duration
}

// do runs op until it succeeds, retryable reports false, the attempts
// run out or ctx is done. It returns the number of attempts made and
// the last error.
func (p RetryPolicy) do(ctx context.Context, op func(ctx context.Context) error, retryable func(error) bool) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = op(ctx); err == nil {
			return i, nil
		}
		if !retryable(err) || i == attempts {
			return i, err
		}

		timer := time.NewTimer(p.Pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return i, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return attempts, err
}

// embedWithRetry calls embed until it returns a vector of the expected
// dimension. Every provider error except context cancellation is retried.
func embedWithRetry(ctx context.Context, p RetryPolicy, dim int, embed func(context.Context, string) ([]float32, error), text string) ([]float32, error) {
	var vec []float32
	attempts, err := p.do(ctx, func(ctx context.Context) error {
		v, err := embed(ctx, text)
		if err != nil {
			embedAttempts.WithLabelValues("error").Inc()
			return err
		}
		if dim > 0 && len(v) != dim {
			embedAttempts.WithLabelValues("error").Inc()
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
		}
		embedAttempts.WithLabelValues("ok").Inc()
		vec = v
		return nil
	}, func(err error) bool {
		return !errors.Is(err, ErrDimensionMismatch) && ctx.Err() == nil
	})
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d attempts: %w", ErrEmbeddingUnavailable, attempts, err)
	}
	return vec, nil
}

// storeCall retries a record store or index call on ErrTransient and maps
// exhaustion to unavailable.
func storeCall(ctx context.Context, p RetryPolicy, unavailable error, op func(ctx context.Context) error) error {
	attempts, err := p.do(ctx, op, func(err error) bool {
		return errors.Is(err, ErrTransient)
	})
	if err != nil && errors.Is(err, ErrTransient) {
		return fmt.Errorf("%w: %d attempts: %w", unavailable, attempts, err)
	}
	return err
}
