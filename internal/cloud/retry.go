package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/njoerd114/bookrelay/internal/storage"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. Errors that cannot succeed on a retry (see [IsTransient]) are
// returned at once.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     baseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(max(maxAttempts, 1))))

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case attempts >= maxAttempts:
		return fmt.Errorf("all %d attempts failed: %w", maxAttempts, err)
	default:
		return err
	}
}

// IsTransient reports whether a failed call may succeed when repeated.
// Client errors other than timeouts and rate limiting are final, as are
// corrupt data and cancellation.
func IsTransient(err error) bool {
	if storage.IsCancelled(err) {
		return false
	}
	var integrity *storage.IntegrityError
	if errors.As(err, &integrity) {
		return false
	}
	var adapter *storage.AdapterError
	if errors.As(err, &adapter) && adapter.Status >= 400 && adapter.Status < 500 {
		return adapter.Status == http.StatusRequestTimeout || adapter.Status == http.StatusTooManyRequests
	}
	return true
}
