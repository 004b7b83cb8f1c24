package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"kbingest/internal/logging"
)

// RetryConfig configures retry behavior for transient embedding failures.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration (doubles each retry)
	MaxBackoff     time.Duration // Maximum backoff duration
}

// DefaultRetryConfig returns the standard retry policy: three retries with
// exponential backoff starting at one second, capped at ten.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// RetryableFunc is an embedding call that can be retried.
type RetryableFunc func(ctx context.Context) ([]float32, error)

// ErrMaxRetriesExceeded indicates all retry attempts failed.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// WithRetry executes an embedding call with exponential backoff.
// Returns the vector on success, or an error after all retries exhausted.
func WithRetry(ctx context.Context, config RetryConfig, operation string, fn RetryableFunc) ([]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		vec, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logging.Embed("Retry succeeded for %s on attempt %d", operation, attempt+1)
			}
			return vec, nil
		}

		lastErr = err
		logging.EmbedWarn("Attempt %d/%d for %s failed: %v", attempt+1, config.MaxRetries+1, operation, err)

		// Don't sleep after the last attempt
		if attempt < config.MaxRetries {
			backoff := calculateBackoff(config, attempt)
			logging.EmbedDebug("Retrying %s in %v", operation, backoff)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("%w for %s: %v", ErrMaxRetriesExceeded, operation, lastErr)
}

// calculateBackoff computes exponential backoff: initial * 2^attempt, capped.
func calculateBackoff(config RetryConfig, attempt int) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	return time.Duration(backoff)
}
