package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/njoerd114/eventsync/internal/model"
)

const (
	// DefaultMaxAttempts is the number of tries before Retry gives up.
	DefaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. It returns nil on the first successful call, or a wrapped error
// containing the last failure if all attempts are exhausted. Configuration,
// capability and credential errors and 4xx responses other than 408 and 429
// are returned at once.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if permanent(lastErr) {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

func permanent(err error) bool {
	var cfgErr *ConfigError
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		return httpErr.StatusCode != http.StatusRequestTimeout && httpErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.As(err, &cfgErr) ||
		errors.Is(err, ErrNotSupported) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrSyncTokenInvalid)
}

// backoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50–100 % jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}

// WithAuthRetry runs fn and, when it fails with [ErrUnauthorized], calls
// refresh once and retries fn once. A failing refresh or a second
// unauthorized response becomes a [*ReconnectError]. A nil refresh turns the
// first unauthorized response into a ReconnectError directly.
func WithAuthRetry(ctx context.Context, t model.ProviderType, refresh func(context.Context) error, fn func() error) error {
	err := fn()
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if refresh == nil {
		return &ReconnectError{Provider: t, Err: err}
	}
	if rerr := refresh(ctx); rerr != nil {
		return &ReconnectError{Provider: t, Err: rerr}
	}
	err = fn()
	if errors.Is(err, ErrUnauthorized) {
		return &ReconnectError{Provider: t, Err: err}
	}
	return err
}
