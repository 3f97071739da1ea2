package engram

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryController retries an operation on retriable provider errors with
// exponential backoff, jitter, and a delay ceiling. It is stateless and safe
// for concurrent use by independent callers.
type RetryController struct {
	maxRetries     int
	baseDelay      time.Duration
	jitter         float64 // fraction of the delay added as random jitter, in [0,1]
	ceiling        time.Duration
	retryableCodes map[ErrorCode]bool // nil = default taxonomy
	logger         *slog.Logger
}

// RetryOption configures a RetryController.
type RetryOption func(*RetryController)

// RetryMaxRetries sets how many times a failed call is retried (default: 3).
// The total number of attempts is maxRetries+1.
func RetryMaxRetries(n int) RetryOption {
	return func(r *RetryController) { r.maxRetries = n }
}

// RetryBaseDelay sets the delay before the first retry (default: 1s).
// Each subsequent delay doubles before jitter is applied.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *RetryController) { r.baseDelay = d }
}

// RetryJitter sets the jitter fraction in [0,1] (default: 0.5). The delay
// for retry n is baseDelay·2^(n−1)·(1+U[0,jitter]).
func RetryJitter(f float64) RetryOption {
	return func(r *RetryController) { r.jitter = f }
}

// RetryCeiling caps every computed delay (default: 30s).
func RetryCeiling(d time.Duration) RetryOption {
	return func(r *RetryController) { r.ceiling = d }
}

// RetryCodes overrides the set of error codes considered retriable.
func RetryCodes(codes ...ErrorCode) RetryOption {
	return func(r *RetryController) {
		r.retryableCodes = make(map[ErrorCode]bool, len(codes))
		for _, c := range codes {
			r.retryableCodes[c] = true
		}
	}
}

// RetryLogger sets the structured logger for retry events. When set, retries
// log at WARN level and exhaustion logs at ERROR. Default is a no-op logger.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *RetryController) { r.logger = l }
}

// NewRetryController creates a controller with the given options.
func NewRetryController(opts ...RetryOption) *RetryController {
	r := &RetryController{
		maxRetries: 3,
		baseDelay:  time.Second,
		jitter:     0.5,
		ceiling:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// MaxRetries returns the configured retry budget.
func (r *RetryController) MaxRetries() int { return r.maxRetries }

// Delay computes the backoff before retry n (1-based):
// min(baseDelay·2^(n−1)·(1+U[0,jitter]), ceiling).
func (r *RetryController) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := r.baseDelay * (1 << (n - 1))
	if r.jitter > 0 {
		d = time.Duration(float64(d) * (1 + rand.Float64()*r.jitter))
	}
	if r.ceiling > 0 && d > r.ceiling {
		d = r.ceiling
	}
	return d
}

// RetryHooks observe the retry loop. Nil functions are skipped.
type RetryHooks struct {
	// OnTry fires before each attempt (1-based).
	OnTry func(attempt int)
	// OnRetry fires before sleeping ahead of the next attempt.
	OnRetry func(attempt int, delay time.Duration, code ErrorCode)
}

// Run invokes fn until it succeeds, returns a non-retriable error, or the
// retry budget is exhausted. Context cancellation aborts the backoff sleep.
func (r *RetryController) Run(ctx context.Context, fn func() error, hooks RetryHooks) error {
	_, err := retryValue(ctx, r, hooks, func(int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// retriable reports whether err carries a code this controller retries.
func (r *RetryController) retriable(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	if r.retryableCodes != nil {
		return r.retryableCodes[pe.Code]
	}
	return pe.Retriable()
}

// retryValue is the generic retry loop shared by Run and the gateway.
// fn receives the 1-based attempt number.
func retryValue[T any](ctx context.Context, r *RetryController, hooks RetryHooks, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var last error
	attempts := r.maxRetries + 1
	for i := 1; i <= attempts; i++ {
		if hooks.OnTry != nil {
			hooks.OnTry(i)
		}
		result, err := fn(i)
		if err == nil || !r.retriable(err) {
			return result, err
		}
		last = err
		code := errorCodeOf(err)
		r.logger.Warn("retrying retriable error",
			"code", code,
			"attempt", i,
			"max_attempts", attempts)
		if i < attempts {
			delay := r.delayFor(i, err)
			if hooks.OnRetry != nil {
				hooks.OnRetry(i, delay, code)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"attempts", attempts,
		"error", last)
	return zero, last
}

// delayFor computes the sleep before retry n, using the backoff formula as
// a base and the server's Retry-After hint (if present) as a floor.
func (r *RetryController) delayFor(n int, err error) time.Duration {
	delay := r.Delay(n)
	if ra := retryAfterOf(err); ra > delay {
		delay = ra
	}
	return delay
}

// errorCodeOf extracts the normalized code from err, or empty.
func errorCodeOf(err error) ErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// retryAfterOf extracts the Retry-After hint from a normalized error, or 0.
func retryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// statusOf extracts the HTTP status from a normalized error, or 0.
func statusOf(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}
