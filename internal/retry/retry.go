// Package retry provides the bounded backoff executor shared by every outbound call
// the capture pipeline makes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Policy configures how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration
	// Multiplier grows the delay between attempts. Values below 1 are treated as 1.
	Multiplier float64
	// MaxDelay caps the delay. Zero means no cap.
	MaxDelay time.Duration
	// IsRetryable classifies errors. Defaults to IsRetryable.
	IsRetryable func(error) bool
	// Name labels log lines.
	Name   string
	Logger *slog.Logger
}

// DefaultPolicy returns the policy used for upstream page fetches.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
		IsRetryable: IsRetryable,
	}
}

// ExhaustedError marks an error that was still retryable when the attempt budget ran out.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err went through every allowed attempt.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Delay returns the wait before attempt+1, given that attempt (1-based) just failed.
// The sequence is non-decreasing in attempt.
func Delay(p Policy, attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, fails with a non-retryable error, or the attempt budget
// is spent. Non-retryable errors are returned unchanged; a retryable error that survives
// the last attempt is wrapped in *ExhaustedError.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classify := p.IsRetryable
	if classify == nil {
		classify = IsRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Cancellation of the caller's context is never retried.
		if ctx.Err() != nil {
			return zero, errors.Join(ctx.Err(), err)
		}
		if !classify(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		wait := Delay(p, attempt)
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "retrying call",
				"op", p.Name,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, errors.Join(err, lastErr)
		}
	}

	return zero, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsRetryableStatus reports whether an HTTP status is worth another attempt:
// 408, 429 and every 5xx.
func IsRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		(code >= 500 && code <= 599)
}

// IsRetryable is the default classifier.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetryableStatus(sc.StatusCode())
	}

	// A per-call deadline expiring is an upstream timeout, not a caller abort.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
