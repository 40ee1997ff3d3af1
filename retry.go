package gotransfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Backoff computes the wait before the next attempt. attempt is the number of
// attempts that have already failed, starting at 1.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same duration between every attempt.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration { return b.Interval }

// ExponentialBackoff grows the delay by Multiplier after every failed attempt
// and never exceeds MaxDelay.
type ExponentialBackoff struct {
	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration

	// Multiplier is the backoff multiplier (e.g., 2.0 = double delay each retry).
	Multiplier float64

	// MaxDelay is the ceiling. Zero means no ceiling.
	MaxDelay time.Duration

	// JitterFactor adds randomness to delay (0.0 = no jitter, 0.5 = ±50% jitter).
	JitterFactor float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1))

	if b.JitterFactor > 0 {
		jitter := delay * b.JitterFactor
		delay = delay - jitter + (rand.Float64() * 2 * jitter)
	}

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	return time.Duration(delay)
}

// Classifier reports whether a failed attempt may be retried.
type Classifier func(err error) bool

// RetryPolicy bounds how often and how patiently an operation is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// Backoff computes the wait between attempts. Nil means no wait.
	Backoff Backoff

	// Classifier decides which errors are retried. Nil means DefaultClassifier.
	Classifier Classifier

	// Logger receives retry warnings. Nil means silent.
	Logger Logger

	// Metrics counts retries. Nil disables counting.
	Metrics Metrics
}

// NoRetry runs an operation exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Retry invokes fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts or ctx is done. On exhaustion the last error is wrapped.
func Retry(ctx context.Context, policy RetryPolicy, operation string, fn func() error) error {
	_, err := RetryValue(ctx, policy, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, operation string, fn func() (T, error)) (T, error) {
	var zero T
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classify := policy.Classifier
	if classify == nil {
		classify = DefaultClassifier
	}
	logger := policy.Logger
	if logger == nil {
		logger = NopLogger{}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s cancelled after %d attempts: %w", operation, attempt-1, errors.Join(err, lastErr))
			}
			return zero, fmt.Errorf("%s cancelled: %w", operation, err)
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !classify(err) {
			return zero, err
		}

		switch {
		case IsRemoteNotFound(err):
			logger.Errorf("%s: remote path not found (attempt %d/%d): %v", operation, attempt, maxAttempts, err)
		case errors.Is(err, fs.ErrPermission):
			logger.Errorf("%s: permission denied (attempt %d/%d): %v", operation, attempt, maxAttempts, err)
		}

		if attempt == maxAttempts {
			break
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff.Delay(attempt)
		}

		logger.Warnf("%s failed (attempt %d/%d): %v. Retrying in %v...",
			operation, attempt, maxAttempts, err, delay)
		metricsRetry(policy.Metrics, operation)

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s cancelled during retry wait: %w", operation, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, maxAttempts, lastErr)
}

// DefaultClassifier retries every failure except cancellation, integrity
// failures, caller mistakes, a closed pool and errors marked Permanent.
func DefaultClassifier(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrSizeMismatch),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrPoolClosed):
		return false
	case IsPermanent(err):
		return false
	}
	return true
}

// PermanentRepliesFatal is DefaultClassifier that also gives up on permanent
// (5xx) server replies such as 550.
func PermanentRepliesFatal(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) && re.Permanent() {
		return false
	}
	return DefaultClassifier(err)
}

// TransientOnly retries network-level failures only.
func TransientOnly(err error) bool {
	return DefaultClassifier(err) && IsTransientError(err)
}

// IsTransientError checks if an error is a transient network failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var re *RemoteError
	if errors.As(err, &re) && re.Code >= 400 && re.Code < 500 {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	retryableMessages := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"handshake failed",
		"ssh: disconnect",
		"temporary failure",
		"too many open files",
		"use of closed network connection",
		"connection lost",
		"unexpected eof",
	}

	for _, msg := range retryableMessages {
		if strings.Contains(errMsg, msg) {
			return true
		}
	}

	return false
}

// connectionBroken reports whether err means the session can no longer be used.
// A server reply proves the control channel still works.
func connectionBroken(err error) bool {
	if err == nil || isRemoteReply(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return IsTransientError(err)
}
