// Package retry provides the bounded retry/backoff executor that wraps all
// outbound calls. Callers decide what happens on exhaustion (typically:
// enqueue a pending operation).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PermanentError marks a failure that must not be retried (client errors
// other than rate limits, data-integrity violations).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the executor returns it after a single attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RateLimitError is a retryable failure carrying an explicit retry-after
// hint from the remote service. A positive RetryAfter overrides the
// computed exponential backoff for the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}
func (e *RateLimitError) Unwrap() error { return e.Err }

// ExhaustedError is returned when every attempt in the budget failed with a
// retryable error. It wraps the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}
func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is a retry-budget exhaustion.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Policy bounds an Executor's attempts and backoff.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseBackoff time.Duration // first wait; doubles each retryable failure
	MaxBackoff  time.Duration // cap on the computed wait
	// Retryable classifies errors. Nil means "retry everything except
	// PermanentError".
	Retryable func(error) bool
}

// Executor runs operations under a Policy. It has no side table of its own.
type Executor struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an Executor. Zero policy fields get conservative defaults.
func New(policy Policy) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = 500 * time.Millisecond
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 30 * time.Second
	}
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool { return !IsPermanent(err) }
	}
	return &Executor{policy: policy, sleep: sleepCtx}
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Execute runs op until it succeeds, fails permanently, or the attempt
// budget is exhausted. Every attempt is logged with its number and elapsed
// time. name identifies the operation in logs.
func (e *Executor) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.BaseBackoff
	bo.MaxInterval = e.policy.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		start := time.Now()
		err := op(ctx)
		elapsed := time.Since(start)

		if err == nil {
			log.Printf("retry: %s attempt %d/%d ok in %s", name, attempt, e.policy.MaxAttempts, elapsed)
			return nil
		}
		log.Printf("retry: %s attempt %d/%d failed in %s: %v", name, attempt, e.policy.MaxAttempts, elapsed, err)

		if !e.policy.Retryable(err) {
			return err
		}
		lastErr = err

		if attempt == e.policy.MaxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if wait > e.policy.MaxBackoff {
			wait = e.policy.MaxBackoff
		}
		var rle *RateLimitError
		if errors.As(err, &rle) && rle.RetryAfter > 0 {
			wait = rle.RetryAfter
		}

		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &ExhaustedError{Attempts: e.policy.MaxAttempts, Err: lastErr}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
