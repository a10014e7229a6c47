// Package retry wraps operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = 2 * time.Second
	DefaultBackoff  = 1.5
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Backoff multiplies Delay after every wait.
	Backoff float64
	// Retryable reports whether a failure may be retried. Nil retries every failure.
	Retryable func(error) bool
	// OnRetry is called with the failed attempt number before each wait.
	OnRetry func(attempt int, err error)
}

// Default returns the policy used for remote connections.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultAttempts,
		Delay:       DefaultDelay,
		Backoff:     DefaultBackoff,
	}
}

// On returns a Retryable predicate matching any of the given errors.
func On(kinds ...error) func(error) bool {
	return func(err error) bool {
		for _, k := range kinds {
			if errors.Is(err, k) {
				return true
			}
		}
		return false
	}
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do invokes fn until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. Waits are interrupted by ctx.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalize()

	var (
		value     T
		attempt   int
		lastErr   error
		exhausted bool
		delay     = p.Delay
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= p.MaxAttempts {
			exhausted = true
			return 0, true
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		next := delay
		delay = time.Duration(float64(delay) * p.Backoff)
		return next, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			value = v
			return nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
	if err != nil {
		var zero T
		if exhausted {
			return zero, &ExhaustedError{Attempts: attempt, Err: lastErr}
		}
		return zero, err
	}
	return value, nil
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Outcome is the result delivered by Async.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Async runs Do on its own goroutine. The returned channel receives exactly
// one Outcome and is then closed.
func Async[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	go func() {
		defer close(ch)
		v, err := Do(ctx, p, fn)
		ch <- Outcome[T]{Value: v, Err: err}
	}()
	return ch
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 1 {
		p.Backoff = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}
