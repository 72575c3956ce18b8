package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy indicates a RetryPolicy with impossible constraints.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines automatic retry behavior for a node type.
//
// Retry is a worker-level concern: the orchestrator treats a node's
// completed_failure as terminal, so any retrying happens inside the step
// before the worker reports its result. Exponential backoff with jitter
// avoids synchronized retry storms across concurrent nodes.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts, including the
	// initial one. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff between attempts.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth retrying. Nil treats all
	// errors as non-retryable.
	Retryable func(error) bool
}

// Validate checks the policy's constraints.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns min(base * 2^attempt, maxDelay) + jitter(0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if base > 0 {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter timing, not security
	}
	return delay + jitter
}

// WithRetry wraps a worker so failed runs are retried under the policy.
//
// A run counts as failed when it returns an error or Result.Success=false;
// the Retryable predicate sees the returned error, or a synthesized one
// carrying Result.Error for soft failures.
func WithRetry(w Worker, policy RetryPolicy) Worker {
	return Func(func(ctx context.Context, env Env) (Result, error) {
		if err := policy.Validate(); err != nil {
			return Result{}, err
		}
		var lastResult Result
		var lastErr error
		for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(computeBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay)):
				case <-ctx.Done():
					return Result{}, ctx.Err()
				}
			}
			lastResult, lastErr = w.Run(ctx, env)
			if lastErr == nil && lastResult.Success {
				return lastResult, nil
			}
			checkErr := lastErr
			if checkErr == nil {
				checkErr = errors.New(lastResult.Error)
			}
			if policy.Retryable == nil || !policy.Retryable(checkErr) {
				break
			}
		}
		return lastResult, lastErr
	})
}

// WithTimeout wraps a worker so each run is bounded by d. A zero duration
// returns the worker unchanged. Exceeding the deadline surfaces as an error
// result naming the timeout.
func WithTimeout(w Worker, d time.Duration) Worker {
	if d <= 0 {
		return w
	}
	return Func(func(ctx context.Context, env Env) (Result, error) {
		timeoutCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		result, err := w.Run(timeoutCtx, env)
		if timeoutCtx.Err() == context.DeadlineExceeded && err == nil && !result.Success {
			return Result{Success: false, Error: "node " + env.NodeID + " exceeded timeout of " + d.String()}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Success: false, Error: "node " + env.NodeID + " exceeded timeout of " + d.String()}, nil
		}
		return result, err
	})
}
