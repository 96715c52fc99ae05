// Package retry provides bounded retry with exponential backoff for upstream
// LLM calls. Retries are never unbounded: exhausting the policy surfaces the
// last error to the caller, which aborts the run.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/dossierbot/dossier/types"
)

// Policy defines retry behaviour for a class of calls.
type Policy struct {
	MaxRetries      int           // maximum retry count (0 disables retries)
	InitialDelay    time.Duration // delay before the first retry
	MaxDelay        time.Duration // upper bound on any single delay
	Multiplier      float64       // exponential growth factor
	Jitter          bool          // add +-25% random jitter to each delay
	RetryableErrors []error       // retry only these errors (empty: retry all)

	// OnRetry is invoked before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used for LLM completion calls: a small
// fixed retry count with short backoff, per the engine's failure policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions with retry.
type Retryer interface {
	// Do runs fn, retrying per policy on failure.
	Do(ctx context.Context, fn func() error) error

	// DoWithResult runs fn and returns its result, retrying per policy on failure.
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewBackoffRetryer creates an exponential-backoff retryer. A nil policy
// selects DefaultPolicy; invalid fields are clamped to sane values.
func NewBackoffRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &backoffRetryer{policy: policy, logger: logger}
}

func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if !r.isRetryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return nil, lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("still failing after %d retries: %w", r.policy.MaxRetries, lastErr)
}

func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	// Jitter prevents synchronized retries from multiple conversations.
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay = delay + (rand.Float64()*2-1)*jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

func (r *backoffRetryer) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryableError(err) {
		return true
	}
	// A typed error carries its own classification; a provider that marked a
	// response non-retryable (bad request, bad credentials) fails fast.
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr.Retryable
	}
	if len(r.policy.RetryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range r.policy.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

// RetryableError marks an error as eligible for retry regardless of the
// policy's error list.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// WrapRetryable wraps an error so IsRetryableError reports true for it.
func WrapRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryableError checks whether err was wrapped by WrapRetryable.
func IsRetryableError(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
