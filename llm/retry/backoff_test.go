package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dossierbot/dossier/types"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   1.0,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	boom := errors.New("still broken")
	r := NewBackoffRetryer(fastPolicy(2), nil)
	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestDoWithResultReturnsValue(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(1), nil)
	out, err := r.DoWithResult(context.Background(), func() (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestDoHonorsCancellation(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = time.Minute
	policy.MaxDelay = time.Minute
	r := NewBackoffRetryer(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Do(ctx, func() error { return errors.New("always") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryableErrorsFilter(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")

	policy := fastPolicy(3)
	policy.RetryableErrors = []error{transient}
	r := NewBackoffRetryer(policy, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not retry")
}

func TestTypedNonRetryableFailsFast(t *testing.T) {
	bad := types.NewError(types.ErrUnauthorized, "key rejected")
	r := NewBackoffRetryer(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return bad
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a non-retryable classification must stop the loop")
	assert.ErrorIs(t, err, bad)
}

func TestTypedRetryableIsRetried(t *testing.T) {
	transient := types.NewError(types.ErrUpstreamError, "bad gateway").WithRetryable(true)
	r := NewBackoffRetryer(fastPolicy(2), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestTypedWrappedNonRetryableFailsFast(t *testing.T) {
	bad := types.NewError(types.ErrInvalidRequest, "malformed body")
	r := NewBackoffRetryer(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return fmt.Errorf("completion: %w", bad)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "classification must survive error wrapping")
}

func TestOnRetryCallback(t *testing.T) {
	policy := fastPolicy(2)
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := NewBackoffRetryer(policy, nil)

	_ = r.Do(context.Background(), func() error { return errors.New("always") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestWrapRetryable(t *testing.T) {
	base := errors.New("base")
	assert.True(t, IsRetryableError(WrapRetryable(base)))
	assert.False(t, IsRetryableError(base))
	assert.Nil(t, WrapRetryable(nil))
	assert.ErrorIs(t, WrapRetryable(base), base)
}
