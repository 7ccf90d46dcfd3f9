package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	tests := []struct {
		name             string
		failUntilN       int
		maxRetries       int
		expectedAttempts int
		shouldSucceed    bool
	}{
		{name: "success on second attempt", failUntilN: 2, maxRetries: 3, expectedAttempts: 2, shouldSucceed: true},
		{name: "success on last retry", failUntilN: 4, maxRetries: 3, expectedAttempts: 4, shouldSucceed: true},
		{name: "fail all attempts", failUntilN: 10, maxRetries: 3, expectedAttempts: 4},
		{name: "no retries", failUntilN: 10, maxRetries: 0, expectedAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), func() error {
				attempts++
				if attempts < tt.failUntilN {
					return errors.New("temporary failure")
				}
				return nil
			}, WithMaxRetries(tt.maxRetries), WithInitialDelay(time.Millisecond))

			assert.Equal(t, tt.expectedAttempts, attempts)
			if tt.shouldSucceed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "retry failed after")
			}
		})
	}
}

func TestDo_RetryIf(t *testing.T) {
	permanent := errors.New("404 not found")
	attempts := 0

	err := Do(context.Background(), func() error {
		attempts++
		return permanent
	},
		WithMaxRetries(5),
		WithInitialDelay(time.Millisecond),
		WithRetryIf(func(err error) bool { return !errors.Is(err, permanent) }),
	)

	assert.Equal(t, 1, attempts)
	assert.Same(t, permanent, err)
}

func TestDo_RetryIfStopsMidway(t *testing.T) {
	transient := errors.New("502")
	terminal := errors.New("401")
	attempts := 0

	err := Do(context.Background(), func() error {
		attempts++
		if attempts == 1 {
			return transient
		}
		return terminal
	},
		WithInitialDelay(time.Millisecond),
		WithRetryIf(func(err error) bool { return errors.Is(err, transient) }),
	)

	assert.Equal(t, 2, attempts)
	assert.Same(t, terminal, err)
}

func TestDo_OnRetry(t *testing.T) {
	var delays []time.Duration
	_ = Do(context.Background(), func() error {
		return errors.New("boom")
	},
		WithMaxRetries(3),
		WithInitialDelay(time.Millisecond),
		WithMultiplier(2),
		WithOnRetry(func(attempt int, delay time.Duration, err error) {
			delays = append(delays, delay)
		}),
	)

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := Do(ctx, func() error {
		attempts++
		cancel()
		return errors.New("failure")
	}, WithInitialDelay(time.Second))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextTimeoutDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, func() error {
		return errors.New("failure")
	}, WithInitialDelay(time.Second))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDo_NilFunction(t *testing.T) {
	err := Do(context.Background(), nil)
	assert.EqualError(t, err, "retry: function cannot be nil")
}

func TestDo_ErrorWrapping(t *testing.T) {
	cause := WrapError(ErrCodeTransientFetch, "upstream 503", errors.New("503"))
	err := Do(context.Background(), func() error {
		return cause
	}, WithMaxRetries(1), WithInitialDelay(time.Millisecond))

	assert.ErrorIs(t, err, ErrTransientFetch)
}

func TestCalculateDelay(t *testing.T) {
	tests := []struct {
		name     string
		attempt  int
		initial  time.Duration
		max      time.Duration
		mult     float64
		expected time.Duration
	}{
		{name: "first retry", attempt: 1, initial: time.Second, max: time.Minute, mult: 2, expected: time.Second},
		{name: "third retry", attempt: 3, initial: time.Second, max: time.Minute, mult: 2, expected: 4 * time.Second},
		{name: "capped", attempt: 10, initial: time.Second, max: 10 * time.Second, mult: 2, expected: 10 * time.Second},
		{name: "linear", attempt: 4, initial: time.Second, max: time.Minute, mult: 1, expected: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, calculateDelay(tt.attempt, tt.initial, tt.max, tt.mult))
		})
	}
}

func TestDo_InvalidOptionsIgnored(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), func() error {
		attempts++
		return errors.New("failure")
	},
		WithMaxRetries(-1),
		WithInitialDelay(-time.Second),
		WithMaxDelay(0),
		WithMultiplier(-2),
		WithInitialDelay(time.Millisecond),
		WithMaxRetries(1),
	)

	assert.Equal(t, 2, attempts)
}
