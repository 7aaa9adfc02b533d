package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyWrappedTypes(t *testing.T) {
	transient := NewTransientError(stderrors.New("boom"), "rate limited")
	permanent := NewPermanentError(stderrors.New("boom"), "bad key")

	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.True(t, IsPermanent(permanent))
	assert.False(t, IsTransient(permanent))

	wrapped := fmt.Errorf("outer: %w", transient)
	assert.True(t, IsTransient(wrapped))
}

func TestClassifyByMessage(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("connection refused")))
	assert.True(t, IsTransient(stderrors.New("API rate limit hit")))
	assert.True(t, IsTransient(stderrors.New("request failed with status 503")))

	assert.True(t, IsPermanent(stderrors.New("authentication failed: unauthorized")))
	assert.True(t, IsPermanent(stderrors.New("push rejected: non-fast-forward")))
	assert.True(t, IsPermanent(stderrors.New("request failed with status 401")))
}

func TestGetErrorTypeDefaultsToPermanent(t *testing.T) {
	assert.Equal(t, ErrorTypePermanent, GetErrorType(stderrors.New("mystery failure")))
	assert.Equal(t, ErrorTypeTransient, GetErrorType(stderrors.New("timeout while reading")))
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, 1*time.Second, Backoff(0, cfg))
	assert.Equal(t, 2*time.Second, Backoff(1, cfg))
	assert.Equal(t, 4*time.Second, Backoff(2, cfg))
	assert.Equal(t, 5*time.Second, Backoff(3, cfg))
	assert.Equal(t, 5*time.Second, Backoff(10, cfg))
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewPermanentError(stderrors.New("nope"), "")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(stderrors.New("blip"), "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(stderrors.New("blip"), "")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		return NewTransientError(stderrors.New("blip"), "")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShouldRetry(t *testing.T) {
	transient := NewTransientError(stderrors.New("blip"), "")
	assert.True(t, ShouldRetry(transient, 1, 3))
	assert.False(t, ShouldRetry(transient, 3, 3))
	assert.False(t, ShouldRetry(nil, 0, 3))
	assert.False(t, ShouldRetry(NewPermanentError(stderrors.New("no"), ""), 0, 3))
}
