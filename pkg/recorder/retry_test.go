package recorder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(max int) *RetryHandler {
	return NewRetryHandler(RetryConfig{MaxRetries: max, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

func TestRetryHandler(t *testing.T) {
	t.Run("retries transient until success", func(t *testing.T) {
		calls := 0
		err := fastRetry(3).Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return Transient(errors.New("rate limited"))
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := fastRetry(2).Do(context.Background(), func() error {
			calls++
			return Transient(errors.New("502"))
		})
		assert.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("fatal is returned immediately", func(t *testing.T) {
		calls := 0
		err := fastRetry(5).Do(context.Background(), func() error {
			calls++
			return Fatal(errors.New("bad symbol"))
		})
		assert.ErrorIs(t, err, ErrFatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancel stops the backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		handler := NewRetryHandler(RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour})
		calls := 0
		err := handler.Do(ctx, func() error {
			calls++
			cancel()
			return Transient(errors.New("timeout"))
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("x"))))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.True(t, IsTransient(fmt.Errorf("dial: %w", timeoutErr{})))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(nil))

	err := fmt.Errorf("fetch: %w", Fatal(errors.New("no such code")))
	assert.ErrorIs(t, err, ErrFatal)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "fatal fetch error: no such code")
	assert.Nil(t, Transient(nil))
}

func TestTokenBucket(t *testing.T) {
	unlimited := NewTokenBucket(0, 1)
	for i := 0; i < 10; i++ {
		assert.True(t, unlimited.Allow())
	}

	paced := NewTokenBucket(time.Hour, 1)
	assert.True(t, paced.Allow())
	assert.False(t, paced.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, paced.Wait(ctx))
}
