package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoStopsWhenDone(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 5}.Do(context.Background(), func(context.Context, int) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	err := Policy{MaxAttempts: 4}.Do(context.Background(), func(context.Context, int) (bool, error) {
		calls++
		return false, nil
	})
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, calls)
}

func TestDoTerminalError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Policy{MaxAttempts: 4}.Do(context.Background(), func(context.Context, int) (bool, error) {
		calls++
		return false, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoRetryableError(t *testing.T) {
	flaky := errors.New("flaky")
	p := Policy{MaxAttempts: 3, Retryable: func(err error) bool { return errors.Is(err, flaky) }}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) (bool, error) {
		calls++
		if calls < 3 {
			return false, flaky
		}
		return true, nil
	})
	require.NoError(t, err)

	err = p.Do(context.Background(), func(context.Context, int) (bool, error) { return false, flaky })
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "flaky")
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Interval: time.Hour, MaxAttempts: 10}.Do(ctx, func(context.Context, int) (bool, error) {
		calls++
		cancel()
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Second, p.Interval)
	assert.Equal(t, 60, p.MaxAttempts)
}
