package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	b := Backoff{Attempts: 5, Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, b.Delay(1))
	require.Equal(t, 20*time.Millisecond, b.Delay(2))
	require.Equal(t, 40*time.Millisecond, b.Delay(3))
	require.Equal(t, 50*time.Millisecond, b.Delay(4))
	require.Equal(t, 50*time.Millisecond, b.Delay(30))

	unbounded := Backoff{Base: time.Millisecond}
	require.Equal(t, 8*time.Millisecond, unbounded.Delay(4))
}

func TestRetry(t *testing.T) {
	b := Backoff{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}
	errFlaky := errors.New("flaky")

	calls := 0
	err := Retry(context.Background(), b, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), b, func(context.Context) error {
		calls++
		return errFlaky
	})
	require.ErrorIs(t, err, errFlaky)
	require.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), b, func(context.Context) error {
		calls++
		return Permanent(errFlaky)
	})
	require.Equal(t, errFlaky, err)
	require.Equal(t, 1, calls)
	require.NoError(t, Permanent(nil))
	require.ErrorIs(t, Permanent(errFlaky), errFlaky)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Backoff{Attempts: 10, Base: time.Hour}

	calls := 0
	err := Retry(ctx, b, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	require.EqualError(t, err, "down")
	require.Equal(t, 1, calls)
}
